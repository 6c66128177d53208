package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/audio"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacket is the largest packet libopus produces for one frame.
const maxOpusPacket = 4000

var errBadOffer = errors.New("invalid SDP offer")

// WebRTCHandler negotiates Opus peers that monitor the mix with low
// latency. Each peer gets its own encoder fed from the frame broadcaster.
type WebRTCHandler struct {
	broadcaster *Broadcaster[[]float32]
	bitrate     int
	log         zerolog.Logger

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
}

// NewWebRTCHandler creates a WebRTC stream handler. bitrate is in bits per
// second; 0 uses 128 kbit/s.
func NewWebRTCHandler(b *Broadcaster[[]float32], bitrate int, log zerolog.Logger) *WebRTCHandler {
	if bitrate <= 0 {
		bitrate = 128000
	}
	return &WebRTCHandler{
		broadcaster: b,
		bitrate:     bitrate,
		log:         log.With().Str("component", "webrtc").Logger(),
		peers:       make(map[*webrtc.PeerConnection]struct{}),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close hangs up every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[*webrtc.PeerConnection]struct{})
	h.mu.Unlock()
	for pc := range peers {
		pc.Close()
	}
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, errBadOffer.Error(), http.StatusBadRequest)
		return
	}

	pc, track, err := h.negotiate(r, offer)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errBadOffer) {
			status = http.StatusBadRequest
		}
		h.log.Warn().Err(err).Msg("negotiation failed")
		http.Error(w, err.Error(), status)
		return
	}

	h.mu.Lock()
	h.peers[pc] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.log.Info().Int("peers", n).Msg("peer connected")

	done := make(chan struct{})
	var hangup sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			hangup.Do(func() {
				close(done)
				h.removePeer(pc)
				pc.Close()
				h.log.Info().Str("state", s.String()).Int("peers", h.PeerCount()).Msg("peer disconnected")
			})
		}
	})
	go h.streamToPeer(track, done)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// negotiate answers offer with a send-only Opus track. The answer carries
// every gathered candidate, so no trickle ICE is needed.
func (h *WebRTCHandler) negotiate(r *http.Request, offer webrtc.SessionDescription) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}
	fail := func(err error) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
		pc.Close()
		return nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: audio.SampleRate,
			Channels:  audio.Channels,
		},
		"audio",
		"stemdeck-mix",
	)
	if err != nil {
		return fail(fmt.Errorf("create audio track: %w", err))
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fail(fmt.Errorf("add track: %w", err))
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("%w: %v", errBadOffer, err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-r.Context().Done():
		return fail(r.Context().Err())
	}
	return pc, track, nil
}

// streamToPeer encodes the mix for one peer until it hangs up or the
// broadcaster goes away.
func (h *WebRTCHandler) streamToPeer(track *webrtc.TrackLocalStaticSample, done <-chan struct{}) {
	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.log.Error().Err(err).Msg("opus encoder")
		return
	}
	if err := enc.SetBitrate(h.bitrate); err != nil {
		h.log.Warn().Err(err).Int("bitrate", h.bitrate).Msg("opus bitrate")
	}

	packet := make([]byte, maxOpusPacket)
	frames := newFrameQueue(audio.FrameSamples)
	var writeErr error
	send := func(frame []float32) {
		if writeErr != nil {
			return
		}
		n, err := enc.EncodeFloat32(frame, packet)
		if err != nil {
			h.log.Warn().Err(err).Msg("opus encode")
			return
		}
		writeErr = track.WriteSample(media.Sample{Data: packet[:n], Duration: audio.FrameDuration})
	}

	for writeErr == nil {
		select {
		case <-done:
			return
		case <-listener.Done():
			return
		case chunk, ok := <-listener.C:
			if !ok {
				return
			}
			frames.push(chunk, send)
		}
	}
	h.log.Debug().Err(writeErr).Msg("peer write stopped")
}

func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) {
	h.mu.Lock()
	delete(h.peers, pc)
	h.mu.Unlock()
}

// frameQueue regroups interleaved samples into fixed-size frames. Opus only
// accepts exact frame sizes, and callers may hand over any length.
type frameQueue struct {
	size    int
	pending []float32
}

func newFrameQueue(size int) *frameQueue {
	return &frameQueue{size: size, pending: make([]float32, 0, size)}
}

// push appends samples and calls emit for every complete frame. The slice
// passed to emit is reused after emit returns.
func (q *frameQueue) push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		if len(q.pending) == 0 && len(samples) >= q.size {
			emit(samples[:q.size])
			samples = samples[q.size:]
			continue
		}
		n := min(q.size-len(q.pending), len(samples))
		q.pending = append(q.pending, samples[:n]...)
		samples = samples[n:]
		if len(q.pending) == q.size {
			emit(q.pending)
			q.pending = q.pending[:0]
		}
	}
}
