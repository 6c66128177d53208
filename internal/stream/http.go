package stream

import (
	"context"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/audio"
)

// HTTPHandler serves the live mix as a chunked MP3 stream.
// Each connection spawns an FFmpeg process to encode PCM -> MP3 in real-time.
type HTTPHandler struct {
	broadcaster *Broadcaster[[]float32]
	ffmpeg      string
	bitrate     string
	log         zerolog.Logger
}

// NewHTTPHandler creates an HTTP stream handler. bitrate is an ffmpeg rate
// such as "192k".
func NewHTTPHandler(b *Broadcaster[[]float32], ffmpeg, bitrate string, log zerolog.Logger) *HTTPHandler {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if bitrate == "" {
		bitrate = "192k"
	}
	return &HTTPHandler{
		broadcaster: b,
		ffmpeg:      ffmpeg,
		bitrate:     bitrate,
		log:         log.With().Str("component", "http_stream").Logger(),
	}
}

func (h *HTTPHandler) args() []string {
	return []string{
		"-f", "f32le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", h.bitrate,
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("ICY-Name", "stemdeck mix")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cmd := exec.CommandContext(ctx, h.ffmpeg, h.args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.log.Error().Err(err).Msg("stdin pipe")
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.log.Error().Err(err).Msg("stdout pipe")
		return
	}

	if err := cmd.Start(); err != nil {
		h.log.Error().Err(err).Msg("ffmpeg start")
		return
	}

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	h.log.Info().Int("listeners", h.broadcaster.ListenerCount()).Msg("listener connected")
	defer h.log.Info().Msg("listener disconnected")

	// Feed PCM frames to FFmpeg
	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Done():
				return
			case frame, ok := <-listener.C:
				if !ok {
					return
				}
				if _, err := stdin.Write(audio.Float32ToBytes(frame)); err != nil {
					return
				}
			}
		}
	}()

	// Read MP3 from FFmpeg and write to HTTP response
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				h.log.Warn().Err(err).Msg("ffmpeg read")
			}
			break
		}
	}

	cmd.Wait()
}
