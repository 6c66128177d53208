package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/mix"
)

var (
	ErrUnknownTrack = errors.New("unknown track")

	// ErrVideoLongerThanAudio is a warning: the session duration was cut
	// back to the audio stems.
	ErrVideoLongerThanAudio = errors.New("video longer than audio")
)

// videoTrimThreshold is how much longer than the audio a video may run
// before TrimVideoToAudio cuts the session back.
const videoTrimThreshold = 0.5

// DecodeFailure reports a track that could not be decoded. It never aborts
// the rest of the song.
type DecodeFailure struct {
	TrackName string
	Err       error
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("decode %q: %v", e.TrackName, e.Err)
}

func (e *DecodeFailure) Unwrap() error { return e.Err }

// Track is one decoded stem. Buffer never changes after decode; the mix
// fields are written only by the engine loop.
type Track struct {
	ID           string
	Name         string
	Buffer       *audio.Buffer
	Volume       float64
	Muted        bool
	Soloed       bool
	IsVideoAudio bool
	Color        string
}

// NewTrack wraps a decoded buffer at unity volume.
func NewTrack(name string, buf *audio.Buffer, isVideoAudio bool) *Track {
	return &Track{
		ID:           uuid.New().String(),
		Name:         name,
		Buffer:       buf,
		Volume:       1,
		IsVideoAudio: isVideoAudio,
		Color:        TrackColor(name),
	}
}

// Duration is the buffer length in seconds.
func (t *Track) Duration() float64 { return t.Buffer.Duration() }

func (t *Track) strip() mix.Strip {
	return mix.Strip{ID: t.ID, Volume: t.Volume, Muted: t.Muted, Soloed: t.Soloed}
}

// TrackInfo is a buffer-free snapshot of a track for observers.
type TrackInfo struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Duration     float64 `json:"duration"`
	Volume       float64 `json:"volume"`
	Muted        bool    `json:"muted"`
	Soloed       bool    `json:"soloed"`
	IsVideoAudio bool    `json:"is_video_audio"`
	Color        string  `json:"color"`
}

func (t *Track) Info() TrackInfo {
	return TrackInfo{
		ID:           t.ID,
		Name:         t.Name,
		Duration:     t.Duration(),
		Volume:       t.Volume,
		Muted:        t.Muted,
		Soloed:       t.Soloed,
		IsVideoAudio: t.IsVideoAudio,
		Color:        t.Color,
	}
}

// TrackColor picks the channel-strip color from the stem name.
func TrackColor(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "drum"):
		return "#06b6d4"
	case strings.Contains(n, "bass"):
		return "#0d9488"
	case strings.Contains(n, "vox"), strings.Contains(n, "voz"), strings.Contains(n, "vocal"):
		return "#2563eb"
	case strings.Contains(n, "click"):
		return "#dc2626"
	case strings.Contains(n, "key"), strings.Contains(n, "piano"):
		return "#d946ef"
	default:
		return "#94a3b8"
	}
}

// Session is the ordered set of loaded tracks plus video state. Insertion
// order is channel-strip order.
type Session struct {
	tracks   []*Track
	duration float64
	trimmed  bool

	VideoSource   string
	VideoDuration float64
	VideoOffset   float64
}

// Add appends a track and recomputes the duration.
func (s *Session) Add(t *Track) {
	s.tracks = append(s.tracks, t)
	s.recompute()
}

// Remove drops a track by ID and recomputes the duration.
func (s *Session) Remove(id string) (*Track, bool) {
	for i, t := range s.tracks {
		if t.ID == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			s.recompute()
			return t, true
		}
	}
	return nil, false
}

// Track looks a track up by ID.
func (s *Session) Track(id string) (*Track, bool) {
	for _, t := range s.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Tracks returns the tracks in strip order. The slice is a copy.
func (s *Session) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

// Len returns the number of loaded tracks.
func (s *Session) Len() int { return len(s.tracks) }

// Duration is the longest track, or 0 with no tracks. Once trimmed,
// video-derived tracks no longer count.
func (s *Session) Duration() float64 { return s.duration }

// AudioDuration is the longest non-video track.
func (s *Session) AudioDuration() float64 {
	var d float64
	for _, t := range s.tracks {
		if !t.IsVideoAudio {
			d = max(d, t.Duration())
		}
	}
	return d
}

// Trimmed reports whether TrimVideoToAudio cut the session back.
func (s *Session) Trimmed() bool { return s.trimmed }

// TrimVideoToAudio limits the session to the audio stems when the video runs
// more than half a second past them. The returned error is a warning only.
func (s *Session) TrimVideoToAudio() error {
	audioDur := s.AudioDuration()
	if s.VideoDuration <= audioDur+videoTrimThreshold {
		return nil
	}
	s.trimmed = true
	s.recompute()
	return fmt.Errorf("%w: video %.2fs, audio %.2fs", ErrVideoLongerThanAudio, s.VideoDuration, audioDur)
}

// Clear drops every track and resets video state.
func (s *Session) Clear() {
	*s = Session{}
}

func (s *Session) strips() []mix.Strip {
	out := make([]mix.Strip, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.strip()
	}
	return out
}

func (s *Session) infos() []TrackInfo {
	out := make([]TrackInfo, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.Info()
	}
	return out
}

func (s *Session) recompute() {
	if s.trimmed {
		s.duration = s.AudioDuration()
		return
	}
	var d float64
	for _, t := range s.tracks {
		d = max(d, t.Duration())
	}
	s.duration = d
}
