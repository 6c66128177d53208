package engine

import (
	"errors"
	"testing"

	"github.com/satindergrewal/stemdeck/internal/audio"
)

func TestSessionDurationIsLongestTrack(t *testing.T) {
	tests := []struct {
		name      string
		durations []float64
		want      float64
	}{
		{"empty", nil, 0},
		{"one", []float64{3}, 3},
		{"many", []float64{3, 7.5, 2}, 7.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{}
			for _, d := range tt.durations {
				s.Add(silentTrack("t", d))
			}
			if !approx(s.Duration(), tt.want) {
				t.Errorf("got %f, want %f", s.Duration(), tt.want)
			}
		})
	}
}

func TestSessionAddThenRemoveRestoresDuration(t *testing.T) {
	s := &Session{}
	a := silentTrack("a", 4)
	b := silentTrack("b", 9)
	s.Add(a)
	s.Add(b)
	if !approx(s.Duration(), 9) {
		t.Fatalf("got %f, want 9", s.Duration())
	}

	if _, ok := s.Remove(b.ID); !ok {
		t.Fatal("remove failed")
	}
	if !approx(s.Duration(), 4) {
		t.Errorf("after removing longest: got %f, want 4", s.Duration())
	}
	s.Remove(a.ID)
	if s.Duration() != 0 {
		t.Errorf("empty session: got %f, want 0", s.Duration())
	}
	if _, ok := s.Remove("nope"); ok {
		t.Error("removed an unknown track")
	}
}

func TestSessionKeepsInsertionOrder(t *testing.T) {
	s := &Session{}
	for _, n := range []string{"drums", "bass", "vox"} {
		s.Add(silentTrack(n, 1))
	}
	got := s.Tracks()
	if got[0].Name != "drums" || got[1].Name != "bass" || got[2].Name != "vox" {
		t.Errorf("order: %s %s %s", got[0].Name, got[1].Name, got[2].Name)
	}
}

func TestTrimVideoToAudio(t *testing.T) {
	tests := []struct {
		name      string
		video     float64
		wantWarn  bool
		wantDur   float64
		videoAuds float64
	}{
		{"video shorter", 9, false, 10, 9},
		{"within threshold", 10.5, false, 10.5, 10.5},
		{"past threshold", 14, true, 10, 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{}
			s.Add(silentTrack("drums", 10))
			s.Add(NewTrack("video", audio.NewBuffer(1000, make([]float32, int(tt.videoAuds*1000))), true))
			s.VideoDuration = tt.video

			err := s.TrimVideoToAudio()
			if tt.wantWarn != errors.Is(err, ErrVideoLongerThanAudio) {
				t.Errorf("warning: got %v, want %v", err, tt.wantWarn)
			}
			if !approx(s.Duration(), tt.wantDur) {
				t.Errorf("duration: got %f, want %f", s.Duration(), tt.wantDur)
			}
			if s.Trimmed() != tt.wantWarn {
				t.Errorf("trimmed: got %v", s.Trimmed())
			}
		})
	}
}

func TestSessionClear(t *testing.T) {
	s := &Session{VideoSource: "v.mp4", VideoDuration: 20, VideoOffset: 1.5}
	s.Add(silentTrack("a", 5))
	s.Clear()
	if s.Len() != 0 || s.Duration() != 0 || s.VideoSource != "" || s.VideoOffset != 0 {
		t.Errorf("clear left state behind: %+v", s)
	}
}

func TestTrackDefaults(t *testing.T) {
	tr := silentTrack("Kick Drum", 2)
	if tr.ID == "" || tr.Volume != 1 || tr.Muted || tr.Soloed {
		t.Errorf("unexpected defaults: %+v", tr)
	}
	if tr.Color != "#06b6d4" {
		t.Errorf("color: got %s", tr.Color)
	}
	if other := silentTrack("Kick Drum", 2); other.ID == tr.ID {
		t.Error("track IDs must be unique")
	}
}

func TestTrackColor(t *testing.T) {
	tests := map[string]string{
		"Drums":    "#06b6d4",
		"Bass":     "#0d9488",
		"Lead Vox": "#2563eb",
		"Voz":      "#2563eb",
		"Click":    "#dc2626",
		"Keys":     "#d946ef",
		"Piano":    "#d946ef",
		"Guitar L": "#94a3b8",
	}
	for name, want := range tests {
		if got := TrackColor(name); got != want {
			t.Errorf("TrackColor(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestDecodeFailureUnwraps(t *testing.T) {
	err := error(&DecodeFailure{TrackName: "bass.mp3", Err: audio.ErrDecode})
	if !errors.Is(err, audio.ErrDecode) {
		t.Error("DecodeFailure should unwrap to its cause")
	}
	var df *DecodeFailure
	if !errors.As(err, &df) || df.TrackName != "bass.mp3" {
		t.Error("errors.As failed")
	}
}
