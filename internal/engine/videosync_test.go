package engine

import "testing"

type fakeSurface struct {
	src     string
	pos     float64
	playing bool
	reads   int
}

func (f *fakeSurface) SetSource(src string)  { f.src = src }
func (f *fakeSurface) Source() string        { return f.src }
func (f *fakeSurface) SetPosition(s float64) { f.pos = s }
func (f *fakeSurface) Position() float64     { f.reads++; return f.pos }
func (f *fakeSurface) Play()                 { f.playing = true }
func (f *fakeSurface) Pause()                { f.playing = false }
func (f *fakeSurface) Playing() bool         { return f.playing }

func TestVideoSyncFollowsTransport(t *testing.T) {
	s := &Session{}
	v := NewVideoSync(s)
	surf := &fakeSurface{}
	v.Attach(surf)

	v.SetOffset(1.5, 0)
	if surf.pos != 1.5 {
		t.Errorf("offset not applied at once: %f", surf.pos)
	}

	v.OnPlay(10)
	if surf.pos != 11.5 || !surf.playing {
		t.Errorf("play: pos=%f playing=%v", surf.pos, surf.playing)
	}
	v.OnSeek(20)
	if surf.pos != 21.5 || !surf.playing {
		t.Errorf("seek: pos=%f playing=%v", surf.pos, surf.playing)
	}
	v.OnPause()
	if surf.playing {
		t.Error("pause left surface playing")
	}
	v.OnStop()
	if surf.pos != 1.5 || surf.playing {
		t.Errorf("stop: pos=%f playing=%v", surf.pos, surf.playing)
	}
	if surf.reads != 0 {
		t.Errorf("surface clock was read %d times", surf.reads)
	}
	if s.VideoOffset != 1.5 {
		t.Errorf("offset not stored on session: %f", s.VideoOffset)
	}
}

func TestVideoSyncNegativeOffsetClampsAtZero(t *testing.T) {
	v := NewVideoSync(&Session{})
	surf := &fakeSurface{}
	v.Attach(surf)
	v.SetOffset(-3, 1)
	if surf.pos != 0 {
		t.Errorf("got %f, want 0", surf.pos)
	}
	if got := v.Position(5); got != 2 {
		t.Errorf("Position(5): got %f, want 2", got)
	}
}

func TestVideoSyncWithoutSurface(t *testing.T) {
	v := NewVideoSync(&Session{})
	v.OnPlay(1)
	v.OnSeek(2)
	v.OnPause()
	v.OnStop()
	v.SetOffset(1, 2)
	if v.Offset() != 1 {
		t.Errorf("offset: got %f", v.Offset())
	}
}
