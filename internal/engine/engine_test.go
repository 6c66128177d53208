package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/analysis"
	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/clock"
	"github.com/satindergrewal/stemdeck/internal/stream"
)

const testTick = 10 * time.Millisecond

// nameDecoder decodes the payload length as seconds at 1 kHz and fails on
// payloads starting with "bad".
type nameDecoder struct{}

func (nameDecoder) Decode(_ context.Context, data []byte, _ string) (*audio.Buffer, error) {
	if len(data) >= 3 && string(data[:3]) == "bad" {
		return nil, audio.ErrDecode
	}
	return audio.NewBuffer(1000, make([]float32, len(data)*1000)), nil
}

type countingAnalyzer struct {
	mu     sync.Mutex
	calls  int
	frames []int
}

func (a *countingAnalyzer) Analyze(_ context.Context, buf *audio.Buffer) analysis.Result {
	a.mu.Lock()
	a.calls++
	a.frames = append(a.frames, buf.Frames())
	a.mu.Unlock()
	return analysis.Result{BPM: 128, Key: "A", Scale: analysis.Minor, KeyDisplay: "Am"}
}

func (a *countingAnalyzer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestEngine(t *testing.T, an Analyzer) (*Engine, *stubGraph, *clock.Manual) {
	t.Helper()
	g := newStubGraph()
	sched := clock.NewManual()
	e := New(Options{
		TickInterval: testTick,
		Scheduler:    sched,
		Decoder:      nameDecoder{},
		Analyzer:     an,
		Graph:        g,
		Logger:       zerolog.Nop(),
	})
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e, g, sched
}

func seconds(n int) []byte { return make([]byte, n) }

// setNow moves the stub clock from the loop goroutine.
func setNow(t *testing.T, e *Engine, g *stubGraph, now float64) {
	t.Helper()
	if err := e.do(func() { g.now = now }); err != nil {
		t.Fatal(err)
	}
}

func nextEvent(t *testing.T, l *stream.Listener[Event], kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.C:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestEngineNotRunning(t *testing.T) {
	e := New(Options{Graph: newStubGraph(), Logger: zerolog.Nop()})
	if err := e.Play(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("before Init: got %v", err)
	}
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Init(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Init: got %v", err)
	}
	e.Shutdown()
	if err := e.Play(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("after Shutdown: got %v", err)
	}
	e.Shutdown()
}

func TestEngineLoadSongContainsDecodeFailures(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	infos, err := e.LoadSong(context.Background(), []TrackSource{
		{Name: "drums", Data: seconds(12)},
		{Name: "broken", Data: []byte("bad file")},
		{Name: "bass", Data: seconds(30)},
	})
	if len(infos) != 2 {
		t.Fatalf("loaded %d tracks, want 2", len(infos))
	}
	var df *DecodeFailure
	if !errors.As(err, &df) || df.TrackName != "broken" {
		t.Errorf("expected a DecodeFailure for broken, got %v", err)
	}
	if !errors.Is(err, audio.ErrDecode) {
		t.Errorf("failure should wrap the decode error: %v", err)
	}

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !approx(snap.Duration, 30) || len(snap.Tracks) != 2 {
		t.Errorf("snapshot: duration %f, %d tracks", snap.Duration, len(snap.Tracks))
	}

	// Loading again replaces the song.
	e.LoadSong(context.Background(), []TrackSource{{Name: "click", Data: seconds(5)}})
	snap, _ = e.Snapshot()
	if !approx(snap.Duration, 5) || len(snap.Tracks) != 1 {
		t.Errorf("reload: duration %f, %d tracks", snap.Duration, len(snap.Tracks))
	}
}

// gatedDecoder holds payloads starting with "slow" until release closes.
type gatedDecoder struct {
	started chan struct{}
	release chan struct{}
}

func (d gatedDecoder) Decode(ctx context.Context, data []byte, hint string) (*audio.Buffer, error) {
	if len(data) >= 4 && string(data[:4]) == "slow" {
		d.started <- struct{}{}
		<-d.release
	}
	return nameDecoder{}.Decode(ctx, data, hint)
}

func TestEngineLoadSongDropsStaleDecodes(t *testing.T) {
	dec := gatedDecoder{started: make(chan struct{}, 1), release: make(chan struct{})}
	e := New(Options{
		TickInterval: testTick,
		Scheduler:    clock.NewManual(),
		Decoder:      dec,
		Graph:        newStubGraph(),
		Logger:       zerolog.Nop(),
	})
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Shutdown)

	type loaded struct {
		infos []TrackInfo
		err   error
	}
	first := make(chan loaded, 1)
	go func() {
		infos, err := e.LoadSong(context.Background(), []TrackSource{{Name: "old", Data: []byte("slow")}})
		first <- loaded{infos, err}
	}()
	select {
	case <-dec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first song never started decoding")
	}

	infos, err := e.LoadSong(context.Background(), []TrackSource{{Name: "new", Data: seconds(7)}})
	if err != nil || len(infos) != 1 {
		t.Fatalf("second LoadSong: %d tracks, err %v", len(infos), err)
	}
	close(dec.release)

	var got loaded
	select {
	case got = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first LoadSong did not return")
	}
	if len(got.infos) != 0 || !errors.Is(got.err, ErrSongChanged) {
		t.Errorf("stale song: %d tracks, err %v", len(got.infos), got.err)
	}

	snap, err := e.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Tracks) != 1 || snap.Tracks[0].Name != "new" || !approx(snap.Duration, 7) {
		t.Errorf("session mixes songs: %+v", snap.Tracks)
	}
}

func TestEngineDurationFollowsAddRemove(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	a, _ := e.AddTrack(context.Background(), TrackSource{Name: "a", Data: seconds(8)})
	b, _ := e.AddTrack(context.Background(), TrackSource{Name: "b", Data: seconds(20)})

	if err := e.RemoveTrack(b.ID); err != nil {
		t.Fatal(err)
	}
	snap, _ := e.Snapshot()
	if !approx(snap.Duration, 8) {
		t.Errorf("after removing b: got %f, want 8", snap.Duration)
	}
	e.RemoveTrack(a.ID)
	snap, _ = e.Snapshot()
	if snap.Duration != 0 {
		t.Errorf("empty: got %f, want 0", snap.Duration)
	}
	if err := e.RemoveTrack(a.ID); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("second removal: got %v", err)
	}
}

func TestEngineTransport(t *testing.T) {
	e, g, _ := newTestEngine(t, nil)
	e.AddTrack(context.Background(), TrackSource{Name: "a", Data: seconds(60)})
	e.AddTrack(context.Background(), TrackSource{Name: "b", Data: seconds(40)})

	e.PlayFrom(10)
	setNow(t, e, g, 3)
	snap, _ := e.Snapshot()
	if !snap.Transport.Playing || !approx(snap.Transport.Position, 13) {
		t.Errorf("playing: %+v", snap.Transport)
	}

	e.Seek(25)
	snap, _ = e.Snapshot()
	if !approx(snap.Transport.Position, 25) {
		t.Errorf("seek: got %f, want 25", snap.Transport.Position)
	}

	e.Pause()
	setNow(t, e, g, 50)
	snap, _ = e.Snapshot()
	if snap.Transport.Playing || !approx(snap.Transport.Position, 25) {
		t.Errorf("paused: %+v", snap.Transport)
	}

	e.Toggle()
	e.Stop()
	snap, _ = e.Snapshot()
	var units int
	e.do(func() { units = g.ActiveUnits() })
	if snap.Transport.Position != 0 || units != 0 {
		t.Errorf("stop: position %f, %d units", snap.Transport.Position, units)
	}
}

func TestEngineTickPublishesAndStopsAtEnd(t *testing.T) {
	e, g, sched := newTestEngine(t, nil)
	l := e.Events().Subscribe()
	defer e.Events().Unsubscribe(l)

	e.AddTrack(context.Background(), TrackSource{Name: "a", Data: seconds(10)})
	e.PlayFrom(0)
	setNow(t, e, g, 4)

	sched.Tick(testTick)
	ev := nextEvent(t, l, EventTick)
	if !approx(ev.Position, 4) || !ev.Playing {
		t.Errorf("tick event: %+v", ev)
	}

	setNow(t, e, g, 10.01)
	sched.Tick(testTick)
	for {
		ev = nextEvent(t, l, EventTransport)
		if !ev.Playing {
			break
		}
	}
	if ev.Position != 0 {
		t.Errorf("end of song position: got %f, want 0", ev.Position)
	}
	var units int
	e.do(func() { units = g.ActiveUnits() })
	if units != 0 {
		t.Errorf("units after end: %d", units)
	}
}

func TestEngineMixGains(t *testing.T) {
	e, g, _ := newTestEngine(t, nil)
	a, _ := e.AddTrack(context.Background(), TrackSource{Name: "a", Data: seconds(5)})
	b, _ := e.AddTrack(context.Background(), TrackSource{Name: "b", Data: seconds(5)})

	gains := func() map[string]float64 {
		var out map[string]float64
		e.do(func() { out = g.gains })
		return out
	}

	e.SetVolume(a.ID, 0.5)
	e.SetMasterVolume(0.8)
	if got := gains(); !approx(got[a.ID], 0.4) || !approx(got[b.ID], 0.8) {
		t.Errorf("volume/master: %v", got)
	}
	e.ToggleSolo(b.ID)
	if got := gains(); got[a.ID] != 0 || !approx(got[b.ID], 0.8) {
		t.Errorf("solo b: %v", got)
	}
	e.SetMuted(b.ID, true)
	if got := gains(); got[a.ID] != 0 || got[b.ID] != 0 {
		t.Errorf("solo+mute b: %v", got)
	}
	e.SetSoloed(b.ID, false)
	e.ToggleMute(b.ID)
	if got := gains(); !approx(got[a.ID], 0.4) || !approx(got[b.ID], 0.8) {
		t.Errorf("cleared: %v", got)
	}
	e.SetVolume(a.ID, 3)
	if got := gains(); !approx(got[a.ID], 0.8) {
		t.Errorf("volume should clamp to 1: %v", got)
	}
	if err := e.SetVolume("missing", 1); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("unknown track: %v", err)
	}
}

func TestEngineAnalyzesFirstAudioTrackOnce(t *testing.T) {
	an := &countingAnalyzer{}
	e, _, _ := newTestEngine(t, an)
	l := e.Events().Subscribe()
	defer e.Events().Unsubscribe(l)

	e.AddTrack(context.Background(), TrackSource{Name: "video", Data: seconds(3), IsVideoAudio: true})
	e.AddTrack(context.Background(), TrackSource{Name: "drums", Data: seconds(4)})
	e.AddTrack(context.Background(), TrackSource{Name: "bass", Data: seconds(5)})

	ev := nextEvent(t, l, EventAnalysis)
	if ev.Analysis == nil || ev.Analysis.KeyDisplay != "Am" {
		t.Fatalf("analysis event: %+v", ev)
	}
	if an.count() != 1 {
		t.Errorf("analyzer called %d times, want 1", an.count())
	}
	an.mu.Lock()
	if an.frames[0] != 4000 {
		t.Errorf("analyzed a %d-frame buffer, want the drums", an.frames[0])
	}
	an.mu.Unlock()

	snap, _ := e.Snapshot()
	if snap.Analysis.BPM != 128 || snap.Analyzing {
		t.Errorf("snapshot analysis: %+v analyzing=%v", snap.Analysis, snap.Analyzing)
	}

	e.Clear()
	snap, _ = e.Snapshot()
	if snap.Analysis != analysis.Placeholder() {
		t.Errorf("clear should reset analysis: %+v", snap.Analysis)
	}
}

func TestEngineVideoSync(t *testing.T) {
	e, g, _ := newTestEngine(t, nil)
	surf := &fakeSurface{}
	e.AddTrack(context.Background(), TrackSource{Name: "a", Data: seconds(30)})
	e.AttachSurface(surf)
	e.SetVideo("clip.mp4", 30)
	e.SetVideoOffset(2)

	e.PlayFrom(3)
	e.do(func() {
		if surf.src != "clip.mp4" || surf.pos != 5 || !surf.playing {
			t.Errorf("play: %+v", surf)
		}
	})
	setNow(t, e, g, 1)
	e.Seek(10)
	e.do(func() {
		if surf.pos != 12 {
			t.Errorf("seek: %+v", surf)
		}
	})
	e.Pause()
	e.do(func() {
		if surf.playing {
			t.Error("pause left video playing")
		}
	})
	e.Stop()
	e.do(func() {
		if surf.pos != 2 || surf.playing {
			t.Errorf("stop: %+v", surf)
		}
		if surf.reads != 0 {
			t.Errorf("surface clock read %d times", surf.reads)
		}
	})

	st := e.ScreenState()
	if st.Src != "clip.mp4" || st.Position != 2 || st.Playing {
		t.Errorf("screen state: %+v", st)
	}
}

func TestEngineTrimVideoWarning(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	l := e.Events().Subscribe()
	defer e.Events().Unsubscribe(l)

	e.AddTrack(context.Background(), TrackSource{Name: "drums", Data: seconds(10)})
	e.AddTrack(context.Background(), TrackSource{Name: "video", Data: seconds(15), IsVideoAudio: true})
	e.SetVideo("clip.mp4", 15)

	err := e.TrimVideoToAudio()
	if !errors.Is(err, ErrVideoLongerThanAudio) {
		t.Fatalf("expected warning, got %v", err)
	}
	ev := nextEvent(t, l, EventWarning)
	if ev.Warning == "" {
		t.Error("empty warning")
	}
	snap, _ := e.Snapshot()
	if !approx(snap.Duration, 10) || !snap.Trimmed {
		t.Errorf("trimmed duration: %f", snap.Duration)
	}
}

func TestEngineRendersFramesWithAudioGraph(t *testing.T) {
	sched := clock.NewManual()
	e := New(Options{
		TickInterval:  testTick,
		Scheduler:     sched,
		GainSmoothing: -1,
		Logger:        zerolog.Nop(),
	})
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch := make([]float32, audio.SampleRate)
	for i := range ch {
		ch[i] = 0.25
	}
	e.RegisterTrack("tone", audio.NewBuffer(audio.SampleRate, ch), false)
	e.PlayFrom(0)

	sched.Tick(audio.FrameDuration)
	select {
	case frame := <-e.Frames():
		if len(frame) != audio.FrameSamples || frame[0] != 0.25 {
			t.Errorf("frame: len %d first %f", len(frame), frame[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame rendered")
	}
	snap, _ := e.Snapshot()
	if !approx(snap.Transport.Position, 0.02) {
		t.Errorf("position after one frame: got %f, want 0.02", snap.Transport.Position)
	}

	e.Shutdown()
	for range e.Frames() {
	}
}
