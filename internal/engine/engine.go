// Package engine is the synchronized multitrack player: a session of stems,
// a mixing graph, the transport that clocks it and the video follower.
//
// An Engine runs one loop goroutine that owns every piece of mutable state.
// Public methods post commands to that loop and wait for them, so state is
// never observed mid-tick and no locks guard it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/analysis"
	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/clock"
	"github.com/satindergrewal/stemdeck/internal/mix"
	"github.com/satindergrewal/stemdeck/internal/secondscreen"
	"github.com/satindergrewal/stemdeck/internal/stream"
)

var (
	ErrNotRunning     = errors.New("engine not running")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNoDecoder      = errors.New("no decoder configured")
	// ErrSongChanged means a track finished decoding after its song was
	// replaced; the track is dropped.
	ErrSongChanged = errors.New("song changed during load")
)

const (
	eventBuffer = 256
	frameBuffer = 50 // one second of 20 ms frames
)

// Analyzer estimates tempo and key. It must not fail; problems degrade to
// analysis.Placeholder.
type Analyzer interface {
	Analyze(ctx context.Context, buf *audio.Buffer) analysis.Result
}

// renderer is implemented by graphs that produce audio.
type renderer interface {
	Render(out []float32)
}

// Options configure an Engine. Zero values pick the defaults noted.
type Options struct {
	SampleRate    int             // audio.SampleRate
	MasterVolume  float64         // 1 when <= 0
	TickInterval  time.Duration   // 1/60 s
	GainSmoothing time.Duration   // mix.DefaultTimeConstant
	Scheduler     clock.Scheduler // clock.Real
	Decoder       audio.Decoder
	Analyzer      Analyzer // nil disables analysis
	Graph         Graph    // an AudioGraph
	Logger        zerolog.Logger
}

// TrackSource is one encoded file to decode into a track.
type TrackSource struct {
	Name         string
	Data         []byte
	MimeHint     string
	IsVideoAudio bool
}

// Snapshot is a consistent copy of engine state.
type Snapshot struct {
	Transport     TransportState  `json:"transport"`
	Duration      float64         `json:"duration"`
	AudioDuration float64         `json:"audio_duration"`
	Trimmed       bool            `json:"trimmed"`
	MasterVolume  float64         `json:"master_volume"`
	Tracks        []TrackInfo     `json:"tracks"`
	VideoSource   string          `json:"video_source,omitempty"`
	VideoDuration float64         `json:"video_duration"`
	VideoOffset   float64         `json:"video_offset"`
	VideoPosition float64         `json:"video_position"`
	Analysis      analysis.Result `json:"analysis"`
	Analyzing     bool            `json:"analyzing"`
}

// Engine is the player service. Create it with New, start it with Init and
// release it with Shutdown. An Engine runs once.
type Engine struct {
	opts   Options
	log    zerolog.Logger
	events *stream.Broadcaster[Event]
	frames chan []float32

	cmds    chan func()
	done    chan struct{}
	started atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	ctx     context.Context

	// Owned by the loop goroutine.
	session   *Session
	graph     Graph
	transport *Transport
	video     *VideoSync
	master    float64
	song      int
	analyzed  bool
	analyzing bool
	result    analysis.Result
}

// New builds an engine. Nothing runs until Init.
func New(opts Options) *Engine {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	if opts.MasterVolume <= 0 {
		opts.MasterVolume = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second / 60
	}
	if opts.GainSmoothing == 0 {
		opts.GainSmoothing = mix.DefaultTimeConstant
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.Real{}
	}
	if opts.Graph == nil {
		opts.Graph = NewAudioGraph(opts.SampleRate, opts.GainSmoothing)
	}

	e := &Engine{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "engine").Logger(),
		events:  stream.NewBroadcaster[Event](eventBuffer),
		frames:  make(chan []float32, frameBuffer),
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		session: &Session{},
		graph:   opts.Graph,
		master:  min(opts.MasterVolume, 1),
		result:  analysis.Placeholder(),
	}
	e.transport = NewTransport(e.graph, e.session, e.gains)
	e.video = NewVideoSync(e.session)
	return e
}

// Init starts the engine loop. The loop stops when ctx is cancelled or on
// Shutdown.
func (e *Engine) Init(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	tick := e.opts.Scheduler.Every(e.opts.TickInterval)
	var render clock.Ticker
	if _, ok := e.graph.(renderer); ok {
		render = e.opts.Scheduler.Every(audio.FrameDuration)
	}
	e.running.Store(true)
	go e.loop(tick, render)

	e.log.Info().
		Int("sample_rate", e.opts.SampleRate).
		Dur("tick", e.opts.TickInterval).
		Dur("smoothing", e.opts.GainSmoothing).
		Msg("engine started")
	return nil
}

// Shutdown stops playback and the loop, and waits for it to exit.
func (e *Engine) Shutdown() {
	if !e.started.Load() || e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Events is the observer stream: ticks, track changes, analysis results,
// transport changes and warnings.
func (e *Engine) Events() *stream.Broadcaster[Event] { return e.events }

// Frames carries rendered interleaved stereo frames at audio.SampleRate.
// Frames are dropped when nobody reads. The channel closes on shutdown.
func (e *Engine) Frames() <-chan []float32 { return e.frames }

func (e *Engine) loop(tick, render clock.Ticker) {
	defer close(e.done)
	defer close(e.frames)
	defer e.running.Store(false)
	defer tick.Stop()

	var renderC <-chan time.Time
	if render != nil {
		defer render.Stop()
		renderC = render.C()
	}

	for {
		select {
		case <-e.ctx.Done():
			e.transport.Stop()
			e.log.Info().Msg("engine stopped")
			return
		case fn := <-e.cmds:
			fn()
		case <-tick.C():
			e.onTick()
		case <-renderC:
			e.render()
		}
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(fn func()) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrNotRunning
	}
}

// post queues fn on the loop without waiting. Used by background work.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

func (e *Engine) onTick() {
	state, ended := e.transport.Tick()
	if ended {
		e.video.OnStop()
		e.log.Debug().Msg("end of song")
		e.publishTransport()
		return
	}
	if state.Playing {
		e.events.Publish(Event{
			Kind:          EventTick,
			Position:      state.Position,
			VideoPosition: e.video.Position(state.Position),
			Playing:       true,
		})
	}
}

func (e *Engine) render() {
	out := make([]float32, audio.FrameSamples)
	e.graph.(renderer).Render(out)
	select {
	case e.frames <- out:
	default:
	}
}

func (e *Engine) gains() map[string]float64 {
	return mix.Gains(e.session.strips(), e.master)
}

func (e *Engine) applyGains() {
	e.graph.SetGains(e.gains())
}

func (e *Engine) publishTracks() {
	e.events.Publish(Event{
		Kind:     EventTracksChanged,
		Duration: e.session.Duration(),
		Tracks:   e.session.infos(),
	})
}

func (e *Engine) publishTransport() {
	pos := e.transport.Position()
	e.events.Publish(Event{
		Kind:          EventTransport,
		Position:      pos,
		VideoPosition: e.video.Position(pos),
		Playing:       e.transport.Playing(),
		Duration:      e.session.Duration(),
	})
}

func (e *Engine) warn(err error) {
	e.log.Warn().Err(err).Msg("warning")
	e.events.Publish(Event{Kind: EventWarning, Warning: err.Error()})
}

// Tracks

// AddTrack decodes src and registers it. A decode failure only affects this
// track and is returned as a *DecodeFailure.
func (e *Engine) AddTrack(ctx context.Context, src TrackSource) (TrackInfo, error) {
	return e.addTrack(ctx, src, -1)
}

func (e *Engine) addTrack(ctx context.Context, src TrackSource, song int) (TrackInfo, error) {
	if e.opts.Decoder == nil {
		return TrackInfo{}, &DecodeFailure{TrackName: src.Name, Err: ErrNoDecoder}
	}
	start := time.Now()
	buf, err := e.opts.Decoder.Decode(ctx, src.Data, src.MimeHint)
	if err != nil {
		e.log.Warn().Err(err).Str("track", src.Name).Msg("decode failed")
		return TrackInfo{}, &DecodeFailure{TrackName: src.Name, Err: err}
	}
	e.log.Debug().
		Str("track", src.Name).
		Float64("duration", buf.Duration()).
		Dur("took", time.Since(start)).
		Msg("decoded")

	var info TrackInfo
	var regErr error
	if err := e.do(func() {
		if song >= 0 && song != e.song {
			regErr = ErrSongChanged
			return
		}
		info = e.register(NewTrack(src.Name, buf, src.IsVideoAudio))
	}); err != nil {
		return TrackInfo{}, err
	}
	return info, regErr
}

// RegisterTrack adds an already decoded buffer.
func (e *Engine) RegisterTrack(name string, buf *audio.Buffer, isVideoAudio bool) (TrackInfo, error) {
	var info TrackInfo
	err := e.do(func() { info = e.register(NewTrack(name, buf, isVideoAudio)) })
	return info, err
}

func (e *Engine) register(t *Track) TrackInfo {
	e.session.Add(t)
	e.applyGains()
	e.publishTracks()
	e.log.Info().Str("track", t.Name).Str("id", t.ID).Int("tracks", e.session.Len()).Msg("track added")
	if !t.IsVideoAudio && !e.analyzed {
		e.startAnalysis(t.Buffer)
	}
	return t.Info()
}

// LoadSong replaces the session with the given files. Files decode
// concurrently and register in the order they finish. Failed files are
// reported together; the rest of the song still loads.
func (e *Engine) LoadSong(ctx context.Context, sources []TrackSource) ([]TrackInfo, error) {
	var song int
	if err := e.do(func() {
		e.clear()
		song = e.song
	}); err != nil {
		return nil, err
	}

	type result struct {
		info TrackInfo
		err  error
	}
	results := make(chan result, len(sources))
	for _, src := range sources {
		go func() {
			info, err := e.addTrack(ctx, src, song)
			results <- result{info, err}
		}()
	}

	var infos []TrackInfo
	var errs []error
	for range sources {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		infos = append(infos, r.info)
	}
	e.log.Info().Int("loaded", len(infos)).Int("failed", len(errs)).Msg("song loaded")
	return infos, errors.Join(errs...)
}

// RemoveTrack drops a track. If it is playing, only its unit stops.
func (e *Engine) RemoveTrack(id string) error {
	var err error
	if derr := e.do(func() {
		t, ok := e.session.Remove(id)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownTrack, id)
			return
		}
		e.transport.RemoveTrack(id)
		e.applyGains()
		e.publishTracks()
		e.log.Info().Str("track", t.Name).Msg("track removed")
	}); derr != nil {
		return derr
	}
	return err
}

// Clear stops playback and empties the session, video state included.
func (e *Engine) Clear() error {
	return e.do(e.clear)
}

// clear starts a new song generation. Decodes still in flight for an older
// generation are dropped when they try to register.
func (e *Engine) clear() {
	e.transport.Stop()
	e.video.OnStop()
	e.session.Clear()
	e.song++
	e.analyzed = false
	e.analyzing = false
	e.result = analysis.Placeholder()
	e.publishTracks()
	e.publishTransport()
}

// Analysis

func (e *Engine) startAnalysis(buf *audio.Buffer) {
	if e.opts.Analyzer == nil {
		return
	}
	e.analyzed = true
	e.analyzing = true
	song := e.song
	ctx := e.ctx
	go func() {
		res := e.opts.Analyzer.Analyze(ctx, buf)
		e.post(func() {
			if song != e.song {
				return
			}
			e.result = res
			e.analyzing = false
			e.events.Publish(Event{Kind: EventAnalysis, Analysis: &res})
		})
	}()
}

// Transport

// Play resumes from the stored position.
func (e *Engine) Play() error {
	return e.do(func() {
		e.transport.Resume()
		e.video.OnPlay(e.transport.Position())
		e.publishTransport()
	})
}

// PlayFrom starts every track at the given position.
func (e *Engine) PlayFrom(seconds float64) error {
	return e.do(func() {
		e.transport.Play(seconds)
		e.video.OnPlay(e.transport.Position())
		e.publishTransport()
	})
}

func (e *Engine) Pause() error {
	return e.do(func() {
		e.transport.Pause()
		e.video.OnPause()
		e.publishTransport()
	})
}

func (e *Engine) Stop() error {
	return e.do(func() {
		e.transport.Stop()
		e.video.OnStop()
		e.publishTransport()
	})
}

func (e *Engine) Toggle() error {
	return e.do(func() {
		e.transport.Toggle()
		if e.transport.Playing() {
			e.video.OnPlay(e.transport.Position())
		} else {
			e.video.OnPause()
		}
		e.publishTransport()
	})
}

func (e *Engine) Seek(seconds float64) error {
	return e.do(func() {
		e.transport.Seek(seconds)
		e.video.OnSeek(e.transport.Position())
		e.publishTransport()
	})
}

// Mix

func (e *Engine) updateTrack(id string, fn func(t *Track)) error {
	var err error
	if derr := e.do(func() {
		t, ok := e.session.Track(id)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownTrack, id)
			return
		}
		fn(t)
		e.applyGains()
		e.publishTracks()
	}); derr != nil {
		return derr
	}
	return err
}

// SetVolume sets a track volume, clamped to [0, 1].
func (e *Engine) SetVolume(id string, v float64) error {
	return e.updateTrack(id, func(t *Track) { t.Volume = max(0, min(1, v)) })
}

func (e *Engine) SetMuted(id string, muted bool) error {
	return e.updateTrack(id, func(t *Track) { t.Muted = muted })
}

func (e *Engine) SetSoloed(id string, soloed bool) error {
	return e.updateTrack(id, func(t *Track) { t.Soloed = soloed })
}

func (e *Engine) ToggleMute(id string) error {
	return e.updateTrack(id, func(t *Track) { t.Muted = !t.Muted })
}

func (e *Engine) ToggleSolo(id string) error {
	return e.updateTrack(id, func(t *Track) { t.Soloed = !t.Soloed })
}

// SetMasterVolume scales every track, clamped to [0, 1].
func (e *Engine) SetMasterVolume(v float64) error {
	return e.do(func() {
		e.master = max(0, min(1, v))
		e.applyGains()
	})
}

// Video

// SetVideo records the session video. The surface, if attached, is pointed
// at it and placed at the current position.
func (e *Engine) SetVideo(src string, duration float64) error {
	return e.do(func() {
		e.session.VideoSource = src
		e.session.VideoDuration = duration
		if s := e.video.Surface(); s != nil && s.Source() != src {
			s.SetSource(src)
		}
		e.video.OnSeek(e.transport.Position())
		e.log.Info().Str("src", src).Float64("duration", duration).Msg("video set")
	})
}

// AttachSurface binds a local video surface. nil detaches it.
func (e *Engine) AttachSurface(s VideoSurface) error {
	return e.do(func() {
		e.video.Attach(s)
		if s == nil {
			return
		}
		if src := e.session.VideoSource; src != "" && s.Source() != src {
			s.SetSource(src)
		}
		e.video.OnSeek(e.transport.Position())
		if e.transport.Playing() {
			s.Play()
		}
	})
}

// SetVideoOffset moves the video relative to the audio. It persists across
// play, seek and stop.
func (e *Engine) SetVideoOffset(seconds float64) error {
	return e.do(func() {
		e.video.SetOffset(seconds, e.transport.Position())
	})
}

// TrimVideoToAudio cuts the session back to the audio stems when the video
// runs long. The returned ErrVideoLongerThanAudio is a warning; it is also
// published as an event.
func (e *Engine) TrimVideoToAudio() error {
	var warning error
	if err := e.do(func() {
		warning = e.session.TrimVideoToAudio()
		if warning != nil {
			e.warn(warning)
			e.publishTracks()
		}
	}); err != nil {
		return err
	}
	return warning
}

// State

// Snapshot returns a consistent copy of the engine state.
func (e *Engine) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := e.do(func() {
		st := e.transport.State()
		s = Snapshot{
			Transport:     st,
			Duration:      e.session.Duration(),
			AudioDuration: e.session.AudioDuration(),
			Trimmed:       e.session.Trimmed(),
			MasterVolume:  e.master,
			Tracks:        e.session.infos(),
			VideoSource:   e.session.VideoSource,
			VideoDuration: e.session.VideoDuration,
			VideoOffset:   e.video.Offset(),
			VideoPosition: e.video.Position(st.Position),
			Analysis:      e.result,
			Analyzing:     e.analyzing,
		}
	})
	return s, err
}

// ScreenState samples what a second screen needs. A stopped engine reports
// an empty state.
func (e *Engine) ScreenState() secondscreen.ScreenState {
	var st secondscreen.ScreenState
	e.do(func() {
		pos := e.transport.Position()
		st = secondscreen.ScreenState{
			Src:      e.session.VideoSource,
			Position: e.video.Position(pos),
			Playing:  e.transport.Playing(),
		}
	})
	return st
}
