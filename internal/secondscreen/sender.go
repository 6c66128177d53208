package secondscreen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/clock"
)

var (
	// ErrNoVideo means the session has no video to mirror.
	ErrNoVideo = errors.New("no video loaded")
	// ErrRemoteDisplayUnavailable means no display can be reached. Callers
	// hide the feature rather than report it.
	ErrRemoteDisplayUnavailable = errors.New("remote display unavailable")
	// ErrRemoteDisplayBlocked means the display refused the connection and
	// the user can fix it.
	ErrRemoteDisplayBlocked = errors.New("remote display blocked")
	// ErrAlreadyConnected means a display is already attached.
	ErrAlreadyConnected = errors.New("second screen already connected")
)

// DefaultInterval is the sync broadcast period.
const DefaultInterval = 500 * time.Millisecond

// State is the sender lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ScreenState is what the display needs to follow the primary.
type ScreenState struct {
	Src      string
	Position float64
	Playing  bool
}

// StateSource samples the primary's video state.
type StateSource interface {
	ScreenState() ScreenState
}

// Dialer opens a channel to a display.
type Dialer func(ctx context.Context) (Channel, error)

// Sender publishes the primary's video position to one display.
type Sender struct {
	source   StateSource
	sched    clock.Scheduler
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates an idle sender. A zero interval uses DefaultInterval.
func NewSender(source StateSource, sched clock.Scheduler, interval time.Duration, log zerolog.Logger) *Sender {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sender{
		source:   source,
		sched:    sched,
		interval: interval,
		log:      log.With().Str("component", "secondscreen").Logger(),
	}
}

func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials a display and starts mirroring in the background. It
// returns once the sender is Active.
func (s *Sender) Connect(ctx context.Context, dial Dialer) error {
	if s.source.ScreenState().Src == "" {
		return ErrNoVideo
	}
	if err := s.begin(); err != nil {
		return err
	}
	ch, err := dial(ctx)
	if err != nil {
		s.setState(Idle)
		if errors.Is(err, ErrRemoteDisplayBlocked) || errors.Is(err, ErrRemoteDisplayUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRemoteDisplayUnavailable, err)
	}

	runCtx, finish := s.activate(context.WithoutCancel(ctx), ch)
	go func() {
		defer finish()
		if err := s.run(runCtx, ch); err != nil {
			s.log.Warn().Err(err).Msg("second screen stopped")
		}
	}()
	return nil
}

// Serve mirrors onto an already open channel, typically an accepted
// websocket, and blocks until either side closes it.
func (s *Sender) Serve(ctx context.Context, ch Channel) error {
	if s.source.ScreenState().Src == "" {
		ch.Close()
		return ErrNoVideo
	}
	if err := s.begin(); err != nil {
		ch.Close()
		return err
	}
	runCtx, finish := s.activate(ctx, ch)
	defer finish()
	return s.run(runCtx, ch)
}

// Disconnect closes the display channel and waits for the sender to go
// Idle. It is a no-op when idle.
func (s *Sender) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sender) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrAlreadyConnected
	}
	s.state = Connecting
	return nil
}

func (s *Sender) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sender) activate(parent context.Context, ch Channel) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.mu.Lock()
	s.state = Active
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	s.log.Info().Msg("second screen active")

	return ctx, func() {
		cancel()
		ch.Close()
		s.mu.Lock()
		s.state = Idle
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
		s.log.Info().Msg("second screen idle")
	}
}

func (s *Sender) run(ctx context.Context, ch Channel) error {
	ticker := s.sched.Every(s.interval)
	defer ticker.Stop()

	incoming := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := ch.ReadMessage(ctx)
			if err != nil {
				readErr <- err
				return
			}
			m, err := Decode(data)
			if err != nil {
				s.log.Debug().Err(err).Msg("ignoring message")
				continue
			}
			select {
			case incoming <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case err = <-readErr:
			return closeError(ctx, err)
		case m := <-incoming:
			if _, ok := m.(Ready); ok {
				st := s.source.ScreenState()
				err = Send(ctx, ch, LoadVideo{Src: st.Src, CurrentTime: st.Position})
			}
		case <-ticker.C():
			st := s.source.ScreenState()
			err = Send(ctx, ch, syncFrom(st))
		}
		if err != nil {
			return closeError(ctx, err)
		}
	}
}

func syncFrom(st ScreenState) Sync {
	m := Sync{CurrentTime: st.Position, Playing: st.Playing}
	if st.Src != "" {
		src := st.Src
		m.Src = &src
	}
	return m
}

// closeError folds expected shutdown conditions into nil.
func closeError(ctx context.Context, err error) error {
	if errors.Is(err, ErrChannelClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}
