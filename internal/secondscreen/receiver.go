package secondscreen

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultDriftTolerance is how far the display may wander, in seconds,
// before a sync message moves it.
const DefaultDriftTolerance = 0.5

// ReceiverState is the display lifecycle.
type ReceiverState int

const (
	ReceiverWaiting ReceiverState = iota
	ReceiverReady
	ReceiverSynced
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverWaiting:
		return "waiting"
	case ReceiverReady:
		return "ready"
	case ReceiverSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Surface is the display's local video player.
type Surface interface {
	SetSource(src string)
	Source() string
	SetPosition(seconds float64)
	Position() float64
	Play()
	Pause()
	Playing() bool
}

// Receiver follows a sender: it adopts the source, corrects drift past the
// tolerance and mirrors play/pause.
type Receiver struct {
	surface   Surface
	tolerance float64
	log       zerolog.Logger

	mu    sync.Mutex
	state ReceiverState
}

// NewReceiver creates a receiver. A tolerance <= 0 uses
// DefaultDriftTolerance.
func NewReceiver(surface Surface, tolerance float64, log zerolog.Logger) *Receiver {
	if tolerance <= 0 {
		tolerance = DefaultDriftTolerance
	}
	return &Receiver{
		surface:   surface,
		tolerance: tolerance,
		log:       log.With().Str("component", "receiver").Logger(),
	}
}

func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run announces readiness and applies messages until the channel closes.
// A closed channel is not an error.
func (r *Receiver) Run(ctx context.Context, ch Channel) error {
	defer ch.Close()
	if err := Send(ctx, ch, Ready{}); err != nil {
		return closeError(ctx, err)
	}
	r.setState(ReceiverReady)

	for {
		data, err := ch.ReadMessage(ctx)
		if err != nil {
			return closeError(ctx, err)
		}
		m, err := Decode(data)
		if err != nil {
			r.log.Debug().Err(err).Msg("ignoring message")
			continue
		}
		r.Apply(m)
	}
}

// Apply handles one message from the sender.
func (r *Receiver) Apply(m Message) {
	switch m := m.(type) {
	case LoadVideo:
		r.adopt(m.Src)
		r.surface.SetPosition(m.CurrentTime)
		r.surface.Play()
		r.setState(ReceiverSynced)
	case Sync:
		if m.Src != nil {
			r.adopt(*m.Src)
			r.setState(ReceiverSynced)
		}
		if math.Abs(r.surface.Position()-m.CurrentTime) > r.tolerance {
			r.log.Debug().
				Float64("local", r.surface.Position()).
				Float64("remote", m.CurrentTime).
				Msg("correcting drift")
			r.surface.SetPosition(m.CurrentTime)
		}
		if m.Playing && !r.surface.Playing() {
			r.surface.Play()
		} else if !m.Playing && r.surface.Playing() {
			r.surface.Pause()
		}
	}
}

func (r *Receiver) adopt(src string) {
	if src != "" && src != r.surface.Source() {
		r.surface.SetSource(src)
	}
}

func (r *Receiver) setState(s ReceiverState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
