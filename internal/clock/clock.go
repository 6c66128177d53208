// Package clock provides cancellable periodic tick registration, so timing
// loops never depend on a rendering or UI frame primitive.
package clock

import (
	"sync"
	"time"
)

// Ticker delivers ticks until stopped. Like time.Ticker, a slow reader
// misses ticks rather than queueing them.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Scheduler registers periodic ticks.
type Scheduler interface {
	Every(d time.Duration) Ticker
}

// Real schedules on the wall clock.
type Real struct{}

func (Real) Every(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Manual is a Scheduler driven by explicit Tick calls.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual returns a manual scheduler with no registrations.
func NewManual() *Manual {
	return &Manual{now: time.Unix(0, 0)}
}

type manualTicker struct {
	m      *Manual
	period time.Duration
	c      chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i, other := range t.m.tickers {
		if other == t {
			t.m.tickers = append(t.m.tickers[:i], t.m.tickers[i+1:]...)
			return
		}
	}
}

func (m *Manual) Every(d time.Duration) Ticker {
	t := &manualTicker{m: m, period: d, c: make(chan time.Time, 1)}
	m.mu.Lock()
	m.tickers = append(m.tickers, t)
	m.mu.Unlock()
	return t
}

// Tick fires every active ticker registered with the given period and
// reports how many were fired.
func (m *Manual) Tick(period time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(period)
	n := 0
	for _, t := range m.tickers {
		if t.period != period {
			continue
		}
		select {
		case t.c <- m.now:
		default:
		}
		n++
	}
	return n
}

// Active returns the number of registered tickers that have not been stopped.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickers)
}
