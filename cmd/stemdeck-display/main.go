// Command stemdeck-display is a headless second-screen follower. It connects
// to a running stemdeck, mirrors the primary's video clock and logs every
// correction, which makes it useful for checking sync on a new display link.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/config"
	"github.com/satindergrewal/stemdeck/internal/secondscreen"
)

// wallSurface is a video surface without pixels: its position advances
// with wall time while playing.
type wallSurface struct {
	mu      sync.Mutex
	src     string
	base    float64
	since   time.Time
	playing bool
	log     zerolog.Logger
}

func (s *wallSurface) SetSource(src string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
	s.base = 0
	s.since = time.Now()
	s.log.Info().Str("src", src).Msg("source loaded")
}

func (s *wallSurface) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

func (s *wallSurface) SetPosition(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info().Float64("from", s.positionLocked()).Float64("to", seconds).Msg("position corrected")
	s.base = seconds
	s.since = time.Now()
}

func (s *wallSurface) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *wallSurface) positionLocked() float64 {
	if !s.playing {
		return s.base
	}
	return s.base + time.Since(s.since).Seconds()
}

func (s *wallSurface) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return
	}
	s.since = time.Now()
	s.playing = true
}

func (s *wallSurface) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.base = s.positionLocked()
	s.playing = false
}

func (s *wallSurface) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func main() {
	cfg := config.Load()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	url := os.Getenv("STEMDECK_PRIMARY_URL")
	if url == "" {
		url = fmt.Sprintf("ws://localhost:%d/secondscreen", cfg.Port)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	surface := &wallSurface{log: log}
	receiver := secondscreen.NewReceiver(surface, cfg.DriftTolerance, log)

	backoff := time.Second
	for ctx.Err() == nil {
		ch, err := secondscreen.Dial(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Dur("retry", backoff).Msg("primary not reachable")
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		log.Info().Str("url", url).Msg("connected to primary")
		if err := receiver.Run(ctx, ch); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("display link lost")
		}
	}
	log.Info().Msg("display stopped")
}
