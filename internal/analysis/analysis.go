// Package analysis estimates tempo and musical key from a decoded stem.
//
// Results are advisory display values. Analysis never fails loudly: any
// failure degrades to the Placeholder result.
package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/satindergrewal/stemdeck/internal/audio"
)

// Scale is the mode of a detected key.
type Scale string

const (
	Major Scale = "Major"
	Minor Scale = "Minor"
)

var (
	// ErrSignalTooShort means there were not enough onset frames to
	// autocorrelate.
	ErrSignalTooShort = errors.New("signal too short for tempo estimate")
	// ErrNoPulse means the onset envelope had no periodic energy.
	ErrNoPulse = errors.New("no rhythmic pulse found")
)

// retryWindow is how much of the buffer the second tempo attempt looks at.
const retryWindow = 15 * time.Second

// Result is the outcome of one analysis run.
type Result struct {
	BPM        int    `json:"bpm"`
	Key        string `json:"key"`
	Scale      Scale  `json:"scale"`
	KeyDisplay string `json:"key_display"`
}

// Placeholder is shown before analysis completes or when it fails.
func Placeholder() Result {
	return Result{BPM: 0, Scale: Major, KeyDisplay: "--"}
}

// Analyzer runs tempo and key estimation.
type Analyzer struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Analyzer {
	return &Analyzer{log: log.With().Str("component", "analysis").Logger()}
}

// Analyze estimates BPM and key from buf. Tempo and key run concurrently.
// A cancelled ctx yields the placeholder.
func (a *Analyzer) Analyze(ctx context.Context, buf *audio.Buffer) Result {
	if buf == nil || buf.Frames() == 0 {
		return Placeholder()
	}
	mono := buf.Mono()
	start := time.Now()

	bpmCh := make(chan int, 1)
	go func() { bpmCh <- a.tempo(mono, buf.SampleRate) }()

	key, scale := DetectKey(mono, buf.SampleRate)
	var bpm int
	select {
	case bpm = <-bpmCh:
	case <-ctx.Done():
		return Placeholder()
	}
	if ctx.Err() != nil {
		return Placeholder()
	}

	res := Result{BPM: bpm, Key: key, Scale: scale, KeyDisplay: DisplayKey(key, scale)}
	a.log.Info().
		Int("bpm", res.BPM).
		Str("key", res.KeyDisplay).
		Dur("took", time.Since(start)).
		Msg("analysis complete")
	return res
}

// tempo tries the whole buffer first, then the first 15 s, then gives up
// with 0.
func (a *Analyzer) tempo(mono []float32, sampleRate int) int {
	bpm, err := EstimateBPM(mono, sampleRate)
	if err == nil {
		return bpm
	}
	a.log.Warn().Err(err).Msg("tempo estimate failed, retrying on opening")

	head := min(len(mono), int(retryWindow.Seconds()*float64(sampleRate)))
	bpm, err = EstimateBPM(mono[:head], sampleRate)
	if err == nil {
		return bpm
	}
	a.log.Warn().Err(err).Msg("tempo estimate failed")
	return 0
}
