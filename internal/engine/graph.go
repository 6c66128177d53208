package engine

import (
	"math"
	"time"

	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/mix"
)

// Clock is the monotonic time base of playback, in seconds.
type Clock interface {
	Now() float64
}

// Graph owns the playback units. Units are one-shot: they are never
// repositioned, only torn down and rebuilt.
type Graph interface {
	Clock
	// Start creates one unit per track with a buffer, all sharing the same
	// start instant, reading from offset seconds into their buffers.
	Start(tracks []*Track, offset float64, gains map[string]float64)
	// Teardown discards every unit.
	Teardown()
	// Remove discards the unit of a single track, if any.
	Remove(trackID string)
	// SetGains retargets unit gains; changes are smoothed, never stepped.
	SetGains(gains map[string]float64)
	// ActiveUnits counts units that can still produce sound.
	ActiveUnits() int
}

type unit struct {
	trackID string
	buf     *audio.Buffer
	start   int64 // graph frame at which the unit started
	offset  int64 // buffer frame the unit started reading from
	gain    *mix.Ramp
}

// AudioGraph mixes units into interleaved stereo frames. Its clock is the
// number of frames rendered, so every unit reads from the same time base.
type AudioGraph struct {
	sampleRate int
	smoothing  time.Duration
	frame      int64
	units      []*unit
}

// NewAudioGraph creates a graph rendering at sampleRate with gain changes
// smoothed over the given time constant.
func NewAudioGraph(sampleRate int, smoothing time.Duration) *AudioGraph {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	return &AudioGraph{sampleRate: sampleRate, smoothing: smoothing}
}

// Now returns rendered time in seconds.
func (g *AudioGraph) Now() float64 {
	return float64(g.frame) / float64(g.sampleRate)
}

func (g *AudioGraph) Start(tracks []*Track, offset float64, gains map[string]float64) {
	startFrame := g.frame
	for _, t := range tracks {
		if t.Buffer == nil || t.Buffer.Frames() == 0 {
			continue
		}
		g.units = append(g.units, &unit{
			trackID: t.ID,
			buf:     t.Buffer,
			start:   startFrame,
			offset:  int64(math.Round(offset * float64(t.Buffer.SampleRate))),
			gain:    mix.NewRamp(gains[t.ID], g.smoothing, g.sampleRate),
		})
	}
}

func (g *AudioGraph) Teardown() {
	g.units = nil
}

func (g *AudioGraph) Remove(trackID string) {
	kept := g.units[:0]
	for _, u := range g.units {
		if u.trackID != trackID {
			kept = append(kept, u)
		}
	}
	g.units = kept
}

func (g *AudioGraph) SetGains(gains map[string]float64) {
	for _, u := range g.units {
		u.gain.SetTarget(gains[u.trackID])
	}
}

func (g *AudioGraph) ActiveUnits() int {
	return len(g.units)
}

// Render mixes the next len(out)/audio.Channels frames into out and
// advances the clock. Units that run off the end of their buffer are
// released.
func (g *AudioGraph) Render(out []float32) {
	clear(out)
	frames := len(out) / audio.Channels

	kept := g.units[:0]
	for _, u := range g.units {
		if g.renderUnit(u, out, frames) {
			kept = append(kept, u)
		}
	}
	for i := len(kept); i < len(g.units); i++ {
		g.units[i] = nil
	}
	g.units = kept

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	g.frame += int64(frames)
}

// renderUnit adds one unit into out and reports whether it still has
// samples left after this block.
func (g *AudioGraph) renderUnit(u *unit, out []float32, frames int) bool {
	n := int64(u.buf.Frames())
	sameRate := u.buf.SampleRate == g.sampleRate
	ratio := float64(u.buf.SampleRate) / float64(g.sampleRate)

	for i := 0; i < frames; i++ {
		elapsed := g.frame + int64(i) - u.start
		idx := u.offset + elapsed
		if !sameRate {
			idx = u.offset + int64(float64(elapsed)*ratio)
		}
		gain := float32(u.gain.Next())
		if idx < 0 {
			continue
		}
		if idx >= n {
			return false
		}
		for c := 0; c < audio.Channels; c++ {
			out[i*audio.Channels+c] += u.buf.Sample(c, int(idx)) * gain
		}
	}
	elapsed := g.frame + int64(frames) - u.start
	next := u.offset + elapsed
	if !sameRate {
		next = u.offset + int64(float64(elapsed)*ratio)
	}
	return next < n
}
