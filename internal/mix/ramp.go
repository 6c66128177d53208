package mix

import (
	"math"
	"time"

	dspcore "github.com/cwbudde/algo-dsp/dsp/core"
)

// DefaultTimeConstant is the settle time constant for gain changes.
const DefaultTimeConstant = 50 * time.Millisecond

// Ramp approaches its target exponentially, one sample at a time:
// after one time constant it has covered ~63% of the distance, after five
// it has settled.
type Ramp struct {
	value  float64
	target float64
	coeff  float64 // per-sample smoothing factor, 0 means jump
}

// NewRamp returns a ramp resting at gain.
func NewRamp(gain float64, tau time.Duration, sampleRate int) *Ramp {
	r := &Ramp{value: gain, target: gain}
	if tau > 0 && sampleRate > 0 {
		r.coeff = math.Exp(-1 / (tau.Seconds() * float64(sampleRate)))
	}
	return r
}

// SetTarget starts a glide from the current value toward gain.
func (r *Ramp) SetTarget(gain float64) {
	r.target = gain
}

// Target returns the gain being approached.
func (r *Ramp) Target() float64 { return r.target }

// Value returns the current gain without advancing.
func (r *Ramp) Value() float64 { return r.value }

// Next advances one sample and returns the gain to apply to it.
func (r *Ramp) Next() float64 {
	if r.value == r.target {
		return r.value
	}
	r.value = r.target + (r.value-r.target)*r.coeff
	if d := dspcore.FlushDenormals(r.value - r.target); d == 0 || math.Abs(d) < 1e-6 {
		r.value = r.target
	}
	return r.value
}
