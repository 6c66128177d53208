package analysis

import (
	"fmt"
	"math"
	"math/cmplx"

	algofft "github.com/cwbudde/algo-fft"
)

const (
	onsetFrame = 1024
	onsetHop   = 512

	minBPM = 60
	maxBPM = 200

	// minOnsetFrames is roughly 1.2 seconds of envelope at 44.1 kHz.
	minOnsetFrames = 100

	// minFluxRatio is the share of spectral magnitude that must arrive as
	// new energy for the signal to count as rhythmic. Sustained tones sit
	// far below it.
	minFluxRatio = 0.02
)

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// onsetEnvelope is the half-wave rectified spectral flux per hop. The first
// hop has no predecessor and stays zero. fluxRatio is the total flux over the
// total magnitude of the following hops.
func onsetEnvelope(samples []float32) (onset []float64, fluxRatio float64, err error) {
	n := len(samples)
	frames := (n - onsetFrame) / onsetHop
	if frames <= 0 {
		return nil, 0, nil
	}
	plan, err := algofft.NewPlanReal64(onsetFrame)
	if err != nil {
		return nil, 0, fmt.Errorf("fft plan: %w", err)
	}

	window := hann(onsetFrame)
	bins := onsetFrame/2 + 1
	in := make([]float64, onsetFrame)
	spec := make([]complex128, bins)
	prev := make([]float64, bins)
	mag := make([]float64, bins)
	onset = make([]float64, frames)

	var totalFlux, totalMag float64
	for i := 0; i < frames; i++ {
		start := i * onsetHop
		for j := range in {
			in[j] = float64(samples[start+j]) * window[j]
		}
		plan.Forward(spec, in)

		var flux, level float64
		for j := range spec {
			mag[j] = cmplx.Abs(spec[j])
			level += mag[j]
			if d := mag[j] - prev[j]; d > 0 {
				flux += d
			}
		}
		if i > 0 {
			onset[i] = flux
			totalFlux += flux
			totalMag += level
		}
		prev, mag = mag, prev
	}
	if totalMag > 0 {
		fluxRatio = totalFlux / totalMag
	}
	return onset, fluxRatio, nil
}

// EstimateBPM autocorrelates the onset envelope over 60-200 BPM and returns
// the strongest lag, weighted gently toward 120.
func EstimateBPM(samples []float32, sampleRate int) (int, error) {
	onset, fluxRatio, err := onsetEnvelope(samples)
	if err != nil {
		return 0, err
	}
	if len(onset) < minOnsetFrames {
		return 0, ErrSignalTooShort
	}
	if fluxRatio < minFluxRatio {
		return 0, ErrNoPulse
	}

	// Remove the mean so a constant flux floor does not favor short lags.
	var mean float64
	for _, v := range onset {
		mean += v
	}
	mean /= float64(len(onset))
	for i := range onset {
		onset[i] -= mean
	}

	frameRate := float64(sampleRate) / onsetHop
	minLag := int(math.Floor(frameRate * 60 / maxBPM))
	maxLag := int(math.Ceil(frameRate * 60 / minBPM))
	if maxLag >= len(onset) {
		maxLag = len(onset) - 1
	}
	minLag = max(minLag, 1)

	corr := make([]float64, maxLag+2)
	for lag := minLag; lag <= maxLag+1 && lag < len(onset); lag++ {
		var sum float64
		for i := 0; i+lag < len(onset); i++ {
			sum += onset[i] * onset[i+lag]
		}
		corr[lag] = sum / float64(len(onset)-lag)
	}

	bestLag := -1
	bestScore := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		bpm := 60 * frameRate / float64(lag)
		score := corr[lag] * tempoWeight(bpm)
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	if bestLag < 0 {
		return 0, ErrNoPulse
	}

	lag := float64(bestLag)
	if bestLag > minLag && bestLag+1 < len(corr) {
		lag += parabolicOffset(corr[bestLag-1], corr[bestLag], corr[bestLag+1])
	}
	bpm := 60 * frameRate / lag
	for bpm > maxBPM {
		bpm /= 2
	}
	for bpm < minBPM {
		bpm *= 2
	}
	return int(math.Round(bpm)), nil
}

// tempoWeight prefers tempi near 120 without excluding the range edges.
func tempoWeight(bpm float64) float64 {
	d := (bpm - 120) / 40
	return 0.8 + 0.2*math.Exp(-0.5*d*d)
}

// parabolicOffset refines a peak at b with neighbours a and c. The result
// lies in [-0.5, 0.5].
func parabolicOffset(a, b, c float64) float64 {
	den := a - 2*b + c
	if den == 0 {
		return 0
	}
	off := 0.5 * (a - c) / den
	return max(-0.5, min(0.5, off))
}
