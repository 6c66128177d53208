package analysis

import "math"

const (
	keyWindow      = 4096
	maxKeyWindows  = 80
	lowestOctave   = 2
	highestOctave  = 6
	referencePitch = 440.0
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Krumhansl-Kessler key profiles, tonic first.
var (
	majorProfile = [12]float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = [12]float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}
)

// flats respells sharps for display. F# stays sharp.
var flats = map[string]string{"C#": "Db", "D#": "Eb", "G#": "Ab", "A#": "Bb"}

// DisplayKey formats a key for the UI: flats where conventional and a
// trailing "m" for minor.
func DisplayKey(key string, scale Scale) string {
	if f, ok := flats[key]; ok {
		key = f
	}
	if scale == Minor {
		return key + "m"
	}
	return key
}

// Chroma sums Goertzel magnitudes of each pitch class across octaves 2-6
// over up to 80 evenly spaced windows, normalised so the peak is 1.
func Chroma(samples []float32, sampleRate int) [12]float64 {
	var chroma [12]float64
	total := len(samples)
	if total < keyWindow || sampleRate <= 0 {
		return chroma
	}

	windows := min(maxKeyWindows, total/keyWindow)
	hop := total / windows
	window := hann(keyWindow)
	seg := make([]float64, keyWindow)

	for w := 0; w < windows; w++ {
		start := w * hop
		if start+keyWindow > total {
			break
		}
		for i := range seg {
			seg[i] = float64(samples[start+i]) * window[i]
		}
		for note := 0; note < 12; note++ {
			for oct := lowestOctave; oct <= highestOctave; oct++ {
				semis := float64(note - 9 + (oct-4)*12)
				freq := referencePitch * math.Pow(2, semis/12)
				bin := int(math.Round(freq * keyWindow / float64(sampleRate)))
				if bin <= 0 || bin >= keyWindow/2 {
					continue
				}
				chroma[note] += goertzel(seg, bin)
			}
		}
	}

	var peak float64
	for _, v := range chroma {
		peak = max(peak, v)
	}
	if peak > 0 {
		for i := range chroma {
			chroma[i] /= peak
		}
	}
	return chroma
}

// goertzel returns the magnitude of DFT bin k of x.
func goertzel(x []float64, k int) float64 {
	coeff := 2 * math.Cos(2*math.Pi*float64(k)/float64(len(x)))
	var s1, s2 float64
	for _, v := range x {
		s0 := v + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	p := s1*s1 + s2*s2 - coeff*s1*s2
	if p < 0 {
		return 0
	}
	return math.Sqrt(p)
}

// DetectKey correlates the chroma against all 24 rotated profiles. Ties go
// to the first candidate, majors before minors. Silence reports C Major.
func DetectKey(samples []float32, sampleRate int) (string, Scale) {
	chroma := Chroma(samples, sampleRate)

	best := math.Inf(-1)
	key, scale := "C", Major
	for tonic := 0; tonic < 12; tonic++ {
		var rotated [12]float64
		for i := range rotated {
			rotated[i] = chroma[(i+tonic)%12]
		}
		if r := pearson(rotated[:], majorProfile[:]); r > best {
			best, key, scale = r, noteNames[tonic], Major
		}
		if r := pearson(rotated[:], minorProfile[:]); r > best {
			best, key, scale = r, noteNames[tonic], Minor
		}
	}
	return key, scale
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	var sumA, sumB, sumAB, sumA2, sumB2 float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
		sumAB += a[i] * b[i]
		sumA2 += a[i] * a[i]
		sumB2 += b[i] * b[i]
	}
	num := float64(n)*sumAB - sumA*sumB
	den := math.Sqrt((float64(n)*sumA2 - sumA*sumA) * (float64(n)*sumB2 - sumB*sumB))
	if den < 1e-12 {
		return 0
	}
	return num / den
}
