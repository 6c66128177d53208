// Package mix resolves per-track gains from volume, mute and solo state and
// smooths gain changes so they never step.
package mix

// Strip is the mix-relevant state of one channel strip.
type Strip struct {
	ID     string
	Volume float64 // 0..1
	Muted  bool
	Soloed bool
}

// AnySolo reports whether at least one strip is soloed.
func AnySolo(strips []Strip) bool {
	for _, s := range strips {
		if s.Soloed {
			return true
		}
	}
	return false
}

// EffectiveGain is the strip's gain before master volume. A muted strip is
// silent, and while anything is soloed only soloed strips are heard.
func EffectiveGain(s Strip, anySolo bool) float64 {
	if s.Muted || (anySolo && !s.Soloed) {
		return 0
	}
	return clamp01(s.Volume)
}

// Gains resolves the final output gain of every strip, keyed by ID.
func Gains(strips []Strip, master float64) map[string]float64 {
	anySolo := AnySolo(strips)
	master = clamp01(master)
	out := make(map[string]float64, len(strips))
	for _, s := range strips {
		out[s.ID] = EffectiveGain(s, anySolo) * master
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
