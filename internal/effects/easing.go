package effects

// EaseFunc maps linear progress in [0,1] to eased progress.
type EaseFunc func(float64) float64

func Linear(p float64) float64 { return clamp01(p) }

// EaseInOutCubic is the shared cubic curve: 4t³ below the midpoint,
// 1-(-2t+2)³/2 above it.
func EaseInOutCubic(p float64) float64 {
	p = clamp01(p)
	if p < 0.5 {
		return 4 * p * p * p
	}
	q := -2*p + 2
	return 1 - q*q*q/2
}

func EaseOutCubic(p float64) float64 {
	q := 1 - clamp01(p)
	return 1 - q*q*q
}

func EaseInCubic(p float64) float64 {
	p = clamp01(p)
	return p * p * p
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Phase interpolates linearly from From to To while progress moves from
// PStart to PEnd and holds the end values outside that range.
type Phase struct {
	PStart, PEnd float64
	From, To     float64
}

// evalPhases walks contiguous phases in order. Before the first phase the
// first From holds; after a phase ends its To holds.
func evalPhases(phases []Phase, p float64) float64 {
	if len(phases) == 0 {
		return 0
	}
	value := phases[0].From
	for _, ph := range phases {
		if p >= ph.PEnd {
			value = ph.To
			continue
		}
		if p > ph.PStart && ph.PEnd > ph.PStart {
			value = lerp(ph.From, ph.To, (p-ph.PStart)/(ph.PEnd-ph.PStart))
		}
		break
	}
	return value
}
