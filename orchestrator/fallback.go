package orchestrator

// fallbackRamp is a presentation policy, not a scoring result: when every detected
// objection came back with zero probability the list is shown with a descending
// ramp instead, and the result is flagged.
var fallbackRamp = []float64{80, 70, 60, 50, 40}

// ProbabilityFallback returns r unchanged unless it has items whose probabilities
// are all zero. Items past the ramp get its last value.
func ProbabilityFallback(r Result) Result {
	if len(r.Items) == 0 {
		return r
	}
	for _, it := range r.Items {
		if it.Probability != 0 {
			return r
		}
	}
	items := make([]Item, len(r.Items))
	for i, it := range r.Items {
		p := fallbackRamp[len(fallbackRamp)-1]
		if i < len(fallbackRamp) {
			p = fallbackRamp[i]
		}
		it.Probability = p
		items[i] = it
	}
	r.Items = items
	r.Fallback = true
	return r
}
