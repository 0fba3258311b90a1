package control

// flowRing is a bounded FIFO of flow-rate samples (grams/second). Capacity
// is fixed at construction to hold one display window of samples; the
// oldest sample is evicted on overflow.
type flowRing struct {
	samples []float64
	cap     int
}

func newFlowRing(capacity int) *flowRing {
	if capacity < 1 {
		capacity = 1
	}
	return &flowRing{samples: make([]float64, 0, capacity), cap: capacity}
}

func (r *flowRing) push(v float64) {
	if len(r.samples) == r.cap {
		copy(r.samples, r.samples[1:])
		r.samples[len(r.samples)-1] = v
		return
	}
	r.samples = append(r.samples, v)
}

func (r *flowRing) clear() {
	r.samples = r.samples[:0]
}

func (r *flowRing) len() int {
	return len(r.samples)
}

// snapshot returns a copy safe to hand to the display sink.
func (r *flowRing) snapshot() []float64 {
	out := make([]float64, len(r.samples))
	copy(out, r.samples)
	return out
}
