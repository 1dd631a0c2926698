package gpu

import "sort"

// ScoredIndex pairs a value with its original index, the unit the
// top-k and argsort kernels operate over.
type ScoredIndex struct {
	Index int
	Value float32
}

// TopK returns the k largest entries of t (which must be 1D), sorted
// descending by value, ties broken by ascending index to keep
// selection deterministic. If k >= len, the whole tensor is returned
// sorted.
func (t *Tensor) TopK(k int) []ScoredIndex {
	vals := t.Floats()
	scored := make([]ScoredIndex, len(vals))
	for i, v := range vals {
		scored[i] = ScoredIndex{Index: i, Value: v}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Value != scored[j].Value {
			return scored[i].Value > scored[j].Value
		}
		return scored[i].Index < scored[j].Index
	})
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

// Argmax returns the index of the largest element, ties broken by the
// smallest index.
func (t *Tensor) Argmax() int {
	vals := t.Floats()
	best := 0
	for i, v := range vals[1:] {
		if v > vals[best] {
			best = i + 1
		}
	}
	return best
}

// SampleArgmaxOrTopK is the fused GPU sampling kernel: when k <= 1 it
// returns the single argmax index; otherwise it returns the top-k
// candidates for the caller's sampler to pick among. This mirrors the
// decode step's "GPU variant fuses temperature + top-k + sampling"
// fast path, with the actual randomness left to the sample package so
// the kernel stays deterministic and testable on its own.
func (t *Tensor) SampleArgmaxOrTopK(k int) []ScoredIndex {
	if k <= 1 {
		return []ScoredIndex{{Index: t.Argmax(), Value: 0}}
	}
	return t.TopK(k)
}
