// Package moe implements the mixture-of-experts router: gating,
// top-k selection, per-expert execution bucketing, and the weighted
// combine that folds expert outputs back into a single hidden state.
package moe

import (
	"sort"
	"sync"

	"github.com/doppler/inference/gpu"
)

// Selection is one token's routing decision: the top-k expert indices
// it was sent to, their (possibly renormalized) combine weights, and
// the full pre-softmax logits for that token (kept for diagnostics).
type Selection struct {
	Indices []int
	Weights []float32
	Logits  []float32
}

// Config parameterizes a Router.
type Config struct {
	Runtime     *gpu.Runtime
	NumExperts  int
	TopK        int
	Renormalize bool
}

// Router computes top-k expert routing for a batch of token hidden
// states, and accumulates load-balance telemetry across every Route
// call it serves.
type Router struct {
	cfg Config

	gate *gpu.Tensor // [NumExperts, H] gate projection weight
	bias *gpu.Tensor // optional [NumExperts] bias, added to the logits before softmax

	mu          sync.Mutex
	counts      []int64
	totalTokens int64
}

// NewRouter constructs an empty Router. Weights must be set with
// SetWeights before Route will succeed.
func NewRouter(cfg Config) *Router {
	return &Router{
		cfg:    cfg,
		counts: make([]int64, cfg.NumExperts),
	}
}

// SetWeights installs the gate projection ([NumExperts, H]) and an
// optional additive bias ([NumExperts], may be nil).
func (r *Router) SetWeights(gate, bias *gpu.Tensor) {
	r.gate = gate
	r.bias = bias
}

// Route computes a Selection for every row (token) of h, which must
// have shape [T, H].
func (r *Router) Route(h *gpu.Tensor) ([]Selection, error) {
	if r.gate == nil {
		return nil, ErrWeightsNotLoaded
	}

	gateT, err := transpose(r.gate)
	if err != nil {
		return nil, err
	}
	logits, err := h.MatMul(gateT)
	if err != nil {
		return nil, err
	}
	if r.bias != nil {
		logits, err = addBiasRows(logits, r.bias)
		if err != nil {
			return nil, err
		}
	}
	probs := logits.Softmax()

	T := h.Dim(0)
	E := r.cfg.NumExperts
	logitsFlat := logits.Floats()
	probsFlat := probs.Floats()

	selections := make([]Selection, T)
	for t := 0; t < T; t++ {
		row := probsFlat[t*E : (t+1)*E]
		top := topKStable(row, r.cfg.TopK)

		weights := make([]float32, len(top))
		indices := make([]int, len(top))
		var sum float32
		for i, c := range top {
			indices[i] = c.Index
			weights[i] = c.Value
			sum += c.Value
		}
		if r.cfg.Renormalize && sum > 0 {
			for i := range weights {
				weights[i] /= sum
			}
		}

		selections[t] = Selection{
			Indices: indices,
			Weights: weights,
			Logits:  append([]float32(nil), logitsFlat[t*E:(t+1)*E]...),
		}
	}

	r.recordLoadBalance(selections)
	return selections, nil
}

type scored struct {
	Index int
	Value float32
}

// topKStable returns the k largest entries of row, descending by
// value with ties broken by ascending index, matching the spec's
// "stable tie-break by ascending index" rule.
func topKStable(row []float32, k int) []scored {
	all := make([]scored, len(row))
	for i, v := range row {
		all[i] = scored{Index: i, Value: v}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Value != all[j].Value {
			return all[i].Value > all[j].Value
		}
		return all[i].Index < all[j].Index
	})
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

func (r *Router) recordLoadBalance(selections []Selection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sel := range selections {
		for _, idx := range sel.Indices {
			r.counts[idx]++
		}
	}
	r.totalTokens += int64(len(selections))
}

// LoadBalanceCounts returns a copy of the per-expert selection
// counters accumulated across every Route call so far.
func (r *Router) LoadBalanceCounts() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.counts...)
}

// TotalTokens reports how many tokens have been routed so far.
func (r *Router) TotalTokens() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalTokens
}

// LoadBalanceLoss computes L = E * sum_i (f_i - 1/E)^2 with
// f_i = counts[i]/total_tokens. It is telemetry only and never feeds
// back into the forward pass. Returns 0 if no tokens have been
// routed yet.
func (r *Router) LoadBalanceLoss() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalTokens == 0 {
		return 0
	}
	e := float64(r.cfg.NumExperts)
	target := 1.0 / e
	var sum float64
	for _, c := range r.counts {
		f := float64(c) / float64(r.totalTokens)
		d := f - target
		sum += d * d
	}
	return e * sum
}

func transpose(t *gpu.Tensor) (*gpu.Tensor, error) {
	rows, cols := t.Dim(0), t.Dim(1)
	flat := t.Floats()
	out := make([]float32, len(flat))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = flat[i*cols+j]
		}
	}
	return gpu.FromFloats([]int{cols, rows}, out), nil
}

func addBiasRows(t *gpu.Tensor, bias *gpu.Tensor) (*gpu.Tensor, error) {
	rows, cols := t.Dim(0), t.Dim(1)
	flat := t.Floats()
	b := bias.Floats()
	out := make([]float32, len(flat))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = flat[i*cols+j] + b[j]
		}
	}
	return gpu.FromFloats([]int{rows, cols}, out), nil
}
