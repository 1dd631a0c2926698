package moe

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/doppler/inference/gpu"
)

// Bucket is one expert's share of an ExecutionPlan: the token indices
// routed to it and, positionally matched, the combine weight each
// token assigned to this expert.
type Bucket struct {
	TokenIndices []int
	Weights      []float32
}

// ExecutionPlan buckets a batch of Selections by expert id so a
// caller can evaluate each expert's FFN once over exactly the tokens
// routed to it. Iteration order is the order experts were first seen
// across the selections, kept deterministic via an ordered map rather
// than Go's randomized map iteration.
type ExecutionPlan struct {
	buckets *orderedmap.OrderedMap[int, *Bucket]
}

// BuildExecutionPlan buckets selections by expert id.
func BuildExecutionPlan(selections []Selection) *ExecutionPlan {
	buckets := orderedmap.New[int, *Bucket]()
	for t, sel := range selections {
		for k, expertID := range sel.Indices {
			b, ok := buckets.Get(expertID)
			if !ok {
				b = &Bucket{}
				buckets.Set(expertID, b)
			}
			b.TokenIndices = append(b.TokenIndices, t)
			b.Weights = append(b.Weights, sel.Weights[k])
		}
	}
	return &ExecutionPlan{buckets: buckets}
}

// Experts returns the expert ids with at least one routed token, in
// first-seen order.
func (p *ExecutionPlan) Experts() []int {
	ids := make([]int, 0, p.buckets.Len())
	for pair := p.buckets.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// Bucket returns the token/weight bucket for expertID, or nil if no
// token was routed to it.
func (p *ExecutionPlan) Bucket(expertID int) *Bucket {
	b, _ := p.buckets.Get(expertID)
	return b
}

// Combine folds per-expert outputs back into a single [T, H] tensor:
// Y[t] = sum_k selection[t].weights[k] * expertOutputs[selection[t].indices[k]][t].
// expertOutputs maps an expert id to that expert's full [T, H] output
// (callers typically only populate rows for tokens actually routed to
// it; other rows are ignored).
func Combine(selections []Selection, hiddenDim int, expertOutputs map[int]*gpu.Tensor) (*gpu.Tensor, error) {
	T := len(selections)
	out := make([]float32, T*hiddenDim)
	for t, sel := range selections {
		for k, expertID := range sel.Indices {
			eo, ok := expertOutputs[expertID]
			if !ok {
				continue
			}
			row, err := eo.Slice(t, t+1)
			if err != nil {
				return nil, err
			}
			w := sel.Weights[k]
			rowFlat := row.Floats()
			for c := 0; c < hiddenDim; c++ {
				out[t*hiddenDim+c] += w * rowFlat[c]
			}
		}
	}
	return gpu.FromFloats([]int{T, hiddenDim}, out), nil
}
