// Package sample implements the logits-to-token-id pipeline: repetition
// penalty, temperature, top-k, nucleus (top-p) filtering, and the final
// weighted draw, plus a GPU-fused fast path for the common greedy/top-k
// case.
package sample

import (
	"math"
	"math/rand"
	"sort"

	"github.com/doppler/inference/gpu"
)

// Options parameterizes one Sample call. Zero values disable the
// corresponding stage: Temperature below 0.01 is greedy, TopK <= 0 keeps
// every candidate, TopP <= 0 or >= 1 disables nucleus filtering,
// RepetitionPenalty <= 0 is treated as 1 (no-op).
type Options struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
}

// TokenLogprob pairs a sampled token id with the log-probability it was
// drawn under, in the final (post-filter) renormalized distribution.
type TokenLogprob struct {
	TokenID int32
	Logprob float32
}

// ApplyRepetitionPenalty divides each previously-seen id's positive
// logit by rho (or multiplies a non-positive one by rho), in place.
// rho <= 1 is a no-op.
func ApplyRepetitionPenalty(logits []float32, previousIDs []int32, rho float32) {
	if rho <= 1 {
		return
	}
	for _, id := range previousIDs {
		if int(id) < 0 || int(id) >= len(logits) {
			continue
		}
		v := logits[id]
		if v > 0 {
			logits[id] = v / rho
		} else {
			logits[id] = v * rho
		}
	}
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits[1:] {
		if v > logits[best] {
			best = i + 1
		}
	}
	return best
}

func softmax(logits []float32) []float32 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		e := float32(math.Exp(float64(v - max)))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

type candidate struct {
	index int
	prob  float32
}

// filterTopK zeroes every probability outside the k largest.
func filterTopK(probs []float32, k int) {
	if k <= 0 || k >= len(probs) {
		return
	}
	cands := make([]candidate, len(probs))
	for i, p := range probs {
		cands[i] = candidate{i, p}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].prob != cands[j].prob {
			return cands[i].prob > cands[j].prob
		}
		return cands[i].index < cands[j].index
	})
	for _, c := range cands[k:] {
		probs[c.index] = 0
	}
}

// filterTopP keeps the smallest prefix of the descending-sorted
// distribution whose cumulative mass is >= p, zeroing the rest.
func filterTopP(probs []float32, p float32) {
	if p <= 0 || p >= 1 {
		return
	}
	cands := make([]candidate, len(probs))
	for i, v := range probs {
		cands[i] = candidate{i, v}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].prob != cands[j].prob {
			return cands[i].prob > cands[j].prob
		}
		return cands[i].index < cands[j].index
	})
	var cum float32
	cut := len(cands)
	for i, c := range cands {
		cum += c.prob
		if cum >= p {
			cut = i + 1
			break
		}
	}
	for _, c := range cands[cut:] {
		probs[c.index] = 0
	}
}

func renormalize(probs []float32) {
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if sum == 0 {
		return
	}
	for i := range probs {
		probs[i] /= sum
	}
}

func draw(probs []float32, rng *rand.Rand) int {
	u := rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if u < cum {
			return i
		}
	}
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return len(probs) - 1
}

// Sample runs the full penalty -> temperature -> top-k -> top-p ->
// draw pipeline over logits (which it does not mutate) and returns the
// chosen token id and its log-probability in the final renormalized
// distribution.
func Sample(logits []float32, previousIDs []int32, opts Options, rng *rand.Rand) (TokenLogprob, error) {
	if len(logits) == 0 {
		return TokenLogprob{}, ErrEmptyLogits
	}
	working := append([]float32(nil), logits...)
	rho := opts.RepetitionPenalty
	if rho <= 0 {
		rho = 1
	}
	ApplyRepetitionPenalty(working, previousIDs, rho)

	if opts.Temperature < 0.01 {
		idx := argmax(working)
		return TokenLogprob{TokenID: int32(idx), Logprob: 0}, nil
	}
	for i := range working {
		working[i] /= opts.Temperature
	}

	probs := softmax(working)
	filterTopK(probs, opts.TopK)
	filterTopP(probs, opts.TopP)
	renormalize(probs)

	idx := draw(probs, rng)
	lp := float32(math.Log(math.Max(float64(probs[idx]), 1e-20)))
	return TokenLogprob{TokenID: int32(idx), Logprob: lp}, nil
}

// Probabilities returns the softmax distribution over logits,
// unmodified by repetition penalty or temperature. The speculative
// decoder uses this to score draft tokens under both the draft and
// main distributions before deciding acceptance.
func Probabilities(logits []float32) []float32 {
	return softmax(logits)
}

// DrawIndex samples an index from probs (a distribution, needn't sum
// to exactly 1) using rng. Exposed for the speculative decoder's
// residual-distribution resampling.
func DrawIndex(probs []float32, rng *rand.Rand) int {
	return draw(probs, rng)
}

// GPUSample is the fused fast path: it asks the runtime for the top-k
// (or, for greedy decoding, the single argmax) candidates directly off
// the device tensor so only a handful of scores are read back, then
// finishes temperature scaling, renormalization, and the draw on that
// small candidate set. Callers must apply repetition penalty to the
// logits tensor before this call; the fused kernel itself only covers
// temperature + top-k + sampling per the spec's GPU variant.
func GPUSample(logits *gpu.Tensor, opts Options, rng *rand.Rand) (TokenLogprob, error) {
	if logits.Len() == 0 {
		return TokenLogprob{}, ErrEmptyLogits
	}
	if opts.Temperature < 0.01 {
		top := logits.SampleArgmaxOrTopK(1)
		return TokenLogprob{TokenID: int32(top[0].Index), Logprob: 0}, nil
	}
	k := opts.TopK
	if k <= 0 || k > logits.Len() {
		k = logits.Len()
	}
	top := logits.SampleArgmaxOrTopK(k)

	scaled := make([]float32, len(top))
	for i, c := range top {
		scaled[i] = c.Value / opts.Temperature
	}
	probs := softmax(scaled)
	filterTopP(probs, opts.TopP)
	renormalize(probs)

	idx := draw(probs, rng)
	lp := float32(math.Log(math.Max(float64(probs[idx]), 1e-20)))
	return TokenLogprob{TokenID: int32(top[idx].Index), Logprob: lp}, nil
}
