// Package speculative implements the speculative decoding coordinator
// (§4.6): a draft model proposes several tokens ahead on a cloned KV
// cache sandbox, the main model verifies them in one batched forward
// pass, and a rejection-sampling draw decides how many draft tokens
// survive plus the one token that continues the sequence. The scheme
// is Leviathan et al.'s speculative sampling: the returned stream is
// marginally identical to sampling from the main model alone.
package speculative

import "github.com/doppler/inference/kvcache"

// Engine is the subset of a loaded model pipeline the coordinator
// drives: one decode step, one batched multi-token forward for
// verification, and the cache plumbing a draft rollout needs to
// sandbox itself and roll back on rejection. pipeline.Pipeline
// implements this interface without this package ever importing
// pipeline, so the dependency only runs one way.
type Engine interface {
	// Advance writes token's K/V at absolute position startPos and
	// returns the logits predicting the token at startPos+1.
	Advance(token int32, startPos int) ([]float32, error)

	// VerifyBatch runs every layer once over tokens starting at
	// absolute position startPos, writing all len(tokens) positions
	// into the cache in a single pass, and returns each position's
	// logits row (row i predicts the token at startPos+i+1).
	VerifyBatch(tokens []int32, startPos int) ([][]float32, error)

	// CloneCache returns a contiguous copy of the engine's current
	// cache, used as a draft rollout's sandbox.
	CloneCache() (kvcache.Cache, error)

	// SwapCache rebinds the engine to c, returning the cache that was
	// previously bound.
	SwapCache(c kvcache.Cache) kvcache.Cache

	// SeqLen reports the engine's current cache sequence length.
	SeqLen() int

	// TruncateCache discards every cache entry at or beyond n.
	TruncateCache(n int) error
}
