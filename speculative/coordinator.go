package speculative

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/doppler/inference/sample"
)

// Stats is the running §4.6 telemetry.
type Stats struct {
	Drafted  int64
	Accepted int64
	Rejected int64
}

// AverageAcceptRate is accepted/drafted, or 0 before any round has run.
func (s Stats) AverageAcceptRate() float64 {
	if s.Drafted == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Drafted)
}

// EstimatedSpeedup is (1 + alpha*k) / (1 + 0.1*k): the throughput gain
// speculative decoding is expected to yield over plain one-token-at-a-
// time decoding at the observed acceptance rate, for draft length k.
func (s Stats) EstimatedSpeedup(k int) float64 {
	alpha := s.AverageAcceptRate()
	return (1 + alpha*float64(k)) / (1 + 0.1*float64(k))
}

// Coordinator drives speculative decoding (§4.6): Draft proposes K
// tokens per round on a cloned cache sandbox, Main verifies them in
// one batched forward pass, and rejection sampling decides how many
// survive plus the one token that continues the sequence.
type Coordinator struct {
	Draft Engine
	Main  Engine
	K     int

	mu    sync.Mutex
	stats Stats
}

// Stats returns a snapshot of the running acceptance totals.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Round runs one speculative round. lastToken (the token the previous
// round, or the initial prefill, produced) must already occupy
// position prefixLen-1 in Draft's cache; Main's cache needs only the
// positions before it, since verification writes lastToken at
// prefixLen-1 again. It returns
// the accepted draft tokens followed by exactly one continuation
// token, and leaves both Draft's and Main's caches at length
// prefixLen + len(result).
func (c *Coordinator) Round(lastToken int32, prefixLen int, rng *rand.Rand) ([]int32, error) {
	if c.K <= 0 {
		return nil, ErrEmptyDraft
	}

	clone, err := c.Draft.CloneCache()
	if err != nil {
		return nil, fmt.Errorf("speculative: clone draft cache: %w", err)
	}
	prevDraftCache := c.Draft.SwapCache(clone)
	restored := false
	restoreDraft := func() {
		if !restored {
			c.Draft.SwapCache(prevDraftCache)
			restored = true
		}
	}
	defer restoreDraft()
	defer clone.Destroy()

	draftTokens, draftProbs, err := c.draftRollout(lastToken, prefixLen, rng)
	if err != nil {
		return nil, err
	}

	mainProbs, extraMainProbs, err := c.verify(lastToken, draftTokens, prefixLen)
	if err != nil {
		return nil, err
	}

	outcome, err := VerifyAndSample(draftTokens, mainProbs, draftProbs, extraMainProbs, rng)
	if err != nil {
		return nil, err
	}

	if err := c.Main.TruncateCache(prefixLen + outcome.Accepted); err != nil {
		return nil, fmt.Errorf("speculative: truncate main cache: %w", err)
	}
	if _, err := c.Main.Advance(outcome.FinalToken, prefixLen+outcome.Accepted); err != nil {
		return nil, fmt.Errorf("speculative: advance main with final token: %w", err)
	}

	result := append(append([]int32(nil), draftTokens[:outcome.Accepted]...), outcome.FinalToken)

	restoreDraft()
	if err := c.replayDraft(result, prefixLen); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stats.Drafted += int64(c.K)
	c.stats.Accepted += int64(outcome.Accepted)
	c.stats.Rejected += int64(c.K - outcome.Accepted)
	c.mu.Unlock()

	return result, nil
}

// draftRollout advances the draft model (currently pointed at its
// cloned sandbox cache) by K tokens starting after lastToken, which
// already occupies position prefixLen-1.
func (c *Coordinator) draftRollout(lastToken int32, prefixLen int, rng *rand.Rand) ([]int32, [][]float32, error) {
	tokens := make([]int32, c.K)
	probs := make([][]float32, c.K)

	tok := lastToken
	pos := prefixLen - 1
	for i := 0; i < c.K; i++ {
		logits, err := c.Draft.Advance(tok, pos)
		if err != nil {
			return nil, nil, fmt.Errorf("speculative: draft advance: %w", err)
		}
		p := sample.Probabilities(logits)
		idx := sample.DrawIndex(p, rng)
		tokens[i] = int32(idx)
		probs[i] = p
		tok = int32(idx)
		pos++
	}
	return tokens, probs, nil
}

// verify runs the main model's single batched forward pass over
// lastToken++draftTokens starting at position prefixLen-1, returning
// the K distributions that score each draft token plus the one extra
// distribution for the continuation after all K are accepted.
func (c *Coordinator) verify(lastToken int32, draftTokens []int32, prefixLen int) (mainProbs [][]float32, extraMainProbs []float32, err error) {
	verifyTokens := append([]int32{lastToken}, draftTokens...)
	rows, err := c.Main.VerifyBatch(verifyTokens, prefixLen-1)
	if err != nil {
		return nil, nil, fmt.Errorf("speculative: verify batch: %w", err)
	}
	if len(rows) != len(draftTokens)+1 {
		return nil, nil, ErrRowCountMismatch
	}

	mainProbs = make([][]float32, len(draftTokens))
	for i := range draftTokens {
		mainProbs[i] = sample.Probabilities(rows[i])
	}
	extraMainProbs = sample.Probabilities(rows[len(draftTokens)])
	return mainProbs, extraMainProbs, nil
}

// replayDraft writes result's tokens into the draft model's real
// (non-cloned) cache, one real decode step at a time, so the draft's
// persistent state matches exactly what the round actually produced
// rather than the speculative tokens its sandbox explored.
func (c *Coordinator) replayDraft(result []int32, prefixLen int) error {
	pos := prefixLen
	for _, t := range result {
		if _, err := c.Draft.Advance(t, pos); err != nil {
			return fmt.Errorf("speculative: replay draft cache: %w", err)
		}
		pos++
	}
	return nil
}
