package speculative

import (
	"math"
	"math/rand"

	"github.com/doppler/inference/sample"
)

// Outcome is the result of verifying one round of drafted tokens
// against the main model's distributions (§4.6 steps 2-3).
type Outcome struct {
	// Accepted is how many leading draft tokens survived verification,
	// 0..len(draftTokens).
	Accepted int
	// FinalToken is the one token sampled beyond the accepted prefix:
	// a residual-distribution draw if a draft token was rejected, or a
	// main-distribution draw past the last draft token if all were
	// accepted.
	FinalToken int32
	// FinalLogprob is FinalToken's log-probability under the
	// distribution it was drawn from.
	FinalLogprob float32
}

// VerifyAndSample implements §4.6 steps 2 and 3. draftTokens[i] must
// have been sampled from draftProbs[i]; mainProbs[i] is the main
// model's distribution over the same position (computed before that
// position's token was consumed, i.e. the distribution draftTokens[i]
// is scored against). extraMainProbs is the main distribution one
// position past the last draft token, used only when every draft
// token is accepted.
//
// For each position i, the acceptance probability is
// alpha_i = min(1, p_main(t_i) / p_draft(t_i)); a draw u ~ U[0,1)
// accepts iff u < alpha_i. The first rejection samples its
// replacement from the residual distribution
// r(x) ∝ max(0, p_main(x) - p_draft(x)), normalized. If every
// position is accepted, the continuation is drawn from
// extraMainProbs directly.
func VerifyAndSample(draftTokens []int32, mainProbs, draftProbs [][]float32, extraMainProbs []float32, rng *rand.Rand) (Outcome, error) {
	if len(mainProbs) != len(draftTokens) || len(draftProbs) != len(draftTokens) {
		return Outcome{}, ErrRowCountMismatch
	}

	for i, t := range draftTokens {
		alpha := acceptanceProbability(mainProbs[i], draftProbs[i], t)
		if rng.Float32() < alpha {
			continue
		}
		residual := residualDistribution(mainProbs[i], draftProbs[i])
		idx := sample.DrawIndex(residual, rng)
		return Outcome{Accepted: i, FinalToken: int32(idx), FinalLogprob: logOf(residual[idx])}, nil
	}

	idx := sample.DrawIndex(extraMainProbs, rng)
	return Outcome{Accepted: len(draftTokens), FinalToken: int32(idx), FinalLogprob: logOf(extraMainProbs[idx])}, nil
}

func acceptanceProbability(mainP, draftP []float32, t int32) float32 {
	pMain := prob(mainP, t)
	pDraft := prob(draftP, t)
	if pDraft <= 0 {
		// The draft assigns this token zero mass (it couldn't have
		// actually produced it) or both distributions agree it's
		// impossible; either way there is no ratio to take, so only
		// accept when the main model also considers it impossible.
		if pMain <= 0 {
			return 1
		}
		return 0
	}
	alpha := pMain / pDraft
	if alpha > 1 {
		alpha = 1
	}
	return alpha
}

func prob(dist []float32, t int32) float32 {
	if int(t) < 0 || int(t) >= len(dist) {
		return 0
	}
	return dist[t]
}

// residualDistribution computes r(x) ∝ max(0, p_main(x) - p_draft(x)),
// normalized. When the two distributions coincide exactly the
// residual has no mass anywhere; fall back to the main distribution
// itself rather than returning an all-zero vector.
func residualDistribution(mainP, draftP []float32) []float32 {
	out := make([]float32, len(mainP))
	var sum float32
	for i := range mainP {
		d := mainP[i] - draftP[i]
		if d < 0 {
			d = 0
		}
		out[i] = d
		sum += d
	}
	if sum == 0 {
		copy(out, mainP)
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// logOf guards against log(0) for a defensively-clamped zero-mass draw.
func logOf(p float32) float32 {
	if p <= 0 {
		return -40
	}
	return float32(math.Log(float64(p)))
}
