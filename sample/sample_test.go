package sample

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/inference/gpu"
)

// TestLowTemperatureYieldsArgmax is half of property 8: as temperature
// drops toward 0, Sample must return the same id as a plain argmax,
// regardless of the seed.
func TestLowTemperatureYieldsArgmax(t *testing.T) {
	logits := []float32{0.1, 3.0, -2.0, 1.5}
	rng := rand.New(rand.NewSource(0))
	got, err := Sample(logits, nil, Options{Temperature: 0}, rng)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.TokenID)
	require.Equal(t, float32(0), got.Logprob)
}

// TestFullCategoricalCoversEveryIndex is the other half of property 8:
// top_p=1, top_k=V (i.e. disabled) over many draws should eventually
// sample every index with nonzero probability, not just the mode.
func TestFullCategoricalCoversEveryIndex(t *testing.T) {
	logits := []float32{1, 1, 1, 1}
	rng := rand.New(rand.NewSource(1))
	seen := map[int32]bool{}
	for i := 0; i < 200; i++ {
		got, err := Sample(logits, nil, Options{Temperature: 1, TopK: len(logits), TopP: 1}, rng)
		require.NoError(t, err)
		seen[got.TokenID] = true
	}
	require.Len(t, seen, len(logits))
}

func TestRepetitionPenaltyPositiveAndNegative(t *testing.T) {
	logits := []float32{2.0, -2.0}
	ApplyRepetitionPenalty(logits, []int32{0, 1}, 2.0)
	require.InDelta(t, 1.0, logits[0], 1e-6)
	require.InDelta(t, -4.0, logits[1], 1e-6)
}

func TestTopKFiltersToLargestK(t *testing.T) {
	probs := []float32{0.1, 0.4, 0.2, 0.3}
	filterTopK(probs, 2)
	require.Equal(t, []float32{0, 0.4, 0, 0.3}, probs)
}

func TestTopPKeepsSmallestSufficientPrefix(t *testing.T) {
	probs := []float32{0.5, 0.3, 0.15, 0.05}
	filterTopP(probs, 0.8)
	require.Equal(t, []float32{0.5, 0.3, 0, 0}, probs)
}

func TestEmptyLogitsRejected(t *testing.T) {
	_, err := Sample(nil, nil, Options{}, rand.New(rand.NewSource(0)))
	require.ErrorIs(t, err, ErrEmptyLogits)
}

func TestGPUSampleGreedyMatchesArgmax(t *testing.T) {
	logits := gpu.FromFloats([]int{4}, []float32{0.1, 3.0, -2.0, 1.5})
	got, err := GPUSample(logits, Options{Temperature: 0}, rand.New(rand.NewSource(0)))
	require.NoError(t, err)
	require.EqualValues(t, 1, got.TokenID)
}

func TestGPUSampleRespectsTopK(t *testing.T) {
	logits := gpu.FromFloats([]int{4}, []float32{0.1, 3.0, -2.0, 1.5})
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		got, err := GPUSample(logits, Options{Temperature: 1, TopK: 2, TopP: 1}, rng)
		require.NoError(t, err)
		require.Contains(t, []int32{1, 3}, got.TokenID)
	}
}
