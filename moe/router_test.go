package moe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/inference/gpu"
)

// gateFromLogits builds a 1xE hidden state holding the given logits;
// paired with identityGate, Route's matmul reproduces those logits
// exactly for a single token, matching the literal E4 scenario.
func gateFromLogits(t *testing.T, logits []float32) *gpu.Tensor {
	t.Helper()
	e := len(logits)
	h := gpu.FromFloats([]int{1, e}, logits)
	return h
}

func identityGate(e int) *gpu.Tensor {
	flat := make([]float32, e*e)
	for i := 0; i < e; i++ {
		flat[i*e+i] = 1
	}
	return gpu.FromFloats([]int{e, e}, flat)
}

func TestRouteTop2Of4(t *testing.T) {
	r := NewRouter(Config{NumExperts: 4, TopK: 2, Renormalize: true})
	r.SetWeights(identityGate(4), nil)

	h := gateFromLogits(t, []float32{2, 1, 0, 3})
	sels, err := r.Route(h)
	require.NoError(t, err)
	require.Len(t, sels, 1)

	sel := sels[0]
	require.Equal(t, []int{3, 0}, sel.Indices)

	wantW := []float32{0.731, 0.269}
	for i, w := range sel.Weights {
		if math.Abs(float64(w-wantW[i])) > 1e-3 {
			t.Fatalf("weight[%d] = %f, want %f", i, w, wantW[i])
		}
	}
	var sum float32
	for _, w := range sel.Weights {
		sum += w
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Fatalf("renormalized weights sum to %f, want 1", sum)
	}
}

func TestRouteWithoutWeightsFails(t *testing.T) {
	r := NewRouter(Config{NumExperts: 4, TopK: 2})
	_, err := r.Route(gpu.FromFloats([]int{1, 4}, []float32{1, 2, 3, 4}))
	require.ErrorIs(t, err, ErrWeightsNotLoaded)
}

func TestLoadBalanceCounters(t *testing.T) {
	r := NewRouter(Config{NumExperts: 4, TopK: 2})
	r.SetWeights(identityGate(4), nil)

	h := gpu.FromFloats([]int{3, 4}, []float32{
		2, 1, 0, 3,
		2, 1, 0, 3,
		2, 1, 0, 3,
	})
	_, err := r.Route(h)
	require.NoError(t, err)

	counts := r.LoadBalanceCounts()
	var total int64
	for _, c := range counts {
		total += c
	}
	require.Equal(t, int64(2*3), total) // k * T
	require.Equal(t, int64(3), r.TotalTokens())
}

func TestCombineWeightedSum(t *testing.T) {
	sels := []Selection{{Indices: []int{3, 0}, Weights: []float32{0.731, 0.269}}}
	expertOut := map[int]*gpu.Tensor{
		3: gpu.FromFloats([]int{1, 2}, []float32{10, 20}),
		0: gpu.FromFloats([]int{1, 2}, []float32{1, 2}),
	}
	out, err := Combine(sels, 2, expertOut)
	require.NoError(t, err)
	want := []float32{0.731*10 + 0.269*1, 0.731*20 + 0.269*2}
	got := out.Floats()
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Fatalf("combine[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestExecutionPlanBucketsTokens(t *testing.T) {
	sels := []Selection{
		{Indices: []int{1, 0}, Weights: []float32{0.6, 0.4}},
		{Indices: []int{0, 2}, Weights: []float32{0.5, 0.5}},
	}
	plan := BuildExecutionPlan(sels)
	b0 := plan.Bucket(0)
	require.Equal(t, []int{0, 1}, b0.TokenIndices)
	b2 := plan.Bucket(2)
	require.Equal(t, []int{1}, b2.TokenIndices)
	require.Nil(t, plan.Bucket(99))
}
