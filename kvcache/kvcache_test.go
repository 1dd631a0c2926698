package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/inference/gpu"
)

func newTestRuntime(t *testing.T) *gpu.Runtime {
	t.Helper()
	rt := gpu.NewRuntime(gpu.Options{})
	t.Cleanup(func() { rt.Close() })
	return rt
}

func row(rt *gpu.Runtime, t *testing.T, vals ...float32) *gpu.Tensor {
	ten, err := rt.NewTensorFromFloats(gpu.F32, []int{1, len(vals)}, vals)
	require.NoError(t, err)
	return ten
}

func rows(rt *gpu.Runtime, t *testing.T, n, width int, fill float32) *gpu.Tensor {
	vals := make([]float32, n*width)
	for i := range vals {
		vals[i] = fill
	}
	ten, err := rt.NewTensorFromFloats(gpu.F32, []int{n, width}, vals)
	require.NoError(t, err)
	return ten
}

func TestContiguousUpdateThenGetRoundTrips(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 2, DType: gpu.F32, MaxSeqLen: 8}
	c := NewContiguous(cfg)

	k := rows(rt, t, 3, 2, 1)
	v := rows(rt, t, 3, 2, 2)
	require.NoError(t, c.Update(0, k, v, 0))

	gk, gv, err := c.Get(0, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 1, 1, 1, 1, 1}, gk.Floats())
	require.Equal(t, []float32{2, 2, 2, 2, 2, 2}, gv.Floats())
	require.Equal(t, 3, c.SeqLen())
}

func TestContiguousSeqLenVisibleOnlyAfterLastLayer(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 2, NumKVHeads: 1, HeadDim: 2, DType: gpu.F32, MaxSeqLen: 8}
	c := NewContiguous(cfg)

	k := rows(rt, t, 2, 2, 1)
	v := rows(rt, t, 2, 2, 2)
	require.NoError(t, c.Update(0, k, v, 0))
	require.Equal(t, 0, c.SeqLen(), "seq_len must stay at 0 until the last layer is written")

	require.NoError(t, c.Update(1, k, v, 0))
	require.Equal(t, 2, c.SeqLen())
}

func TestContiguousOverflow(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 1, DType: gpu.F32, MaxSeqLen: 2}
	c := NewContiguous(cfg)
	k := rows(rt, t, 3, 1, 1)
	v := rows(rt, t, 3, 1, 1)
	err := c.Update(0, k, v, 0)
	require.ErrorIs(t, err, ErrCacheOverflow)
}

func TestContiguousDtypeMismatch(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 1, DType: gpu.F16, MaxSeqLen: 2}
	c := NewContiguous(cfg)
	k := row(rt, t, 1)
	v := row(rt, t, 1)
	err := c.Update(0, k, v, 0)
	require.ErrorIs(t, err, ErrDtypeMismatch)
}

func TestCloneTruncateEquivalence(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 1, DType: gpu.F32, MaxSeqLen: 8}
	full := NewContiguous(cfg)
	onlyFirstTwo := NewContiguous(cfg)

	allK := rows(rt, t, 4, 1, 1)
	allV := rows(rt, t, 4, 1, 1)
	require.NoError(t, full.Update(0, allK, allV, 0))

	firstK := rows(rt, t, 2, 1, 1)
	firstV := rows(rt, t, 2, 1, 1)
	require.NoError(t, onlyFirstTwo.Update(0, firstK, firstV, 0))

	cloned, err := full.Clone()
	require.NoError(t, err)
	require.NoError(t, cloned.Truncate(2))

	wantK, wantV, err := onlyFirstTwo.Get(0, 0, 2)
	require.NoError(t, err)
	gotK, gotV, err := cloned.Get(0, 0, 2)
	require.NoError(t, err)
	require.Equal(t, wantK.Floats(), gotK.Floats())
	require.Equal(t, wantV.Floats(), gotV.Floats())
	require.Equal(t, 2, cloned.SeqLen())
}

func TestPagedRejectsGPUInput(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 1, DType: gpu.F32, PageSize: 4}
	p := NewPaged(cfg)
	k := rows(rt, t, 1, 1, 1) // pool-backed -> rejected
	v := rows(rt, t, 1, 1, 1)
	err := p.Update(0, k, v, 0)
	require.ErrorIs(t, err, ErrGPUInputRejected)
}

func TestPagedAllocatesPagesOnDemand(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 1, DType: gpu.F32, PageSize: 4}
	p := NewPaged(cfg)
	k := gpu.FromFloats([]int{5, 1}, []float32{1, 2, 3, 4, 5})
	v := gpu.FromFloats([]int{5, 1}, []float32{10, 20, 30, 40, 50})
	require.NoError(t, p.Update(0, k, v, 0))
	require.Equal(t, 2, p.pages[0].Size(), "position 4 should force a second page to be allocated")

	gk, gv, err := p.Get(0, 0, 5)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4, 5}, gk.Floats())
	require.Equal(t, []float32{10, 20, 30, 40, 50}, gv.Floats())
}

func TestSlidingWindowRetainsOnlyLastW(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 1, DType: gpu.F32, Window: 4}
	s := NewSlidingWindow(cfg)

	for i := 0; i < 10; i++ {
		k := row(rt, t, float32(i))
		v := row(rt, t, float32(i))
		require.NoError(t, s.Update(0, k, v, i))
	}
	require.Equal(t, 4, s.SeqLen())

	gk, _, err := s.Get(0, 6, 10)
	require.NoError(t, err)
	require.Equal(t, []float32{6, 7, 8, 9}, gk.Floats())

	_, _, err = s.Get(0, 5, 9)
	require.ErrorIs(t, err, ErrPositionEvicted)
}

func TestSlidingWindowRingWrap(t *testing.T) {
	rt := newTestRuntime(t)
	cfg := Config{Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: 1, DType: gpu.F32, Window: 4}
	s := NewSlidingWindow(cfg)

	vals := []float32{0, 1, 2, 3, 4, 5}
	kk := gpu.FromFloats([]int{6, 1}, vals)
	vv := gpu.FromFloats([]int{6, 1}, vals)
	require.NoError(t, s.Update(0, kk, vv, 0))

	gk, _, err := s.Get(0, 2, 6)
	require.NoError(t, err)
	require.Equal(t, []float32{2, 3, 4, 5}, gk.Floats())
}
