package gpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/google/go-cmp/cmp"
)

func almostEqual(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, tol)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestMatMul(t *testing.T) {
	a := FromFloats([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := FromFloats([]int{3, 2}, []float32{7, 8, 9, 10, 11, 12})
	out, err := a.MatMul(b)
	require.NoError(t, err)
	almostEqual(t, out.Floats(), []float32{58, 64, 139, 154}, 1e-6)
}

func TestMatMulShapeMismatch(t *testing.T) {
	a := FromFloats([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := FromFloats([]int{4, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	_, err := a.MatMul(b)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := FromFloats([]int{2, 4}, []float32{1, 2, 3, 4, -1, 0, 1, 2})
	out := x.Softmax().Floats()
	for r := 0; r < 2; r++ {
		var sum float32
		for _, v := range out[r*4 : r*4+4] {
			sum += v
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Fatalf("row %d sums to %f, want 1", r, sum)
		}
	}
}

func TestRMSNorm(t *testing.T) {
	x := FromFloats([]int{1, 4}, []float32{1, 2, 3, 4})
	w := FromFloats([]int{4}, []float32{1, 1, 1, 1})
	out, err := x.RMSNorm(w, 1e-5, false)
	require.NoError(t, err)
	ms := (1.0 + 4.0 + 9.0 + 16.0) / 4.0
	scale := float32(1.0 / math.Sqrt(ms+1e-5))
	want := []float32{1 * scale, 2 * scale, 3 * scale, 4 * scale}
	almostEqual(t, out.Floats(), want, 1e-5)
}

func TestRMSNormGemmaOffset(t *testing.T) {
	x := FromFloats([]int{1, 2}, []float32{2, 2})
	w := FromFloats([]int{2}, []float32{0, 0})
	out, err := x.RMSNorm(w, 1e-5, true)
	require.NoError(t, err)
	// weight 0 + gemma offset 1 == identity scale factor
	ms := (4.0 + 4.0) / 2.0
	scale := float32(1.0 / math.Sqrt(ms+1e-5))
	want := []float32{2 * scale, 2 * scale}
	almostEqual(t, out.Floats(), want, 1e-5)
}

func TestTopKDeterministicTies(t *testing.T) {
	x := FromFloats([]int{4}, []float32{1, 1, 1, 1})
	top := x.TopK(2)
	if top[0].Index != 0 || top[1].Index != 1 {
		t.Fatalf("expected ascending-index tie break, got %+v", top)
	}
}

func TestReshapeRejectsMismatchedSize(t *testing.T) {
	x := FromFloats([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	_, err := x.Reshape(4, 2)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSliceAndView(t *testing.T) {
	x := FromFloats([]int{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	s, err := x.Slice(1, 3)
	require.NoError(t, err)
	almostEqual(t, s.Floats(), []float32{3, 4, 5, 6}, 1e-6)
}

func TestGather(t *testing.T) {
	table := FromFloats([]int{3, 2}, []float32{10, 11, 20, 21, 30, 31})
	out, err := table.Gather([]int32{2, 0})
	require.NoError(t, err)
	almostEqual(t, out.Floats(), []float32{30, 31, 10, 11}, 1e-6)
}

func TestRoPEPositionZeroIsIdentity(t *testing.T) {
	x := FromFloats([]int{1, 1, 4}, []float32{1, 2, 3, 4})
	out, err := x.RoPE([]int32{0}, RoPEParams{Base: 10000, Dim: 4})
	require.NoError(t, err)
	almostEqual(t, out.Floats(), []float32{1, 2, 3, 4}, 1e-5)
}

func TestBufferPoolReuse(t *testing.T) {
	pool := newBufferPool(0)
	b1, err := pool.Acquire(F32, 8)
	require.NoError(t, err)
	b1.Release()
	b2, err := pool.Acquire(F32, 8)
	require.NoError(t, err)
	if b1 != b2 {
		t.Fatalf("expected pool to recycle released buffer")
	}
}

func TestBufferPoolBudgetExceeded(t *testing.T) {
	pool := newBufferPool(4)
	_, err := pool.Acquire(F32, 8)
	require.ErrorIs(t, err, ErrBufferAllocationFailed)
}

func TestRuntimeCloseRejectsNewAllocations(t *testing.T) {
	rt := NewRuntime(Options{})
	require.NoError(t, rt.Close())
	_, err := rt.NewTensor(F32, 2, 2)
	require.ErrorIs(t, err, ErrGpuUnavailable)
}

func TestRecorderSubmitOnce(t *testing.T) {
	r := NewRecorder()
	var ran int
	require.NoError(t, r.Record(func() error { ran++; return nil }))
	require.NoError(t, r.Submit())
	if ran != 1 {
		t.Fatalf("expected command to run once, ran %d times", ran)
	}
	require.ErrorIs(t, r.Submit(), ErrRecorderClosed)
	require.ErrorIs(t, r.Record(func() error { return nil }), ErrRecorderClosed)
}

func TestF16RoundTrip(t *testing.T) {
	rt := NewRuntime(Options{})
	src := []float32{1.5, -2.25, 0, 100.0}
	ten, err := rt.NewTensorFromFloats(F16, []int{4}, src)
	require.NoError(t, err)
	almostEqual(t, ten.Floats(), src, 1e-2)
}
