package layer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/kvcache"
	"github.com/doppler/inference/moe"
)

func identity(n int) *gpu.Tensor {
	flat := make([]float32, n*n)
	for i := 0; i < n; i++ {
		flat[i*n+i] = 1
	}
	return gpu.FromFloats([]int{n, n}, flat)
}

func zeros(rows, cols int) *gpu.Tensor {
	return gpu.FromFloats([]int{rows, cols}, make([]float32, rows*cols))
}

// TestGQABroadcastsGroupsOfQueryHeads is the E2 scenario: with
// N_q=4, N_kv=2 a single cached key/value position, query heads 0 and
// 1 must broadcast onto kv head 0's value and heads 2, 3 onto kv head
// 1's, regardless of their own content (a single key position makes
// softmax trivially 1, isolating the broadcast wiring from the score
// math).
func TestGQABroadcastsGroupsOfQueryHeads(t *testing.T) {
	q := gpu.FromFloats([]int{1, 4, 2}, []float32{1, 1, 2, 2, 3, 3, 4, 4})
	k := gpu.FromFloats([]int{1, 2, 2}, []float32{1, 0, 0, 1})
	v := gpu.FromFloats([]int{1, 2, 2}, []float32{10, 20, 30, 40})

	ac := AttentionConfig{NumQHeads: 4, NumKVHeads: 2, HeadDim: 2}
	out, err := scaledDotProductAttention(q, k, v, []int32{0}, []int{0}, ac)
	require.NoError(t, err)

	got := out.Floats()
	require.Equal(t, []float32{10, 20, 10, 20, 30, 40, 30, 40}, got)
}

func newTestCache(t *testing.T, rt *gpu.Runtime, layers, numKV, headDim, maxSeq int) kvcache.Cache {
	t.Helper()
	return kvcache.NewContiguous(kvcache.Config{
		Runtime:    rt,
		Layers:     layers,
		NumKVHeads: numKV,
		HeadDim:    headDim,
		DType:      gpu.F32,
		MaxSeqLen:  maxSeq,
	})
}

func denseLayerConfig(rt *gpu.Runtime, cache kvcache.Cache, h int) Config {
	return Config{
		Runtime:        rt,
		Cache:          cache,
		Layer:          0,
		CacheDType:     gpu.F32,
		Epsilon:        1e-5,
		AttnNormWeight: gpu.FromFloats([]int{h}, onesOf(h)),
		FFNNormWeight:  gpu.FromFloats([]int{h}, onesOf(h)),
		Attention: AttentionConfig{
			NumQHeads:  1,
			NumKVHeads: 1,
			HeadDim:    h,
			RoPE:       gpu.RoPEParams{Base: 10000, Dim: h},
		},
		Weights: AttentionWeights{
			Wq: identity(h), Wk: identity(h), Wv: identity(h), Wo: identity(h),
		},
		FFNType: Dense,
		Dense: DenseFFNWeights{
			W1: zeros(h, h), W2: zeros(h, h), W3: zeros(h, h), Activation: SwiGLU,
		},
	}
}

func onesOf(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// TestSlidingWindowRetainsLastFour is the E3 scenario: W=4, feed 10
// single-token steps at absolute positions 0..9 (passed to Forward as
// startPos); the cache must keep exactly the last 4 positions (6..9)
// readable and report position 5 as evicted.
func TestSlidingWindowRetainsLastFour(t *testing.T) {
	rt := gpu.NewRuntime(gpu.Options{})
	h := 2
	cache := kvcache.NewSlidingWindow(kvcache.Config{
		Runtime: rt, Layers: 1, NumKVHeads: 1, HeadDim: h, DType: gpu.F32, Window: 4,
	})
	cfg := denseLayerConfig(rt, cache, h)
	lyr := New(cfg)

	for i := 0; i < 10; i++ {
		hidden := gpu.FromFloats([]int{1, h}, []float32{float32(i + 1), float32(i + 1)})
		rec := gpu.NewRecorder()
		_, err := lyr.Forward(hidden, i, rec)
		require.NoError(t, err)
		require.NoError(t, rec.Submit())
	}

	require.Equal(t, 4, cache.SeqLen())
	_, _, err := cache.Get(0, 6, 10)
	require.NoError(t, err)
	_, _, err = cache.Get(0, 5, 10)
	require.ErrorIs(t, err, kvcache.ErrPositionEvicted)
}

// TestForwardIsTransactional confirms a failure partway through a
// layer's forward pass leaves the cache exactly as it was: the
// caller is expected to discard rec without submitting it, so even
// though RecordUpdate staged a write, that write never runs.
func TestForwardIsTransactional(t *testing.T) {
	rt := gpu.NewRuntime(gpu.Options{})
	h := 2
	cache := newTestCache(t, rt, 1, 1, h, 8)
	cfg := denseLayerConfig(rt, cache, h)
	// Break the FFN weight shape so ffnForward fails after attention
	// has already recorded its cache write.
	cfg.Dense.W1 = zeros(h, h+1)

	lyr := New(cfg)
	hidden := gpu.FromFloats([]int{1, h}, []float32{1, 2})
	rec := gpu.NewRecorder()
	_, err := lyr.Forward(hidden, 0, rec)
	require.Error(t, err)
	// Caller discards rec here instead of submitting.

	require.Equal(t, 0, cache.SeqLen())
}

func TestUnsupportedKernelRejected(t *testing.T) {
	rt := gpu.NewRuntime(gpu.Options{})
	h := 2
	cache := newTestCache(t, rt, 1, 1, h, 8)
	cfg := denseLayerConfig(rt, cache, h)
	cfg.Attention.Kernel = gpu.AttentionKernel(99)

	lyr := New(cfg)
	_, err := lyr.Forward(gpu.FromFloats([]int{1, h}, []float32{1, 2}), 0, gpu.NewRecorder())
	require.ErrorIs(t, err, ErrUnsupportedKernel)
}

// TestMoEExpertLoadFailsAfterRetry exercises the recoverable-runtime
// policy: an expert loader that fails twice in a row is retried once,
// then treated as a zero contribution (with a warning) rather than
// failing the whole layer.
func TestMoEExpertLoadFailsAfterRetry(t *testing.T) {
	r := moe.NewRouter(moe.Config{NumExperts: 2, TopK: 1})
	r.SetWeights(identity(2), nil)

	loader := &countingLoader{failTimes: 2}
	cfg := Config{
		FFNType:       MoE,
		Layer:         0,
		Epsilon:       1e-5,
		FFNNormWeight: gpu.FromFloats([]int{2}, []float32{1, 1}),
		MoE:           &MoEFFN{Router: r, Loader: loader},
	}
	out, err := ffnForward(cfg, gpu.FromFloats([]int{1, 2}, []float32{1, 0}))
	require.NoError(t, err)
	// residual of a zero-contribution FFN is just the input back.
	require.Equal(t, []float32{1, 0}, out.Floats())
	require.Equal(t, 2, loader.calls)
}

type countingLoader struct {
	calls     int
	failTimes int
}

func (l *countingLoader) EnsureLoaded(layer, expert int) (*ExpertWeights, error) {
	l.calls++
	if l.calls <= l.failTimes {
		return nil, errors.New("shard not ready")
	}
	return &ExpertWeights{Gate: zeros(2, 2), Down: zeros(2, 2), Up: zeros(2, 2)}, nil
}
