package layer

import (
	"fmt"
	"math"

	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/kvcache"
)

// projectRows applies a [Dout, Din] weight to hidden's rows, producing
// [T, Dout]. Weights are stored out-major (the common checkpoint
// convention), so the projection transposes before the matmul, the
// same pattern the MoE router uses for its gate projection.
func projectRows(hidden, weight *gpu.Tensor) (*gpu.Tensor, error) {
	wT, err := transposeWeight(weight)
	if err != nil {
		return nil, err
	}
	return hidden.MatMul(wT)
}

func transposeWeight(w *gpu.Tensor) (*gpu.Tensor, error) {
	if len(w.Shape()) != 2 {
		return nil, fmt.Errorf("%w: weight must be 2D, got %v", ErrShapeMismatch, w.Shape())
	}
	rows, cols := w.Dim(0), w.Dim(1)
	flat := w.Floats()
	out := make([]float32, len(flat))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = flat[i*cols+j]
		}
	}
	return gpu.FromFloats([]int{cols, rows}, out), nil
}

// attnForward runs grouped-query attention for one layer's token block:
// project Q/K/V, rotate with RoPE, stage the new K/V into the cache,
// attend over the retained range (prior cache contents concatenated
// with the freshly computed K/V), and project the result back to the
// model's hidden width. The cache write is only recorded onto rec, not
// applied, so a failure anywhere in this pass leaves the cache
// untouched once the caller discards rec instead of submitting it.
func attnForward(cfg Config, hidden *gpu.Tensor, startPos int, rec gpu.CommandRecorder) (*gpu.Tensor, error) {
	ac := cfg.Attention
	T := hidden.Dim(0)

	normed, err := hidden.RMSNorm(cfg.AttnNormWeight, cfg.Epsilon, cfg.GemmaOffset)
	if err != nil {
		return nil, err
	}

	q, err := projectRows(normed, cfg.Weights.Wq)
	if err != nil {
		return nil, err
	}
	k, err := projectRows(normed, cfg.Weights.Wk)
	if err != nil {
		return nil, err
	}
	v, err := projectRows(normed, cfg.Weights.Wv)
	if err != nil {
		return nil, err
	}

	q, err = mustReshape(q, T, ac.NumQHeads, ac.HeadDim)
	if err != nil {
		return nil, err
	}
	k, err = mustReshape(k, T, ac.NumKVHeads, ac.HeadDim)
	if err != nil {
		return nil, err
	}
	v, err = mustReshape(v, T, ac.NumKVHeads, ac.HeadDim)
	if err != nil {
		return nil, err
	}

	pos := make([]int32, T)
	for i := range pos {
		pos[i] = int32(startPos + i)
	}
	q, err = q.RoPE(pos, ac.RoPE)
	if err != nil {
		return nil, err
	}
	k, err = k.RoPE(pos, ac.RoPE)
	if err != nil {
		return nil, err
	}

	k2d, err := k.Reshape(T, ac.NumKVHeads*ac.HeadDim)
	if err != nil {
		return nil, err
	}
	v2d, err := v.Reshape(T, ac.NumKVHeads*ac.HeadDim)
	if err != nil {
		return nil, err
	}
	kWrite, err := k2d.Cast(cfg.CacheDType)
	if err != nil {
		return nil, err
	}
	vWrite, err := v2d.Cast(cfg.CacheDType)
	if err != nil {
		return nil, err
	}
	if err := cfg.Cache.RecordUpdate(rec, cfg.Layer, kWrite, vWrite, startPos); err != nil {
		return nil, err
	}

	fullK, fullV, keyPos, err := gatherKV(cfg.Cache, cfg.Layer, startPos, k2d, v2d)
	if err != nil {
		return nil, err
	}
	fullLen := len(keyPos)
	fullK3, err := fullK.Reshape(fullLen, ac.NumKVHeads, ac.HeadDim)
	if err != nil {
		return nil, err
	}
	fullV3, err := fullV.Reshape(fullLen, ac.NumKVHeads, ac.HeadDim)
	if err != nil {
		return nil, err
	}

	out, err := scaledDotProductAttention(q, fullK3, fullV3, pos, keyPos, ac)
	if err != nil {
		return nil, err
	}

	out2d, err := out.Reshape(T, ac.NumQHeads*ac.HeadDim)
	if err != nil {
		return nil, err
	}
	proj, err := projectRows(out2d, cfg.Weights.Wo)
	if err != nil {
		return nil, err
	}
	return hidden.Add(proj)
}

func mustReshape(t *gpu.Tensor, shape ...int) (*gpu.Tensor, error) {
	return t.Reshape(shape...)
}

// gatherKV assembles the full key/value range attention needs to see:
// whatever of the prior cache contents are still retained, followed by
// the freshly computed (not-yet-written) K/V for this step's tokens.
// keyPos carries each row's absolute sequence position for masking.
func gatherKV(c kvcache.Cache, layer, startPos int, kNew, vNew *gpu.Tensor) (k, v *gpu.Tensor, keyPos []int, err error) {
	retained := c.SeqLen()
	oldest := startPos - retained
	if oldest < 0 {
		oldest = 0
	}
	if startPos > oldest {
		kPast, vPast, gerr := c.Get(layer, oldest, startPos)
		if gerr != nil {
			return nil, nil, nil, gerr
		}
		kPastF, err := kPast.Dequantize()
		if err != nil {
			return nil, nil, nil, err
		}
		vPastF, err := vPast.Dequantize()
		if err != nil {
			return nil, nil, nil, err
		}
		k, err = gpu.Concat(kPastF, kNew)
		if err != nil {
			return nil, nil, nil, err
		}
		v, err = gpu.Concat(vPastF, vNew)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		k, v = kNew, vNew
	}
	for p := oldest; p < startPos+kNew.Dim(0); p++ {
		keyPos = append(keyPos, p)
	}
	return k, v, keyPos, nil
}

// scaledDotProductAttention computes softmax(QK^T/sqrt(d) + mask)V for
// every query head, broadcasting each group of NumQHeads/NumKVHeads
// query heads onto its shared KV head. The simulated runtime produces
// the identical result regardless of ac.Kernel; the selection only
// documents which fused kernel a real device would have dispatched.
func scaledDotProductAttention(q, k, v *gpu.Tensor, qPos []int32, keyPos []int, ac AttentionConfig) (*gpu.Tensor, error) {
	if ac.NumQHeads == 0 || ac.NumKVHeads == 0 || ac.NumQHeads%ac.NumKVHeads != 0 {
		return nil, fmt.Errorf("%w: num_q_heads %d not a multiple of num_kv_heads %d", ErrShapeMismatch, ac.NumQHeads, ac.NumKVHeads)
	}
	group := ac.NumQHeads / ac.NumKVHeads
	T := q.Dim(0)
	S := len(keyPos)
	d := ac.HeadDim
	scale := float32(1.0 / math.Sqrt(float64(d)))

	qFlat := q.Floats()
	kFlat := k.Floats()
	vFlat := v.Floats()

	out := make([]float32, T*ac.NumQHeads*d)
	for qh := 0; qh < ac.NumQHeads; qh++ {
		kvHead := qh / group
		for i := 0; i < T; i++ {
			qRow := qFlat[(i*ac.NumQHeads+qh)*d : (i*ac.NumQHeads+qh)*d+d]
			scores := make([]float32, S)
			for j := 0; j < S; j++ {
				if !attendable(qPos[i], int32(keyPos[j]), ac.Window) {
					scores[j] = float32(math.Inf(-1))
					continue
				}
				kRow := kFlat[(j*ac.NumKVHeads+kvHead)*d : (j*ac.NumKVHeads+kvHead)*d+d]
				var dot float32
				for c := 0; c < d; c++ {
					dot += qRow[c] * kRow[c]
				}
				scores[j] = dot * scale
			}
			probs := softmaxRow(scores)
			dst := out[(i*ac.NumQHeads+qh)*d : (i*ac.NumQHeads+qh)*d+d]
			for j := 0; j < S; j++ {
				p := probs[j]
				if p == 0 {
					continue
				}
				vRow := vFlat[(j*ac.NumKVHeads+kvHead)*d : (j*ac.NumKVHeads+kvHead)*d+d]
				for c := 0; c < d; c++ {
					dst[c] += p * vRow[c]
				}
			}
		}
	}
	return gpu.FromFloats([]int{T, ac.NumQHeads, d}, out), nil
}

func attendable(queryPos, keyPos int32, window int) bool {
	if keyPos > queryPos {
		return false
	}
	if window > 0 && queryPos-keyPos >= int32(window) {
		return false
	}
	return true
}

func softmaxRow(scores []float32) []float32 {
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	out := make([]float32, len(scores))
	var sum float32
	for i, s := range scores {
		if math.IsInf(float64(s), -1) {
			continue
		}
		e := float32(math.Exp(float64(s - max)))
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
