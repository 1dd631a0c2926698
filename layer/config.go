// Package layer implements one transformer block: pre-norm, grouped-
// query attention with RoPE and a KV-cache write, a residual add, a
// second pre-norm, a dense-or-MoE feed-forward block, and a final
// residual add.
package layer

import (
	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/kvcache"
)

// FFNType selects between a dense SwiGLU/GeLU feed-forward block and
// an MoE-routed one.
type FFNType int

const (
	Dense FFNType = iota
	MoE
)

// Activation selects the dense FFN's gate nonlinearity.
type Activation int

const (
	SwiGLU Activation = iota
	GeLUActivation
)

// AttentionWeights holds one layer's Q/K/V/output projections.
type AttentionWeights struct {
	Wq, Wk, Wv, Wo *gpu.Tensor
}

// AttentionConfig parameterizes GQA + RoPE for one layer.
type AttentionConfig struct {
	NumQHeads  int
	NumKVHeads int
	HeadDim    int
	RoPE       gpu.RoPEParams
	Window     int // 0 disables sliding-window masking
	Kernel     gpu.AttentionKernel
}

// DenseFFNWeights holds a dense feed-forward block's three matrices.
type DenseFFNWeights struct {
	W1, W2, W3 *gpu.Tensor // gate, down, up respectively
	Activation Activation
}

// Config describes one transformer layer: its norms, attention block,
// and feed-forward block (dense or MoE).
type Config struct {
	Runtime    *gpu.Runtime
	Cache      kvcache.Cache
	Layer      int       // this layer's index into Cache
	CacheDType gpu.DType // dtype Cache was configured with; writes are cast to this

	Epsilon     float32
	GemmaOffset bool

	AttnNormWeight *gpu.Tensor
	FFNNormWeight  *gpu.Tensor

	Attention AttentionConfig
	Weights   AttentionWeights

	FFNType FFNType
	Dense   DenseFFNWeights
	MoE     *MoEFFN
}
