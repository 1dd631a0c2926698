package pipeline

import (
	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/tokenizer"
)

// RoPEScalingConfig mirrors the manifest's type-specific RoPE scaling
// parameters (§6: rope_scaling_type + rope_scaling).
type RoPEScalingConfig struct {
	Type       gpu.RoPEScaling
	Factor     float32
	OrigCtxLen int
	ExtFactor  float32
	AttnFactor float32
}

// ModelDescriptor is the recognized subset of a model manifest (§6).
// Unrecognized fields are the caller's problem to have already
// stripped; this struct only models what LoadModel consumes.
type ModelDescriptor struct {
	NumLayers        int
	HiddenSize       int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	IntermediateSize int
	VocabSize        int
	MaxSeqLen        int
	RMSNormEps       float32
	RopeTheta        float32
	RopeScale        float32
	RopeScaling      RoPEScalingConfig

	SlidingWindow          int // 0 disables
	NumExperts             int // 0 means dense FFN every layer
	MoETopK                int
	ExpertIntermediateSize int
	StopTokenIDs           []int32
	AttentionKernel        gpu.AttentionKernel
	IsGemma                bool // enables embedding scale by sqrt(H) and RMSNorm +1 offset
	TiedEmbeddings         bool // LM head reuses the embedding matrix instead of a separate "lm_head" weight

	Tokenizer tokenizer.Config

	// DraftModel, if set, enables speculative decoding via a second
	// Pipeline built from this nested descriptor.
	DraftModel *ModelDescriptor
}

