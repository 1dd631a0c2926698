package layer

import (
	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/kvcache"
)

// Layer runs one transformer block's forward pass against a fixed
// Config: attention into the KV cache, then a dense-or-MoE
// feed-forward block, each wrapped in a pre-norm and followed by a
// residual add.
type Layer struct {
	cfg Config
}

// New constructs a Layer bound to cfg. cfg.Cache, cfg.Layer, and the
// weight fields must already be populated; Forward does not mutate cfg.
func New(cfg Config) *Layer {
	return &Layer{cfg: cfg}
}

// Forward runs the layer over hidden (shape [T, H]) for tokens starting
// at absolute position startPos, recording its KV-cache write onto rec.
// The caller owns rec's lifetime: on success it should be submitted (or
// folded into a larger batch covering the rest of the forward pass); on
// any error from Forward, the recorder must be discarded unsubmitted so
// the cache is left exactly as it was before this call, per the
// layer's transactional contract.
func (l *Layer) Forward(hidden *gpu.Tensor, startPos int, rec gpu.CommandRecorder) (*gpu.Tensor, error) {
	if l.cfg.Runtime == nil {
		return nil, ErrGpuUnavailable
	}
	if err := checkKernel(l.cfg.Attention.Kernel); err != nil {
		return nil, err
	}

	afterAttn, err := attnForward(l.cfg, hidden, startPos, rec)
	if err != nil {
		return nil, err
	}
	afterFFN, err := ffnForward(l.cfg, afterAttn)
	if err != nil {
		return nil, err
	}
	return afterFFN, nil
}

// SetCache rebinds the layer to a different KV cache without touching
// any other field. The speculative decoder uses this to point a
// draft model's layers at a cloned cache sandbox for one draft
// rollout, then restores the original cache afterward regardless of
// whether the rollout was accepted.
func (l *Layer) SetCache(c kvcache.Cache) {
	l.cfg.Cache = c
}

func checkKernel(k gpu.AttentionKernel) error {
	switch k {
	case gpu.TiledLarge, gpu.TiledSmall, gpu.Streaming:
		return nil
	default:
		return ErrUnsupportedKernel
	}
}
