package layer

import "github.com/doppler/inference/gpu"

// ExpertWeights is one MoE expert's SwiGLU block: gate, down, and up
// projections, the same shapes a dense FFN's DenseFFNWeights carries.
type ExpertWeights struct {
	Gate, Down, Up *gpu.Tensor
	Activation     Activation
}

// ExpertLoader materializes an expert's weights on first use. Real
// backends page expert weights in from host memory or disk the first
// time a layer routes any token to them; EnsureLoaded is that hook.
type ExpertLoader interface {
	EnsureLoaded(layer, expert int) (*ExpertWeights, error)
}
