package layer

import "errors"

var (
	// ErrDtypeMismatch is returned when layer weights and activations
	// disagree on dtype.
	ErrDtypeMismatch = errors.New("layer: dtype mismatch")

	// ErrShapeMismatch is returned when a weight's shape doesn't match
	// the configured dimensions.
	ErrShapeMismatch = errors.New("layer: shape mismatch")

	// ErrGpuUnavailable is returned when the layer was configured
	// without a Runtime.
	ErrGpuUnavailable = errors.New("layer: gpu unavailable")

	// ErrExpertLoadFailed is not returned by Forward: an MoE expert
	// that still fails to load after its one retry is logged and
	// contributes zero to the output.
	ErrExpertLoadFailed = errors.New("layer: expert load failed")

	// ErrUnsupportedKernel is a configuration error for an attention
	// kernel the runtime doesn't recognize.
	ErrUnsupportedKernel = errors.New("layer: unsupported attention kernel")
)
