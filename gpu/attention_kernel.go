package gpu

// AttentionKernel selects which fused attention kernel variant a layer
// requests. The simulated runtime computes an identical result for
// every variant (there is no real kernel-fusion difference without an
// actual device); the selection is only validated, and a value outside
// the constants below is rejected by the layer as unsupported.
type AttentionKernel int

const (
	// TiledLarge is the default: a single large tile covering the
	// whole query/key range in one pass.
	TiledLarge AttentionKernel = iota
	// TiledSmall tiles the key range into smaller blocks, the variant
	// a memory-constrained device would request.
	TiledSmall
	// Streaming processes the key range incrementally, the variant an
	// unbounded or very long context would request.
	Streaming
)

func (k AttentionKernel) String() string {
	switch k {
	case TiledSmall:
		return "tiled_small"
	case Streaming:
		return "streaming"
	default:
		return "tiled_large"
	}
}
