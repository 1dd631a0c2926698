// Package kvcache implements the three key/value cache layouts the
// layer engine writes attention state into during a forward pass:
// Contiguous (a flat buffer pre-sized to a fixed capacity), Paged
// (page-allocated on demand, rejecting pool-backed inputs), and SlidingWindow (a fixed-size
// ring keyed by position modulo the window).
package kvcache

import "github.com/doppler/inference/gpu"

// Cache is the interface the layer engine and speculative decoder
// drive. A single Cache instance covers every layer of one model
// instance; the layer index selects which layer's K/V storage an
// operation touches.
type Cache interface {
	// Update copies K/V for positions [startPos, startPos+n) into
	// layer l, submitting any GPU commands immediately.
	Update(layer int, k, v *gpu.Tensor, startPos int) error

	// RecordUpdate behaves like Update but defers the copy onto rec
	// instead of running it immediately.
	RecordUpdate(rec gpu.CommandRecorder, layer int, k, v *gpu.Tensor, startPos int) error

	// Get returns a copy of positions [start, end) for layer l as
	// fresh freestanding tensors in every layout; writing to them does
	// not touch the cache. GPUBuffers exposes the storage itself.
	Get(layer, start, end int) (k, v *gpu.Tensor, err error)

	// GPUBuffers returns the raw per-layer K/V buffers and the
	// cache's current seq_len, for fused attention kernels that want
	// to address the whole live range directly.
	GPUBuffers(layer int) (k, v *gpu.Tensor, seqLen int, err error)

	// Clear resets every layer to empty, preserving capacity.
	Clear()

	// Truncate discards all positions at or beyond newLen.
	Truncate(newLen int) error

	// Clone returns a contiguous deep copy of the cache (always a
	// *Contiguous), used as the draft model's sandbox during
	// speculative decoding. The copy's storage is allocated from the
	// Runtime pool like any cache storage; it is not a CPU-only copy.
	Clone() (Cache, error)

	// Destroy releases all backing storage. The cache must not be
	// used afterward.
	Destroy()

	// SeqLen reports the cache's globally visible sequence length,
	// which only advances once the last layer of a step has been
	// written (mid-layer writes stay invisible to readers).
	SeqLen() int

	// Layers reports the number of layers this cache was configured
	// for.
	Layers() int
}

// Config parameterizes any of the three Cache constructors.
type Config struct {
	Runtime    *gpu.Runtime
	Layers     int
	NumKVHeads int
	HeadDim    int
	DType      gpu.DType

	// MaxSeqLen bounds Contiguous and Paged caches (a Paged cache
	// with MaxSeqLen zero is unbounded). Ignored by SlidingWindow,
	// which uses Window instead.
	MaxSeqLen int

	// PageSize is the number of positions each Paged page covers.
	PageSize int

	// Window is the ring size for SlidingWindow caches.
	Window int
}

func (c Config) rowWidth() int {
	return c.NumKVHeads * c.HeadDim
}

// checkDtype enforces the cache's dtype-consistency invariant: source
// tensors must already be in the cache's configured dtype.
func checkDtype(cfgDType gpu.DType, k, v *gpu.Tensor) error {
	if k.DType() != cfgDType || v.DType() != cfgDType {
		return ErrDtypeMismatch
	}
	return nil
}
