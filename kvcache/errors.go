package kvcache

import "errors"

var (
	// ErrCacheOverflow is returned when a write would extend past the
	// cache's configured capacity (start_pos + n > max_seq_len for
	// Contiguous/Paged), or when a Paged/SlidingWindow read or any
	// Truncate reaches past the written length. A SlidingWindow read
	// older than the window returns ErrPositionEvicted instead.
	ErrCacheOverflow = errors.New("kvcache: write exceeds cache capacity")

	// ErrDtypeMismatch is returned when a write's source tensors use a
	// dtype other than the one the cache was configured with.
	ErrDtypeMismatch = errors.New("kvcache: dtype mismatch")

	// ErrGPUInputRejected is returned when Paged.Update receives a
	// pool-backed (simulated GPU) tensor; paged layout only accepts
	// freestanding CPU buffers.
	ErrGPUInputRejected = errors.New("kvcache: paged layout does not accept gpu-resident inputs")

	// ErrPositionEvicted is returned when a SlidingWindow read asks for
	// a position older than the currently retained window.
	ErrPositionEvicted = errors.New("kvcache: position has been evicted from the sliding window")

	// ErrLayerOutOfRange is returned when a layer index is outside
	// [0, Layers).
	ErrLayerOutOfRange = errors.New("kvcache: layer index out of range")

	// ErrCacheDestroyed is returned by any operation on a cache after
	// Destroy has run.
	ErrCacheDestroyed = errors.New("kvcache: cache has been destroyed")
)
