package gpu

import (
	"fmt"
	"sync"
)

// Options configures a Runtime. The zero value is a usable single
// device with no simulated memory ceiling.
type Options struct {
	// DeviceName is a human-readable label surfaced in logs and stats.
	DeviceName string

	// MemoryBudget bounds the total bytes the BufferPool will hand out
	// at once. Zero means unbounded.
	MemoryBudget int64

	// FlashAttention mirrors a real backend's capability flag. It is
	// copied onto the Device; no code path reads it, and the host
	// simulation computes the same result either way.
	FlashAttention bool
}

// Device describes the (simulated) compute device a Runtime drives.
type Device struct {
	Name           string
	MemoryBudget   int64
	FlashAttention bool
}

// Runtime is the process-wide handle to the compute backend. It is
// never a package-level singleton: every component that needs GPU
// access receives a *Runtime explicitly, which is what lets tests
// construct an isolated one per case.
type Runtime struct {
	device *Device
	pool   *BufferPool

	mu     sync.Mutex
	closed bool
}

// NewRuntime constructs a Runtime. It never fails: a simulated device
// always "attaches" successfully, matching how the teacher's backend
// registry falls back to a CPU device when no accelerator is present.
func NewRuntime(opts Options) *Runtime {
	if opts.DeviceName == "" {
		opts.DeviceName = "sim0"
	}
	dev := &Device{
		Name:           opts.DeviceName,
		MemoryBudget:   opts.MemoryBudget,
		FlashAttention: opts.FlashAttention,
	}
	return &Runtime{
		device: dev,
		pool:   newBufferPool(dev.MemoryBudget),
	}
}

// Device returns the runtime's device descriptor.
func (r *Runtime) Device() *Device {
	return r.device
}

// Pool returns the runtime's buffer pool.
func (r *Runtime) Pool() *BufferPool {
	return r.pool
}

// Close releases all pooled buffers. A closed Runtime rejects further
// allocation requests with ErrGpuUnavailable.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.pool.closeAll()
	return nil
}

func (r *Runtime) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrGpuUnavailable
	}
	return nil
}

// NewTensor allocates a Tensor with the given dtype and shape,
// zero-filled, backed by a buffer drawn from the runtime's pool.
func (r *Runtime) NewTensor(dtype DType, shape ...int) (*Tensor, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	n := numElements(shape)
	buf, err := r.pool.Acquire(dtype, n)
	if err != nil {
		return nil, err
	}
	return newTensor(buf, shape), nil
}

// NewTensorFromFloats allocates a Tensor and fills it from src, which
// must have exactly numElements(shape) entries.
func (r *Runtime) NewTensorFromFloats(dtype DType, shape []int, src []float32) (*Tensor, error) {
	t, err := r.NewTensor(dtype, shape...)
	if err != nil {
		return nil, err
	}
	if len(src) != numElements(shape) {
		return nil, fmt.Errorf("%w: got %d floats for shape %v", ErrShapeMismatch, len(src), shape)
	}
	if dtype == F32 {
		copy(t.data, src)
		return t, nil
	}
	raw, err := fromFloat32(dtype, src)
	if err != nil {
		return nil, err
	}
	decoded, err := toFloat32(dtype, raw)
	if err != nil {
		return nil, err
	}
	copy(t.data, decoded)
	return t, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
