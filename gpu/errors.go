package gpu

import "errors"

var (
	// ErrGpuUnavailable is returned when a caller requests GPU dispatch
	// but no device is registered or the device has been closed.
	ErrGpuUnavailable = errors.New("gpu: device unavailable")

	// ErrBufferAllocationFailed is returned when the pool cannot satisfy
	// a buffer request, either because the requested size overflows or
	// because the pool's memory ceiling would be exceeded.
	ErrBufferAllocationFailed = errors.New("gpu: buffer allocation failed")

	// ErrDtypeMismatch is returned when an operation receives operands
	// whose dtypes cannot be reconciled, or a caller asks to decode a
	// dtype that has no direct float32 representation (a quantized
	// type without a dequantize pass).
	ErrDtypeMismatch = errors.New("gpu: dtype mismatch")

	// ErrShapeMismatch is returned when tensor shapes are incompatible
	// for the requested operation.
	ErrShapeMismatch = errors.New("gpu: shape mismatch")

	// ErrBufferClosed is returned when an operation touches a buffer or
	// tensor after its owning pool entry has been released.
	ErrBufferClosed = errors.New("gpu: buffer closed")

	// ErrRecorderClosed is returned when a command is appended to a
	// Recorder after it has already been submitted.
	ErrRecorderClosed = errors.New("gpu: recorder already submitted")
)
