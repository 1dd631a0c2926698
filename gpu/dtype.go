// Package gpu simulates the GPU compute backend the inference engine
// drives: device/buffer management, a command recorder, and the
// kernels the layer engine and sampler dispatch to (matmul, softmax,
// rmsnorm, rope, silu/gelu, gather, residual, sampling).
//
// There is no real device underneath. Every kernel runs on the host in
// float32, but the API shape (buffers owned by a pool, commands
// recorded and submitted once per forward pass) mirrors a real GPU
// backend so the orchestration logic above it doesn't change if one is
// swapped in.
package gpu

import (
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a buffer or tensor.
type DType int

const (
	DTypeOther DType = iota
	F32
	F16
	BF16
	Q4
	Q4K
	Q8
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case Q4:
		return "q4"
	case Q4K:
		return "q4k"
	case Q8:
		return "q8"
	default:
		return "other"
	}
}

// Computable reports whether this dtype can be operated on directly by
// the float32 kernels without a separate dequantization pass.
func (d DType) Computable() bool {
	return d == F32 || d == F16 || d == BF16
}

// Layout is the memory layout of a weight buffer.
type Layout int

const (
	Row Layout = iota
	Column
)

// toFloat32 decodes a raw byte buffer in the given dtype into float32s.
func toFloat32(dtype DType, data []byte) ([]float32, error) {
	switch dtype {
	case F32:
		return bytesToF32(data), nil
	case F16:
		n := len(data) / 2
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			bits := uint16(data[2*i]) | uint16(data[2*i+1])<<8
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	case BF16:
		n := len(data) / 2
		out := make([]float32, n)
		bfloat16.Decode(out, data)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot decode dtype %s to float32", ErrDtypeMismatch, dtype)
	}
}

// fromFloat32 encodes float32s into a raw byte buffer in the given dtype.
func fromFloat32(dtype DType, src []float32) ([]byte, error) {
	switch dtype {
	case F32:
		return f32ToBytes(src), nil
	case F16:
		out := make([]byte, len(src)*2)
		for i, f := range src {
			bits := float16.Fromfloat32(f).Bits()
			out[2*i] = byte(bits)
			out[2*i+1] = byte(bits >> 8)
		}
		return out, nil
	case BF16:
		out := make([]byte, len(src)*2)
		bfloat16.Encode(out, src)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot encode dtype %s from float32", ErrDtypeMismatch, dtype)
	}
}

func bytesToF32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func f32ToBytes(f []float32) []byte {
	out := make([]byte, len(f)*4)
	for i, v := range f {
		bits := math.Float32bits(v)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}
