package gpu

import (
	"fmt"
)

// Tensor is a shaped, strided view over a Buffer's float32 contents.
// All math methods operate directly on []float32, dequantizing from
// the backing buffer once at construction time; quantized buffers
// never round-trip through their packed representation mid-kernel.
type Tensor struct {
	buf    *Buffer
	dtype  DType
	shape  []int
	stride []int
	offset int
	data   []float32 // float32 copy decoded from buf (never aliases buf's bytes); shared with views
}

func rowMajorStride(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

func newTensor(buf *Buffer, shape []int) *Tensor {
	data, err := toFloat32(buf.dtype, buf.bytes)
	if err != nil {
		// toFloat32 has no decoder for the quantized dtypes, which
		// NewTensor still accepts; such a tensor starts as zeros.
		data = make([]float32, buf.n)
	}
	return &Tensor{
		buf:    buf,
		dtype:  buf.dtype,
		shape:  append([]int(nil), shape...),
		stride: rowMajorStride(shape),
		data:   data,
	}
}

// FromBytes builds a Tensor directly from a raw byte buffer in the
// given dtype and shape, without going through a Runtime pool. Used by
// the weight registry to wrap mmap'd or loaded shard data.
func FromBytes(dtype DType, shape []int, raw []byte) (*Tensor, error) {
	data, err := toFloat32(dtype, raw)
	if err != nil {
		return nil, err
	}
	n := numElements(shape)
	if len(data) < n {
		return nil, fmt.Errorf("%w: buffer holds %d elements, shape wants %d", ErrShapeMismatch, len(data), n)
	}
	return &Tensor{
		dtype:  dtype,
		shape:  append([]int(nil), shape...),
		stride: rowMajorStride(shape),
		data:   data[:n],
	}, nil
}

// FromFloats wraps an existing []float32 slice as a Tensor with no
// pooled buffer backing it (used by tests and CPU-side scratch math).
func FromFloats(shape []int, data []float32) *Tensor {
	return &Tensor{
		dtype:  F32,
		shape:  append([]int(nil), shape...),
		stride: rowMajorStride(shape),
		data:   data,
	}
}

// Shape returns the tensor's dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// DType returns the tensor's element type.
func (t *Tensor) DType() DType { return t.dtype }

// Len returns the total element count.
func (t *Tensor) Len() int { return numElements(t.shape) }

// Floats returns the tensor's flat contents as owned float32s, in
// logical row-major order starting at the tensor's offset.
func (t *Tensor) Floats() []float32 {
	n := t.Len()
	if t.offset == 0 && isContiguous(t.shape, t.stride) {
		out := make([]float32, n)
		copy(out, t.data[:n])
		return out
	}
	out := make([]float32, 0, n)
	t.walk(func(v float32) { out = append(out, v) })
	return out
}

func isContiguous(shape, stride []int) bool {
	want := rowMajorStride(shape)
	for i := range stride {
		if stride[i] != want[i] {
			return false
		}
	}
	return true
}

// walk visits every logical element in row-major order.
func (t *Tensor) walk(fn func(float32)) {
	idx := make([]int, len(t.shape))
	total := t.Len()
	for i := 0; i < total; i++ {
		off := t.offset
		for d := range idx {
			off += idx[d] * t.stride[d]
		}
		fn(t.data[off])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.shape[d] {
				break
			}
			idx[d] = 0
		}
	}
}

// Cast returns a new Tensor with the same logical shape and values
// rounded through dtype's representation. Used at KV cache write
// boundaries so a cache configured for f16 storage actually loses the
// precision f16 would lose, rather than silently staying f32.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if dtype == t.dtype {
		return t, nil
	}
	flat := t.Floats()
	raw, err := fromFloat32(dtype, flat)
	if err != nil {
		return nil, err
	}
	decoded, err := toFloat32(dtype, raw)
	if err != nil {
		return nil, err
	}
	out := &Tensor{
		dtype:  dtype,
		shape:  t.Shape(),
		stride: rowMajorStride(t.shape),
		data:   decoded,
	}
	return out, nil
}

// Dequantize returns an f32 tensor with the same logical values as t.
// For the computable dtypes (f32/f16/bf16) this is just Cast(F32); for
// the quantized dtypes (q4/q4k/q8) there is no quantization math in
// this runtime, so it reports ErrDtypeMismatch rather than silently
// returning garbage. A real backend would unpack blocks and scales
// here; weights that arrive quantized must be re-exported in a
// computable dtype before this engine can run them.
func (t *Tensor) Dequantize() (*Tensor, error) {
	if t.dtype.Computable() {
		return t.Cast(F32)
	}
	return nil, fmt.Errorf("%w: no dequantize kernel for %s", ErrDtypeMismatch, t.dtype)
}

// Release drops the tensor's reference to its backing buffer, if any.
func (t *Tensor) Release() {
	if t.buf != nil {
		t.buf.Release()
	}
}

// Reshape returns a Tensor with a different shape; the element count
// must match. A contiguous tensor is reshaped as a view over the same
// data; a non-contiguous one is first copied into a new freestanding
// tensor.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numElements(shape) != t.Len() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.shape, shape)
	}
	if !isContiguous(t.shape, t.stride) {
		flat := t.Floats()
		return FromFloats(shape, flat), nil
	}
	return &Tensor{
		buf:    t.buf,
		dtype:  t.dtype,
		shape:  append([]int(nil), shape...),
		stride: rowMajorStride(shape),
		offset: t.offset,
		data:   t.data,
	}, nil
}

// View returns a tensor sharing this one's storage with a new shape
// and stride, rooted at an additional element offset. Used for the KV
// cache's per-layer, per-position addressing.
func (t *Tensor) View(offset int, shape, stride []int) *Tensor {
	return &Tensor{
		buf:    t.buf,
		dtype:  t.dtype,
		shape:  append([]int(nil), shape...),
		stride: append([]int(nil), stride...),
		offset: t.offset + offset,
		data:   t.data,
	}
}

// Slice returns the sub-tensor along dimension 0 covering [start,end).
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if start < 0 || end > t.shape[0] || start > end {
		return nil, fmt.Errorf("%w: slice [%d:%d) out of range for dim0=%d", ErrShapeMismatch, start, end, t.shape[0])
	}
	shape := append([]int(nil), t.shape...)
	shape[0] = end - start
	return t.View(start*t.stride[0], shape, t.stride), nil
}

// Concat concatenates tensors along dimension 0. All must share the
// remaining dimensions and dtype.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat requires at least one tensor", ErrShapeMismatch)
	}
	rest := ts[0].shape[1:]
	total := 0
	for _, t := range ts {
		if len(t.shape) != len(ts[0].shape) {
			return nil, ErrShapeMismatch
		}
		for i, d := range t.shape[1:] {
			if d != rest[i] {
				return nil, ErrShapeMismatch
			}
		}
		total += t.shape[0]
	}
	shape := append([]int{total}, rest...)
	out := make([]float32, 0, numElements(shape))
	for _, t := range ts {
		out = append(out, t.Floats()...)
	}
	return FromFloats(shape, out), nil
}

// IsPooled reports whether the tensor is backed by a runtime-pooled
// buffer, as opposed to a freestanding tensor built via FromFloats or
// FromBytes. Paged kvcache storage uses this to reject GPU-resident
// inputs per its layout contract.
func (t *Tensor) IsPooled() bool {
	return t.buf != nil
}

// SetRows overwrites the rows [start, start+src.Dim(0)) of t (which
// must be contiguous along dimension 0 and share every trailing
// dimension with src) with src's contents. Grounded on the cache
// write pattern a real backend exposes as SetRows.
func (t *Tensor) SetRows(start int, src *Tensor) error {
	if len(t.shape) != len(src.shape) {
		return ErrShapeMismatch
	}
	for i := 1; i < len(t.shape); i++ {
		if t.shape[i] != src.shape[i] {
			return ErrShapeMismatch
		}
	}
	if start < 0 || start+src.shape[0] > t.shape[0] {
		return fmt.Errorf("%w: SetRows [%d:%d) out of range for dim0=%d", ErrShapeMismatch, start, start+src.shape[0], t.shape[0])
	}
	rowLen := 1
	for _, d := range t.shape[1:] {
		rowLen *= d
	}
	srcFlat := src.Floats()
	for r := 0; r < src.shape[0]; r++ {
		dstOff := t.offset + (start+r)*t.stride[0]
		for c := 0; c < rowLen; c++ {
			t.data[dstOff+c] = srcFlat[r*rowLen+c]
		}
	}
	return nil
}

// Gather performs an embedding-table lookup: indices selects rows of t
// (shape [rows x cols]) by index, producing [len(indices) x cols].
func (t *Tensor) Gather(indices []int32) (*Tensor, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("%w: gather requires a 2D table", ErrShapeMismatch)
	}
	rows, cols := t.shape[0], t.shape[1]
	out := make([]float32, len(indices)*cols)
	for i, idx := range indices {
		if int(idx) < 0 || int(idx) >= rows {
			return nil, fmt.Errorf("%w: gather index %d out of range [0,%d)", ErrShapeMismatch, idx, rows)
		}
		row, err := t.Slice(int(idx), int(idx)+1)
		if err != nil {
			return nil, err
		}
		copy(out[i*cols:(i+1)*cols], row.Floats())
	}
	return FromFloats([]int{len(indices), cols}, out), nil
}
