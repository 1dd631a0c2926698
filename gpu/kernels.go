package gpu

import (
	"fmt"
	"math"
)

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Add returns the elementwise sum of t and other. Shapes must match
// exactly (no broadcasting, matching the layer engine's residual add
// where both operands already share the hidden-state shape).
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if !sameShape(t.shape, other.shape) {
		return nil, fmt.Errorf("%w: add %v vs %v", ErrShapeMismatch, t.shape, other.shape)
	}
	a, b := t.Floats(), other.Floats()
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return FromFloats(t.Shape(), out), nil
}

// Residual is an alias for Add used at call sites that want to name
// the kernel the way the spec's layer engine does.
func Residual(a, b *Tensor) (*Tensor, error) {
	return a.Add(b)
}

// Mul returns the elementwise product of t and other.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	if !sameShape(t.shape, other.shape) {
		return nil, fmt.Errorf("%w: mul %v vs %v", ErrShapeMismatch, t.shape, other.shape)
	}
	a, b := t.Floats(), other.Floats()
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return FromFloats(t.Shape(), out), nil
}

// Scale multiplies every element by a scalar.
func (t *Tensor) Scale(s float32) *Tensor {
	a := t.Floats()
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = v * s
	}
	return FromFloats(t.Shape(), out)
}

// MatMul computes t @ other where t is [m x k] and other is [k x n],
// producing [m x n]. Matches the teacher's row-major Mulmat contract.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if len(t.shape) != 2 || len(other.shape) != 2 {
		return nil, fmt.Errorf("%w: matmul requires 2D tensors, got %v and %v", ErrShapeMismatch, t.shape, other.shape)
	}
	m, k := t.shape[0], t.shape[1]
	k2, n := other.shape[0], other.shape[1]
	if k != k2 {
		return nil, fmt.Errorf("%w: matmul inner dims %d vs %d", ErrShapeMismatch, k, k2)
	}
	a, b := t.Floats(), other.Floats()
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out[i*n+j] += av * b[p*n+j]
			}
		}
	}
	return FromFloats([]int{m, n}, out), nil
}

// Softmax applies softmax along the last dimension of t, row by row.
func (t *Tensor) Softmax() *Tensor {
	rows, cols := softmaxDims(t.shape)
	a := t.Floats()
	out := make([]float32, len(a))
	for r := 0; r < rows; r++ {
		row := a[r*cols : (r+1)*cols]
		o := out[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - max)))
			o[i] = e
			sum += e
		}
		if sum == 0 {
			continue
		}
		for i := range o {
			o[i] /= sum
		}
	}
	return FromFloats(t.Shape(), out)
}

func softmaxDims(shape []int) (rows, cols int) {
	cols = shape[len(shape)-1]
	rows = numElements(shape) / cols
	return
}

// RMSNorm applies root-mean-square normalization along the last
// dimension, scaled by weight (length == last dim). gemmaOffset adds
// 1.0 to the weight before scaling, matching Gemma's convention of
// storing norm weights as a delta from identity.
func (t *Tensor) RMSNorm(weight *Tensor, eps float32, gemmaOffset bool) (*Tensor, error) {
	cols := t.shape[len(t.shape)-1]
	if weight.Len() != cols {
		return nil, fmt.Errorf("%w: rmsnorm weight len %d vs last dim %d", ErrShapeMismatch, weight.Len(), cols)
	}
	rows := numElements(t.shape) / cols
	a := t.Floats()
	w := weight.Floats()
	out := make([]float32, len(a))
	for r := 0; r < rows; r++ {
		row := a[r*cols : (r+1)*cols]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		scale := float32(1.0 / math.Sqrt(float64(ss/float32(cols)+eps)))
		o := out[r*cols : (r+1)*cols]
		for i, v := range row {
			wv := w[i]
			if gemmaOffset {
				wv += 1.0
			}
			o[i] = v * scale * wv
		}
	}
	return FromFloats(t.Shape(), out), nil
}

// SiLU applies x * sigmoid(x) elementwise.
func (t *Tensor) SiLU() *Tensor {
	a := t.Floats()
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
	return FromFloats(t.Shape(), out)
}

// GeLU applies the tanh approximation of the Gaussian error linear
// unit, matching ggml's default gelu kernel.
func (t *Tensor) GeLU() *Tensor {
	const c = 0.7978845608028654 // sqrt(2/pi)
	a := t.Floats()
	out := make([]float32, len(a))
	for i, v := range a {
		x := float64(v)
		out[i] = float32(0.5 * x * (1 + math.Tanh(c*(x+0.044715*x*x*x))))
	}
	return FromFloats(t.Shape(), out)
}

// L2Norm normalizes each row of t to unit L2 norm.
func (t *Tensor) L2Norm(eps float32) *Tensor {
	cols := t.shape[len(t.shape)-1]
	rows := numElements(t.shape) / cols
	a := t.Floats()
	out := make([]float32, len(a))
	for r := 0; r < rows; r++ {
		row := a[r*cols : (r+1)*cols]
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		norm := float32(math.Sqrt(float64(ss)))
		if norm < eps {
			norm = eps
		}
		o := out[r*cols : (r+1)*cols]
		for i, v := range row {
			o[i] = v / norm
		}
	}
	return FromFloats(t.Shape(), out)
}
