package gpu

import (
	"fmt"
	"math"
)

// RoPEScaling selects the frequency-scaling variant applied before the
// rotation angles are computed.
type RoPEScaling int

const (
	RoPENone RoPEScaling = iota
	RoPELinear
	RoPEYaRN
	RoPENTK
)

// RoPEParams configures a rotary position embedding pass.
type RoPEParams struct {
	Base       float32 // theta base, typically 10000 or 1000000
	Dim        int     // rotary dimension (<= head dim)
	Scaling    RoPEScaling
	Factor     float32 // linear/YaRN scale factor
	OrigCtxLen int     // YaRN: original trained context length
	ExtFactor  float32 // YaRN extrapolation mix factor
	AttnFactor float32 // YaRN attention magnitude correction, 0 defaults to 1
}

// RoPE applies rotary position embedding over the last dimension of
// t, which must have shape [..., heads, headDim], and returns the
// rotated values as a new tensor; t itself is left unchanged. pos
// gives the absolute sequence position of each row along dimension 0.
func (t *Tensor) RoPE(pos []int32, p RoPEParams) (*Tensor, error) {
	if len(t.shape) < 2 {
		return nil, fmt.Errorf("%w: rope requires at least 2 dims", ErrShapeMismatch)
	}
	headDim := t.shape[len(t.shape)-1]
	rotDim := p.Dim
	if rotDim == 0 || rotDim > headDim {
		rotDim = headDim
	}
	seqLen := t.shape[0]
	if len(pos) != seqLen {
		return nil, fmt.Errorf("%w: rope got %d positions for seqLen %d", ErrShapeMismatch, len(pos), seqLen)
	}
	perSeq := numElements(t.shape) / seqLen
	heads := perSeq / headDim

	attnFactor := p.AttnFactor
	if attnFactor == 0 {
		attnFactor = 1
	}
	factor := p.Factor
	if factor == 0 {
		factor = 1
	}

	a := t.Floats()
	out := make([]float32, len(a))
	copy(out, a)

	half := rotDim / 2
	for s := 0; s < seqLen; s++ {
		position := float64(pos[s])
		for h := 0; h < heads; h++ {
			base := s*perSeq + h*headDim
			for i := 0; i < half; i++ {
				freq := 1.0 / math.Pow(float64(p.Base), 2.0*float64(i)/float64(rotDim))
				mscale := attnFactor
				switch p.Scaling {
				case RoPELinear:
					position = float64(pos[s]) / float64(factor)
				case RoPENTK:
					adjBase := float64(p.Base) * math.Pow(float64(factor), float64(rotDim)/float64(rotDim-2))
					freq = 1.0 / math.Pow(adjBase, 2.0*float64(i)/float64(rotDim))
					position = float64(pos[s])
				case RoPEYaRN:
					freq, mscale = yarnFreq(freq, i, half, p, position)
				default:
					position = float64(pos[s])
				}
				angle := position * freq
				cos := float32(math.Cos(angle)) * float32(mscale)
				sin := float32(math.Sin(angle)) * float32(mscale)

				x0 := a[base+i]
				x1 := a[base+i+half]
				out[base+i] = x0*cos - x1*sin
				out[base+i+half] = x0*sin + x1*cos
			}
		}
	}
	return FromFloats(t.Shape(), out), nil
}

// yarnFreq applies YaRN's ramped interpolation between the
// extrapolated (base) frequency and the interpolated (scaled)
// frequency, correcting attention magnitude via mscale.
func yarnFreq(baseFreq float64, i, half int, p RoPEParams, pos float64) (freq, mscale float64) {
	factor := float64(p.Factor)
	if factor == 0 {
		factor = 1
	}
	extFactor := float64(p.ExtFactor)
	origCtx := p.OrigCtxLen
	if origCtx == 0 {
		origCtx = 2048
	}

	interpFreq := baseFreq / factor

	lowCorr, highCorr := yarnCorrDims(float64(p.Dim), float64(p.Base), float64(origCtx))
	ramp := yarnRamp(float64(i), lowCorr, highCorr, half)
	mix := 1 - ramp*extFactor

	freq = interpFreq*(1-mix) + baseFreq*mix

	attnFactor := float64(p.AttnFactor)
	if attnFactor == 0 {
		attnFactor = 1
	}
	mscale = attnFactor
	if factor > 1 {
		mscale *= 0.1*math.Log(factor) + 1.0
	}
	return freq, mscale
}

func yarnCorrDims(rotDim, base, origCtxLen float64) (low, high float64) {
	corr := func(numRot float64) float64 {
		return (rotDim * math.Log(origCtxLen/(numRot*2*math.Pi))) / (2 * math.Log(base))
	}
	low = math.Floor(corr(1))
	high = math.Ceil(corr(32))
	if low < 0 {
		low = 0
	}
	if high > rotDim-1 {
		high = rotDim - 1
	}
	return low, high
}

func yarnRamp(i, low, high float64, half int) float64 {
	if low == high {
		high += 0.001
	}
	v := (i - low) / (high - low)
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return 1 - v
}
