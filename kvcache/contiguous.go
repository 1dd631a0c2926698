package kvcache

import (
	"fmt"
	"sync"

	"github.com/doppler/inference/gpu"
)

// Contiguous is a flat per-layer K/V cache pre-sized to MaxSeqLen. It
// is the default layout: one fixed-capacity buffer per layer, written
// in place; Get returns a copy of a range and GPUBuffers the raw
// storage.
type Contiguous struct {
	cfg Config

	mu        sync.Mutex
	k, v      []*gpu.Tensor // lazily allocated per layer
	seqLen    int           // globally visible length
	pending   int           // staged length during a multi-layer write pass
	destroyed bool
}

// NewContiguous constructs an empty Contiguous cache for cfg.
func NewContiguous(cfg Config) *Contiguous {
	return &Contiguous{
		cfg: cfg,
		k:   make([]*gpu.Tensor, cfg.Layers),
		v:   make([]*gpu.Tensor, cfg.Layers),
	}
}

func (c *Contiguous) Layers() int { return c.cfg.Layers }

func (c *Contiguous) SeqLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqLen
}

func (c *Contiguous) ensureLayer(l int) (*gpu.Tensor, *gpu.Tensor, error) {
	if l < 0 || l >= c.cfg.Layers {
		return nil, nil, ErrLayerOutOfRange
	}
	if c.k[l] == nil {
		kt, err := c.cfg.Runtime.NewTensor(c.cfg.DType, c.cfg.MaxSeqLen, c.cfg.rowWidth())
		if err != nil {
			return nil, nil, err
		}
		vt, err := c.cfg.Runtime.NewTensor(c.cfg.DType, c.cfg.MaxSeqLen, c.cfg.rowWidth())
		if err != nil {
			return nil, nil, err
		}
		c.k[l] = kt
		c.v[l] = vt
	}
	return c.k[l], c.v[l], nil
}

func (c *Contiguous) doUpdate(layer int, k, v *gpu.Tensor, startPos int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrCacheDestroyed
	}
	n := k.Dim(0)
	if startPos+n > c.cfg.MaxSeqLen {
		return fmt.Errorf("%w: pos %d+%d > max %d", ErrCacheOverflow, startPos, n, c.cfg.MaxSeqLen)
	}
	if err := checkDtype(c.cfg.DType, k, v); err != nil {
		return err
	}
	kt, vt, err := c.ensureLayer(layer)
	if err != nil {
		return err
	}
	if err := kt.SetRows(startPos, k); err != nil {
		return err
	}
	if err := vt.SetRows(startPos, v); err != nil {
		return err
	}
	newLen := startPos + n
	if newLen > c.pending {
		c.pending = newLen
	}
	if layer == c.cfg.Layers-1 {
		c.seqLen = c.pending
	}
	return nil
}

// Update writes K/V immediately.
func (c *Contiguous) Update(layer int, k, v *gpu.Tensor, startPos int) error {
	return c.doUpdate(layer, k, v, startPos)
}

// RecordUpdate defers the write onto rec.
func (c *Contiguous) RecordUpdate(rec gpu.CommandRecorder, layer int, k, v *gpu.Tensor, startPos int) error {
	return rec.Record(func() error {
		return c.doUpdate(layer, k, v, startPos)
	})
}

func (c *Contiguous) Get(layer, start, end int) (*gpu.Tensor, *gpu.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, nil, ErrCacheDestroyed
	}
	kt, vt, err := c.ensureLayer(layer)
	if err != nil {
		return nil, nil, err
	}
	ks, err := kt.Slice(start, end)
	if err != nil {
		return nil, nil, err
	}
	vs, err := vt.Slice(start, end)
	if err != nil {
		return nil, nil, err
	}
	return gpu.FromFloats(ks.Shape(), ks.Floats()), gpu.FromFloats(vs.Shape(), vs.Floats()), nil
}

func (c *Contiguous) GPUBuffers(layer int) (*gpu.Tensor, *gpu.Tensor, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, nil, 0, ErrCacheDestroyed
	}
	kt, vt, err := c.ensureLayer(layer)
	if err != nil {
		return nil, nil, 0, err
	}
	return kt, vt, c.seqLen, nil
}

func (c *Contiguous) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqLen = 0
	c.pending = 0
}

func (c *Contiguous) Truncate(newLen int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrCacheDestroyed
	}
	if newLen < 0 || newLen > c.seqLen {
		return fmt.Errorf("%w: truncate(%d) with seq_len=%d", ErrCacheOverflow, newLen, c.seqLen)
	}
	c.seqLen = newLen
	c.pending = newLen
	return nil
}

func (c *Contiguous) Clone() (Cache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrCacheDestroyed
	}
	out := NewContiguous(c.cfg)
	out.seqLen = c.seqLen
	out.pending = c.pending
	for l := 0; l < c.cfg.Layers; l++ {
		if c.k[l] == nil {
			continue
		}
		kt, vt, err := out.ensureLayer(l)
		if err != nil {
			return nil, err
		}
		if err := kt.SetRows(0, c.k[l]); err != nil {
			return nil, err
		}
		if err := vt.SetRows(0, c.v[l]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Contiguous) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for l := range c.k {
		if c.k[l] != nil {
			c.k[l].Release()
			c.v[l].Release()
		}
	}
	c.destroyed = true
}
