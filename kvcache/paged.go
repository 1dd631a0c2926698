package kvcache

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/doppler/inference/gpu"
)

// Paged stores K/V in fixed-size pages allocated on demand as writes
// reach new positions, rather than pre-sizing one buffer for the
// whole sequence. It never accepts pool-backed (simulated GPU) source
// tensors, so a GPU input has to be copied down first by the caller.
// The pages themselves are allocated from the Runtime pool; they are
// not separate CPU buffers.
type Paged struct {
	cfg Config

	mu        sync.Mutex
	pages     []*arraylist.List[*gpu.Tensor] // per layer, indexed by page number
	seqLen    int
	pending   int
	destroyed bool
}

// NewPaged constructs an empty Paged cache for cfg. cfg.PageSize must
// be positive.
func NewPaged(cfg Config) *Paged {
	pages := make([]*arraylist.List[*gpu.Tensor], cfg.Layers)
	for l := range pages {
		pages[l] = arraylist.New[*gpu.Tensor]()
	}
	return &Paged{
		cfg:   cfg,
		pages: pages,
	}
}

func (p *Paged) Layers() int { return p.cfg.Layers }

func (p *Paged) SeqLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqLen
}

func (p *Paged) pageOf(pos int) int { return pos / p.cfg.PageSize }

// ensurePages allocates pages [len(existing), upTo] for layer l.
func (p *Paged) ensurePages(l, upTo int) error {
	for p.pages[l].Size() <= upTo {
		pg, err := p.cfg.Runtime.NewTensor(p.cfg.DType, p.cfg.PageSize, p.cfg.rowWidth()*2)
		if err != nil {
			return err
		}
		p.pages[l].Add(pg)
	}
	return nil
}

// pageAt returns page index idx of layer l.
func (p *Paged) pageAt(l, idx int) *gpu.Tensor {
	pg, _ := p.pages[l].Get(idx)
	return pg
}

// pageKV splits a page tensor's combined K/V columns into two views.
func pageKV(pg *gpu.Tensor, rowWidth int) (k, v *gpu.Tensor, err error) {
	k = pg.View(0, []int{pg.Dim(0), rowWidth}, []int{2 * rowWidth, 1})
	v = pg.View(rowWidth, []int{pg.Dim(0), rowWidth}, []int{2 * rowWidth, 1})
	return k, v, nil
}

func (p *Paged) doUpdate(layer int, k, v *gpu.Tensor, startPos int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrCacheDestroyed
	}
	if layer < 0 || layer >= p.cfg.Layers {
		return ErrLayerOutOfRange
	}
	if k.IsPooled() || v.IsPooled() {
		return ErrGPUInputRejected
	}
	if err := checkDtype(p.cfg.DType, k, v); err != nil {
		return err
	}
	n := k.Dim(0)
	if p.cfg.MaxSeqLen > 0 && startPos+n > p.cfg.MaxSeqLen {
		return fmt.Errorf("%w: pos %d+%d > max %d", ErrCacheOverflow, startPos, n, p.cfg.MaxSeqLen)
	}
	lastPage := p.pageOf(startPos + n - 1)
	if err := p.ensurePages(layer, lastPage); err != nil {
		return err
	}
	rowWidth := p.cfg.rowWidth()
	for i := 0; i < n; i++ {
		pos := startPos + i
		pg := p.pageAt(layer, p.pageOf(pos))
		slot := pos % p.cfg.PageSize
		kRow, err := k.Slice(i, i+1)
		if err != nil {
			return err
		}
		vRow, err := v.Slice(i, i+1)
		if err != nil {
			return err
		}
		pk, pv, _ := pageKV(pg, rowWidth)
		if err := pk.SetRows(slot, kRow); err != nil {
			return err
		}
		if err := pv.SetRows(slot, vRow); err != nil {
			return err
		}
	}
	newLen := startPos + n
	if newLen > p.pending {
		p.pending = newLen
	}
	if layer == p.cfg.Layers-1 {
		p.seqLen = p.pending
	}
	return nil
}

func (p *Paged) Update(layer int, k, v *gpu.Tensor, startPos int) error {
	return p.doUpdate(layer, k, v, startPos)
}

func (p *Paged) RecordUpdate(rec gpu.CommandRecorder, layer int, k, v *gpu.Tensor, startPos int) error {
	return rec.Record(func() error {
		return p.doUpdate(layer, k, v, startPos)
	})
}

// Get materializes positions [start, end) of layer l into a fresh
// contiguous tensor, since pages are not contiguous with each other.
func (p *Paged) Get(layer, start, end int) (*gpu.Tensor, *gpu.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, nil, ErrCacheDestroyed
	}
	if layer < 0 || layer >= p.cfg.Layers {
		return nil, nil, ErrLayerOutOfRange
	}
	if end > p.seqLen {
		return nil, nil, fmt.Errorf("%w: get end=%d beyond seq_len=%d", ErrCacheOverflow, end, p.seqLen)
	}
	rowWidth := p.cfg.rowWidth()
	n := end - start
	kOut := make([]float32, 0, n*rowWidth)
	vOut := make([]float32, 0, n*rowWidth)
	for pos := start; pos < end; pos++ {
		pg := p.pageAt(layer, p.pageOf(pos))
		slot := pos % p.cfg.PageSize
		pk, pv, _ := pageKV(pg, rowWidth)
		kRow, err := pk.Slice(slot, slot+1)
		if err != nil {
			return nil, nil, err
		}
		vRow, err := pv.Slice(slot, slot+1)
		if err != nil {
			return nil, nil, err
		}
		kOut = append(kOut, kRow.Floats()...)
		vOut = append(vOut, vRow.Floats()...)
	}
	return gpu.FromFloats([]int{n, rowWidth}, kOut), gpu.FromFloats([]int{n, rowWidth}, vOut), nil
}

func (p *Paged) GPUBuffers(layer int) (*gpu.Tensor, *gpu.Tensor, int, error) {
	k, v, err := p.Get(layer, 0, p.SeqLen())
	if err != nil {
		return nil, nil, 0, err
	}
	return k, v, p.SeqLen(), nil
}

func (p *Paged) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for l := range p.pages {
		p.pages[l] = arraylist.New[*gpu.Tensor]()
	}
	p.seqLen = 0
	p.pending = 0
}

func (p *Paged) Truncate(newLen int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrCacheDestroyed
	}
	if newLen < 0 || newLen > p.seqLen {
		return fmt.Errorf("%w: truncate(%d) with seq_len=%d", ErrCacheOverflow, newLen, p.seqLen)
	}
	p.seqLen = newLen
	p.pending = newLen
	return nil
}

// Clone produces a pool-backed Contiguous cache (per spec's clone
// semantics, which always target the contiguous shape regardless of
// source layout) holding the same positions.
func (p *Paged) Clone() (Cache, error) {
	p.mu.Lock()
	seqLen := p.seqLen
	layers := p.cfg.Layers
	p.mu.Unlock()

	ccfg := p.cfg
	ccfg.MaxSeqLen = max(seqLen, p.cfg.PageSize)
	out := NewContiguous(ccfg)
	out.seqLen = seqLen
	out.pending = seqLen
	for l := 0; l < layers; l++ {
		if seqLen == 0 {
			continue
		}
		k, v, err := p.Get(l, 0, seqLen)
		if err != nil {
			return nil, err
		}
		kt, vt, err := out.ensureLayer(l)
		if err != nil {
			return nil, err
		}
		if err := kt.SetRows(0, k); err != nil {
			return nil, err
		}
		if err := vt.SetRows(0, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Paged) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, layerPages := range p.pages {
		layerPages.Each(func(_ int, pg *gpu.Tensor) {
			pg.Release()
		})
	}
	p.destroyed = true
}
