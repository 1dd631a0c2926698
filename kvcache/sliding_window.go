package kvcache

import (
	"fmt"
	"sync"

	"github.com/doppler/inference/gpu"
)

// SlidingWindow is a fixed-size ring cache of W positions per layer,
// indexed by absolute position modulo W. Reads only ever cover the
// last min(W, total_seen) positions: anything older has already been
// overwritten. Absolute RoPE positions stay monotonic even though the
// physical storage wraps.
type SlidingWindow struct {
	cfg Config

	mu        sync.Mutex
	k, v      []*gpu.Tensor
	totalSeen int // positions written so far, committed from pendingTotal when the last layer is written; Truncate rewinds it
	pendingTotal int
	destroyed bool
}

// NewSlidingWindow constructs an empty SlidingWindow cache for cfg.
// cfg.Window must be positive.
func NewSlidingWindow(cfg Config) *SlidingWindow {
	return &SlidingWindow{
		cfg: cfg,
		k:   make([]*gpu.Tensor, cfg.Layers),
		v:   make([]*gpu.Tensor, cfg.Layers),
	}
}

func (s *SlidingWindow) Layers() int { return s.cfg.Layers }

// SeqLen reports min(W, total_seen), the portion of the sequence
// currently retained.
func (s *SlidingWindow) SeqLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storedLen()
}

func (s *SlidingWindow) storedLen() int {
	if s.totalSeen < s.cfg.Window {
		return s.totalSeen
	}
	return s.cfg.Window
}

func (s *SlidingWindow) ensureLayer(l int) (*gpu.Tensor, *gpu.Tensor, error) {
	if l < 0 || l >= s.cfg.Layers {
		return nil, nil, ErrLayerOutOfRange
	}
	if s.k[l] == nil {
		kt, err := s.cfg.Runtime.NewTensor(s.cfg.DType, s.cfg.Window, s.cfg.rowWidth())
		if err != nil {
			return nil, nil, err
		}
		vt, err := s.cfg.Runtime.NewTensor(s.cfg.DType, s.cfg.Window, s.cfg.rowWidth())
		if err != nil {
			return nil, nil, err
		}
		s.k[l] = kt
		s.v[l] = vt
	}
	return s.k[l], s.v[l], nil
}

// writeRing copies n rows of src starting at absolute position
// startPos into dst's ring storage, splitting into contiguous
// segments wherever the ring wraps (at most two when n <= window).
func writeRing(dst *gpu.Tensor, src *gpu.Tensor, startPos, n, window int) error {
	written := 0
	for written < n {
		slot := (startPos + written) % window
		runLen := window - slot
		if runLen > n-written {
			runLen = n - written
		}
		chunk, err := src.Slice(written, written+runLen)
		if err != nil {
			return err
		}
		if err := dst.SetRows(slot, chunk); err != nil {
			return err
		}
		written += runLen
	}
	return nil
}

func (s *SlidingWindow) doUpdate(layer int, k, v *gpu.Tensor, startPos int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrCacheDestroyed
	}
	if err := checkDtype(s.cfg.DType, k, v); err != nil {
		return err
	}
	n := k.Dim(0)
	kt, vt, err := s.ensureLayer(layer)
	if err != nil {
		return err
	}
	if err := writeRing(kt, k, startPos, n, s.cfg.Window); err != nil {
		return err
	}
	if err := writeRing(vt, v, startPos, n, s.cfg.Window); err != nil {
		return err
	}
	newTotal := startPos + n
	if newTotal > s.pendingTotal {
		s.pendingTotal = newTotal
	}
	if layer == s.cfg.Layers-1 {
		s.totalSeen = s.pendingTotal
	}
	return nil
}

func (s *SlidingWindow) Update(layer int, k, v *gpu.Tensor, startPos int) error {
	return s.doUpdate(layer, k, v, startPos)
}

func (s *SlidingWindow) RecordUpdate(rec gpu.CommandRecorder, layer int, k, v *gpu.Tensor, startPos int) error {
	return rec.Record(func() error {
		return s.doUpdate(layer, k, v, startPos)
	})
}

// Get returns positions [start, end) translated through the ring.
// Both bounds are absolute sequence positions; start must be at or
// after the oldest retained position (total_seen - stored_len) or
// ErrPositionEvicted is returned.
func (s *SlidingWindow) Get(layer, start, end int) (*gpu.Tensor, *gpu.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, nil, ErrCacheDestroyed
	}
	oldest := s.totalSeen - s.storedLen()
	if start < oldest {
		return nil, nil, ErrPositionEvicted
	}
	if end > s.totalSeen {
		return nil, nil, fmt.Errorf("%w: get end=%d beyond total_seen=%d", ErrCacheOverflow, end, s.totalSeen)
	}
	kt, vt, err := s.ensureLayer(layer)
	if err != nil {
		return nil, nil, err
	}
	n := end - start
	rowWidth := s.cfg.rowWidth()
	kOut := make([]float32, 0, n*rowWidth)
	vOut := make([]float32, 0, n*rowWidth)
	for pos := start; pos < end; pos++ {
		slot := pos % s.cfg.Window
		kRow, err := kt.Slice(slot, slot+1)
		if err != nil {
			return nil, nil, err
		}
		vRow, err := vt.Slice(slot, slot+1)
		if err != nil {
			return nil, nil, err
		}
		kOut = append(kOut, kRow.Floats()...)
		vOut = append(vOut, vRow.Floats()...)
	}
	return gpu.FromFloats([]int{n, rowWidth}, kOut), gpu.FromFloats([]int{n, rowWidth}, vOut), nil
}

func (s *SlidingWindow) GPUBuffers(layer int) (*gpu.Tensor, *gpu.Tensor, int, error) {
	stored := s.SeqLen()
	k, v, err := s.Get(layer, s.totalSeen-stored, s.totalSeen)
	if err != nil {
		return nil, nil, 0, err
	}
	return k, v, stored, nil
}

func (s *SlidingWindow) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSeen = 0
	s.pendingTotal = 0
}

// Truncate discards positions at or beyond newLen. Since storage is a
// ring, truncation only rewinds the bookkeeping counters; stale bytes
// beyond newLen remain physically present until overwritten but are
// no longer reachable through Get because totalSeen bounds every read.
func (s *SlidingWindow) Truncate(newLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrCacheDestroyed
	}
	if newLen < 0 || newLen > s.totalSeen {
		return fmt.Errorf("%w: truncate(%d) with total_seen=%d", ErrCacheOverflow, newLen, s.totalSeen)
	}
	if s.totalSeen-newLen > s.cfg.Window {
		return fmt.Errorf("%w: truncate(%d) target already evicted from window", ErrPositionEvicted, newLen)
	}
	s.totalSeen = newLen
	s.pendingTotal = newLen
	return nil
}

// Clone produces a pool-backed Contiguous cache holding the currently
// retained window, per spec's clone semantics.
func (s *SlidingWindow) Clone() (Cache, error) {
	s.mu.Lock()
	stored := s.storedLen()
	oldest := s.totalSeen - stored
	layers := s.cfg.Layers
	s.mu.Unlock()

	ccfg := s.cfg
	ccfg.MaxSeqLen = max(stored, 1)
	out := NewContiguous(ccfg)
	out.seqLen = stored
	out.pending = stored
	for l := 0; l < layers; l++ {
		if stored == 0 {
			continue
		}
		k, v, err := s.Get(l, oldest, oldest+stored)
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

func (s *SlidingWindow) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.k {
		if s.k[l] != nil {
			s.k[l].Release()
			s.v[l].Release()
		}
	}
	s.destroyed = true
}
