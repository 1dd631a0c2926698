package pipeline

import (
	"fmt"
	"sync"

	"github.com/doppler/inference/gpu"
)

// ShardLoader loads a named weight's raw bytes, called by
// WeightRegistry.Load at model-load time and by the MoE expert loader
// on demand. indexOrName is a canonical weight name (§6); both
// WeightRegistry.Load and the expert loader pass canonical names.
type ShardLoader interface {
	LoadShard(indexOrName string) ([]byte, error)
}

// WeightRegistry holds every materialized weight tensor, keyed by the
// canonical name convention (§6): "embed", "lm_head", "final_norm",
// "layer.<l>.{attn_norm,q,k,v,o,ffn_norm}", "layer.<l>.{w1,w2,w3}" for
// dense FFN, "layer.<l>.router"/"layer.<l>.router_bias" and
// "layer.<l>.expert.<e>.{w1,w2,w3}" for MoE. Mirrors the teacher's
// ml.Backend.Get(name) lookup, generalized from a GGML-backed
// implementation to one backed by an explicit ShardLoader.
type WeightRegistry struct {
	loader ShardLoader

	mu      sync.RWMutex
	tensors map[string]*gpu.Tensor
}

// NewWeightRegistry constructs an empty registry backed by loader.
func NewWeightRegistry(loader ShardLoader) *WeightRegistry {
	return &WeightRegistry{loader: loader, tensors: make(map[string]*gpu.Tensor)}
}

// Load fetches name's bytes from the loader, decodes them as dtype
// with the given shape, and caches the resulting tensor under name.
func (w *WeightRegistry) Load(name string, dtype gpu.DType, shape []int) (*gpu.Tensor, error) {
	w.mu.RLock()
	if t, ok := w.tensors[name]; ok {
		w.mu.RUnlock()
		return t, nil
	}
	w.mu.RUnlock()

	raw, err := w.loader.LoadShard(name)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load weight %q: %w", name, err)
	}
	t, err := gpu.FromBytes(dtype, shape, raw)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode weight %q: %w", name, err)
	}

	w.mu.Lock()
	w.tensors[name] = t
	w.mu.Unlock()
	return t, nil
}

// Get returns a previously-Loaded tensor by name.
func (w *WeightRegistry) Get(name string) (*gpu.Tensor, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWeight, name)
	}
	return t, nil
}

// Has reports whether name has already been loaded.
func (w *WeightRegistry) Has(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tensors[name]
	return ok
}

// Release drops every cached tensor's reference to its backing buffer.
func (w *WeightRegistry) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.tensors {
		t.Release()
	}
	w.tensors = make(map[string]*gpu.Tensor)
}

// prefixedLoader namespaces a shard loader under a prefix, used to
// load a nested draft_model's weights from the same underlying
// loader as the main model without name collisions.
type prefixedLoader struct {
	loader ShardLoader
	prefix string
}

func (p prefixedLoader) LoadShard(name string) ([]byte, error) {
	return p.loader.LoadShard(p.prefix + name)
}

func layerWeightName(layer int, suffix string) string {
	return fmt.Sprintf("layer.%d.%s", layer, suffix)
}

func expertWeightName(layer, expert int, suffix string) string {
	return fmt.Sprintf("layer.%d.expert.%d.%s", layer, expert, suffix)
}
