package pipeline

import (
	"golang.org/x/sync/errgroup"

	"github.com/doppler/inference/gpu"
	inflayer "github.com/doppler/inference/layer"
)

// shardExpertLoader materializes an MoE expert's SwiGLU weights from
// the pipeline's weight registry on first use, implementing
// layer.ExpertLoader.
type shardExpertLoader struct {
	registry     *WeightRegistry
	hiddenSize   int
	intermediate int
	dtype        gpu.DType
}

func (l *shardExpertLoader) EnsureLoaded(layerIdx, expert int) (*inflayer.ExpertWeights, error) {
	gate, err := l.registry.Load(expertWeightName(layerIdx, expert, "w1"), l.dtype, []int{l.intermediate, l.hiddenSize})
	if err != nil {
		return nil, err
	}
	down, err := l.registry.Load(expertWeightName(layerIdx, expert, "w2"), l.dtype, []int{l.hiddenSize, l.intermediate})
	if err != nil {
		return nil, err
	}
	up, err := l.registry.Load(expertWeightName(layerIdx, expert, "w3"), l.dtype, []int{l.intermediate, l.hiddenSize})
	if err != nil {
		return nil, err
	}
	return &inflayer.ExpertWeights{Gate: gate, Down: down, Up: up, Activation: inflayer.SwiGLU}, nil
}

// prefetchExperts warms the weight registry for every expert id in
// expertIDs concurrently, so the sequential per-expert loads the layer
// engine performs during its forward pass hit an already-populated
// cache instead of blocking one shard load after another. Grounded on
// spec §4.4's "a loader is asked to materialize expert weights the
// first time a layer routes to them" — this just moves that first
// materialization earlier and in parallel.
func prefetchExperts(loader *shardExpertLoader, layerIdx int, expertIDs []int) error {
	var g errgroup.Group
	for _, id := range expertIDs {
		id := id
		g.Go(func() error {
			_, err := loader.EnsureLoaded(layerIdx, id)
			return err
		})
	}
	return g.Wait()
}
