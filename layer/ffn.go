package layer

import (
	"log/slog"

	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/moe"
)

// MoEFFN configures the MoE path of a layer's feed-forward block: the
// router that assigns tokens to experts and the loader that
// materializes an expert's weights on first use.
type MoEFFN struct {
	Router *moe.Router
	Loader ExpertLoader
}

// gateUp runs a SwiGLU or GeLU gated feed-forward block:
// Y = W2 . (act(W1 X) (*) W3 X).
func gateUp(x *gpu.Tensor, w1, w2, w3 *gpu.Tensor, act Activation) (*gpu.Tensor, error) {
	gate, err := projectRows(x, w1)
	if err != nil {
		return nil, err
	}
	up, err := projectRows(x, w3)
	if err != nil {
		return nil, err
	}
	var activated *gpu.Tensor
	switch act {
	case GeLUActivation:
		activated = gate.GeLU()
	default:
		activated = gate.SiLU()
	}
	gated, err := activated.Mul(up)
	if err != nil {
		return nil, err
	}
	return projectRows(gated, w2)
}

func denseFFNForward(normed *gpu.Tensor, w DenseFFNWeights) (*gpu.Tensor, error) {
	return gateUp(normed, w.W1, w.W2, w.W3, w.Activation)
}

// ensureExpertLoaded retries EnsureLoaded exactly once on failure
// before giving up, the recoverable-runtime policy for a transient
// expert-load failure (e.g. a shard still streaming in).
func ensureExpertLoaded(loader ExpertLoader, layer, expert int) (*ExpertWeights, error) {
	w, err := loader.EnsureLoaded(layer, expert)
	if err == nil {
		return w, nil
	}
	w, err2 := loader.EnsureLoaded(layer, expert)
	if err2 == nil {
		return w, nil
	}
	return nil, err2
}

func gatherRows(t *gpu.Tensor, rows []int) *gpu.Tensor {
	cols := t.Dim(1)
	flat := t.Floats()
	out := make([]float32, len(rows)*cols)
	for i, r := range rows {
		copy(out[i*cols:(i+1)*cols], flat[r*cols:(r+1)*cols])
	}
	return gpu.FromFloats([]int{len(rows), cols}, out)
}

func scatterRows(t *gpu.Tensor, rows []int, totalRows, cols int) *gpu.Tensor {
	out := make([]float32, totalRows*cols)
	flat := t.Floats()
	for i, r := range rows {
		copy(out[r*cols:(r+1)*cols], flat[i*cols:(i+1)*cols])
	}
	return gpu.FromFloats([]int{totalRows, cols}, out)
}

// moeFFNForward routes normed's tokens, runs each selected expert's
// SwiGLU block over just the tokens bucketed to it, and scatter-combines
// the results with the router's weights. An expert whose weights fail
// to load even after the one permitted retry contributes nothing to
// any token routed to it, rather than failing the whole layer.
func moeFFNForward(cfg Config, normed *gpu.Tensor) (*gpu.Tensor, error) {
	m := cfg.MoE
	T, H := normed.Dim(0), normed.Dim(1)

	selections, err := m.Router.Route(normed)
	if err != nil {
		return nil, err
	}
	plan := moe.BuildExecutionPlan(selections)

	expertOutputs := make(map[int]*gpu.Tensor)
	for _, expertID := range plan.Experts() {
		bucket := plan.Bucket(expertID)
		weights, err := ensureExpertLoaded(m.Loader, cfg.Layer, expertID)
		if err != nil {
			slog.Warn("moe expert failed to load after retry, treating as zero contribution",
				"layer", cfg.Layer, "expert", expertID, "error", err)
			continue
		}
		sub := gatherRows(normed, bucket.TokenIndices)
		out, err := gateUp(sub, weights.Gate, weights.Down, weights.Up, weights.Activation)
		if err != nil {
			return nil, err
		}
		expertOutputs[expertID] = scatterRows(out, bucket.TokenIndices, T, H)
	}

	return moe.Combine(selections, H, expertOutputs)
}

func ffnForward(cfg Config, hidden *gpu.Tensor) (*gpu.Tensor, error) {
	normed, err := hidden.RMSNorm(cfg.FFNNormWeight, cfg.Epsilon, cfg.GemmaOffset)
	if err != nil {
		return nil, err
	}

	var out *gpu.Tensor
	switch cfg.FFNType {
	case MoE:
		out, err = moeFFNForward(cfg, normed)
	default:
		out, err = denseFFNForward(normed, cfg.Dense)
	}
	if err != nil {
		return nil, err
	}
	return hidden.Add(out)
}
