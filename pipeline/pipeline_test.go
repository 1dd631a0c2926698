package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/tokenizer"
)

func newRuntime() *gpu.Runtime {
	return gpu.NewRuntime(gpu.Options{})
}

func f32Bytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

type fakeShardLoader struct {
	shards map[string][]byte
}

func newFakeShardLoader() *fakeShardLoader {
	return &fakeShardLoader{shards: make(map[string][]byte)}
}

func (f *fakeShardLoader) put(name string, vals []float32) {
	f.shards[name] = f32Bytes(vals)
}

func (f *fakeShardLoader) LoadShard(name string) ([]byte, error) {
	b, ok := f.shards[name]
	if !ok {
		return nil, fmt.Errorf("fakeShardLoader: no shard %q", name)
	}
	return b, nil
}

func identityFlat(n int) []float32 {
	out := make([]float32, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	return out
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// tinyDescriptor builds a minimal one-layer dense model descriptor:
// H=2, one Q/KV head of dim 2, dense SwiGLU FFN with intermediate
// size 2, a 4-token vocabulary, and tied embeddings (so no separate
// lm_head shard is needed) — a dense model small enough to wire
// end to end without a real checkpoint. See e1Descriptor/e1Loader
// below for the literal E1 scenario's dimensions and weights.
func tinyDescriptor() ModelDescriptor {
	vocab := map[string]int32{"a": 0, "b": 1, "c": 2, "<eos>": 3}
	return ModelDescriptor{
		NumLayers:        1,
		HiddenSize:       2,
		NumHeads:         1,
		NumKVHeads:       1,
		HeadDim:          2,
		IntermediateSize: 2,
		VocabSize:        4,
		MaxSeqLen:        16,
		RMSNormEps:       1e-5,
		RopeTheta:        10000,
		StopTokenIDs:     []int32{3},
		TiedEmbeddings:   true,
		Tokenizer: tokenizer.Config{
			Backend: tokenizer.BPE,
			Vocab:   vocab,
			Named:   tokenizer.SpecialTokens{EOS: "<eos>"},
		},
	}
}

func tinyLoader() *fakeShardLoader {
	l := newFakeShardLoader()
	l.put("embed", []float32{0.1, 0.2, 0.2, 0.1, 0.3, 0.3, 0.05, 0.05})
	l.put("final_norm", ones(2))
	l.put("layer.0.attn_norm", ones(2))
	l.put("layer.0.ffn_norm", ones(2))
	l.put("layer.0.q", identityFlat(2))
	l.put("layer.0.k", identityFlat(2))
	l.put("layer.0.v", identityFlat(2))
	l.put("layer.0.o", identityFlat(2))
	l.put("layer.0.w1", identityFlat(2))
	l.put("layer.0.w2", identityFlat(2))
	l.put("layer.0.w3", identityFlat(2))
	return l
}

// e1Embedding builds a [vocab, hidden] embedding table where every row
// shares an identical first half ("position channel", all ones) and
// differs only in the second half ("content channel"): rows 0..3 carry
// a one-hot marker there, rows 4..vocab-1 are zero (unused by E1's
// prompt). Every row therefore has the same norm, so RMSNorm scales
// every token by the same factor.
func e1Embedding(vocab, hidden int, contentScale float32) []float32 {
	out := make([]float32, vocab*hidden)
	half := hidden / 2
	for v := 0; v < vocab; v++ {
		row := out[v*hidden : (v+1)*hidden]
		for d := 0; d < half; d++ {
			row[d] = 1
		}
		if v < half {
			row[half+v] = contentScale
		}
	}
	return out
}

// e1CopyHeadQK returns a [dOut, hidden] projection whose first headDim
// rows select the input's position channel (dims 0..headDim-1)
// unchanged, and whose remaining rows are zero. Used for both Wq and
// Wk so head 0's query and key vectors are identical at every
// position: RoPE rotates Q and K by the same angle at equal positions,
// so self-attention (offset 0) always scores the maximum possible dot
// product, strictly higher than any other position's.
func e1CopyHeadQK(dOut, hidden, headDim int) []float32 {
	out := make([]float32, dOut*hidden)
	for r := 0; r < headDim; r++ {
		out[r*hidden+r] = 1
	}
	return out
}

// e1CopyHeadV returns a [dOut, hidden] projection whose first headDim
// rows select the input's content channel (dims headDim..2*headDim-1)
// unchanged, and whose remaining rows (head 1) are zero.
func e1CopyHeadV(dOut, hidden, headDim int) []float32 {
	out := make([]float32, dOut*hidden)
	for r := 0; r < headDim; r++ {
		out[r*hidden+(headDim+r)] = 1
	}
	return out
}

// e1CopyHeadO returns a [hidden, dIn] projection that carries head 0's
// output straight into the residual stream's content-channel dims,
// leaving the position-channel dims untouched (zero contribution).
func e1CopyHeadO(hidden, dIn, headDim int) []float32 {
	out := make([]float32, hidden*dIn)
	for r := 0; r < headDim; r++ {
		out[(headDim+r)*dIn+r] = 1
	}
	return out
}

// e1Descriptor builds spec.md §8 scenario E1's literal shape: a
// two-layer, two-head model (L=2, H=8, N_q=N_kv=2, D_h=4, V=16) whose
// first layer's first attention head is wired as a copy head and whose
// second layer is a pure identity pass-through (every projection weight
// zero).
func e1Descriptor() ModelDescriptor {
	vocab := map[string]int32{"a": 0, "b": 1, "c": 2, "<eos>": 3}
	return ModelDescriptor{
		NumLayers:        2,
		HiddenSize:       8,
		NumHeads:         2,
		NumKVHeads:       2,
		HeadDim:          4,
		IntermediateSize: 2,
		VocabSize:        16,
		MaxSeqLen:        16,
		RMSNormEps:       1e-5,
		RopeTheta:        10000,
		TiedEmbeddings:   true,
		Tokenizer: tokenizer.Config{
			Backend: tokenizer.BPE,
			Vocab:   vocab,
			Named:   tokenizer.SpecialTokens{EOS: "<eos>"},
		},
	}
}

// e1Loader wires layer 0 as the copy head described above and layer 1
// as a no-op (every projection weight zero and its norms ones, so its
// attention and FFN outputs are
// exactly zero and its residual adds pass the hidden state through
// unchanged).
func e1Loader() *fakeShardLoader {
	const hidden, headDim = 8, 4
	l := newFakeShardLoader()
	l.put("embed", e1Embedding(16, hidden, 5))
	l.put("final_norm", ones(hidden))

	l.put("layer.0.attn_norm", ones(hidden))
	l.put("layer.0.ffn_norm", ones(hidden))
	l.put("layer.0.q", e1CopyHeadQK(hidden, hidden, headDim))
	l.put("layer.0.k", e1CopyHeadQK(hidden, hidden, headDim))
	l.put("layer.0.v", e1CopyHeadV(hidden, hidden, headDim))
	l.put("layer.0.o", e1CopyHeadO(hidden, hidden, headDim))
	l.put("layer.0.w1", make([]float32, 2*hidden))
	l.put("layer.0.w2", make([]float32, hidden*2))
	l.put("layer.0.w3", make([]float32, 2*hidden))

	l.put("layer.1.attn_norm", ones(hidden))
	l.put("layer.1.ffn_norm", ones(hidden))
	l.put("layer.1.q", make([]float32, hidden*hidden))
	l.put("layer.1.k", make([]float32, hidden*hidden))
	l.put("layer.1.v", make([]float32, hidden*hidden))
	l.put("layer.1.o", make([]float32, hidden*hidden))
	l.put("layer.1.w1", make([]float32, 2*hidden))
	l.put("layer.1.w2", make([]float32, hidden*2))
	l.put("layer.1.w3", make([]float32, 2*hidden))
	return l
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

// TestPrefillCopyHeadEchoesLastPromptToken is the E1 scenario: the
// copy head's self-attention score is maximal at zero relative offset
// (two query/key vectors rotated by the same RoPE angle at equal
// positions achieve the largest possible dot product), and strictly
// decreases for attending further back, so prefill's last position
// reinforces its own token's embedding most strongly. Feeding prompt
// [1, 2, 3] should therefore predict token 3 (the model echoes the
// prompt's last token back).
func TestPrefillCopyHeadEchoesLastPromptToken(t *testing.T) {
	p := New(newRuntime())
	require.NoError(t, p.LoadModel(e1Descriptor(), e1Loader()))

	logits, T, err := p.prefill([]int32{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 3, T)
	require.Equal(t, 3, argmax(logits))
}

func drain(t *testing.T, ch <-chan Fragment, timeout time.Duration) []Fragment {
	t.Helper()
	var frags []Fragment
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frags
			}
			frags = append(frags, f)
			if f.Done {
				return frags
			}
		case <-deadline:
			t.Fatal("timed out waiting for generate to finish")
		}
	}
}

func TestLoadModelThenGenerateProducesFragments(t *testing.T) {
	p := New(newRuntime())
	require.NoError(t, p.LoadModel(tinyDescriptor(), tinyLoader()))

	maxTokens := 3
	ch, err := p.Generate(context.Background(), "a", Options{MaxTokens: &maxTokens})
	require.NoError(t, err)

	frags := drain(t, ch, 2*time.Second)
	require.NotEmpty(t, frags)
	last := frags[len(frags)-1]
	require.True(t, last.Done)
	require.Contains(t, []DoneReason{DoneStop, DoneMaxTokens}, last.DoneReason)
}

func TestGenerateRejectsConcurrentCalls(t *testing.T) {
	p := New(newRuntime())
	require.NoError(t, p.LoadModel(tinyDescriptor(), tinyLoader()))

	maxTokens := 50
	ch, err := p.Generate(context.Background(), "a", Options{MaxTokens: &maxTokens})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), "b", Options{})
	require.ErrorIs(t, err, ErrAlreadyGenerating)

	drain(t, ch, 2*time.Second)
}

func TestGenerateOnUnloadedPipelineFails(t *testing.T) {
	p := New(newRuntime())
	_, err := p.Generate(context.Background(), "a", Options{})
	require.ErrorIs(t, err, ErrNotLoaded)
}

// TestResetThenGenerateIsIdempotent is property 9: generating twice in
// a row after a Reset between them produces the same first sampled
// token both times, since the cache (and therefore every layer's
// attention context) starts from the same empty state each time.
func TestResetThenGenerateIsIdempotent(t *testing.T) {
	p := New(newRuntime())
	require.NoError(t, p.LoadModel(tinyDescriptor(), tinyLoader()))

	one := 1
	ch1, err := p.Generate(context.Background(), "a", Options{MaxTokens: &one})
	require.NoError(t, err)
	first := drain(t, ch1, 2*time.Second)

	require.NoError(t, p.Reset())

	ch2, err := p.Generate(context.Background(), "a", Options{MaxTokens: &one})
	require.NoError(t, err)
	second := drain(t, ch2, 2*time.Second)

	require.Equal(t, first[0].TokenID, second[0].TokenID)
}

// TestCancellationStopsGenerationPromptly is property 10: cancelling
// the context ends the stream with DoneCancelled instead of running
// to max_tokens.
func TestCancellationStopsGenerationPromptly(t *testing.T) {
	p := New(newRuntime())
	require.NoError(t, p.LoadModel(tinyDescriptor(), tinyLoader()))

	// Cancel before Generate even starts: the first token still comes
	// out (emitted before the decode loop's first cancellation check),
	// but the decode loop must stop on its very first iteration rather
	// than running toward max_tokens.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	maxTokens := 10000
	ch, err := p.Generate(ctx, "a", Options{MaxTokens: &maxTokens})
	require.NoError(t, err)

	frags := drain(t, ch, 2*time.Second)
	last := frags[len(frags)-1]
	require.True(t, last.Done)
	require.Equal(t, DoneCancelled, last.DoneReason)
}

func TestUnloadThenGenerateFails(t *testing.T) {
	p := New(newRuntime())
	require.NoError(t, p.LoadModel(tinyDescriptor(), tinyLoader()))
	require.NoError(t, p.Unload())

	_, err := p.Generate(context.Background(), "a", Options{})
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestMissingShardFailsLoad(t *testing.T) {
	p := New(newRuntime())
	loader := tinyLoader()
	delete(loader.shards, "layer.0.w2")

	err := p.LoadModel(tinyDescriptor(), loader)
	require.Error(t, err)
}
