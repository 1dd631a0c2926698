package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/doppler/inference/gpu"
	"github.com/doppler/inference/kvcache"
	inflayer "github.com/doppler/inference/layer"
	"github.com/doppler/inference/moe"
	"github.com/doppler/inference/sample"
	"github.com/doppler/inference/speculative"
	"github.com/doppler/inference/tokenizer"
)

// Stats exposes prefill/decode timing and throughput, mirroring the
// teacher's per-sequence processingDuration/samplingDuration
// bookkeeping as a queryable snapshot rather than internal-only
// fields.
type Stats struct {
	PromptTokens    int
	GeneratedTokens int
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
	TokensPerSecond float64
}

// Pipeline orchestrates a loaded model's prefill and decode steps: the
// weight registry, the per-layer engines, the KV cache, and the
// tokenizer that bridges text to/from token ids. At most one Generate
// call may run at a time.
type Pipeline struct {
	runtime *gpu.Runtime

	mu           sync.Mutex
	loaded       bool
	desc         ModelDescriptor
	registry     *WeightRegistry
	tok          *tokenizer.Tokenizer
	cache        kvcache.Cache
	layers       []*inflayer.Layer
	embed        *gpu.Tensor
	lmHead       *gpu.Tensor
	lmHeadT      *gpu.Tensor // transposed once at load time, reused by every projectLogits call
	finalNorm    *gpu.Tensor
	expertLoader *shardExpertLoader
	draft        *Pipeline                // non-nil when desc.DraftModel is set
	coord        *speculative.Coordinator // non-nil when draft is non-nil

	gen   *semaphore.Weighted
	stats Stats
}

// New constructs an unloaded Pipeline bound to runtime.
func New(runtime *gpu.Runtime) *Pipeline {
	return &Pipeline{runtime: runtime, gen: semaphore.NewWeighted(1)}
}

// LoadModel materializes every weight named by desc from loader, wires
// up the per-layer engines, and allocates the KV cache. It replaces
// any previously loaded model.
func (p *Pipeline) LoadModel(desc ModelDescriptor, loader ShardLoader) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := tokenizer.New(desc.Tokenizer)
	if err != nil {
		return fmt.Errorf("pipeline: load tokenizer: %w", err)
	}

	registry := NewWeightRegistry(loader)
	dtype := gpu.F32

	embed, err := registry.Load("embed", dtype, []int{desc.VocabSize, desc.HiddenSize})
	if err != nil {
		return err
	}
	var lmHead *gpu.Tensor
	if desc.TiedEmbeddings {
		lmHead = embed
	} else {
		lmHead, err = registry.Load("lm_head", dtype, []int{desc.VocabSize, desc.HiddenSize})
		if err != nil {
			return err
		}
	}
	finalNorm, err := registry.Load("final_norm", dtype, []int{desc.HiddenSize})
	if err != nil {
		return err
	}
	lmHeadT, err := transposeWeight(lmHead)
	if err != nil {
		return err
	}

	cache := newCache(p.runtime, desc, dtype)

	expertLoader := &shardExpertLoader{
		registry:     registry,
		hiddenSize:   desc.HiddenSize,
		intermediate: desc.ExpertIntermediateSize,
		dtype:        dtype,
	}

	layers := make([]*inflayer.Layer, desc.NumLayers)
	for l := 0; l < desc.NumLayers; l++ {
		cfg, err := buildLayerConfig(p.runtime, cache, registry, expertLoader, desc, l, dtype)
		if err != nil {
			return err
		}
		layers[l] = inflayer.New(cfg)
	}

	if desc.NumExperts > 0 {
		allExperts := make([]int, desc.NumExperts)
		for e := range allExperts {
			allExperts[e] = e
		}
		for l := 0; l < desc.NumLayers; l++ {
			if err := prefetchExperts(expertLoader, l, allExperts); err != nil {
				return fmt.Errorf("pipeline: prefetch layer %d experts: %w", l, err)
			}
		}
	}

	var draft *Pipeline
	var coord *speculative.Coordinator
	if desc.DraftModel != nil {
		draft = New(p.runtime)
		if err := draft.LoadModel(*desc.DraftModel, prefixedLoader{loader, "draft."}); err != nil {
			return fmt.Errorf("pipeline: load draft model: %w", err)
		}
		coord = &speculative.Coordinator{Draft: draft, Main: p, K: 4}
	}

	p.desc = desc
	p.registry = registry
	p.tok = tok
	p.cache = cache
	p.layers = layers
	p.embed = embed
	p.lmHead = lmHead
	p.lmHeadT = lmHeadT
	p.finalNorm = finalNorm
	p.expertLoader = expertLoader
	p.draft = draft
	p.coord = coord
	p.stats = Stats{}
	p.loaded = true
	return nil
}

// Unload releases the cache and every registry weight, returning the
// Pipeline to its pre-LoadModel state.
func (p *Pipeline) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return ErrNotLoaded
	}
	p.cache.Destroy()
	p.registry.Release()
	if p.draft != nil {
		if err := p.draft.Unload(); err != nil {
			return err
		}
		p.draft = nil
		p.coord = nil
	}
	p.loaded = false
	p.layers = nil
	return nil
}

// Reset clears the KV cache back to empty, keeping every loaded weight
// in place, so a subsequent Generate starts a fresh sequence without
// re-materializing any tensors.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return ErrNotLoaded
	}
	p.cache.Clear()
	if p.draft != nil {
		if err := p.draft.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of the most recent Generate call's timing.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func newCache(rt *gpu.Runtime, desc ModelDescriptor, dtype gpu.DType) kvcache.Cache {
	cfg := kvcache.Config{
		Runtime:    rt,
		Layers:     desc.NumLayers,
		NumKVHeads: desc.NumKVHeads,
		HeadDim:    desc.HeadDim,
		DType:      dtype,
		MaxSeqLen:  desc.MaxSeqLen,
		Window:     desc.SlidingWindow,
	}
	if desc.SlidingWindow > 0 {
		return kvcache.NewSlidingWindow(cfg)
	}
	return kvcache.NewContiguous(cfg)
}

func buildLayerConfig(rt *gpu.Runtime, cache kvcache.Cache, registry *WeightRegistry, expertLoader *shardExpertLoader, desc ModelDescriptor, l int, dtype gpu.DType) (inflayer.Config, error) {
	attnNorm, err := registry.Load(layerWeightName(l, "attn_norm"), dtype, []int{desc.HiddenSize})
	if err != nil {
		return inflayer.Config{}, err
	}
	ffnNorm, err := registry.Load(layerWeightName(l, "ffn_norm"), dtype, []int{desc.HiddenSize})
	if err != nil {
		return inflayer.Config{}, err
	}
	wq, err := registry.Load(layerWeightName(l, "q"), dtype, []int{desc.NumHeads * desc.HeadDim, desc.HiddenSize})
	if err != nil {
		return inflayer.Config{}, err
	}
	wk, err := registry.Load(layerWeightName(l, "k"), dtype, []int{desc.NumKVHeads * desc.HeadDim, desc.HiddenSize})
	if err != nil {
		return inflayer.Config{}, err
	}
	wv, err := registry.Load(layerWeightName(l, "v"), dtype, []int{desc.NumKVHeads * desc.HeadDim, desc.HiddenSize})
	if err != nil {
		return inflayer.Config{}, err
	}
	wo, err := registry.Load(layerWeightName(l, "o"), dtype, []int{desc.HiddenSize, desc.NumHeads * desc.HeadDim})
	if err != nil {
		return inflayer.Config{}, err
	}

	window := 0
	if desc.SlidingWindow > 0 {
		window = desc.SlidingWindow
	}

	cfg := inflayer.Config{
		Runtime:    rt,
		Cache:      cache,
		Layer:      l,
		CacheDType: dtype,

		Epsilon:     desc.RMSNormEps,
		GemmaOffset: desc.IsGemma,

		AttnNormWeight: attnNorm,
		FFNNormWeight:  ffnNorm,

		Attention: inflayer.AttentionConfig{
			NumQHeads:  desc.NumHeads,
			NumKVHeads: desc.NumKVHeads,
			HeadDim:    desc.HeadDim,
			RoPE:       ropeParams(desc),
			Window:     window,
			Kernel:     desc.AttentionKernel,
		},
		Weights: inflayer.AttentionWeights{Wq: wq, Wk: wk, Wv: wv, Wo: wo},
	}

	if desc.NumExperts > 0 {
		cfg.FFNType = inflayer.MoE
		router := moe.NewRouter(moe.Config{Runtime: rt, NumExperts: desc.NumExperts, TopK: desc.MoETopK, Renormalize: true})
		gate, err := registry.Load(layerWeightName(l, "router"), dtype, []int{desc.NumExperts, desc.HiddenSize})
		if err != nil {
			return inflayer.Config{}, err
		}
		var bias *gpu.Tensor
		if registry.Has(layerWeightName(l, "router_bias")) {
			bias, err = registry.Load(layerWeightName(l, "router_bias"), dtype, []int{desc.NumExperts})
			if err != nil {
				return inflayer.Config{}, err
			}
		}
		router.SetWeights(gate, bias)
		cfg.MoE = &inflayer.MoEFFN{Router: router, Loader: expertLoader}
	} else {
		cfg.FFNType = inflayer.Dense
		w1, err := registry.Load(layerWeightName(l, "w1"), dtype, []int{desc.IntermediateSize, desc.HiddenSize})
		if err != nil {
			return inflayer.Config{}, err
		}
		w2, err := registry.Load(layerWeightName(l, "w2"), dtype, []int{desc.HiddenSize, desc.IntermediateSize})
		if err != nil {
			return inflayer.Config{}, err
		}
		w3, err := registry.Load(layerWeightName(l, "w3"), dtype, []int{desc.IntermediateSize, desc.HiddenSize})
		if err != nil {
			return inflayer.Config{}, err
		}
		cfg.Dense = inflayer.DenseFFNWeights{W1: w1, W2: w2, W3: w3, Activation: inflayer.SwiGLU}
	}

	return cfg, nil
}

func ropeParams(desc ModelDescriptor) gpu.RoPEParams {
	return gpu.RoPEParams{
		Base:       desc.RopeTheta,
		Scaling:    desc.RopeScaling.Type,
		Factor:     desc.RopeScaling.Factor,
		OrigCtxLen: desc.RopeScaling.OrigCtxLen,
		ExtFactor:  desc.RopeScaling.ExtFactor,
		AttnFactor: desc.RopeScaling.AttnFactor,
	}
}

// Generate tokenizes prompt, runs prefill, and streams decoded
// fragments on the returned channel until a stop condition, max
// tokens, or cancellation ends the sequence. Only one Generate call
// may be in flight per Pipeline; a concurrent call returns
// ErrAlreadyGenerating immediately without blocking.
func (p *Pipeline) Generate(ctx context.Context, prompt string, opts Options) (<-chan Fragment, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return nil, ErrNotLoaded
	}
	if opts.UseSpeculative && p.desc.DraftModel == nil {
		p.mu.Unlock()
		return nil, ErrMissingDraftModel
	}
	p.mu.Unlock()

	if !p.gen.TryAcquire(1) {
		return nil, ErrAlreadyGenerating
	}

	requestID := uuid.New()
	r := opts.resolve()
	if r.Cancel == nil {
		r.Cancel = ctx
	}

	out := make(chan Fragment, 16)
	go func() {
		defer p.gen.Release(1)
		defer close(out)
		p.run(requestID, prompt, r, out)
	}()
	return out, nil
}

func (p *Pipeline) run(requestID uuid.UUID, prompt string, r resolved, out chan<- Fragment) {
	log := slog.With("request_id", requestID)

	rng := rand.New(rand.NewSource(1))

	ids, err := p.tok.Encode(prompt)
	if err != nil {
		log.Error("encode failed", "error", err)
		out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
		return
	}
	log.Info("generate starting", "prompt_tokens", len(ids), "max_tokens", r.MaxTokens)

	start := time.Now()
	logits, _, err := p.prefill(ids)
	if err != nil {
		log.Error("prefill failed", "error", err)
		out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
		return
	}
	prefillDur := time.Since(start)

	tok, err := sample.Sample(logits, ids, sample.Options{
		Temperature:       r.Temperature,
		TopK:              r.TopK,
		TopP:              r.TopP,
		RepetitionPenalty: r.RepetitionPenalty,
	}, rng)
	if err != nil {
		out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
		return
	}

	generated := append([]int32(nil), ids...)
	var produced []string
	decodeStart := time.Now()
	n := 0

	emit := func(id int32) (done bool, reason DoneReason) {
		generated = append(generated, id)
		n++

		piece, err := p.tok.Decode([]int32{id}, true, false)
		if err != nil {
			out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
			return true, DoneCancelled
		}
		produced = append(produced, piece)

		if n >= r.MaxTokens {
			if joined := joinPieces(produced); joined != "" {
				out <- Fragment{Text: joined, TokenID: id}
			}
			out <- Fragment{Done: true, DoneReason: DoneMaxTokens}
			return true, DoneMaxTokens
		}

		for _, stopID := range p.desc.StopTokenIDs {
			if stopID == id {
				flushStop(out, produced, "")
				return true, DoneStop
			}
		}

		joined := joinPieces(produced)
		if IncompleteUnicode(joined) || ContainsStopSuffix(joined, r.StopSequences) {
			return false, DoneNotDone
		}
		if found, stop := FindStop(joined, r.StopSequences); found {
			flushStop(out, produced, stop)
			return true, DoneStop
		}

		out <- Fragment{Text: joined, TokenID: id}
		produced = produced[:0]

		return false, DoneNotDone
	}

	if done, reason := emit(int32(tok.TokenID)); done {
		_ = reason
		p.recordStats(len(ids), n, prefillDur, time.Since(decodeStart))
		return
	}

	if r.UseSpeculative && p.coord != nil {
		flush := func() { flushRemainder(out, produced) }
		p.speculativeDecode(ids, &generated, r, rng, emit, flush, out, log, &n, prefillDur, decodeStart)
		return
	}

	for {
		select {
		case <-r.Cancel.Done():
			flushRemainder(out, produced)
			out <- Fragment{Done: true, DoneReason: DoneCancelled, Err: r.Cancel.Err()}
			p.recordStats(len(ids), n, prefillDur, time.Since(decodeStart))
			return
		default:
		}

		startPos := len(generated) - 1
		logits, err := p.decodeStep(generated[startPos], startPos)
		if err != nil {
			out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
			p.recordStats(len(ids), n, prefillDur, time.Since(decodeStart))
			return
		}
		tok, err := sample.Sample(logits, generated, sample.Options{
			Temperature:       r.Temperature,
			TopK:              r.TopK,
			TopP:              r.TopP,
			RepetitionPenalty: r.RepetitionPenalty,
		}, rng)
		if err != nil {
			out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
			p.recordStats(len(ids), n, prefillDur, time.Since(decodeStart))
			return
		}

		if done, _ := emit(int32(tok.TokenID)); done {
			p.recordStats(len(ids), n, prefillDur, time.Since(decodeStart))
			return
		}
	}
}

// speculativeDecode replaces the per-token decode loop with §4.6
// speculative rounds: the draft model (kept in sync via its own
// prefill over the same prompt) proposes p.coord.K tokens per round,
// the main model verifies them in one batched pass, and every
// resulting token is threaded through the same emit closure the
// single-token loop uses, so stop/max-token/fragment handling stays
// identical between the two decode strategies.
func (p *Pipeline) speculativeDecode(ids []int32, generated *[]int32, r resolved, rng *rand.Rand, emit func(int32) (bool, DoneReason), flush func(), out chan<- Fragment, log *slog.Logger, n *int, prefillDur time.Duration, decodeStart time.Time) {
	p.coord.K = r.SpeculativeK
	if _, _, err := p.draft.prefill(ids); err != nil {
		log.Error("draft prefill failed", "error", err)
		out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
		p.recordStats(len(ids), *n, prefillDur, time.Since(decodeStart))
		return
	}
	if _, err := p.draft.Advance((*generated)[len(*generated)-1], len(*generated)-1); err != nil {
		log.Error("draft advance failed", "error", err)
		out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
		p.recordStats(len(ids), *n, prefillDur, time.Since(decodeStart))
		return
	}

	for {
		select {
		case <-r.Cancel.Done():
			flush()
			out <- Fragment{Done: true, DoneReason: DoneCancelled, Err: r.Cancel.Err()}
			p.recordStats(len(ids), *n, prefillDur, time.Since(decodeStart))
			return
		default:
		}

		lastToken := (*generated)[len(*generated)-1]
		prefixLen := len(*generated)
		round, err := p.coord.Round(lastToken, prefixLen, rng)
		if err != nil {
			log.Error("speculative round failed", "error", err)
			out <- Fragment{Err: err, Done: true, DoneReason: DoneCancelled}
			p.recordStats(len(ids), *n, prefillDur, time.Since(decodeStart))
			return
		}

		for _, tok := range round {
			if done, _ := emit(tok); done {
				p.recordStats(len(ids), *n, prefillDur, time.Since(decodeStart))
				return
			}
		}
	}
}

func joinPieces(pieces []string) string {
	var out string
	for _, p := range pieces {
		out += p
	}
	return out
}

func flushStop(out chan<- Fragment, pieces []string, stop string) {
	joined := joinPieces(pieces)
	if stop != "" {
		truncated, _ := TruncateStop([]string{joined}, stop)
		joined = joinPieces(truncated)
	}
	if joined != "" {
		out <- Fragment{Text: joined}
	}
	out <- Fragment{Done: true, DoneReason: DoneStop}
}

func flushRemainder(out chan<- Fragment, pieces []string) {
	if joined := joinPieces(pieces); joined != "" {
		out <- Fragment{Text: joined}
	}
}

func (p *Pipeline) recordStats(promptTokens, generatedTokens int, prefill, decode time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tps := 0.0
	if decode > 0 {
		tps = float64(generatedTokens) / decode.Seconds()
	}
	p.stats = Stats{
		PromptTokens:    promptTokens,
		GeneratedTokens: generatedTokens,
		PrefillDuration: prefill,
		DecodeDuration:  decode,
		TokensPerSecond: tps,
	}
}

// prefill runs §4.5's prefill algorithm: embed every prompt token,
// run every layer over the whole prompt in one pass, submit the
// recorded KV-cache writes, project the last position to logits.
func (p *Pipeline) prefill(ids []int32) ([]float32, int, error) {
	hidden, err := p.embedTokens(ids)
	if err != nil {
		return nil, 0, err
	}

	rec := gpu.NewRecorder()
	for _, l := range p.layers {
		hidden, err = l.Forward(hidden, 0, rec)
		if err != nil {
			return nil, 0, err
		}
	}
	if err := rec.Submit(); err != nil {
		return nil, 0, err
	}

	logits, err := p.projectLogits(hidden)
	if err != nil {
		return nil, 0, err
	}

	T := len(ids)
	last, err := logits.Slice(T-1, T)
	if err != nil {
		return nil, 0, err
	}
	return last.Floats(), T, nil
}

// decodeStep runs §4.5's decode algorithm for the single previous
// token, at absolute position startPos.
func (p *Pipeline) decodeStep(prevToken int32, startPos int) ([]float32, error) {
	hidden, err := p.embedTokens([]int32{prevToken})
	if err != nil {
		return nil, err
	}

	rec := gpu.NewRecorder()
	for _, l := range p.layers {
		hidden, err = l.Forward(hidden, startPos, rec)
		if err != nil {
			return nil, err
		}
	}
	if err := rec.Submit(); err != nil {
		return nil, err
	}

	logits, err := p.projectLogits(hidden)
	if err != nil {
		return nil, err
	}
	return logits.Floats(), nil
}

func (p *Pipeline) embedTokens(ids []int32) (*gpu.Tensor, error) {
	hidden, err := p.embed.Gather(ids)
	if err != nil {
		return nil, err
	}
	if p.desc.IsGemma {
		hidden = hidden.Scale(float32(math.Sqrt(float64(p.desc.HiddenSize))))
	}
	return hidden, nil
}

func (p *Pipeline) projectLogits(hidden *gpu.Tensor) (*gpu.Tensor, error) {
	normed, err := hidden.RMSNorm(p.finalNorm, p.desc.RMSNormEps, p.desc.IsGemma)
	if err != nil {
		return nil, err
	}
	return normed.MatMul(p.lmHeadT)
}

// CloneCache returns a contiguous copy of the pipeline's current KV
// cache, the sandbox the speculative coordinator advances a draft
// rollout into so a rejected draft never touches the pipeline's real
// cache.
func (p *Pipeline) CloneCache() (kvcache.Cache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return nil, ErrNotLoaded
	}
	return p.cache.Clone()
}

// SeqLen reports the pipeline's current cache sequence length.
func (p *Pipeline) SeqLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.SeqLen()
}

// TruncateCache discards every cache entry at or beyond position n,
// used after a speculative round rejects a draft token so the
// pipeline's cache matches exactly the accepted prefix.
func (p *Pipeline) TruncateCache(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Truncate(n)
}

// SwapCache rebinds every layer (and the pipeline itself) to c,
// returning the cache that was previously bound so the caller can
// restore it later. Used by the speculative coordinator to point a
// pipeline's layers at a cloned cache for the duration of a draft
// rollout.
func (p *Pipeline) SwapCache(c kvcache.Cache) kvcache.Cache {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.cache
	p.cache = c
	for _, l := range p.layers {
		l.SetCache(c)
	}
	return prev
}

// Advance runs one decode step for token at absolute position
// startPos against the pipeline's current cache and returns its
// logits. It is the same per-token primitive Generate's decode loop
// uses, exposed so the speculative coordinator can drive a draft
// pipeline's rollout one token at a time.
func (p *Pipeline) Advance(token int32, startPos int) ([]float32, error) {
	return p.decodeStep(token, startPos)
}

// VerifyBatch runs every layer once over tokens (possibly more than
// one) starting at absolute position startPos against the pipeline's
// current cache, and returns each position's full logits row. The
// speculative coordinator uses this for its single batched
// verification pass over a draft rollout (§4.6 step 2), in place of
// calling Advance once per position.
func (p *Pipeline) VerifyBatch(tokens []int32, startPos int) ([][]float32, error) {
	hidden, err := p.embedTokens(tokens)
	if err != nil {
		return nil, err
	}

	rec := gpu.NewRecorder()
	for _, l := range p.layers {
		hidden, err = l.Forward(hidden, startPos, rec)
		if err != nil {
			return nil, err
		}
	}
	if err := rec.Submit(); err != nil {
		return nil, err
	}

	logits, err := p.projectLogits(hidden)
	if err != nil {
		return nil, err
	}

	T := len(tokens)
	rows := make([][]float32, T)
	for i := 0; i < T; i++ {
		row, err := logits.Slice(i, i+1)
		if err != nil {
			return nil, err
		}
		rows[i] = row.Floats()
	}
	return rows, nil
}

// transposeWeight flips a [Dout, Din] stored weight to [Din, Dout] so
// it can sit on the right-hand side of a row-major MatMul, the same
// out-major weight convention the layer engine's Q/K/V/O projections
// use (§6).
func transposeWeight(w *gpu.Tensor) (*gpu.Tensor, error) {
	rows, cols := w.Dim(0), w.Dim(1)
	flat := w.Floats()
	out := make([]float32, len(flat))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = flat[r*cols+c]
		}
	}
	return gpu.FromFloats([]int{cols, rows}, out), nil
}
