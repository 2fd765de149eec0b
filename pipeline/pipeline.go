// Package pipeline implements the inference pipeline: prefill, single-token
// decode, batched multi-token decode, prefill-only snapshotting, and
// resumption from a KV snapshot. It owns the RoPE frequency tables, weight
// map, tokenizer, KV cache, and decode buffers for one loaded model.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wgpuinfer/core/decodebuf"
	"github.com/wgpuinfer/core/decodering"
	"github.com/wgpuinfer/core/errs"
	"github.com/wgpuinfer/core/kvcache"
	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/modelconfig"
	"github.com/wgpuinfer/core/progress"
	"github.com/wgpuinfer/core/recorder"
	"github.com/wgpuinfer/core/rope"
	"github.com/wgpuinfer/core/runtimeconfig"
	"github.com/wgpuinfer/core/sample"
	"github.com/wgpuinfer/core/shard"
	"github.com/wgpuinfer/core/tokenizer"
	"github.com/wgpuinfer/core/weightmap"
)

// state tracks the pipeline's lifecycle; a failed loadModel leaves the
// pipeline in stateNotLoaded, never half-initialized.
type state int32

const (
	stateNotLoaded state = iota
	stateLoaded
	stateGenerating
)

// Stats accumulates timing and throughput counters across the pipeline's
// lifetime, reset on Reset.
type Stats struct {
	TokensGenerated  int64
	PrefillTimeMs    float64
	GPUTimePrefillMs float64
	GPUTimeDecodeMs  float64
}

// LayerForward is supplied by the model-specific code wired in at
// construction: RMSNorm -> QKV projection -> RoPE -> KV append -> attention
// -> residual -> RMSNorm -> FFN/MoE -> residual, for one layer. The
// pipeline calls it once per layer per forward pass with the loaded weight
// map; it is the one piece of per-architecture logic this package does not
// own.
type LayerForward func(rec recorder.Recorder, weights *weightmap.Map, layer int, hidden ml.Tensor, positions []int32) (ml.Tensor, error)

// LogitsForward projects final hidden state to logits for every position in
// the batch, drawing the LM-head weight from the map. Shape
// [numTokens, vocabSize]; the pipeline extracts the last position itself.
type LogitsForward func(rec recorder.Recorder, weights *weightmap.Map, hidden ml.Tensor) (ml.Tensor, error)

// EmbedForward looks up (and optionally scales) the embedding for a set of
// token ids into a hidden-state buffer, drawing the embedding table from
// the map.
type EmbedForward func(rec recorder.Recorder, weights *weightmap.Map, tokenIds []int32) (ml.Tensor, error)

// ShardDecoder parses one fetched weight shard into weight-map entries.
// The shard byte format is architecture-specific and opaque to the
// pipeline; only fetching, hash verification, and ownership live here.
type ShardDecoder func(index int, data []byte, weights *weightmap.Map) error

// Model bundles the per-architecture hooks the pipeline orchestrates but
// does not itself implement: the three forward-pass stages plus weight
// ingestion and the optional fused-projection synthesis.
type Model struct {
	Embed  EmbedForward
	Layer  LayerForward
	Logits LogitsForward

	// DecodeShard ingests fetched weight shards into the weight map. Nil
	// when the backend loads weights through its own path instead.
	DecodeShard ShardDecoder

	// FuseQKV builds a fused Q/K/V projection from the separate
	// per-projection weights; LoadModel pre-fuses every layer that carries
	// them. Nil when the architecture has no fused attention path.
	FuseQKV weightmap.FusedQKVSynthesizer
}

// Options configure one generate call. Zero-valued TopP, TopK,
// RepetitionPenalty, BatchSize and StopCheckMode fall back to the runtime
// configuration the pipeline was loaded with, as does a negative MaxTokens.
// Temperature, Profile and DisableBatching are taken as given: a zero
// Temperature selects greedy decoding, and the runtime configuration's
// temperature and profiling settings are not consulted.
type Options struct {
	// MaxTokens caps how many tokens one call may generate. Zero generates
	// nothing (no prefill occurs); a negative value selects the runtime
	// configuration's default.
	MaxTokens         int
	Temperature       float32
	TopP              float32
	TopK              int
	RepetitionPenalty float32
	StopSequences     []string
	UseChatTemplate   bool
	BatchSize         int
	StopCheckMode     runtimeconfig.StopCheckMode
	Profile           bool
	Benchmark         bool
	DisableBatching   bool
	DebugLayers       []int

	Signal context.Context // cancellation observed at the top of each decode iteration

	OnToken func(id int32, text string)
	OnBatch func(pieces []TokenPiece)
}

// TokenPiece is one decoded (id, text) pair, used by OnBatch and by the
// Generator's output stream.
type TokenPiece struct {
	ID   int32
	Text string
}

// Pipeline orchestrates one loaded model's inference lifecycle. It is
// single-threaded-cooperative at the host level: a second concurrent
// Generate call is rejected with AlreadyGenerating rather than queued.
type Pipeline struct {
	mu sync.Mutex

	state atomic.Int32

	backend ml.Backend
	pool    *ml.Pool
	device  ml.DeviceInfo

	runtimeCfg runtimeconfig.Config
	modelCfg   modelconfig.Config
	sink       progress.Sink

	tok       tokenizer.Tokenizer
	model     Model
	cache     kvcache.Cache
	ropeT     *rope.Table
	ropeLocal *rope.Table
	weights   *weightmap.Map

	ring    *decodering.DecodeRing
	decbufs *decodebuf.Manager

	currentSeqLen int
	generatedIds  []int32

	// requestID correlates one generate call's log lines (decode
	// fallback warnings, profiling summaries); regenerated on every
	// beginGenerate.
	requestID string

	stats Stats
}

// New constructs an unloaded pipeline bound to nothing; call Initialize
// then LoadModel before Generate.
func New() *Pipeline {
	p := &Pipeline{sink: progress.NoOp{}}
	p.state.Store(int32(stateNotLoaded))
	return p
}

// Initialize merges runtime configuration, binds a GPU backend, and sets a
// progress sink. Fails with DeviceUnavailable if backendName has no
// registered backend and a device is required.
func (p *Pipeline) Initialize(ctx context.Context, backendName, modelPath string, params ml.BackendParams, runtimeCfgPath string, sink progress.Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sink != nil {
		p.sink = sink
	}

	cfg, err := runtimeconfig.Load(runtimeCfgPath)
	if err != nil {
		return err
	}
	p.runtimeCfg = cfg

	if params.NumThreads == 0 {
		params.NumThreads = ml.DefaultNumThreads()
	}

	backend, err := ml.NewBackend(backendName, modelPath, params)
	if err != nil {
		return errs.Of(errs.DeviceUnavailable).Wrap(err).WithResource(backendName)
	}
	p.backend = backend

	devices := backend.BackendDevices()
	if len(devices) > 0 {
		p.device = devices[0]
	}

	p.pool = ml.NewPool(backend.NewBuffer)

	p.sink.OnStage(progress.Event{Stage: "init", Percent: 1})

	return nil
}

// LoadModel parses manifest into a model configuration, resolves the
// kernel plan, initializes the tokenizer/KV cache/RoPE tables, fetches and
// decodes weight shards through loader into the weight map, fuses Q/K/V,
// and preallocates decode buffers. Idempotent failure: a re-entrant call
// while already loaded fails without mutating state.
func (p *Pipeline) LoadModel(ctx context.Context, manifest modelconfig.Manifest, tok tokenizer.Tokenizer, model Model, loader shard.Loader, shiftFn func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state(p.state.Load()) != stateNotLoaded {
		return errs.New(errs.InvalidConfig, "loadModel called while a model is already loaded").WithResource("pipeline")
	}

	p.sink.OnStage(progress.Event{Stage: "manifest", Percent: 0})

	cfg, err := modelconfig.ToConfig(manifest)
	if err != nil {
		return err
	}
	cfg.KernelPath = modelconfig.ResolveKernelPath(manifest.Optimizations.KernelPath, p.runtimeCfg.Inference.KernelPath, "")
	p.modelCfg = cfg

	p.sink.OnStage(progress.Event{Stage: "pipeline", Percent: 0.1, Message: "initializing tokenizer"})
	p.tok = tok

	p.sink.OnStage(progress.Event{Stage: "pipeline", Percent: 0.2, Message: "initializing kv cache"})
	p.cache, err = p.newCache(cfg, shiftFn)
	if err != nil {
		return err
	}

	p.sink.OnStage(progress.Event{Stage: "pipeline", Percent: 0.3, Message: "building rope tables"})
	p.ropeT = rope.NewTable(rope.Config{HeadDim: cfg.HeadDim, Theta: cfg.RopeTheta, Scale: cfg.RopeScale})
	if cfg.RopeLocalTheta != 0 {
		p.ropeLocal = rope.NewTable(rope.Config{HeadDim: cfg.HeadDim, Theta: cfg.RopeLocalTheta, Scale: cfg.RopeScale})
	}

	p.sink.OnStage(progress.Event{Stage: "shards", Percent: 0.4, Message: "loading weights"})
	p.weights = weightmap.New()
	p.model = model
	if err := p.loadWeights(ctx, manifest, loader); err != nil {
		p.weights = nil
		return err
	}

	p.sink.OnStage(progress.Event{Stage: "layers", Percent: 0.8, Message: "fusing attention projections"})
	if err := p.fuseProjections(); err != nil {
		p.weights = nil
		return err
	}

	p.sink.OnStage(progress.Event{Stage: "layers", Percent: 0.9, Message: "allocating decode buffers"})
	p.ring = decodering.New(p.pool)
	activationBytes := 2
	if p.runtimeCfg.Inference.Compute.ActivationDtype == "f32" {
		activationBytes = 4
	}
	p.decbufs, err = decodebuf.New(p.pool, cfg.HiddenSize, cfg.IntermediateSize, activationBytes)
	if err != nil {
		return err
	}

	p.currentSeqLen = 0
	p.generatedIds = nil

	p.state.Store(int32(stateLoaded))
	p.sink.OnStage(progress.Event{Stage: "complete", Percent: 1})

	return nil
}

// loadWeights fetches every shard named by the manifest through loader —
// concurrently, bounded by the CPU thread count — verifies hashes where the
// loader supports them, then decodes shards in order into the weight map.
// A nil loader or decoder means weights reach the map through the backend's
// own path and there is nothing to fetch here.
func (p *Pipeline) loadWeights(ctx context.Context, manifest modelconfig.Manifest, loader shard.Loader) error {
	if loader == nil || p.model.DecodeShard == nil || len(manifest.Shards) == 0 {
		return nil
	}

	shards := make([][]byte, len(manifest.Shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, ml.DefaultNumThreads()))
	for i := range manifest.Shards {
		i := i
		g.Go(func() error {
			data, err := loader.LoadShard(gctx, i)
			if err != nil {
				return errs.New(errs.ManifestInvalid, "shard fetch failed").
					Wrap(err).WithResource(manifest.Shards[i])
			}
			if supported, valid := loader.VerifyHash(i, data); supported && !valid {
				return errs.New(errs.ManifestInvalid, "shard hash mismatch").
					WithResource(manifest.Shards[i])
			}
			shards[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Decoding stays sequential: entry order in the map is the reproducible
	// load order, and progress events come from one goroutine.
	for i, data := range shards {
		if err := p.model.DecodeShard(i, data, p.weights); err != nil {
			return err
		}
		p.sink.OnStage(progress.Event{
			Stage:   "shards",
			Percent: 0.4 + 0.4*float32(i+1)/float32(len(shards)),
			Message: manifest.Shards[i],
		})
	}

	return nil
}

// fuseProjections pre-builds the fused Q/K/V entry for every layer that
// carries separate projections, so the forward path's lookups hit the
// fused cache instead of synthesizing mid-decode. Layers without separate
// q/k/v (tied or pre-fused checkpoints) are skipped.
func (p *Pipeline) fuseProjections() error {
	if p.model.FuseQKV == nil {
		return nil
	}

	for layer := 0; layer < p.modelCfg.NumLayers; layer++ {
		prefix := fmt.Sprintf("blk.%d", layer)
		if p.weights.Get(prefix+".attn_q.weight").Kind == weightmap.KindAbsent {
			continue
		}
		if _, err := p.weights.GetFusedQKV(prefix, p.model.FuseQKV); err != nil {
			return err
		}
	}

	return nil
}

func (p *Pipeline) newCache(cfg modelconfig.Config, shiftFn func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error)) (kvcache.Cache, error) {
	dtype := kvDtype(p.runtimeCfg.Inference.KVCache.KVDtype)
	maxBatch := p.runtimeCfg.Inference.Batching.BatchSize

	switch p.runtimeCfg.Inference.KVCache.Layout {
	case runtimeconfig.LayoutSlidingWindow:
		c := kvcache.NewSWACache(int32(p.runtimeCfg.Inference.KVCache.WindowSize), shiftFn)
		c.Init(p.backend, dtype, 1, cfg.MaxSeqLen, maxBatch)
		return c, nil
	case runtimeconfig.LayoutPaged:
		pc := kvcache.NewPagedCache(p.runtimeCfg.Inference.KVCache.PageSize)
		pc.Init(p.backend, dtype)
		return pc, nil
	case runtimeconfig.LayoutBDPA:
		return nil, errs.New(errs.InvalidConfig, "BDPA layout must be selected through NewBasisCache directly; it does not implement the shared forward-pass contract").
			WithResource("inference.kvcache.layout")
	default:
		c := kvcache.NewCausalCache(shiftFn)
		c.Init(p.backend, dtype, 1, cfg.MaxSeqLen, maxBatch)
		return c, nil
	}
}

func kvDtype(s string) ml.DType {
	if s == "f32" {
		return ml.DTypeF32
	}
	return ml.DTypeF16
}

func (p *Pipeline) samplerOptions(opts Options) sample.Options {
	so := sample.DefaultOptions()
	if opts.Temperature != 0 {
		so.Temperature = opts.Temperature
	}
	if opts.TopP != 0 {
		so.TopP = opts.TopP
	} else {
		so.TopP = p.runtimeCfg.Inference.Sampling.TopP
	}
	if opts.TopK != 0 {
		so.TopK = opts.TopK
	} else {
		so.TopK = p.runtimeCfg.Inference.Sampling.TopK
	}
	if opts.RepetitionPenalty != 0 {
		so.RepetitionPenalty = opts.RepetitionPenalty
	} else {
		so.RepetitionPenalty = p.runtimeCfg.Inference.Sampling.RepetitionPenalty
	}
	so.GreedyThreshold = p.runtimeCfg.Inference.Sampling.GreedyThreshold
	so.FinalLogitSoftcapping = p.modelCfg.FinalLogitSoftcapping
	return so
}

// Reset clears the KV cache, zeroes decode counters, and resets stats,
// preserving loaded weights.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache != nil {
		p.cache.Clear(0)
	}
	if p.ring != nil {
		p.ring.Reset()
	}
	if p.decbufs != nil {
		p.decbufs.ResetPingPong()
	}
	p.currentSeqLen = 0
	p.generatedIds = nil
	p.stats = Stats{}
}

// Unload destroys every resource this pipeline owns and returns it to
// stateNotLoaded.
func (p *Pipeline) Unload() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache != nil {
		p.cache.Close()
		p.cache = nil
	}
	if p.ring != nil {
		p.ring.Release()
		p.ring = nil
	}
	if p.decbufs != nil {
		p.decbufs.Release()
		p.decbufs = nil
	}
	if p.weights != nil {
		p.weights.Unload()
		p.weights = nil
	}
	if p.pool != nil {
		p.pool.Drain()
	}

	p.currentSeqLen = 0
	p.generatedIds = nil
	p.state.Store(int32(stateNotLoaded))
}

// Stats returns a snapshot of accumulated pipeline statistics.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// beginGenerate transitions stateLoaded -> stateGenerating, failing with
// AlreadyGenerating if a generation is already in flight, or NotLoaded if
// no model has been loaded.
func (p *Pipeline) beginGenerate() error {
	for {
		cur := state(p.state.Load())
		switch cur {
		case stateNotLoaded:
			return errs.Of(errs.NotLoaded)
		case stateGenerating:
			return errs.Of(errs.AlreadyGenerating)
		}
		if p.state.CompareAndSwap(int32(stateLoaded), int32(stateGenerating)) {
			p.requestID = uuid.NewString()
			return nil
		}
	}
}

func (p *Pipeline) endGenerate() {
	p.state.CompareAndSwap(int32(stateGenerating), int32(stateLoaded))
}

func (p *Pipeline) warnBatchFallback(reason string) {
	slog.Warn("batched decode fell back to single-token path", "reason", reason, "request_id", p.requestID)
}
