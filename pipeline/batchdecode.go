package pipeline

import (
	"time"

	"github.com/wgpuinfer/core/decodering"
	"github.com/wgpuinfer/core/kvcache"
	"github.com/wgpuinfer/core/recorder"
	"github.com/wgpuinfer/core/sample"
)

// batchDecodeResult is what one batched-decode call produces: the tokens
// actually generated (which may be fewer than requested if a stop
// condition fired early) and whether a stop condition ended the batch.
type batchDecodeResult struct {
	tokens  []int32
	stopped bool
}

// runBatchDecode records tokensPerInterval decode iterations against one
// shared recorder, amortizing context setup across the whole interval; each
// iteration still waits on its own submit because the next iteration's
// token depends on a CPU-side sample of this iteration's logits. A fused
// GPU sampling kernel would remove that dependency and let the whole
// interval go out in a single submit; this core only has the CPU fallback
// sampler. currentSeqLen and generatedIds advance by exactly actualCount
// tokens, never the speculative tokensPerInterval, matching the
// single-token decode path's semantics on early stop.
func (p *Pipeline) runBatchDecode(prevToken int32, tokensPerInterval int, opts Options) (batchDecodeResult, error) {
	mode := opts.StopCheckMode
	if mode == "" {
		mode = p.runtimeCfg.Inference.Batching.StopCheckMode
	}
	stopMode := decodering.StopCheckBatch
	if mode == "per-token" {
		stopMode = decodering.StopCheckPerToken
	}

	if err := p.ring.Ensure(decodering.Config{
		BatchSize:         1,
		TokensPerInterval: tokensPerInterval,
		StopCheckMode:     stopMode,
	}); err != nil {
		return batchDecodeResult{}, err
	}

	rec := recorder.NewBatchedRecorder(p.backend, p.pool, tokensPerInterval*p.modelCfg.NumLayers*4+64)
	if opts.Profile {
		rec.EnableProfiling(true)
	}

	so := p.samplerOptions(opts)
	sampler := sample.New(so)

	tokens := make([]int32, 0, tokensPerInterval)
	cur := prevToken
	actualCount := 0
	stopped := false

	for i := 0; i < tokensPerInterval; i++ {
		if opts.Signal != nil && opts.Signal.Err() != nil {
			rec.Reset()
			stopped = true
			break
		}

		if _, ok := p.ring.Acquire(); !ok {
			p.warnBatchFallback("ring not configured for batched decode")
			rec.Reset()
			// Commit what the batch already produced before handing off;
			// the single-token path accounts for its own tokens.
			p.generatedIds = append(p.generatedIds, tokens...)
			p.currentSeqLen += len(tokens)
			p.stats.TokensGenerated += int64(len(tokens))
			return p.fallbackToSingleTokenDecode(cur, tokensPerInterval-i, opts, tokens)
		}

		positions := []int32{int32(p.currentSeqLen - 1 + i)}
		if err := p.cache.StartForward(rec.Context(), kvcache.Batch{Positions: positions, Sequences: []int{0}}, false); err != nil {
			return batchDecodeResult{}, err
		}

		hidden, err := p.model.Embed(rec, p.weights, []int32{cur})
		if err != nil {
			return batchDecodeResult{}, err
		}

		for layer := 0; layer < p.modelCfg.NumLayers; layer++ {
			p.cache.SetLayer(layer)
			hidden, err = p.model.Layer(rec, p.weights, layer, hidden, positions)
			if err != nil {
				return batchDecodeResult{}, err
			}
		}

		logits, err := p.model.Logits(rec, p.weights, hidden)
		if err != nil {
			return batchDecodeResult{}, err
		}

		if err := rec.SubmitAndWait(logits); err != nil {
			return batchDecodeResult{}, err
		}

		lastLogits := lastPositionLogits(logits, p.modelCfg.VocabSize)
		next := sampler.Sample(lastLogits, append(p.generatedIds, tokens...))

		tokens = append(tokens, next)
		actualCount++
		cur = next
		p.ring.Advance()

		if stopMode == decodering.StopCheckPerToken && p.isStopToken(next) {
			stopped = true
			break
		}
	}

	if stopMode == decodering.StopCheckBatch && !stopped {
		for idx, t := range tokens {
			if p.isStopToken(t) {
				tokens = tokens[:idx+1]
				actualCount = idx + 1
				stopped = true
				break
			}
		}
	}

	if opts.Profile {
		for _, d := range rec.ResolveProfileTimings() {
			p.stats.GPUTimeDecodeMs += float64(d) / float64(time.Millisecond)
		}
	}

	p.generatedIds = append(p.generatedIds, tokens...)
	p.currentSeqLen += actualCount
	p.stats.TokensGenerated += int64(actualCount)

	// In batch stop-check mode iterations past the stop point already ran
	// StartForward for their positions; rewind the cache so it is consistent
	// up to the last committed embed (position currentSeqLen-2; the newest
	// logical token's KV is not materialized until the next step embeds it).
	if p.currentSeqLen > 0 {
		if err := p.cache.Truncate(0, int32(p.currentSeqLen-1)); err != nil {
			return batchDecodeResult{}, err
		}
	}

	return batchDecodeResult{tokens: tokens, stopped: stopped}, nil
}

// fallbackToSingleTokenDecode recovers from a ring-acquisition failure mid
// batch by completing the remaining tokens one at a time through the
// ordinary decode path, per the documented BatchFallback recovery policy.
func (p *Pipeline) fallbackToSingleTokenDecode(prevToken int32, remaining int, opts Options, already []int32) (batchDecodeResult, error) {
	tokens := append([]int32(nil), already...)
	cur := prevToken
	for i := 0; i < remaining; i++ {
		next, err := p.runDecodeStep(cur, opts)
		if err != nil {
			return batchDecodeResult{tokens: tokens}, err
		}
		tokens = append(tokens, next)
		cur = next
		if p.isStopToken(next) {
			return batchDecodeResult{tokens: tokens, stopped: true}, nil
		}
	}
	return batchDecodeResult{tokens: tokens}, nil
}

// isStopToken checks both the tokenizer's EOS id and the model
// configuration's stop token list.
func (p *Pipeline) isStopToken(id int32) bool {
	if p.tok != nil {
		if eos := p.tok.SpecialTokens().Eos; eos != nil && int32(*eos) == id {
			return true
		}
	}
	for _, s := range p.modelCfg.StopTokenIds {
		if s == id {
			return true
		}
	}
	return false
}
