package pipeline

import (
	"time"

	"github.com/wgpuinfer/core/errs"
	"github.com/wgpuinfer/core/kvcache"
	"github.com/wgpuinfer/core/logutil"
	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/recorder"
	"github.com/wgpuinfer/core/sample"
)

// prefillResult is what a prefill pass hands back to the caller. sampled is
// false for a prefill-only run, in which case firstToken is meaningless.
type prefillResult struct {
	firstToken int32
	sampled    bool
}

// runPrefill embeds tokenIds, runs every layer, projects to logits, and —
// unless sampleFirst is false (prefillKVOnly) — samples the first
// generated token from the last position's logits. currentSeqLen advances
// by len(tokenIds) on success, plus one more when the first token is
// sampled.
func (p *Pipeline) runPrefill(tokenIds []int32, opts Options, sampleFirst bool) (prefillResult, error) {
	start := time.Now()

	if len(opts.DebugLayers) > 0 && p.runtimeCfg.Shared.Debug.PerfGuards.DisableReadback {
		return prefillResult{}, errs.New(errs.ReadbackDenied, "debug layer readback is disabled by perf guards").
			WithResource("shared.debug.perfGuards.disableReadback")
	}

	var rec recorder.Recorder
	if opts.DisableBatching || len(opts.DebugLayers) > 0 {
		rec = recorder.NewImmediateRecorder(p.backend, p.pool, len(tokenIds)*p.modelCfg.NumLayers*4+64)
	} else {
		rec = recorder.NewBatchedRecorder(p.backend, p.pool, len(tokenIds)*p.modelCfg.NumLayers*4+64)
	}
	if opts.Profile {
		rec.EnableProfiling(true)
	}

	positions := make([]int32, len(tokenIds))
	for i := range positions {
		positions[i] = int32(p.currentSeqLen + i)
	}

	if err := p.cache.StartForward(rec.Context(), kvcache.Batch{Positions: positions, Sequences: sequencesOf(len(tokenIds))}, false); err != nil {
		return prefillResult{}, err
	}

	hidden, err := p.model.Embed(rec, p.weights, tokenIds)
	if err != nil {
		return prefillResult{}, err
	}

	debugSet := make(map[int]bool, len(opts.DebugLayers))
	for _, l := range opts.DebugLayers {
		debugSet[l] = true
	}

	for layer := 0; layer < p.modelCfg.NumLayers; layer++ {
		p.cache.SetLayer(layer)
		hidden, err = p.model.Layer(rec, p.weights, layer, hidden, positions)
		if err != nil {
			return prefillResult{}, err
		}

		if debugSet[layer] {
			if err := rec.SubmitAndWait(hidden); err != nil {
				return prefillResult{}, err
			}
			logutil.Trace("debug layer checkpoint", "layer", layer,
				"hidden", ml.Dump(rec.Context(), hidden, ml.DumpWithThreshold(p.readbackSampleSize())))
			rec.Reset()
		}
	}

	logits, err := p.model.Logits(rec, p.weights, hidden)
	if err != nil {
		return prefillResult{}, err
	}

	if err := rec.SubmitAndWait(logits); err != nil {
		return prefillResult{}, err
	}

	if opts.Profile {
		for _, d := range rec.ResolveProfileTimings() {
			p.stats.GPUTimePrefillMs += float64(d) / float64(time.Millisecond)
		}
	}

	p.currentSeqLen += len(tokenIds)
	p.stats.PrefillTimeMs += float64(time.Since(start)) / float64(time.Millisecond)

	result := prefillResult{}
	if sampleFirst {
		lastLogits := lastPositionLogits(logits, p.modelCfg.VocabSize)
		sampler := sample.New(p.samplerOptions(opts))
		result.firstToken = sampler.Sample(lastLogits, p.generatedIds)
		result.sampled = true
		p.generatedIds = append(p.generatedIds, result.firstToken)
		// currentSeqLen counts the logical sequence, so the sampled token
		// is part of it now; its KV is appended by the decode step that
		// embeds it.
		p.currentSeqLen++
		p.stats.TokensGenerated++
	}

	return result, nil
}

// readbackSampleSize bounds how many elements a debug-layer checkpoint
// dumps; a non-positive configured size selects 16. When the perf guard
// disables readback, runPrefill rejects debug layers before any dump.
func (p *Pipeline) readbackSampleSize() int {
	if n := p.runtimeCfg.Shared.Debug.ReadbackSampleSize; n > 0 {
		return n
	}
	return 16
}

func sequencesOf(n int) []int {
	seqs := make([]int, n)
	return seqs // all zero: a pipeline owns exactly one sequence, id 0
}

// lastPositionLogits extracts vocabSize floats for the final row of a
// [numTokens, vocabSize] logits tensor.
func lastPositionLogits(logits ml.Tensor, vocabSize int) []float32 {
	all := logits.Floats()
	if len(all) < vocabSize {
		return all
	}
	return append([]float32(nil), all[len(all)-vocabSize:]...)
}
