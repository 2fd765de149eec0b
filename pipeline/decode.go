package pipeline

import (
	"time"

	"github.com/wgpuinfer/core/kvcache"
	"github.com/wgpuinfer/core/recorder"
	"github.com/wgpuinfer/core/sample"
)

// runDecodeStep advances generation by exactly one token: embed the
// previous token, run every layer against the current cache position, and
// sample the next token from the last position's logits. It resets the
// decode buffer manager's ping-pong polarity at the start of the step and
// swaps it after each layer; the manager's buffers are not passed to the
// Embed, Layer or Logits hooks, which return their own tensors.
func (p *Pipeline) runDecodeStep(prevToken int32, opts Options) (int32, error) {
	rec := recorder.NewImmediateRecorder(p.backend, p.pool, p.modelCfg.NumLayers*4+32)
	if opts.Profile {
		rec.EnableProfiling(true)
	}

	p.decbufs.ResetPingPong()

	// prevToken is the newest element of the logical sequence; its index,
	// and thus its RoPE position and cache slot, is currentSeqLen-1.
	positions := []int32{int32(p.currentSeqLen - 1)}

	if err := p.cache.StartForward(rec.Context(), kvcache.Batch{Positions: positions, Sequences: []int{0}}, false); err != nil {
		return 0, err
	}

	hidden, err := p.model.Embed(rec, p.weights, []int32{prevToken})
	if err != nil {
		return 0, err
	}

	for layer := 0; layer < p.modelCfg.NumLayers; layer++ {
		p.cache.SetLayer(layer)
		hidden, err = p.model.Layer(rec, p.weights, layer, hidden, positions)
		if err != nil {
			return 0, err
		}
		p.decbufs.SwapPingPong()
	}

	logits, err := p.model.Logits(rec, p.weights, hidden)
	if err != nil {
		return 0, err
	}

	if err := rec.SubmitAndWait(logits); err != nil {
		return 0, err
	}

	if opts.Profile {
		for _, d := range rec.ResolveProfileTimings() {
			p.stats.GPUTimeDecodeMs += float64(d) / float64(time.Millisecond)
		}
	}

	lastLogits := lastPositionLogits(logits, p.modelCfg.VocabSize)
	sampler := sample.New(p.samplerOptions(opts))
	next := sampler.Sample(lastLogits, p.generatedIds)

	p.generatedIds = append(p.generatedIds, next)
	p.currentSeqLen++
	p.stats.TokensGenerated++

	return next, nil
}
