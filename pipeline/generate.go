package pipeline

import (
	"log/slog"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/wgpuinfer/core/chattemplate"
	"github.com/wgpuinfer/core/errs"
	"github.com/wgpuinfer/core/kvcache"
)

// Snapshot is a prefilled-but-not-yet-sampled KV state, produced by
// PrefillKVOnly and consumed by GenerateWithPrefixKV.
type Snapshot struct {
	inner  kvcache.Snapshot
	tokens []int32
}

// Generate tokenizes prompt, runs a prefill pass, samples a first token,
// then decodes until MaxTokens, a stop sequence, or a stop token id is
// reached. Rejects a concurrent call with AlreadyGenerating.
func (p *Pipeline) Generate(prompt string, opts Options) ([]TokenPiece, error) {
	if err := p.beginGenerate(); err != nil {
		return nil, err
	}
	defer p.endGenerate()

	tokenIds, err := p.tokenizePrompt(prompt, opts)
	if err != nil {
		return nil, err
	}

	return p.runGenerationLoop(tokenIds, opts)
}

// PrefillKVOnly runs the prefill pass without sampling a first token,
// returning a Snapshot of the resulting KV state for later resumption via
// GenerateWithPrefixKV.
func (p *Pipeline) PrefillKVOnly(prompt string, opts Options) (Snapshot, error) {
	if err := p.beginGenerate(); err != nil {
		return Snapshot{}, err
	}
	defer p.endGenerate()

	tokenIds, err := p.tokenizePrompt(prompt, opts)
	if err != nil {
		return Snapshot{}, err
	}

	if _, err := p.runPrefill(tokenIds, opts, false); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		inner:  kvcache.NewSnapshot(p.cache, p.currentSeqLen, append(append([]int32(nil), p.generatedIds...), tokenIds...)),
		tokens: tokenIds,
	}
	return snap, nil
}

// GenerateWithPrefixKV resumes generation from a snapshot captured by
// PrefillKVOnly: the snapshot's tokens are prepended to the generated
// sequence without being re-embedded, since their KV is already resident.
// With an empty prompt the snapshot's final token is the one exception: it
// is run once more at its own position to produce the first logits.
func (p *Pipeline) GenerateWithPrefixKV(snap Snapshot, prompt string, opts Options) ([]TokenPiece, error) {
	if err := p.beginGenerate(); err != nil {
		return nil, err
	}
	defer p.endGenerate()

	if p.cache != nil {
		p.cache.Close()
	}
	p.cache = snap.inner.Apply()
	p.currentSeqLen = snap.inner.SeqLen
	p.generatedIds = append([]int32(nil), snap.tokens...)

	tokenIds, err := p.tokenizePrompt(prompt, opts)
	if err != nil {
		return nil, err
	}

	// With no continuation text there is nothing new to prefill, but the
	// first token must still be sampled from the prefix's last-position
	// logits. Rewind one position and re-run the snapshot's final token so
	// the logits pass sees exactly the state the original prefill ended in.
	if len(tokenIds) == 0 && len(snap.tokens) > 0 {
		if err := p.cache.Truncate(0, int32(p.currentSeqLen-1)); err != nil {
			return nil, err
		}
		p.currentSeqLen--
		tokenIds = []int32{snap.tokens[len(snap.tokens)-1]}
		p.generatedIds = p.generatedIds[:len(p.generatedIds)-1]
	}

	return p.runGenerationLoop(tokenIds, opts)
}

// ApplyKVCacheSnapshot replaces the pipeline's current cache with an
// independent clone of the snapshot's, rewinding currentSeqLen to the
// snapshot's length. The snapshot itself stays valid and reusable.
func (p *Pipeline) ApplyKVCacheSnapshot(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache != nil {
		p.cache.Close()
	}
	p.cache = snap.inner.Apply()
	p.currentSeqLen = snap.inner.SeqLen
	p.generatedIds = append([]int32(nil), snap.tokens...)
}

// SeqLen returns the logical sequence length: prompt tokens that have been
// prefilled plus tokens generated so far.
func (p *Pipeline) SeqLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSeqLen
}

func (p *Pipeline) runGenerationLoop(tokenIds []int32, opts Options) ([]TokenPiece, error) {
	if p.effectiveMaxTokens(opts) == 0 {
		return nil, nil
	}

	start := time.Now()

	result, err := p.runPrefill(tokenIds, opts, true)
	if err != nil {
		return nil, err
	}

	ttft := time.Since(start)

	pieces := make([]TokenPiece, 0, p.effectiveMaxTokens(opts)+1)
	pieces = append(pieces, p.emit(result.firstToken, opts))

	if p.isStopToken(result.firstToken) || p.matchesStopSequence(pieces, opts.StopSequences) {
		return pieces, nil
	}

	tokensPerInterval := opts.BatchSize
	if tokensPerInterval == 0 {
		tokensPerInterval = p.runtimeCfg.Inference.Batching.BatchSize
	}

	cur := result.firstToken
	for len(pieces) < p.effectiveMaxTokens(opts) {
		if opts.Signal != nil && opts.Signal.Err() != nil {
			break
		}

		if opts.DisableBatching || tokensPerInterval <= 1 {
			next, err := p.runDecodeStep(cur, opts)
			if err != nil {
				return pieces, err
			}
			pieces = append(pieces, p.emit(next, opts))
			cur = next
			if p.isStopToken(next) || p.matchesStopSequence(pieces, opts.StopSequences) {
				break
			}
			continue
		}

		remaining := p.effectiveMaxTokens(opts) - len(pieces)
		interval := tokensPerInterval
		if interval > remaining {
			interval = remaining
		}

		batch, err := p.runBatchDecode(cur, interval, opts)
		if err != nil {
			return pieces, err
		}
		for _, t := range batch.tokens {
			pieces = append(pieces, p.emit(t, opts))
		}
		if opts.OnBatch != nil {
			opts.OnBatch(pieces[len(pieces)-len(batch.tokens):])
		}
		if len(batch.tokens) > 0 {
			cur = batch.tokens[len(batch.tokens)-1]
		}
		if batch.stopped || p.matchesStopSequence(pieces, opts.StopSequences) {
			break
		}
	}

	if opts.Benchmark {
		elapsed := time.Since(start)
		throughput := float64(len(pieces)) / elapsed.Seconds()
		slog.Info("generation benchmark",
			"request_id", p.requestID,
			"prompt_tokens", len(tokenIds),
			"generated_tokens", len(pieces),
			"ttft_ms", float64(ttft)/float64(time.Millisecond),
			"tokens_per_second", throughput)
	}

	return pieces, nil
}

// effectiveMaxTokens resolves the token cap for one generate call: a
// positive MaxTokens is used as given, zero means generate nothing (the
// call returns without prefilling), and a negative value selects the
// runtime configuration's default.
func (p *Pipeline) effectiveMaxTokens(o Options) int {
	if o.MaxTokens >= 0 {
		return o.MaxTokens
	}
	if n := p.runtimeCfg.Inference.Batching.MaxTokens; n > 0 {
		return n
	}
	return 256
}

func (p *Pipeline) emit(id int32, opts Options) TokenPiece {
	text, _ := p.tok.Decode([]uint32{uint32(id)}, false, false)
	piece := TokenPiece{ID: id, Text: text}
	if opts.OnToken != nil {
		opts.OnToken(id, text)
	}
	return piece
}

// matchesStopSequence decodes the generated suffix and checks it against
// every configured stop sequence. A stop sequence prefixed with "re:" is
// matched as a regexp2 pattern (.NET-flavor regex, backtracking-capable)
// instead of a literal substring, so callers can express stop conditions
// ordinary Go regexp can't (lookahead/lookbehind) without this core
// pulling in a second regex engine just for that case.
func (p *Pipeline) matchesStopSequence(pieces []TokenPiece, stops []string) bool {
	if len(stops) == 0 {
		return false
	}
	var sb strings.Builder
	for _, pc := range pieces {
		sb.WriteString(pc.Text)
	}
	tail := sb.String()
	for _, s := range stops {
		if s == "" {
			continue
		}
		if pattern, ok := strings.CutPrefix(s, "re:"); ok {
			if matchesRegexStop(pattern, tail) {
				return true
			}
			continue
		}
		if strings.Contains(tail, s) {
			return true
		}
	}
	return false
}

func matchesRegexStop(pattern, tail string) bool {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return false
	}
	ok, err := re.MatchString(tail)
	return err == nil && ok
}

// tokenizePrompt applies the model's chat template (when the caller asked
// for it and the model declares a kind) and encodes the result.
func (p *Pipeline) tokenizePrompt(prompt string, opts Options) ([]int32, error) {
	if p.tok == nil {
		return nil, errs.New(errs.NotLoaded, "no tokenizer bound").WithResource("pipeline")
	}

	if opts.UseChatTemplate && p.modelCfg.ChatTemplate != "" {
		formatted, err := chattemplate.Apply(p.modelCfg.ChatTemplate, prompt)
		if err != nil {
			return nil, err
		}
		prompt = formatted
	}

	ids, err := p.tok.Encode(prompt)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out, nil
}
