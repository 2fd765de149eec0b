// Package sample implements CPU-side token sampling: greedy argmax with
// optional logit soft-capping, top-K + temperature + top-P nucleus
// sampling, and repetition penalty. This is the fallback path used when no
// fused GPU sampling kernel is available, and the reference implementation
// fused kernels are checked against.
package sample

import (
	"math/rand"

	"github.com/chewxy/math32"
)

// Options configures one sampling call. Temperature below GreedyThreshold
// selects greedy decoding; otherwise top-K/top-P/temperature sampling
// applies.
type Options struct {
	Temperature       float32
	GreedyThreshold   float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32

	// FinalLogitSoftcapping, if non-zero, applies x -> cap*tanh(x/cap) to
	// every logit before sampling.
	FinalLogitSoftcapping float32

	Seed int64
}

// DefaultOptions mirrors a conservative, deterministic configuration:
// greedy decoding, no penalty, no softcap.
func DefaultOptions() Options {
	return Options{
		Temperature:       0,
		GreedyThreshold:   1e-4,
		TopK:              0,
		TopP:              1,
		RepetitionPenalty: 1,
	}
}

// Sampler draws one token id from a row of logits.
type Sampler struct {
	opts Options
	rng  *rand.Rand
}

// New constructs a Sampler with a private RNG seeded from opts.Seed.
func New(opts Options) *Sampler {
	return &Sampler{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
}

// Sample applies (in order) soft-capping, repetition penalty, then either
// greedy argmax or top-K/top-P/temperature sampling, and returns the chosen
// token id. logits is mutated in place as a scratch buffer.
func (s *Sampler) Sample(logits []float32, previousTokens []int32) int32 {
	if s.opts.FinalLogitSoftcapping != 0 {
		softcap(logits, s.opts.FinalLogitSoftcapping)
	}

	if s.opts.RepetitionPenalty != 1 && s.opts.RepetitionPenalty != 0 {
		ApplyRepetitionPenalty(logits, previousTokens, s.opts.RepetitionPenalty)
	}

	if s.opts.Temperature < s.opts.GreedyThreshold {
		return Argmax(logits)
	}

	return s.sampleNucleus(logits)
}

// Argmax returns the index of the largest value in logits.
func Argmax(logits []float32) int32 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int32(best)
}

// softcap applies x -> cap*tanh(x/cap) in place.
func softcap(logits []float32, cap float32) {
	for i, v := range logits {
		logits[i] = cap * math32.Tanh(v/cap)
	}
}

// ApplyRepetitionPenalty applies the OpenAI-style repetition penalty:
// dividing a previously-seen token's logit by penalty if it's currently
// positive, or multiplying it by penalty if negative. A penalty of 1 is a
// no-op, so applying it any number of times at that value is idempotent.
func ApplyRepetitionPenalty(logits []float32, previousTokens []int32, penalty float32) {
	if penalty == 1 {
		return
	}
	seen := make(map[int32]bool, len(previousTokens))
	for _, id := range previousTokens {
		if id < 0 || int(id) >= len(logits) || seen[id] {
			continue
		}
		seen[id] = true
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// sampleNucleus zeroes all but the top-K logits, applies temperature,
// softmaxes, applies top-P nucleus filtering on top of that, then draws
// categorically.
func (s *Sampler) sampleNucleus(logits []float32) int32 {
	k := s.opts.TopK
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}

	idx := topKIndices(logits, k)

	temp := s.opts.Temperature
	if temp <= 0 {
		temp = 1
	}

	probs := make([]float32, len(idx))
	var maxLogit float32 = -math32.MaxFloat32
	for _, i := range idx {
		if logits[i] > maxLogit {
			maxLogit = logits[i]
		}
	}
	var sum float32
	for j, i := range idx {
		p := math32.Exp((logits[i] - maxLogit) / temp)
		probs[j] = p
		sum += p
	}
	for j := range probs {
		probs[j] /= sum
	}

	if s.opts.TopP > 0 && s.opts.TopP < 1 {
		idx, probs = nucleusFilter(idx, probs, s.opts.TopP)
	}

	return idx[categorical(s.rng, probs)]
}

// topKIndices returns the indices of the k largest values in logits, not
// necessarily sorted beyond the top-k boundary partition.
func topKIndices(logits []float32, k int) []int32 {
	type pair struct {
		idx int32
		val float32
	}
	all := make([]pair, len(logits))
	for i, v := range logits {
		all[i] = pair{int32(i), v}
	}

	// Partial selection sort for the top k; k is expected to be small
	// relative to vocabulary size.
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(all); j++ {
			if all[j].val > all[best].val {
				best = j
			}
		}
		all[i], all[best] = all[best], all[i]
	}

	out := make([]int32, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].idx
	}
	return out
}

// nucleusFilter keeps the smallest prefix (in descending probability order)
// whose cumulative mass reaches p, renormalizing the kept probabilities.
func nucleusFilter(idx []int32, probs []float32, p float32) ([]int32, []float32) {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if probs[order[j]] > probs[order[i]] {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	var cum float32
	cut := len(order)
	for i, o := range order {
		cum += probs[o]
		if cum >= p {
			cut = i + 1
			break
		}
	}

	keptIdx := make([]int32, cut)
	keptProbs := make([]float32, cut)
	var sum float32
	for i := 0; i < cut; i++ {
		keptIdx[i] = idx[order[i]]
		keptProbs[i] = probs[order[i]]
		sum += keptProbs[i]
	}
	for i := range keptProbs {
		keptProbs[i] /= sum
	}

	return keptIdx, keptProbs
}

func categorical(rng *rand.Rand, probs []float32) int {
	r := rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}
