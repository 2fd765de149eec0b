package sample

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgmax(t *testing.T) {
	assert.Equal(t, int32(2), Argmax([]float32{0.1, 0.5, 3.2, -1}))
	assert.Equal(t, int32(0), Argmax([]float32{5, 5, 5}))
}

func TestGreedyBelowThreshold(t *testing.T) {
	s := New(Options{Temperature: 0, GreedyThreshold: 1e-4})
	got := s.Sample([]float32{0, 1, 9, 2}, nil)
	assert.Equal(t, int32(2), got)
}

func TestSoftcapBoundsLogits(t *testing.T) {
	logits := []float32{100, -100, 0}
	softcap(logits, 30)

	assert.InDelta(t, 30*math32.Tanh(100.0/30), logits[0], 1e-4)
	assert.Less(t, logits[0], float32(30))
	assert.Greater(t, logits[1], float32(-30))
	assert.Equal(t, float32(0), logits[2])
}

func TestSoftcapPreservesArgmax(t *testing.T) {
	capped := []float32{1, 7, 3}
	softcap(capped, 5)
	assert.Equal(t, int32(1), Argmax(capped))
}

func TestRepetitionPenaltyDividesPositiveLogits(t *testing.T) {
	logits := []float32{4, 2, -2}
	ApplyRepetitionPenalty(logits, []int32{0, 2}, 2)

	assert.Equal(t, float32(2), logits[0])
	assert.Equal(t, float32(2), logits[1]) // unseen, untouched
	assert.Equal(t, float32(-4), logits[2])
}

func TestRepetitionPenaltyAppliedOncePerUniqueToken(t *testing.T) {
	logits := []float32{8}
	ApplyRepetitionPenalty(logits, []int32{0, 0, 0}, 2)
	assert.Equal(t, float32(4), logits[0])
}

func TestRepetitionPenaltyFactorOneIsIdempotent(t *testing.T) {
	logits := []float32{1.5, -0.5, 3}
	want := append([]float32(nil), logits...)

	ApplyRepetitionPenalty(logits, []int32{0, 1, 2}, 1)
	ApplyRepetitionPenalty(logits, []int32{0, 1, 2}, 1)

	assert.Equal(t, want, logits)
}

func TestRepetitionPenaltyIgnoresOutOfRangeIds(t *testing.T) {
	logits := []float32{1, 2}
	ApplyRepetitionPenalty(logits, []int32{-1, 5}, 2)
	assert.Equal(t, []float32{1, 2}, logits)
}

func TestTopKRestrictsSupport(t *testing.T) {
	opts := DefaultOptions()
	opts.Temperature = 0.7
	opts.TopK = 2
	s := New(opts)

	logits := []float32{10, 9, -50, -50, -50}
	for i := 0; i < 50; i++ {
		got := s.Sample(append([]float32(nil), logits...), nil)
		assert.Contains(t, []int32{0, 1}, got)
	}
}

func TestTopPNarrowsToDominantToken(t *testing.T) {
	opts := DefaultOptions()
	opts.Temperature = 1
	opts.TopK = 5
	opts.TopP = 0.5
	s := New(opts)

	// Token 0 holds well over half the probability mass, so nucleus
	// filtering at 0.5 keeps only it.
	logits := []float32{10, 1, 1, 1, 1}
	for i := 0; i < 20; i++ {
		got := s.Sample(append([]float32(nil), logits...), nil)
		assert.Equal(t, int32(0), got)
	}
}

func TestSamplingIsDeterministicForSeed(t *testing.T) {
	opts := DefaultOptions()
	opts.Temperature = 1
	opts.TopK = 4
	opts.Seed = 42

	logits := []float32{1, 2, 3, 4}
	a := New(opts).Sample(append([]float32(nil), logits...), nil)
	b := New(opts).Sample(append([]float32(nil), logits...), nil)
	assert.Equal(t, a, b)
}

func TestSamplerAppliesPenaltyBeforeGreedy(t *testing.T) {
	opts := DefaultOptions()
	opts.RepetitionPenalty = 10
	s := New(opts)

	// Token 1 would win, but it was already generated and gets divided
	// down below token 0.
	got := s.Sample([]float32{5, 6}, []int32{1})
	assert.Equal(t, int32(0), got)
}

func TestSamplerAppliesSoftcapBeforePenalty(t *testing.T) {
	opts := DefaultOptions()
	opts.FinalLogitSoftcapping = 2
	s := New(opts)

	// Without the cap token 0 wins; capping squashes both toward ±2 and
	// the penalty then drops the seen token 0 below token 1.
	opts2 := opts
	opts2.RepetitionPenalty = 3
	s2 := New(opts2)

	require.Equal(t, int32(0), s.Sample([]float32{50, 3}, nil))
	assert.Equal(t, int32(1), s2.Sample([]float32{50, 3}, []int32{0}))
}
