package decodering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgpuinfer/core/errs"
	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/ml/mltest"
)

func newRing(t *testing.T) (*DecodeRing, *ml.Pool) {
	t.Helper()
	pool := ml.NewPool(mltest.NewBackend().NewBuffer)
	return New(pool), pool
}

func TestEnsureRejectsNonPositiveConfig(t *testing.T) {
	ring, _ := newRing(t)

	err := ring.Ensure(Config{BatchSize: 0, TokensPerInterval: 8})
	assert.ErrorIs(t, err, errs.Of(errs.InvalidConfig))

	err = ring.Ensure(Config{BatchSize: 1, TokensPerInterval: 0})
	assert.ErrorIs(t, err, errs.Of(errs.InvalidConfig))
}

func TestEnsureRejectsUnknownStopCheckMode(t *testing.T) {
	ring, _ := newRing(t)

	err := ring.Ensure(Config{BatchSize: 1, TokensPerInterval: 8, StopCheckMode: StopCheckMode(42)})
	assert.ErrorIs(t, err, errs.Of(errs.InvalidConfig))
}

func TestEnsureRejectsOversizedBuffers(t *testing.T) {
	ring, _ := newRing(t)

	err := ring.Ensure(Config{BatchSize: 1, TokensPerInterval: 1 << 26})
	assert.ErrorIs(t, err, errs.Of(errs.LimitExceeded))
}

func TestAcquireBeforeEnsureReturnsNothing(t *testing.T) {
	ring, _ := newRing(t)

	_, ok := ring.Acquire()
	assert.False(t, ok)
}

func TestEnsureIsIdempotentForMatchingConfig(t *testing.T) {
	ring, pool := newRing(t)
	cfg := Config{BatchSize: 2, TokensPerInterval: 4}

	require.NoError(t, ring.Ensure(cfg))
	_, _, before := pool.Stats()
	require.NoError(t, ring.Ensure(cfg))
	_, _, after := pool.Stats()

	assert.Equal(t, before.Acquires, after.Acquires)
}

func TestEnsureReallocatesOnConfigChange(t *testing.T) {
	ring, pool := newRing(t)

	require.NoError(t, ring.Ensure(Config{BatchSize: 2, TokensPerInterval: 4}))
	require.NoError(t, ring.Ensure(Config{BatchSize: 2, TokensPerInterval: 8}))

	_, _, stats := pool.Stats()
	// First config's buffers were released back before the second allocated.
	assert.Equal(t, int64(8), stats.Releases)
}

func TestAcquireAdvanceCyclesThroughRingSize(t *testing.T) {
	ring, _ := newRing(t)
	require.NoError(t, ring.Ensure(Config{
		BatchSize:         1,
		TokensPerInterval: 4,
		RingTokens:        3,
		RingStop:          3,
		RingStaging:       3,
	}))

	seen := make(map[ml.Buffer]bool)
	for i := 0; i < 6; i++ {
		slot, ok := ring.Acquire()
		require.True(t, ok)
		seen[slot.Tokens] = true
		ring.Advance()
	}

	// Six acquires over a ring of three cycle through exactly three slots.
	assert.Len(t, seen, 3)
}

func TestUnderProvisionedRingCountsReuses(t *testing.T) {
	ring, _ := newRing(t)
	require.NoError(t, ring.Ensure(Config{
		BatchSize:         1,
		TokensPerInterval: 16,
		RingTokens:        2,
		RingStop:          2,
		RingStaging:       2,
	}))

	for i := 0; i < 6; i++ {
		_, ok := ring.Acquire()
		require.True(t, ok)
		ring.Advance()
	}

	stats := ring.Stats()
	assert.Equal(t, 6, stats.Tokens.Uses)
	assert.Equal(t, 4, stats.Tokens.Reuses)
	assert.Equal(t, 6, stats.Acquires)
	assert.Equal(t, 6, stats.Advances)
}

func TestResetRewindsIndexAndCounters(t *testing.T) {
	ring, _ := newRing(t)
	require.NoError(t, ring.Ensure(Config{BatchSize: 2, TokensPerInterval: 4}))

	first, _ := ring.Acquire()
	ring.Advance()
	ring.Reset()

	again, _ := ring.Acquire()
	assert.Same(t, first.Tokens, again.Tokens)

	stats := ring.Stats()
	assert.Equal(t, 1, stats.Resets)
	assert.Equal(t, 1, stats.Tokens.Uses)
}

func TestReleaseClearsConfiguration(t *testing.T) {
	ring, _ := newRing(t)
	require.NoError(t, ring.Ensure(Config{BatchSize: 1, TokensPerInterval: 4}))

	ring.Release()

	_, ok := ring.Acquire()
	assert.False(t, ok)
}
