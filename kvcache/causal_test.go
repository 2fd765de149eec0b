package kvcache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/ml/mltest"
)

const (
	testHeadDim = 2
	testKVHeads = 1
)

// putTokens runs one forward pass placing len(positions) tokens whose key and
// value vectors are filled with the token's position, so storage placement is
// observable from the readback side.
func putTokens(t *testing.T, c *Causal, backend ml.Backend, positions []int32) {
	t.Helper()

	ctx := backend.NewContext()
	defer ctx.Close()

	batch := Batch{Positions: positions, Sequences: make([]int, len(positions))}
	require.NoError(t, c.StartForward(ctx, batch, false))
	c.SetLayer(0)

	vals := make([]float32, testHeadDim*testKVHeads*len(positions))
	for i, pos := range positions {
		for d := 0; d < testHeadDim*testKVHeads; d++ {
			vals[i*testHeadDim*testKVHeads+d] = float32(pos)
		}
	}
	key := ctx.FromFloats(vals, testHeadDim, testKVHeads, len(positions))
	value := ctx.FromFloats(vals, testHeadDim, testKVHeads, len(positions))
	c.Put(ctx, key, value)
}

// cellValue reads the first element of the key vector stored in cell.
func cellValue(t *testing.T, c *Causal, cell int) float32 {
	t.Helper()
	keys := c.GetGPUBuffers(0).Keys
	require.NotNil(t, keys)
	return keys.Floats()[cell*testHeadDim*testKVHeads]
}

func TestContiguousPlacesTokensAtTheirPositions(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	putTokens(t, c, backend, []int32{0, 1, 2})

	for pos := 0; pos < 3; pos++ {
		assert.Equal(t, float32(pos), cellValue(t, c, pos))
		assert.Equal(t, int32(pos), c.cells[pos].pos)
	}
}

func TestContiguousAppendsAcrossForwardPasses(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	putTokens(t, c, backend, []int32{0, 1, 2})
	putTokens(t, c, backend, []int32{3})

	assert.Equal(t, float32(3), cellValue(t, c, 3))
	assert.Equal(t, int32(3), c.cells[3].pos)
}

func TestContiguousFailsWhenFull(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 2, 2)

	putTokens(t, c, backend, []int32{0, 1})

	ctx := backend.NewContext()
	defer ctx.Close()
	err := c.StartForward(ctx, Batch{Positions: []int32{2}, Sequences: []int{0}}, false)
	assert.ErrorIs(t, err, ErrKvCacheFull)
}

func TestMaskEnforcesCausality(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	ctx := backend.NewContext()
	defer ctx.Close()
	batch := Batch{Positions: []int32{0, 1, 2}, Sequences: []int{0, 0, 0}}
	require.NoError(t, c.StartForward(ctx, batch, false))

	_, _, mask := c.Get(ctx)
	length := mask.Dim(0)
	floats := mask.Floats()

	// Token at position 0 must not attend to positions 1 and 2.
	assert.Equal(t, float32(0), floats[0*length+0])
	assert.True(t, math.IsInf(float64(floats[0*length+1]), -1))
	assert.True(t, math.IsInf(float64(floats[0*length+2]), -1))

	// Token at position 2 attends to everything before it.
	assert.Equal(t, float32(0), floats[2*length+0])
	assert.Equal(t, float32(0), floats[2*length+1])
	assert.Equal(t, float32(0), floats[2*length+2])
}

func TestSlidingWindowKeepsAbsolutePositions(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewSWACache(4, nil)
	c.Init(backend, ml.DTypeF32, 1, 64, 4)

	for pos := int32(0); pos < 7; pos++ {
		putTokens(t, c, backend, []int32{pos})
	}

	// Storage wraps within the window's cell budget, but the positions
	// recorded for retained cells stay absolute: RoPE for position 5 must
	// see 5, not 5 mod windowSize.
	var positions []int32
	for i := range c.cells {
		if len(c.cells[i].sequences) > 0 {
			positions = append(positions, c.cells[i].pos)
		}
	}
	assert.Contains(t, positions, int32(6))
	assert.Contains(t, positions, int32(5))
	assert.NotContains(t, positions, int32(0))
	assert.NotContains(t, positions, int32(1))
}

func TestSlidingWindowReusesCells(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewSWACache(4, nil)
	c.Init(backend, ml.DTypeF32, 1, 64, 4)

	for pos := int32(0); pos < 12; pos++ {
		putTokens(t, c, backend, []int32{pos})
	}

	// Twelve tokens through a window of four never grow past the fixed
	// cell budget sized at Init.
	assert.LessOrEqual(t, len(c.cells), 8)
}

func TestSlidingWindowCanResume(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewSWACache(4, nil)
	c.Init(backend, ml.DTypeF32, 1, 64, 4)

	for pos := int32(0); pos < 7; pos++ {
		putTokens(t, c, backend, []int32{pos})
	}

	assert.True(t, c.CanResume(0, 7))
	assert.False(t, c.CanResume(0, 2))
}

func TestMaskAppliesWindowLimit(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewSWACache(2, nil)
	c.Init(backend, ml.DTypeF32, 1, 64, 4)

	ctx := backend.NewContext()
	defer ctx.Close()
	batch := Batch{Positions: []int32{0, 1, 2, 3}, Sequences: []int{0, 0, 0, 0}}
	require.NoError(t, c.StartForward(ctx, batch, false))

	_, _, mask := c.Get(ctx)
	length := mask.Dim(0)
	floats := mask.Floats()

	// Position 3 with window 2 must not see position 0.
	assert.True(t, math.IsInf(float64(floats[3*length+0]), -1))
	assert.Equal(t, float32(0), floats[3*length+2])
}

func TestChunkedAttentionMasksAcrossChunkBoundary(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewChunkedAttentionCache(2, nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	ctx := backend.NewContext()
	defer ctx.Close()
	batch := Batch{Positions: []int32{0, 1, 2, 3}, Sequences: []int{0, 0, 0, 0}}
	require.NoError(t, c.StartForward(ctx, batch, false))

	_, _, mask := c.Get(ctx)
	length := mask.Dim(0)
	floats := mask.Floats()

	// Position 2 starts a new chunk; it must not attend to positions 0/1.
	assert.True(t, math.IsInf(float64(floats[2*length+0]), -1))
	assert.True(t, math.IsInf(float64(floats[2*length+1]), -1))
	assert.Equal(t, float32(0), floats[2*length+2])

	// Position 3 shares position 2's chunk.
	assert.Equal(t, float32(0), floats[3*length+2])
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	putTokens(t, c, backend, []int32{0, 1})
	clone := c.Clone().(*Causal)

	putTokens(t, c, backend, []int32{2})

	assert.Equal(t, float32(2), cellValue(t, c, 2))
	assert.Equal(t, float32(0), cellValue(t, clone, 2))
	assert.Empty(t, clone.cells[2].sequences)
}

func TestCloneSurvivesOriginalMutationOfCells(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	putTokens(t, c, backend, []int32{0})
	clone := c.Clone().(*Causal)
	c.Clear(0)

	assert.NotEmpty(t, clone.cells[0].sequences)
}

func TestTruncateRewindsWithoutReclaimingStorage(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	putTokens(t, c, backend, []int32{0, 1, 2})
	require.NoError(t, c.Truncate(0, 2))

	assert.NotEmpty(t, c.cells[0].sequences)
	assert.NotEmpty(t, c.cells[1].sequences)
	assert.Empty(t, c.cells[2].sequences)
}

func TestTruncateIsIdempotentAtOrAboveLength(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	putTokens(t, c, backend, []int32{0, 1})
	require.NoError(t, c.Truncate(0, 5))
	require.NoError(t, c.Truncate(0, 5))

	assert.NotEmpty(t, c.cells[0].sequences)
	assert.NotEmpty(t, c.cells[1].sequences)
}

func TestClearDropsSequence(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 1, 16, 4)

	putTokens(t, c, backend, []int32{0, 1})
	c.Clear(0)

	for i := range c.cells {
		assert.Empty(t, c.cells[i].sequences)
	}
}

func TestCopyPrefixSharesCellsWithDestination(t *testing.T) {
	backend := mltest.NewBackend()
	c := NewCausalCache(nil)
	c.Init(backend, ml.DTypeF32, 2, 16, 4)

	putTokens(t, c, backend, []int32{0, 1, 2})
	c.CopyPrefix(0, 1, 2)

	var shared int
	for i := range c.cells {
		seqs := c.cells[i].sequences
		if len(seqs) == 2 {
			shared++
			assert.Less(t, c.cells[i].pos, int32(2))
		}
	}
	assert.Equal(t, 2, shared)
}
