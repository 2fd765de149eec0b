package weightmap

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/ml/mltest"
)

func tensorOf(vals ...float32) ml.Tensor {
	return mltest.NewBackend().NewContext().FromFloats(vals, len(vals))
}

func TestGetMissReturnsAbsent(t *testing.T) {
	m := New()
	w := m.Get("nope")
	assert.Equal(t, KindAbsent, w.Kind)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	m := New()
	m.Set("blk.0.attn_q.weight", Gpu(tensorOf(1, 2)))
	m.Set("output.weight", Cpu([]float32{3, 4}, ml.DTypeF32))

	assert.Equal(t, KindGpu, m.Get("blk.0.attn_q.weight").Kind)

	w := m.Get("output.weight")
	assert.Equal(t, KindCpu, w.Kind)
	assert.Equal(t, []float32{3, 4}, w.Cpu)
	assert.Equal(t, ml.DTypeF32, w.DType)
}

func TestKeysPreserveInsertionOrder(t *testing.T) {
	m := New()
	m.Set("c", Gpu(tensorOf(1)))
	m.Set("a", Gpu(tensorOf(2)))
	m.Set("b", Gpu(tensorOf(3)))

	assert.Equal(t, []string{"c", "a", "b"}, m.Keys())
}

func setQKV(m *Map, prefix string) {
	m.Set(prefix+".attn_q.weight", Gpu(tensorOf(1)))
	m.Set(prefix+".attn_k.weight", Gpu(tensorOf(2)))
	m.Set(prefix+".attn_v.weight", Gpu(tensorOf(3)))
}

func TestGetFusedQKVSynthesizesOnce(t *testing.T) {
	m := New()
	setQKV(m, "blk.0")

	var calls atomic.Int32
	synth := func(q, k, v Weight) (Weight, error) {
		calls.Add(1)
		return TypedGpu(tensorOf(1, 2, 3), ml.DTypeF16), nil
	}

	first, err := m.GetFusedQKV("blk.0", synth)
	require.NoError(t, err)
	second, err := m.GetFusedQKV("blk.0", synth)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, KindTypedGpu, first.Kind)
}

func TestGetFusedQKVFailsOnMissingProjection(t *testing.T) {
	m := New()
	m.Set("blk.0.attn_q.weight", Gpu(tensorOf(1)))

	_, err := m.GetFusedQKV("blk.0", func(q, k, v Weight) (Weight, error) {
		t.Fatal("synth must not run with a missing projection")
		return Absent, nil
	})
	assert.Error(t, err)
}

func TestGetFusedQKVPropagatesSynthError(t *testing.T) {
	m := New()
	setQKV(m, "blk.0")

	boom := errors.New("fusion failed")
	_, err := m.GetFusedQKV("blk.0", func(q, k, v Weight) (Weight, error) {
		return Absent, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestGetFusedQKVIsSafeForConcurrentLookup(t *testing.T) {
	m := New()
	setQKV(m, "blk.3")

	// Prime the cache the way LoadModel's eager fuse does, then hammer it
	// from the forward path's side.
	want, err := m.GetFusedQKV("blk.3", func(q, k, v Weight) (Weight, error) {
		return Gpu(tensorOf(9)), nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.GetFusedQKV("blk.3", func(q, k, v Weight) (Weight, error) {
				return Absent, errors.New("cache miss: synth must not run")
			})
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestUnloadClearsEntriesAndFusedCache(t *testing.T) {
	m := New()
	setQKV(m, "blk.0")
	_, err := m.GetFusedQKV("blk.0", func(q, k, v Weight) (Weight, error) {
		return Gpu(tensorOf(1)), nil
	})
	require.NoError(t, err)

	m.Unload()

	assert.Empty(t, m.Keys())
	assert.Equal(t, KindAbsent, m.Get("blk.0.attn_q.weight").Kind)
}
