package kvcache

import (
	"maps"
	"slices"

	"github.com/wgpuinfer/core/ml"
)

// GetGPUBuffers returns the full key/value tensors for layer along with the
// committed sequence length, for callers that bind an attention kernel
// directly instead of going through the per-forward-pass Get.
func (c *Causal) GetGPUBuffers(layer int) GPUView {
	seqLen := 0
	for _, cell := range c.cells {
		if len(cell.sequences) > 0 {
			seqLen++
		}
	}
	return GPUView{
		Keys:   c.keys[layer],
		Values: c.values[layer],
		SeqLen: seqLen,
	}
}

// Clone returns an independent deep copy of the cache: cell/range
// bookkeeping is copied by value, and every per-layer key/value tensor is
// duplicated into a freshly created context so the clone can be rebound to
// a different device context (speculative rollback, prefix-reuse snapshot)
// without aliasing the original's storage.
func (c *Causal) Clone() Cache {
	clone := &Causal{
		DType:         c.DType,
		swaWindowSize: c.swaWindowSize,
		swaMemorySize: c.swaMemorySize,
		chunkSize:     c.chunkSize,
		maxBatch:      c.maxBatch,
		config:        c.config,
		backend:       c.backend,
		shiftFn:       c.shiftFn,
		cells:         slices.Clone(c.cells),
		cellRanges:    maps.Clone(c.cellRanges),
		ctxs:          make(map[int]ml.Context, len(c.ctxs)),
		keys:          make(map[int]ml.Tensor, len(c.keys)),
		values:        make(map[int]ml.Tensor, len(c.values)),
	}

	for i := range c.cells {
		clone.cells[i].sequences = slices.Clone(c.cells[i].sequences)
	}

	for layer, key := range c.keys {
		ctx := c.backend.NewContextSize(2).Layer(layer)
		clone.ctxs[layer] = ctx
		clone.keys[layer] = key.Duplicate(ctx)
		if value, ok := c.values[layer]; ok {
			clone.values[layer] = value.Duplicate(ctx)
		}
	}

	return clone
}
