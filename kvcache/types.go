// Package kvcache implements per-layer key/value storage for a transformer
// decode loop. Causal and Paged implement the shared Cache interface
// (update, getGPUBuffers, clone, truncate, clear) so an attention kernel
// dispatches on the layout the model was configured with, not on ad-hoc
// string tags; Basis stands apart from that interface:
//
//   - Causal covers both the dense contiguous layout and the sliding-window
//     ring layout — the two differ only in how a logical position maps to a
//     storage cell, which NewCausalCache/NewSWACache/NewSWAMemCache select.
//   - Paged stores K/V in fixed-size pages addressed through a page table,
//     for layouts where cache growth must not force a reallocation.
//   - Basis implements the basis-decomposed paged variant: a per-layer mean
//     vector per unique token id plus quantized residuals, rebuilt from raw
//     K/V on every update via a radix sort over token ids. It offers update,
//     getGPUBuffers and Clone only: it does not implement Cache and has no
//     Truncate or Clear.
package kvcache

import (
	"errors"

	"github.com/wgpuinfer/core/ml"
)

var (
	// ErrKvCacheFull is returned by a fixed-capacity layout when a batch
	// cannot be placed without evicting tokens the caller still needs.
	ErrKvCacheFull = errors.New("kvcache: no empty slots available")

	// ErrNotSupported is returned for operations a layout does not
	// implement, such as position-shifting on a layout with no shiftFn.
	ErrNotSupported = errors.New("kvcache: operation not supported by this cache")
)

// Batch is the subset of a forward pass's token metadata the cache needs to
// place incoming keys/values: which sequence each token belongs to and its
// logical position within that sequence.
type Batch struct {
	Positions []int32
	Sequences []int
}

// GPUView is what getGPUBuffers returns: enough of a layout's internal
// storage for an attention kernel to read, shaped for the layout in use.
// Each layout fills its own group of fields below; Basis also sets SeqLen,
// and Paged leaves SeqLen zero.
type GPUView struct {
	// Contiguous / sliding-window.
	Keys, Values ml.Tensor
	SeqLen       int

	// Paged.
	Pages, ValuePages []ml.Tensor
	PageTable         []int
	PageSize          int

	// Basis-decomposed paged (BDPA).
	Basis           ml.Tensor
	ResidualPages   []ml.Tensor
	FlatIndex       []int32
	NumBasisVectors int
}

// Cache is the shared contract every KV cache layout implements. Attention
// kernels call Get/Put through this interface; the pipeline calls the
// lifecycle and layout-agnostic operations (clone, truncate, clear).
type Cache interface {
	// StartForward prepares per-layer bookkeeping (cell placement, sliding
	// window eviction, attention mask) for one forward pass. reserve=true
	// sizes the worst case without mutating cache state, for graph
	// capacity probing.
	StartForward(ctx ml.Context, batch Batch, reserve bool) error

	SetLayer(layer int)
	SetCausal(ctx ml.Context, opts CausalOptions)

	// Get returns the key, value, and mask tensors for the current layer
	// and forward pass, shaped for ScaledDotProductAttention.
	Get(ctx ml.Context) (key, value, mask ml.Tensor)

	// Put writes key/value tensors for the current layer's batch into
	// cache storage at the positions chosen by StartForward.
	Put(ctx ml.Context, key, value ml.Tensor)

	// GetGPUBuffers returns a layout-appropriate view for layer, usable
	// outside the Get/Put request-scoped flow (e.g. to bind a fused
	// attention kernel directly).
	GetGPUBuffers(layer int) GPUView

	CopyPrefix(srcSeq, dstSeq int, length int32)
	CanResume(seq int, pos int32) bool
	Remove(seq int, beginIndex, endIndex int32) error

	// Truncate rewinds seq to length tokens without reclaiming storage; a
	// no-op if seq already holds length or fewer tokens.
	Truncate(seq int, length int32) error

	// Clear drops all cached state for seq, leaving other sequences intact.
	Clear(seq int)

	// Clone returns an independent deep copy, used by speculative
	// rollback and prefix-reuse snapshots. The clone may be rebound to a
	// different device context.
	Clone() Cache

	Close()
}

// CausalOptions disables causal masking for selected batch indices on the
// next Get call; it resets at the start of every forward pass.
type CausalOptions struct {
	Except []int
}

// shiftFn re-applies RoPE to already-cached keys when their logical
// position changes (e.g. after removing a prefix). Returning ErrNotSupported
// via a nil shiftFn disables Remove's position-shifting behavior.
type shiftFn func(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error)

type cacheCell struct {
	pos       int32
	sequences []int
}

type cellRange struct {
	min, max int
}

// Causal implements both the contiguous layout and the sliding-window
// layout: a dense pool of cells shared across sequences, with sliding
// window behavior enabled by a non-zero swaWindowSize. RoPE position
// (curPositions) is always the absolute token index; only the storage cell
// a token occupies wraps within the window.
type Causal struct {
	DType ml.DType

	swaWindowSize int32
	swaMemorySize int32
	chunkSize     int32

	opts CausalOptions

	maxBatch int
	config   *ml.CacheConfig

	curBatchSize int
	curLoc       ml.Tensor
	curMask      ml.Tensor
	curLayer     int
	curCellRange cellRange
	curSequences []int
	curPositions []int32

	cells      []cacheCell
	cellRanges map[int]cellRange

	shiftFn shiftFn
	backend ml.Backend
	ctxs    map[int]ml.Context
	keys    map[int]ml.Tensor
	values  map[int]ml.Tensor
}
