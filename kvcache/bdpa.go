package kvcache

import (
	"fmt"
	"sort"

	"github.com/wgpuinfer/core/errs"
	"github.com/wgpuinfer/core/ml"
	"github.com/x448/float16"
)

// FlatIndexEntry maps one original sequence position to the basis vector
// and residual page that reconstruct its key/value.
type FlatIndexEntry struct {
	BasisPtr        int32
	ResidualPagePtr int32
	OriginalPos     int32
}

// layerBasis holds one layer's basis-decomposed state: a mean K/V vector
// per unique token id (the "basis"), stored as f16, and a per-position
// int8-quantized residual against that mean.
type layerBasis struct {
	basisKeys    [][]float16.Float16 // [basisPtr][kHeadDim*numKVHeads]
	basisValues  [][]float16.Float16
	tokenToBasis map[int32]int32

	residualKeys   [][]int8 // [seqLen][kHeadDim*numKVHeads]
	residualValues [][]int8
	residualScale  []float32 // per-position dequantization scale

	flatIndex []FlatIndexEntry
}

// Basis implements the basis-decomposed paged KV cache layout (BDPA): on
// every update the token id vector is radix-sorted into contiguous runs,
// a mean K/V vector is computed per unique id, and every position's
// residual against its basis vector is quantized to int8. Attention reads
// reconstruct K/V from basis + residual via the flat index.
//
// BDPA never accepts recorder-based ingestion: rebuilding the basis table
// works on raw K/V on the CPU, so UpdateFromGPU takes K/V that the caller
// has already read back and performs no device read of its own.
type Basis struct {
	kHeadDim, vHeadDim, numKVHeads int
	basisVocabSize                 int

	layers map[int]*layerBasis

	seqLen int
}

// NewBasisCache builds a BDPA cache. basisVocabSize bounds how many unique
// token ids a single update may introduce before BasisOverflow triggers.
func NewBasisCache(kHeadDim, vHeadDim, numKVHeads, basisVocabSize int) *Basis {
	return &Basis{
		kHeadDim:       kHeadDim,
		vHeadDim:       vHeadDim,
		numKVHeads:     numKVHeads,
		basisVocabSize: basisVocabSize,
		layers:         make(map[int]*layerBasis),
	}
}

// RecordUpdateFromGPU always fails: BDPA ingestion requires a CPU-resident
// copy of the raw K/V to compute the basis table, which cannot be expressed
// as a recorded (deferred) GPU operation. Callers must disable command
// batching for BDPA runs and call UpdateFromGPU directly.
func (b *Basis) RecordUpdateFromGPU(recorderSubmitted bool, _ int) error {
	return errs.New(errs.KernelUnavailable, "BDPA cache does not support recorder-based ingestion; disable command batching").
		WithResource("kvcache.bdpa")
}

// UpdateFromGPU rebuilds layer's basis table and residuals from raw K/V
// already read back to keysCPU/valuesCPU (numTokens rows of
// kHeadDim*numKVHeads / vHeadDim*numKVHeads float32 each) and the token id
// for each of those rows.
func (b *Basis) UpdateFromGPU(layer int, keysCPU, valuesCPU []float32, startPos int32, numTokens int, tokenIds []int32) error {
	if len(tokenIds) != numTokens {
		return fmt.Errorf("kvcache: bdpa update requires one token id per position (got %d ids for %d tokens)", len(tokenIds), numTokens)
	}

	lb, ok := b.layers[layer]
	if !ok {
		lb = &layerBasis{tokenToBasis: make(map[int32]int32)}
		b.layers[layer] = lb
	}

	order := radixArgsort(tokenIds)

	kStride := b.kHeadDim * b.numKVHeads
	vStride := b.vHeadDim * b.numKVHeads

	sums := make(map[int32][]float32)
	vsums := make(map[int32][]float32)
	counts := make(map[int32]int)

	for _, i := range order {
		id := tokenIds[i]
		if _, ok := sums[id]; !ok {
			if len(sums) >= b.basisVocabSize {
				return errs.New(errs.BasisOverflow, "unique token count exceeds basis vocabulary").
					WithResource("kvcache.bdpa")
			}
			sums[id] = make([]float32, kStride)
			vsums[id] = make([]float32, vStride)
		}
		addInto(sums[id], keysCPU[i*kStride:(i+1)*kStride])
		addInto(vsums[id], valuesCPU[i*vStride:(i+1)*vStride])
		counts[id]++
	}

	lb.basisKeys = lb.basisKeys[:0]
	lb.basisValues = lb.basisValues[:0]
	lb.tokenToBasis = make(map[int32]int32, len(sums))

	ids := make([]int32, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		n := float32(counts[id])
		mean := scaleInto(sums[id], 1/n)
		vmean := scaleInto(vsums[id], 1/n)
		lb.tokenToBasis[id] = int32(len(lb.basisKeys))
		lb.basisKeys = append(lb.basisKeys, toF16(mean))
		lb.basisValues = append(lb.basisValues, toF16(vmean))
	}

	lb.residualKeys = make([][]int8, numTokens)
	lb.residualValues = make([][]int8, numTokens)
	lb.residualScale = make([]float32, numTokens)
	lb.flatIndex = make([]FlatIndexEntry, numTokens)

	for i := 0; i < numTokens; i++ {
		id := tokenIds[i]
		basisPtr := lb.tokenToBasis[id]

		kMean := fromF16(lb.basisKeys[basisPtr])
		rk, scale := quantizeResidual(keysCPU[i*kStride:(i+1)*kStride], kMean)
		lb.residualKeys[i] = rk
		lb.residualScale[i] = scale

		vMean := fromF16(lb.basisValues[basisPtr])
		rv, _ := quantizeResidual(valuesCPU[i*vStride:(i+1)*vStride], vMean)
		lb.residualValues[i] = rv

		lb.flatIndex[i] = FlatIndexEntry{
			BasisPtr:        basisPtr,
			ResidualPagePtr: int32(i),
			OriginalPos:     startPos + int32(i),
		}
	}

	if int(startPos)+numTokens > b.seqLen {
		b.seqLen = int(startPos) + numTokens
	}

	return nil
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func scaleInto(src []float32, s float32) []float32 {
	out := make([]float32, len(src))
	for i := range src {
		out[i] = src[i] * s
	}
	return out
}

func toF16(v []float32) []float16.Float16 {
	out := make([]float16.Float16, len(v))
	for i, f := range v {
		out[i] = float16.Fromfloat32(f)
	}
	return out
}

func fromF16(v []float16.Float16) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = f.Float32()
	}
	return out
}

// quantizeResidual int8-quantizes src - mean using a single symmetric scale
// derived from the max absolute residual in this vector.
func quantizeResidual(src, mean []float32) ([]int8, float32) {
	residual := make([]float32, len(src))
	var maxAbs float32
	for i := range src {
		residual[i] = src[i] - mean[i]
		if a := abs32(residual[i]); a > maxAbs {
			maxAbs = a
		}
	}

	scale := maxAbs / 127
	if scale == 0 {
		scale = 1
	}

	out := make([]int8, len(residual))
	for i, r := range residual {
		q := r / scale
		if q > 127 {
			q = 127
		} else if q < -128 {
			q = -128
		}
		out[i] = int8(q)
	}
	return out, scale
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

// radixArgsort returns an index permutation that sorts ids in ascending
// order, grouping identical ids into contiguous runs. Implemented as an LSD
// radix sort over the 32-bit id so identical token ids in a large batch
// sort in linear time rather than O(n log n).
func radixArgsort(ids []int32) []int {
	n := len(ids)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	const radixBits = 8
	const buckets = 1 << radixBits
	tmp := make([]int, n)

	for shift := 0; shift < 32; shift += radixBits {
		var count [buckets + 1]int
		for _, i := range idx {
			key := (uint32(ids[i]) >> uint(shift)) & (buckets - 1)
			count[key+1]++
		}
		for k := 0; k < buckets; k++ {
			count[k+1] += count[k]
		}
		for _, i := range idx {
			key := (uint32(ids[i]) >> uint(shift)) & (buckets - 1)
			tmp[count[key]] = i
			count[key]++
		}
		idx, tmp = tmp, idx
	}

	return idx
}

// GetGPUBuffers materializes layer's key basis table and key residual pages
// as device tensors for an attention kernel; the value basis vectors and
// value residuals are not included in the view. ctx is used only to stage the CPU
// data; the returned tensors are independent of ctx's lifetime.
func (b *Basis) GetGPUBuffers(ctx ml.Context, layer int) GPUView {
	lb, ok := b.layers[layer]
	if !ok {
		return GPUView{}
	}

	basisFlat := make([]byte, 0, len(lb.basisKeys)*b.kHeadDim*b.numKVHeads*2)
	for _, vec := range lb.basisKeys {
		for _, f := range vec {
			basisFlat = append(basisFlat, byte(f), byte(f>>8))
		}
	}
	basis := ctx.Input().FromBytes(ml.DTypeF16, basisFlat, b.kHeadDim*b.numKVHeads, len(lb.basisKeys))

	residualBytes := make([]byte, 0, len(lb.residualKeys)*b.kHeadDim*b.numKVHeads)
	for _, row := range lb.residualKeys {
		for _, v := range row {
			residualBytes = append(residualBytes, byte(v))
		}
	}
	residual := ctx.Input().FromBytes(ml.DTypeInt8, residualBytes, b.kHeadDim*b.numKVHeads, len(lb.residualKeys))

	flat := make([]int32, 0, len(lb.flatIndex)*3)
	for _, e := range lb.flatIndex {
		flat = append(flat, e.BasisPtr, e.ResidualPagePtr, e.OriginalPos)
	}

	return GPUView{
		Basis:           basis,
		ResidualPages:   []ml.Tensor{residual},
		FlatIndex:       flat,
		NumBasisVectors: len(lb.basisKeys),
		SeqLen:          b.seqLen,
	}
}

func (b *Basis) Clone() *Basis {
	clone := NewBasisCache(b.kHeadDim, b.vHeadDim, b.numKVHeads, b.basisVocabSize)
	clone.seqLen = b.seqLen
	for layer, lb := range b.layers {
		clone.layers[layer] = &layerBasis{
			basisKeys:      append([][]float16.Float16(nil), lb.basisKeys...),
			basisValues:    append([][]float16.Float16(nil), lb.basisValues...),
			tokenToBasis:   cloneMap(lb.tokenToBasis),
			residualKeys:   append([][]int8(nil), lb.residualKeys...),
			residualValues: append([][]int8(nil), lb.residualValues...),
			residualScale:  append([]float32(nil), lb.residualScale...),
			flatIndex:      append([]FlatIndexEntry(nil), lb.flatIndex...),
		}
	}
	return clone
}

func cloneMap(m map[int32]int32) map[int32]int32 {
	out := make(map[int32]int32, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
