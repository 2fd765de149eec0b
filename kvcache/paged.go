package kvcache

import (
	"fmt"
	"math"

	"github.com/wgpuinfer/core/ml"
)

// Paged stores K/V per layer as a list of fixed-size pages addressed
// through a page table, so cache growth never forces moving already
// written pages — only appending a new one. Update/removal logic mirrors
// Causal's cell bookkeeping but at page granularity instead of per token.
type Paged struct {
	DType    ml.DType
	pageSize int

	backend ml.Backend
	config  *ml.CacheConfig

	curLayer     int
	curBatchSize int
	curPositions []int32
	curSequences []int
	opts         CausalOptions
	curMask      ml.Tensor

	// pageOwner[seq] is the ordered list of page indices holding seq's
	// tokens; pageFill[page] is how many of its slots are occupied.
	pageOwner map[int][]int
	pageFill  map[int]int
	freePages []int

	ctxs       map[int]ml.Context
	keyPages   map[int][]ml.Tensor
	valuePages map[int][]ml.Tensor
}

// NewPagedCache builds a paged cache with the given page size (tokens per
// page); kHeadDim/vHeadDim/numKVHeads/numLayers are supplied once weights
// are known, at the first Put for each layer.
func NewPagedCache(pageSize int) *Paged {
	return &Paged{
		pageSize:   pageSize,
		pageOwner:  make(map[int][]int),
		pageFill:   make(map[int]int),
		ctxs:       make(map[int]ml.Context),
		keyPages:   make(map[int][]ml.Tensor),
		valuePages: make(map[int][]ml.Tensor),
	}
}

// Init binds the cache to a backend and element dtype; no capacity is
// reserved, since pages are allocated on demand rather than up front.
func (p *Paged) Init(backend ml.Backend, dtype ml.DType) {
	var config ml.CacheConfig
	if cc, ok := backend.(ml.BackendCacheConfig); ok {
		config = cc.CacheConfig()
	}
	if config.MaskDType == ml.DTypeOther {
		config.MaskDType = ml.DTypeF32
	}
	p.config = &config
	p.DType = dtype
	p.backend = backend
}

func (p *Paged) StartForward(ctx ml.Context, batch Batch, reserve bool) error {
	p.curBatchSize = len(batch.Positions)
	p.curPositions = batch.Positions
	p.curSequences = batch.Sequences
	p.opts.Except = nil

	if reserve {
		return nil
	}

	for i, seq := range batch.Sequences {
		if err := p.ensureSlot(seq, batch.Positions[i]); err != nil {
			return err
		}
	}

	return nil
}

// ensureSlot makes sure seq has a page with room for the token at pos,
// allocating a new page (from the free list or fresh) if the last owned
// page is full.
func (p *Paged) ensureSlot(seq int, pos int32) error {
	pages := p.pageOwner[seq]
	if len(pages) == 0 || p.pageFill[pages[len(pages)-1]] >= p.pageSize {
		var page int
		if len(p.freePages) > 0 {
			page = p.freePages[len(p.freePages)-1]
			p.freePages = p.freePages[:len(p.freePages)-1]
		} else {
			page = p.nextPageIndex()
		}
		p.pageOwner[seq] = append(pages, page)
	}
	return nil
}

func (p *Paged) nextPageIndex() int {
	max := -1
	for _, pages := range p.pageOwner {
		for _, pg := range pages {
			if pg > max {
				max = pg
			}
		}
	}
	return max + 1
}

func (p *Paged) SetLayer(layer int) { p.curLayer = layer }

func (p *Paged) SetCausal(ctx ml.Context, opts CausalOptions) {
	p.opts = opts
}

// Get returns nil key and value tensors and does not build a mask (the
// returned mask is nil); paged storage is read through GetGPUBuffers.
func (p *Paged) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	return nil, nil, p.curMask
}

func (p *Paged) Put(ctx ml.Context, key, value ml.Tensor) {
	kHeadDim := key.Dim(0)
	vHeadDim := value.Dim(0)
	numKVHeads := key.Dim(1)

	if _, ok := p.ctxs[p.curLayer]; !ok {
		p.ctxs[p.curLayer] = p.backend.NewContextSize(2).Layer(p.curLayer)
	}
	ctxLayer := p.ctxs[p.curLayer]

	for i, seq := range p.curSequences {
		pages := p.pageOwner[seq]
		page := pages[len(pages)-1]

		for len(p.keyPages[p.curLayer]) <= page {
			p.keyPages[p.curLayer] = append(p.keyPages[p.curLayer],
				ctxLayer.Zeros(p.DType, kHeadDim, numKVHeads, p.pageSize))
			p.valuePages[p.curLayer] = append(p.valuePages[p.curLayer],
				ctxLayer.Zeros(p.DType, vHeadDim, numKVHeads, p.pageSize))
		}

		slot := p.pageFill[page]
		loc := ctx.Input().FromInts([]int32{int32(slot)}, 1)

		row := key.View(ctx, i*key.Stride(2), kHeadDim, key.Stride(1), numKVHeads, key.Stride(2), 1)
		kPage := p.keyPages[p.curLayer][page]
		kPage = kPage.Reshape(ctx, kHeadDim*numKVHeads, p.pageSize)
		ctx.Forward(kPage.SetRows(ctx, row.Reshape(ctx, kHeadDim*numKVHeads, 1), loc))

		vrow := value.View(ctx, i*value.Stride(2), vHeadDim, value.Stride(1), numKVHeads, value.Stride(2), 1)
		vPage := p.valuePages[p.curLayer][page]
		vPage = vPage.Reshape(ctx, vHeadDim*numKVHeads, p.pageSize)
		ctx.Forward(vPage.SetRows(ctx, vrow.Reshape(ctx, vHeadDim*numKVHeads, 1), loc))

		p.pageFill[page]++
	}
}

func (p *Paged) GetGPUBuffers(layer int) GPUView {
	table := make([]int, 0)
	for _, pages := range p.pageOwner {
		table = append(table, pages...)
	}
	return GPUView{
		Pages:      p.keyPages[layer],
		ValuePages: p.valuePages[layer],
		PageTable:  table,
		PageSize:   p.pageSize,
	}
}

func (p *Paged) CopyPrefix(srcSeq, dstSeq int, length int32) {
	p.pageOwner[dstSeq] = append([]int(nil), p.pageOwner[srcSeq]...)
}

func (p *Paged) CanResume(seq int, pos int32) bool {
	_, ok := p.pageOwner[seq]
	return ok
}

func (p *Paged) Remove(seq int, beginIndex, endIndex int32) error {
	if beginIndex == 0 && endIndex == math.MaxInt32 {
		for _, pg := range p.pageOwner[seq] {
			p.pageFill[pg] = 0
		}
		p.freePages = append(p.freePages, p.pageOwner[seq]...)
		delete(p.pageOwner, seq)
		return nil
	}
	return fmt.Errorf("kvcache: paged cache only supports removing a full sequence in this core")
}

// Truncate trims seq's trailing tokens down to length. A no-op when seq
// already holds length or fewer tokens. Pages shared with another sequence
// via CopyPrefix must not be trimmed through this path.
func (p *Paged) Truncate(seq int, length int32) error {
	pages := p.pageOwner[seq]
	total := 0
	for _, pg := range pages {
		total += p.pageFill[pg]
	}
	if int(length) >= total {
		return nil
	}
	if length == 0 {
		return p.Remove(seq, 0, math.MaxInt32)
	}

	keep := int(length)
	kept := pages[:0]
	for _, pg := range pages {
		if keep <= 0 {
			p.pageFill[pg] = 0
			p.freePages = append(p.freePages, pg)
			continue
		}
		if p.pageFill[pg] > keep {
			p.pageFill[pg] = keep
		}
		keep -= p.pageFill[pg]
		kept = append(kept, pg)
	}
	p.pageOwner[seq] = kept
	return nil
}

func (p *Paged) Clear(seq int) {
	_ = p.Remove(seq, 0, math.MaxInt32)
}

func (p *Paged) Clone() Cache {
	clone := NewPagedCache(p.pageSize)
	clone.backend = p.backend
	clone.config = p.config
	clone.DType = p.DType

	for seq, pages := range p.pageOwner {
		clone.pageOwner[seq] = append([]int(nil), pages...)
	}
	for page, fill := range p.pageFill {
		clone.pageFill[page] = fill
	}

	for layer, pages := range p.keyPages {
		ctx := p.backend.NewContextSize(len(pages) * 2).Layer(layer)
		clone.ctxs[layer] = ctx
		for _, kp := range pages {
			clone.keyPages[layer] = append(clone.keyPages[layer], kp.Duplicate(ctx))
		}
		for _, vp := range p.valuePages[layer] {
			clone.valuePages[layer] = append(clone.valuePages[layer], vp.Duplicate(ctx))
		}
	}

	return clone
}

func (p *Paged) Close() {
	for _, ctx := range p.ctxs {
		ctx.Close()
	}
}
