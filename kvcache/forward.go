package kvcache

import (
	"fmt"
	"math"
	"slices"

	"github.com/wgpuinfer/core/ml"
)

// StartForward prepares cell placement, sliding-window eviction, and the
// attention mask for one forward pass over batch. When reserve is true, no
// cache state is mutated; sizes are set to the worst case so a caller can
// probe graph capacity without committing a placement.
func (c *Causal) StartForward(ctx ml.Context, batch Batch, reserve bool) error {
	c.curBatchSize = len(batch.Positions)
	c.curSequences = batch.Sequences
	c.curPositions = batch.Positions
	c.opts.Except = nil

	var slots []int32
	if reserve {
		// Worst case: the whole cell pool is in play. Nothing is written.
		slots = make([]int32, c.curBatchSize)
		for i := range slots {
			slots[i] = int32(i)
		}
		c.curCellRange.min = 0
		c.curCellRange.max = len(c.cells) - 1
	} else {
		c.updateSlidingWindow()

		var err error
		slots, err = c.findLocs()
		if err != nil {
			return err
		}

		for i, pos := range batch.Positions {
			seq := batch.Sequences[i]
			slot := int(slots[i])

			c.cells[slot] = cacheCell{pos: pos, sequences: []int{seq}}

			sr, ok := c.cellRanges[seq]
			if !ok {
				sr = newRange()
			}
			sr.min = min(sr.min, slot)
			sr.max = max(sr.max, slot)
			c.cellRanges[seq] = sr

			c.curCellRange.min = min(c.curCellRange.min, slot)
			c.curCellRange.max = max(c.curCellRange.max, slot)
		}
	}

	c.curLoc = ctx.Input().FromInts(slots, len(slots))
	c.curMask = c.buildMask(ctx)

	return nil
}

func newRange() cellRange {
	return cellRange{
		min: math.MaxInt,
		max: 0,
	}
}

// findLocs picks a free storage cell for every token in the batch,
// scanning the pool front to back.
func (c *Causal) findLocs() ([]int32, error) {
	slots := make([]int32, 0, c.curBatchSize)

	for i := range c.cells {
		if len(c.cells[i].sequences) == 0 {
			slots = append(slots, int32(i))
			if len(slots) >= c.curBatchSize {
				return slots, nil
			}
		}
	}

	return nil, fmt.Errorf("%w (cache: %v batch: %v)", ErrKvCacheFull, len(c.cells), c.curBatchSize)
}

// updateSlidingWindow releases cells whose positions have fallen out of the
// retained memory window and recomputes both the per-sequence cellRanges and the
// span this forward pass will attend over. Positions stay absolute
// throughout; only cell occupancy changes.
func (c *Causal) updateSlidingWindow() {
	c.curCellRange = newRange()

	if c.swaMemorySize == math.MaxInt32 {
		// Unbounded memory: nothing ever leaves, the attention span is just
		// the union of the batch's sequence cellRanges.
		for _, seq := range c.curSequences {
			if sr, ok := c.cellRanges[seq]; ok {
				c.curCellRange.min = min(c.curCellRange.min, sr.min)
				c.curCellRange.max = max(c.curCellRange.max, sr.max)
			}
		}

		return
	}

	type anchor struct {
		pos      int32
		curBatch bool
	}

	// The eviction anchor per sequence is the earliest position this batch
	// touches for it.
	anchors := make(map[int]anchor)
	for i := range c.curPositions {
		seq := c.curSequences[i]

		a, ok := anchors[seq]
		if !ok {
			a = anchor{pos: c.curPositions[i], curBatch: true}
		} else if c.curPositions[i] < a.pos {
			a.pos = c.curPositions[i]
		}

		anchors[seq] = a
	}

	// Sequences absent from this batch still age out: anchor them one past
	// their newest retained position.
	for seq, sr := range c.cellRanges {
		if _, ok := anchors[seq]; !ok {
			var newest int32
			for i := sr.min; i <= sr.max; i++ {
				if slices.Contains(c.cells[i].sequences, seq) {
					newest = max(newest, c.cells[i].pos)
				}
			}

			anchors[seq] = anchor{pos: newest + 1, curBatch: false}
		}
	}

	for seq, a := range anchors {
		sr, ok := c.cellRanges[seq]
		if !ok {
			continue
		}

		kept := newRange()

		for i := sr.min; i <= sr.max; i++ {
			if !slices.Contains(c.cells[i].sequences, seq) {
				continue
			}
			if c.cells[i].pos < a.pos-c.swaMemorySize {
				c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == seq })
			} else {
				kept.min = min(kept.min, i)
				kept.max = max(kept.max, i)
			}
			if a.curBatch && c.cells[i].pos >= a.pos-c.swaWindowSize {
				c.curCellRange.min = min(c.curCellRange.min, i)
				c.curCellRange.max = max(c.curCellRange.max, i)
			}
		}

		c.cellRanges[seq] = kept
	}
}

func roundDown(length, pad int) int {
	return (length / pad) * pad
}

func roundUp(length, pad int) int {
	return ((length + pad - 1) / pad) * pad
}

// buildMask produces the [history, batch] additive attention mask for the
// current span: -Inf wherever a history cell belongs to another sequence,
// sits causally ahead of the batch token, falls outside the token's chunk
// (chunked attention), or has slid out of the attention window.
func (c *Causal) buildMask(ctx ml.Context) ml.Tensor {
	c.curCellRange.min = roundDown(c.curCellRange.min, c.config.CachePadding)
	c.curCellRange.max = roundUp(c.curCellRange.max+1, c.config.CachePadding) - 1

	length := c.curCellRange.max - c.curCellRange.min + 1

	mask := make([]float32, c.curBatchSize*length)

	for i := 0; i < c.curBatchSize; i++ {
		causal := !slices.Contains(c.opts.Except, i)
		pos := c.curPositions[i]
		for j := c.curCellRange.min; j <= c.curCellRange.max; j++ {
			if !slices.Contains(c.cells[j].sequences, c.curSequences[i]) ||
				(causal && c.cells[j].pos > pos) ||
				c.chunkSize > 0 && c.cells[j].pos < pos-pos%c.chunkSize ||
				c.cells[j].pos < pos-c.swaWindowSize {
				mask[i*length+(j-c.curCellRange.min)] = float32(math.Inf(-1))
			}
		}
	}

	maskTensor := ctx.Input().FromFloats(mask, length, c.curBatchSize)

	if c.config.MaskDType != ml.DTypeF32 {
		maskTensor = maskTensor.Cast(ctx, c.config.MaskDType)
	}

	return maskTensor
}
