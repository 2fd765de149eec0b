package kvcache

import (
	"errors"
	"math"
	"slices"
)

// CopyPrefix makes dstSeq share srcSeq's cached cells for every position
// below length, dropping whatever dstSeq previously held. The cells
// themselves are not copied; both sequences reference the same storage until
// one of them is removed.
func (c *Causal) CopyPrefix(srcSeq, dstSeq int, length int32) {
	sr := newRange()

	for i := range c.cells {
		if slices.Contains(c.cells[i].sequences, dstSeq) {
			c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == dstSeq })
		}

		if slices.Contains(c.cells[i].sequences, srcSeq) && c.cells[i].pos < length {
			c.cells[i].sequences = append(c.cells[i].sequences, dstSeq)
			sr.min = min(sr.min, i)
			sr.max = max(sr.max, i)
		}
	}

	c.cellRanges[dstSeq] = sr
}

// CanResume reports whether generation for seq can pick up at pos without a
// cache break. Only the sliding-window layout can refuse: resuming requires
// the whole attention window behind pos to still be retained.
func (c *Causal) CanResume(seq int, pos int32) bool {
	if c.swaMemorySize == math.MaxInt32 {
		return true
	}

	sr, ok := c.cellRanges[seq]
	if !ok {
		return false
	}

	var first int32 = math.MaxInt32
	var last int32 = -1
	for i := sr.min; i <= sr.max; i++ {
		if slices.Contains(c.cells[i].sequences, seq) {
			first = min(first, c.cells[i].pos)
			last = max(last, c.cells[i].pos)
		}
	}

	if last == -1 {
		return false
	}

	windowStart := max(0, pos-c.swaWindowSize)
	return windowStart >= first && pos <= last+1
}

// shift re-applies RoPE to every cached key of seq at or past beginIndex,
// walking the sequence's span in maxBatch-sized chunks so the per-chunk
// offset tensor stays bounded.
func (c *Causal) shift(seq int, beginIndex, offset int32) error {
	if c.shiftFn == nil {
		return ErrNotSupported
	}

	sr := c.cellRanges[seq]

	for start := sr.min; start <= sr.max; start += c.maxBatch {
		size := min(sr.max-start+1, c.maxBatch)
		offsets := make([]int32, size)

		first, last := -1, 0
		for i := range offsets {
			cell := c.cells[start+i]

			if slices.Contains(cell.sequences, seq) && cell.pos >= beginIndex {
				offsets[i] = offset
				if first < 0 {
					first = i
				}
				last = i
			}
		}

		if first < 0 {
			continue
		}

		offsets = offsets[first : last+1]

		ctx := c.backend.NewContext()
		kShift := ctx.Input().FromInts(offsets, len(offsets))

		for layer, key := range c.keys {
			if key == nil {
				continue
			}

			kHeadDim := key.Dim(0)
			numKVHeads := key.Dim(1)
			rowSize := key.Stride(2)

			key = key.View(ctx, rowSize*(start+first),
				kHeadDim, key.Stride(1),
				numKVHeads, key.Stride(2),
				len(offsets),
			)

			roped, err := c.shiftFn(ctx, layer, key, kShift)
			if err != nil {
				ctx.Close()
				return err
			}

			ctx.Forward(roped.Copy(ctx, key))
		}

		ctx.Compute()
		ctx.Close()
	}

	return nil
}

// Remove drops seq's tokens in [beginIndex, endIndex) and slides every later
// position down to close the gap, re-RoPE-ing the shifted keys. A
// math.MaxInt32 endIndex removes the whole tail, which needs no shift and
// therefore works without a shiftFn.
func (c *Causal) Remove(seq int, beginIndex, endIndex int32) error {
	// TODO: removing the middle of a sequence can widen the sliding window
	// past tokens we no longer retain; detect that and force a full
	// re-evaluation instead of silently resuming with a stale window.

	var offset int32
	if endIndex != math.MaxInt32 {
		offset = beginIndex - endIndex
	}

	sr := newRange()

	for i := range c.cells {
		if !slices.Contains(c.cells[i].sequences, seq) {
			continue
		}
		if c.cells[i].pos >= beginIndex && c.cells[i].pos < endIndex {
			c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == seq })
			continue
		}
		if c.cells[i].pos >= endIndex {
			if slices.ContainsFunc(c.cells[i].sequences, func(s int) bool { return s != seq }) {
				return errors.New("shifting cells shared by multiple sequences not supported")
			}

			c.cells[i].pos += offset
		}
		sr.min = min(sr.min, i)
		sr.max = max(sr.max, i)
	}

	if sr == newRange() {
		delete(c.cellRanges, seq)
		return nil
	}

	c.cellRanges[seq] = sr

	if endIndex != math.MaxInt32 {
		if err := c.shift(seq, endIndex+offset, offset); err != nil {
			return err
		}
	}

	return nil
}
