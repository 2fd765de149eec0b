package kvcache

import "math"

// Truncate rewinds seq to length tokens by removing everything from length
// onward. Idempotent when seq already holds length or fewer tokens, since
// Remove over an empty range touches no cells.
func (c *Causal) Truncate(seq int, length int32) error {
	return c.Remove(seq, length, math.MaxInt32)
}

// Clear drops every cached token belonging to seq.
func (c *Causal) Clear(seq int) {
	_ = c.Remove(seq, 0, math.MaxInt32)
}
