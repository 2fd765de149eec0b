// Package decodebuf implements the ping-pong hidden-state buffers a decode
// step threads through successive transformer layers without round-tripping
// through the buffer pool between layers.
package decodebuf

import "github.com/wgpuinfer/core/ml"

// allocator is the narrow view of ml.Pool a manager needs.
type allocator interface {
	Acquire(size int, usage ml.UsageFlags) (ml.Buffer, error)
	Release(b ml.Buffer)
}

// Manager owns two hidden-state buffers and one FFN-intermediate buffer,
// preallocated for the lifetime of a decode loop. Layers alternate which of
// hidden/hiddenAlt they read from and write to; SwapPingPong flips the
// polarity after each layer and ResetPingPong restores the initial
// polarity at the start of every decode step.
type Manager struct {
	pool allocator

	hidden       ml.Buffer
	hiddenAlt    ml.Buffer
	intermediate ml.Buffer

	// swapped is false when hidden is the input buffer, true when
	// hiddenAlt is.
	swapped bool
}

// New allocates hidden/hiddenAlt (hiddenSize*activationBytes each) and an
// FFN intermediate buffer (intermediateSize*activationBytes).
func New(pool allocator, hiddenSize, intermediateSize, activationBytes int) (*Manager, error) {
	m := &Manager{pool: pool}

	var err error
	if m.hidden, err = pool.Acquire(hiddenSize*activationBytes, ml.UsageStorage|ml.UsageCopySrc|ml.UsageCopyDst); err != nil {
		return nil, err
	}
	if m.hiddenAlt, err = pool.Acquire(hiddenSize*activationBytes, ml.UsageStorage|ml.UsageCopySrc|ml.UsageCopyDst); err != nil {
		pool.Release(m.hidden)
		return nil, err
	}
	if m.intermediate, err = pool.Acquire(intermediateSize*activationBytes, ml.UsageStorage|ml.UsageCopySrc|ml.UsageCopyDst); err != nil {
		pool.Release(m.hidden)
		pool.Release(m.hiddenAlt)
		return nil, err
	}

	return m, nil
}

// HiddenBuffer returns the buffer the next layer should read its input
// from.
func (m *Manager) HiddenBuffer() ml.Buffer {
	if m.swapped {
		return m.hiddenAlt
	}
	return m.hidden
}

// OutputHiddenBuffer returns the buffer the next layer should write its
// output to.
func (m *Manager) OutputHiddenBuffer() ml.Buffer {
	if m.swapped {
		return m.hidden
	}
	return m.hiddenAlt
}

// IntermediateBuffer returns the shared FFN scratch buffer.
func (m *Manager) IntermediateBuffer() ml.Buffer {
	return m.intermediate
}

// SwapPingPong toggles which buffer is input vs. output, called after every
// layer so the next layer reads what this one just wrote.
func (m *Manager) SwapPingPong() {
	m.swapped = !m.swapped
}

// ResetPingPong restores the initial polarity (hidden as input), called at
// the start of every decode step so each step's layer loop starts from the
// same buffer regardless of how many layers the previous step ran.
func (m *Manager) ResetPingPong() {
	m.swapped = false
}

// OwnsBuffer reports whether b is one of this manager's permanent buffers,
// so the decode loop can skip a pool-release for it — these buffers live
// for the whole decode loop and must never be tracked as a recorder
// temporary.
func (m *Manager) OwnsBuffer(b ml.Buffer) bool {
	return b == m.hidden || b == m.hiddenAlt || b == m.intermediate
}

// Release returns all three buffers to the pool.
func (m *Manager) Release() {
	m.pool.Release(m.hidden)
	m.pool.Release(m.hiddenAlt)
	m.pool.Release(m.intermediate)
	m.hidden, m.hiddenAlt, m.intermediate = nil, nil, nil
}
