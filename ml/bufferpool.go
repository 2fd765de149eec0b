package ml

import (
	"fmt"
	"sync"
)

// Buffer is an opaque handle to a backend-allocated block of device memory.
// The buffer pool and the command recorder hold handles, never the
// backend's native buffer object directly — this is what lets a temporary
// buffer be handed from one to the other without either side needing a back
// reference (see SPEC_FULL.md §9 on breaking the pipeline/recorder/pool cycle).
type Buffer interface {
	Size() int
	Usage() UsageFlags
	// Destroy releases the underlying device allocation. Called by the
	// pool only once a buffer is evicted, never directly by a caller that
	// acquired it through Pool.Acquire.
	Destroy()
}

// BufferAllocator is supplied by a concrete backend and performs the actual
// device allocation for a given (size, usage) pair.
type BufferAllocator func(size int, usage UsageFlags) (Buffer, error)

// poolKey buckets buffers by size class and usage so that same-shaped
// requests reuse a free buffer instead of allocating.
type poolKey struct {
	sizeClass int
	usage     UsageFlags
}

// sizeClass rounds a requested size up to a power-of-two bucket (minimum
// 4KiB) so that small variations in shape (e.g. batch size off by one
// token) still hit the same free list.
func sizeClass(n int) int {
	const min = 4096
	if n <= min {
		return min
	}
	c := min
	for c < n {
		c <<= 1
	}
	return c
}

// Pool is a process-wide pool of device buffers keyed by (size class, usage
// flags). It hands out and reclaims buffers and tracks peak/current
// allocation so callers can reason about headroom. A Pool is safe for
// concurrent use by multiple pipeline instances sharing one device.
type Pool struct {
	alloc BufferAllocator

	mu      sync.Mutex
	free    map[poolKey][]Buffer
	current int64
	peak    int64
	stats   PoolStats
}

// PoolStats accumulates lifetime counters for observability.
type PoolStats struct {
	Acquires  int64
	Releases  int64
	Allocated int64 // buffers actually allocated from the backend
	Reused    int64 // buffers served from a free list
}

// NewPool constructs a buffer pool backed by alloc.
func NewPool(alloc BufferAllocator) *Pool {
	return &Pool{
		alloc: alloc,
		free:  make(map[poolKey][]Buffer),
	}
}

// Acquire returns a buffer of at least size bytes with the given usage,
// reusing a pooled buffer of the matching size class when one is free.
func (p *Pool) Acquire(size int, usage UsageFlags) (Buffer, error) {
	key := poolKey{sizeClass: sizeClass(size), usage: usage}

	p.mu.Lock()
	if bufs := p.free[key]; len(bufs) > 0 {
		b := bufs[len(bufs)-1]
		p.free[key] = bufs[:len(bufs)-1]
		p.stats.Acquires++
		p.stats.Reused++
		p.current += int64(b.Size())
		if p.current > p.peak {
			p.peak = p.current
		}
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	b, err := p.alloc(key.sizeClass, usage)
	if err != nil {
		return nil, fmt.Errorf("ml: buffer pool allocation failed (size=%d usage=%v): %w", key.sizeClass, usage, err)
	}

	p.mu.Lock()
	p.stats.Acquires++
	p.stats.Allocated++
	p.current += int64(b.Size())
	if p.current > p.peak {
		p.peak = p.current
	}
	p.mu.Unlock()

	return b, nil
}

// Release returns a buffer to its free list for reuse. The caller must not
// touch the buffer again after calling Release — ownership transfers back
// to the pool. Releasing a buffer whose recorded GPU work has not yet
// completed is undefined behavior; see the recorder package's deferred
// release discipline.
func (p *Pool) Release(b Buffer) {
	key := poolKey{sizeClass: sizeClass(b.Size()), usage: b.Usage()}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Releases++
	p.current -= int64(b.Size())
	p.free[key] = append(p.free[key], b)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() (current, peak int64, s PoolStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.peak, p.stats
}

// Drain destroys every free buffer in the pool. Buffers currently on loan
// to a recorder are unaffected; they are returned to the pool (and may be
// drained later) via Release.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, bufs := range p.free {
		for _, b := range bufs {
			b.Destroy()
		}
		delete(p.free, key)
	}
}
