// Package recorder implements the command-recorder discipline the pipeline
// uses to batch GPU work: operations accumulate against a context without
// dispatching, temporary buffers used along the way are tracked rather than
// released immediately, and a single submit flushes the whole batch and
// frees every tracked temporary at once.
//
// Two implementations share the Recorder interface. BatchedRecorder defers
// submission across several encode calls (the prefill and batched-decode
// paths). ImmediateRecorder (used for the single-token decode path and for
// debug-layer prefill) forwards every call to a wrapped BatchedRecorder, so
// it too submits, and releases tracked temporaries, only when Submit or
// SubmitAndWait is called.
package recorder

import (
	"fmt"
	"time"

	"github.com/wgpuinfer/core/ml"
)

// Recorder batches GPU command encoding and submission.
type Recorder interface {
	// Context returns the ml.Context operations should be recorded against.
	Context() ml.Context

	// TrackTemporaryBuffer registers a buffer that must outlive the next
	// submit but can be released (returned to the pool) immediately after.
	// Intermediate activation buffers, scratch views, and anything else
	// allocated mid-recording that isn't part of a cache or weight goes
	// through here instead of being released by its allocator directly.
	TrackTemporaryBuffer(b ml.Buffer)

	// Submit dispatches all recorded work and schedules tracked temporary
	// buffers to be released once the GPU has consumed them. It does not
	// block; use SubmitAndWait when the caller needs results to be ready
	// for CPU readback.
	Submit() error

	// SubmitAndWait dispatches all recorded work and blocks until the GPU
	// has finished executing it, then releases tracked temporaries.
	SubmitAndWait(ctx ...ml.Tensor) error

	// Reset discards any unsubmitted recording and clears tracked
	// temporaries without releasing them — used when a batch is abandoned
	// (e.g. on cancellation) rather than submitted.
	Reset()

	// EnableProfiling turns on timestamp-query based timing for subsequent
	// submits. ResolveProfileTimings returns the most recently resolved
	// per-submit durations, keyed by the label passed at submit time.
	EnableProfiling(bool)
	ResolveProfileTimings() map[string]time.Duration
}

// pool is the subset of ml.Pool a recorder needs to release tracked
// temporaries; factored out so tests can supply a fake.
type pool interface {
	Release(b ml.Buffer)
}

// BatchedRecorder accumulates operations across multiple calls and only
// dispatches to the GPU on Submit/SubmitAndWait. This is the discipline the
// prefill and batched-decode paths use: many layers, or many decode steps,
// recorded into one context and submitted once, which amortizes submission
// overhead across the whole batch.
type BatchedRecorder struct {
	backend ml.Backend
	pool    pool
	ctx     ml.Context

	temporaries []ml.Buffer

	profiling    bool
	profileLabel string
	profileStart time.Time
	lastTimings  map[string]time.Duration
}

// NewBatchedRecorder creates a recorder whose context is sized for
// maxGraphNodes operations; the caller is responsible for choosing a size
// that fits the largest batch it intends to record (see pipeline.Pipeline,
// which sizes this from batchSize and tokensPerInterval).
func NewBatchedRecorder(backend ml.Backend, pool pool, maxGraphNodes int) *BatchedRecorder {
	return &BatchedRecorder{
		backend:     backend,
		pool:        pool,
		ctx:         backend.NewContextSize(maxGraphNodes),
		lastTimings: make(map[string]time.Duration),
	}
}

func (r *BatchedRecorder) Context() ml.Context { return r.ctx }

func (r *BatchedRecorder) TrackTemporaryBuffer(b ml.Buffer) {
	r.temporaries = append(r.temporaries, b)
}

func (r *BatchedRecorder) Submit() error {
	return r.submit(nil, false)
}

func (r *BatchedRecorder) SubmitAndWait(compute ...ml.Tensor) error {
	return r.submit(compute, true)
}

func (r *BatchedRecorder) submit(compute []ml.Tensor, wait bool) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("recorder: submit panicked: %v", rec)
		}
		r.releaseTemporaries()
	}()

	if r.profiling {
		r.profileStart = time.Now()
	}

	if wait {
		r.ctx.Compute(compute...)
	} else {
		r.ctx.ComputeWithNotify(func() {}, compute...)
	}

	if r.profiling {
		label := r.profileLabel
		if label == "" {
			label = "submit"
		}
		r.lastTimings[label] = time.Since(r.profileStart)
	}

	return nil
}

func (r *BatchedRecorder) releaseTemporaries() {
	for _, b := range r.temporaries {
		r.pool.Release(b)
	}
	r.temporaries = r.temporaries[:0]
}

func (r *BatchedRecorder) Reset() {
	r.temporaries = r.temporaries[:0]
}

func (r *BatchedRecorder) EnableProfiling(on bool) { r.profiling = on }

func (r *BatchedRecorder) ResolveProfileTimings() map[string]time.Duration {
	out := make(map[string]time.Duration, len(r.lastTimings))
	for k, v := range r.lastTimings {
		out[k] = v
	}
	return out
}

// SetProfileLabel tags the next Submit/SubmitAndWait's timing entry. Defaults
// to "submit" when unset.
func (r *BatchedRecorder) SetProfileLabel(label string) { r.profileLabel = label }

// ImmediateRecorder is the recorder of the single-token decode path and of
// debug-layer prefill. Every method forwards to a wrapped BatchedRecorder:
// work is submitted, and tracked temporaries are released, only when Submit
// or SubmitAndWait is called, exactly as with BatchedRecorder.
type ImmediateRecorder struct {
	inner *BatchedRecorder
}

// NewImmediateRecorder wraps a new BatchedRecorder sized for maxGraphNodes.
func NewImmediateRecorder(backend ml.Backend, pool pool, maxGraphNodes int) *ImmediateRecorder {
	return &ImmediateRecorder{inner: NewBatchedRecorder(backend, pool, maxGraphNodes)}
}

func (r *ImmediateRecorder) Context() ml.Context              { return r.inner.Context() }
func (r *ImmediateRecorder) TrackTemporaryBuffer(b ml.Buffer) { r.inner.TrackTemporaryBuffer(b) }
func (r *ImmediateRecorder) Reset()                           { r.inner.Reset() }
func (r *ImmediateRecorder) EnableProfiling(on bool)          { r.inner.EnableProfiling(on) }
func (r *ImmediateRecorder) ResolveProfileTimings() map[string]time.Duration {
	return r.inner.ResolveProfileTimings()
}

func (r *ImmediateRecorder) Submit() error {
	return r.inner.Submit()
}

func (r *ImmediateRecorder) SubmitAndWait(compute ...ml.Tensor) error {
	return r.inner.SubmitAndWait(compute...)
}
