package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgpuinfer/core/ml"
	"github.com/wgpuinfer/core/ml/mltest"
)

type releaseTracker struct {
	released []ml.Buffer
}

func (r *releaseTracker) Release(b ml.Buffer) {
	r.released = append(r.released, b)
}

func newBuffer(t *testing.T, backend ml.Backend, size int) ml.Buffer {
	t.Helper()
	b, err := backend.NewBuffer(size, ml.UsageStorage)
	require.NoError(t, err)
	return b
}

func TestSubmitReleasesTrackedTemporaries(t *testing.T) {
	backend := mltest.NewBackend()
	tracker := &releaseTracker{}
	rec := NewBatchedRecorder(backend, tracker, 16)

	b1 := newBuffer(t, backend, 256)
	b2 := newBuffer(t, backend, 512)
	rec.TrackTemporaryBuffer(b1)
	rec.TrackTemporaryBuffer(b2)

	require.NoError(t, rec.SubmitAndWait())

	assert.ElementsMatch(t, []ml.Buffer{b1, b2}, tracker.released)
}

func TestSubmitClearsTemporariesForNextBatch(t *testing.T) {
	backend := mltest.NewBackend()
	tracker := &releaseTracker{}
	rec := NewBatchedRecorder(backend, tracker, 16)

	rec.TrackTemporaryBuffer(newBuffer(t, backend, 256))
	require.NoError(t, rec.Submit())
	require.NoError(t, rec.Submit())

	// The second submit must not release the first batch's buffer again.
	assert.Len(t, tracker.released, 1)
}

func TestResetDropsTemporariesWithoutReleasing(t *testing.T) {
	backend := mltest.NewBackend()
	tracker := &releaseTracker{}
	rec := NewBatchedRecorder(backend, tracker, 16)

	rec.TrackTemporaryBuffer(newBuffer(t, backend, 256))
	rec.Reset()
	require.NoError(t, rec.SubmitAndWait())

	assert.Empty(t, tracker.released)
}

func TestProfilingRecordsSubmitTiming(t *testing.T) {
	backend := mltest.NewBackend()
	rec := NewBatchedRecorder(backend, &releaseTracker{}, 16)
	rec.EnableProfiling(true)
	rec.SetProfileLabel("prefill")

	require.NoError(t, rec.SubmitAndWait())

	timings := rec.ResolveProfileTimings()
	assert.Contains(t, timings, "prefill")
}

func TestProfilingDisabledYieldsNoTimings(t *testing.T) {
	backend := mltest.NewBackend()
	rec := NewBatchedRecorder(backend, &releaseTracker{}, 16)

	require.NoError(t, rec.SubmitAndWait())

	assert.Empty(t, rec.ResolveProfileTimings())
}

func TestImmediateRecorderReleasesPerSubmit(t *testing.T) {
	backend := mltest.NewBackend()
	tracker := &releaseTracker{}
	rec := NewImmediateRecorder(backend, tracker, 16)

	b := newBuffer(t, backend, 128)
	rec.TrackTemporaryBuffer(b)
	require.NoError(t, rec.Submit())

	assert.Equal(t, []ml.Buffer{b}, tracker.released)
}

func TestRecorderInterfaceCompliance(t *testing.T) {
	backend := mltest.NewBackend()
	var _ Recorder = NewBatchedRecorder(backend, &releaseTracker{}, 4)
	var _ Recorder = NewImmediateRecorder(backend, &releaseTracker{}, 4)
}
