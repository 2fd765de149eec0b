// Package weightmap models the pipeline's weight storage as a tagged
// variant instead of runtime type-probing: every entry is exactly one of
// {GPU buffer, typed GPU buffer, CPU array, absent}, and callers dispatch
// on the tag explicitly.
package weightmap

import (
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/wgpuinfer/core/ml"
)

// Kind is the tag discriminating a Weight's representation.
type Kind int

const (
	KindAbsent Kind = iota
	KindGpu
	KindTypedGpu
	KindCpu
)

// Weight is a tagged variant: the fields valid for each Kind are marked
// below. Callers must switch on Kind rather than probe which
// field is non-nil.
type Weight struct {
	Kind Kind

	Gpu ml.Tensor // KindGpu, KindTypedGpu

	DType ml.DType // KindTypedGpu, KindCpu

	Cpu []float32 // KindCpu
}

// Absent is the zero Weight, returned for a lookup miss.
var Absent = Weight{Kind: KindAbsent}

func Gpu(t ml.Tensor) Weight                   { return Weight{Kind: KindGpu, Gpu: t} }
func TypedGpu(t ml.Tensor, dt ml.DType) Weight { return Weight{Kind: KindTypedGpu, Gpu: t, DType: dt} }
func Cpu(v []float32, dt ml.DType) Weight      { return Weight{Kind: KindCpu, Cpu: v, DType: dt} }

// Map is the ordered, string-keyed table of every weight the pipeline owns.
// Ordering matters for deterministic load-progress reporting and for
// dumping a reproducible weight manifest; a plain Go map would iterate in
// random order.
type Map struct {
	entries *orderedmap.OrderedMap[string, Weight]

	// fused caches synthesized fused Q/K/V entries: the pipeline fuses
	// eagerly at load time, and forward-path lookups afterwards hit the
	// cache instead of re-running the synthesis. fusedMu keeps lookups from
	// the forward path safe against a late lazy fuse.
	fusedMu sync.RWMutex
	fused   map[string]Weight
}

// New creates an empty weight map.
func New() *Map {
	return &Map{
		entries: orderedmap.New[string, Weight](),
		fused:   make(map[string]Weight),
	}
}

// Set stores w under key, overwriting any previous entry.
func (m *Map) Set(key string, w Weight) {
	m.entries.Set(key, w)
}

// Get returns the weight stored under key, or Absent if there is none.
func (m *Map) Get(key string) Weight {
	if w, ok := m.entries.Get(key); ok {
		return w
	}
	return Absent
}

// Keys returns every key in insertion order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, m.entries.Len())
	for pair := m.entries.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// FusedQKVSynthesizer builds a single fused Q/K/V weight from the
// separate per-projection entries, for backends whose attention kernel
// expects one combined matrix.
type FusedQKVSynthesizer func(q, k, v Weight) (Weight, error)

// GetFusedQKV returns the fused Q/K/V weight for layerPrefix, synthesizing
// it via synth on first access and caching the result. Returns an error if
// any of the three separate projections is absent.
func (m *Map) GetFusedQKV(layerPrefix string, synth FusedQKVSynthesizer) (Weight, error) {
	cacheKey := layerPrefix + ".qkv_fused"
	m.fusedMu.RLock()
	w, ok := m.fused[cacheKey]
	m.fusedMu.RUnlock()
	if ok {
		return w, nil
	}

	q := m.Get(layerPrefix + ".attn_q.weight")
	k := m.Get(layerPrefix + ".attn_k.weight")
	v := m.Get(layerPrefix + ".attn_v.weight")
	if q.Kind == KindAbsent || k.Kind == KindAbsent || v.Kind == KindAbsent {
		return Absent, fmt.Errorf("weightmap: cannot fuse qkv for %q: one or more of q/k/v is absent", layerPrefix)
	}

	fused, err := synth(q, k, v)
	if err != nil {
		return Absent, err
	}

	m.fusedMu.Lock()
	m.fused[cacheKey] = fused
	m.fusedMu.Unlock()
	return fused, nil
}

// Unload drops every reference this map holds; GPU tensors themselves are
// owned and destroyed by the backend/buffer pool, not by this map.
func (m *Map) Unload() {
	m.entries = orderedmap.New[string, Weight]()
	m.fusedMu.Lock()
	m.fused = make(map[string]Weight)
	m.fusedMu.Unlock()
}
