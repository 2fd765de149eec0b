package ml

import (
	"context"
	"fmt"
)

// Backend represents a model execution backend (e.g. a WebGPU device, a
// Metal device, or a CPU reference implementation used in tests).
type Backend interface {
	// Close frees all memory associated with this backend.
	Close()

	Load(ctx context.Context, progress func(float32)) error

	// BackendMemory returns the memory allocations made for this model.
	BackendMemory() BackendMemory

	Config() Config
	Get(name string) Tensor
	NewContext() Context
	NewContextSize(size int) Context

	// NewBuffer allocates a raw device buffer outside the tensor/context
	// graph, for use by the process-wide Pool (decode ring slots, decode
	// ping-pong buffers, recorder temporaries).
	NewBuffer(size int, usage UsageFlags) (Buffer, error)

	// BackendDevices enumerates the devices available for inference via
	// this backend.
	BackendDevices() []DeviceInfo
}

// BackendCacheConfig is implemented by backends that need cache output
// shaped a particular way to match a kernel, most often in conjunction with
// ScaledDotProductAttention.
type BackendCacheConfig interface {
	CacheConfig() CacheConfig
}

// CacheConfig controls backend-specific optimizations applied to the output
// of a KV cache Get.
type CacheConfig struct {
	// CachePadding is the multiple of tokens of cache history that Get will
	// return for k, v and the mask. Cache capacity is rounded up to match.
	CachePadding int

	// PermutedV performs Permute(ctx, 1, 2, 0, 3) on v tensors stored via
	// Put and returns the permuted layout from Get, using the cache's own
	// copy operation instead of a Contiguous call on the caller's side.
	PermutedV bool

	// MaskDType is the dtype used when generating the attention mask.
	// Defaults to DTypeF32 when unset.
	MaskDType DType
}

// BackendParams controls how a backend loads and executes a model.
type BackendParams struct {
	// AllocMemory causes the backend to actually allocate device memory.
	// When false the backend is only being probed to discover how much
	// memory a load would require, and cannot be used for inference.
	AllocMemory bool

	// NumThreads bounds CPU-side work (embedding lookups, CPU sampling).
	NumThreads int

	// GPULayers is the set of transformer layers to place on GPU.
	GPULayers GPULayersList

	// FlashAttention requests a fused attention kernel where available.
	FlashAttention FlashAttentionType
}

// FlashAttentionType selects whether a fused attention kernel is used.
type FlashAttentionType int32

const (
	FlashAttentionAuto     FlashAttentionType = -1
	FlashAttentionDisabled FlashAttentionType = 0
	FlashAttentionEnabled  FlashAttentionType = 1
)

// GPULayersList is the ordered set of layer indices assigned to each device.
type GPULayersList []GPULayers

// GPULayers is the set of layer indices offloaded to a single device.
type GPULayers struct {
	DeviceID
	Layers []int
}

var backends = make(map[string]func(string, BackendParams) (Backend, error))

// RegisterBackend registers a backend factory under a name. Called from the
// init() of a concrete backend package; never from this package.
func RegisterBackend(name string, f func(string, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered: " + name)
	}
	backends[name] = f
}

// NewBackend constructs the backend registered under name for modelPath.
func NewBackend(name, modelPath string, params BackendParams) (Backend, error) {
	backend, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("ml: unregistered backend %q", name)
	}
	return backend(modelPath, params)
}

// BackendMemory reports the memory a backend has allocated, broken down by
// device, so a caller can decide whether a model will fit before committing
// to a full load.
type BackendMemory struct {
	InputWeights Memory
	CPU          DeviceMemory
	GPUs         []DeviceMemory
}

// Memory is a single weight or buffer allocation.
type Memory struct {
	Label string
	Size  uint64
}

// DeviceMemory aggregates allocations for one device.
type DeviceMemory struct {
	Name    string
	ID      DeviceID
	Weights []Memory
	Cache   []Memory
	Graph   []Memory
}

// ErrNoMem is returned when a backend cannot satisfy an allocation; it
// carries the memory layout computed so far so the caller can report a
// useful out-of-memory message.
type ErrNoMem struct {
	BackendMemory BackendMemory
}

func (e ErrNoMem) Error() string {
	return "insufficient memory for model allocation"
}
