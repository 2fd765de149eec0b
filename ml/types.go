// Package ml defines the backend-agnostic tensor and execution interfaces
// that the inference core is built on: a GPU command-encoder abstraction
// (Context/Tensor), a process-wide buffer pool, and the cache-shape hints a
// backend can request via CacheConfig. Concrete backends (WebGPU, Metal,
// CPU reference) register themselves with RegisterBackend; none of that
// kernel-level code lives in this module.
package ml

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeI32
	DTypeInt8
	DTypeQ4K
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeI32:
		return "i32"
	case DTypeInt8:
		return "int8"
	case DTypeQ4K:
		return "q4k"
	default:
		return "other"
	}
}

// Bytes returns the size in bytes of a single element of this type, or 0 for
// block-quantized types that don't have a fixed per-element size (q4k).
func (d DType) Bytes() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16:
		return 2
	case DTypeInt8:
		return 1
	default:
		return 0
	}
}

// UsageFlags describes how a pool buffer will be used, which a backend may
// use to pick an allocation strategy (e.g. mappable staging vs. storage-only).
type UsageFlags int

const (
	UsageStorage UsageFlags = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
	UsageUniform
)
