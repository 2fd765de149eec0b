package ml

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// DefaultNumThreads returns a sensible BackendParams.NumThreads for CPU-side
// work (embedding lookups, CPU sampling) when a caller leaves it unset:
// the number of physical cores, which avoids oversubscribing from
// hyperthread-counted logical cores on the sampling hot path.
func DefaultNumThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return 1
}

// DeviceID identifies a single compute device within a backend's library.
type DeviceID struct {
	Library string `json:"library"`
	ID      string `json:"id"`
}

func (d DeviceID) String() string {
	return fmt.Sprintf("%s:%s", d.Library, d.ID)
}

// DeviceInfo is the subset of device identification the core needs to log
// and to report through the progress sink; discovery of the concrete device
// list (CUDA/ROCm/Vulkan enumeration, driver versions) is backend-specific
// and out of scope here.
type DeviceInfo struct {
	DeviceID

	// Name is the device name as labeled by the backend.
	Name string `json:"name"`

	// Description is a longer, user-facing identification of the device.
	Description string `json:"description"`

	// TotalMemory and FreeMemory are best-effort, in bytes.
	TotalMemory uint64 `json:"total_memory"`
	FreeMemory  uint64 `json:"free_memory"`
}
