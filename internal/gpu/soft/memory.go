package soft

import (
	"fmt"

	"github.com/pbatko/scalag/internal/gpu"
)

// Profile selects the memory layout the device simulates.
type Profile string

const (
	// ProfileIntegrated models unified memory: one heap, every memory type
	// device local and host visible.
	ProfileIntegrated Profile = "integrated"
	// ProfileDiscrete models a discrete card: a device local heap the host
	// cannot map and a separate host heap.
	ProfileDiscrete Profile = "discrete"
)

type heap struct {
	size int64
	used int64
}

func layout(profile Profile, heapSize int64) ([]heap, []gpu.MemoryType, error) {
	const (
		deviceLocal = gpu.MemoryPropertyDeviceLocal
		hostVisible = gpu.MemoryPropertyHostVisible
		coherent    = gpu.MemoryPropertyHostCoherent
		cached      = gpu.MemoryPropertyHostCached
	)

	var (
		heaps []heap
		types []gpu.MemoryType
	)
	switch profile {
	case ProfileIntegrated:
		heaps = []heap{{size: heapSize}}
		types = []gpu.MemoryType{
			{Properties: deviceLocal | hostVisible | coherent, HeapIndex: 0},
			{Properties: deviceLocal | hostVisible | cached, HeapIndex: 0},
		}
	case ProfileDiscrete:
		heaps = []heap{{size: heapSize}, {size: heapSize}}
		types = []gpu.MemoryType{
			{Properties: deviceLocal, HeapIndex: 0},
			{Properties: hostVisible | coherent, HeapIndex: 1},
			{Properties: hostVisible | cached, HeapIndex: 1},
		}
	default:
		return nil, nil, fmt.Errorf("unknown memory profile %q", profile)
	}

	for i := range types {
		types[i].Index = i
		types[i].HeapSize = heaps[types[i].HeapIndex].size
	}
	return heaps, types, nil
}
