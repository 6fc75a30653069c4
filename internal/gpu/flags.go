package gpu

import "github.com/vkngwrapper/core/v2/common"

// BufferUsageFlags describes how a buffer will be used. Values match
// VkBufferUsageFlagBits.
type BufferUsageFlags uint32

const (
	BufferUsageTransferSrc BufferUsageFlags = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniformTexel
	BufferUsageStorageTexel
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageIndirect
)

var bufferUsageMapping = common.NewFlagStringMapping[BufferUsageFlags]()

func (f BufferUsageFlags) Register(str string) {
	bufferUsageMapping.Register(f, str)
}

func (f BufferUsageFlags) Has(bits BufferUsageFlags) bool {
	return f&bits == bits
}

func (f BufferUsageFlags) String() string {
	return bufferUsageMapping.FlagsToString(f)
}

// MemoryPropertyFlags describes properties of a memory type. Values match
// VkMemoryPropertyFlagBits.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
	MemoryPropertyLazilyAllocated
)

var memoryPropertyMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyMapping.Register(f, str)
}

func (f MemoryPropertyFlags) Has(bits MemoryPropertyFlags) bool {
	return f&bits == bits
}

func (f MemoryPropertyFlags) String() string {
	return memoryPropertyMapping.FlagsToString(f)
}

// MemoryUsage is the allocator hint describing where the memory should live.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown leaves memory type selection to the required flags.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly prefers device local memory.
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly prefers host visible, host coherent memory.
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU prefers memory the host writes and the device reads,
	// ideally device local and host visible.
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU prefers host cached memory for readback.
	MemoryUsageGPUToCPU
)

var memoryUsageNames = map[MemoryUsage]string{
	MemoryUsageUnknown:  "Unknown",
	MemoryUsageGPUOnly:  "GPUOnly",
	MemoryUsageCPUOnly:  "CPUOnly",
	MemoryUsageCPUToGPU: "CPUToGPU",
	MemoryUsageGPUToCPU: "GPUToCPU",
}

func (u MemoryUsage) String() string {
	name, ok := memoryUsageNames[u]
	if !ok {
		return "unknown"
	}
	return name
}

// Preferred returns the memory properties an allocator should favor for
// this usage class on top of the required flags.
func (u MemoryUsage) Preferred() MemoryPropertyFlags {
	switch u {
	case MemoryUsageGPUOnly:
		return MemoryPropertyDeviceLocal
	case MemoryUsageCPUOnly:
		return MemoryPropertyHostVisible | MemoryPropertyHostCoherent
	case MemoryUsageCPUToGPU:
		return MemoryPropertyHostVisible | MemoryPropertyDeviceLocal
	case MemoryUsageGPUToCPU:
		return MemoryPropertyHostVisible | MemoryPropertyHostCached
	default:
		return 0
	}
}

// Required returns the properties an allocator must guarantee for this
// usage class regardless of the caller's required flags.
func (u MemoryUsage) Required() MemoryPropertyFlags {
	switch u {
	case MemoryUsageCPUOnly, MemoryUsageCPUToGPU, MemoryUsageGPUToCPU:
		return MemoryPropertyHostVisible
	default:
		return 0
	}
}

func init() {
	BufferUsageTransferSrc.Register("TransferSrc")
	BufferUsageTransferDst.Register("TransferDst")
	BufferUsageUniformTexel.Register("UniformTexel")
	BufferUsageStorageTexel.Register("StorageTexel")
	BufferUsageUniform.Register("Uniform")
	BufferUsageStorage.Register("Storage")
	BufferUsageIndex.Register("Index")
	BufferUsageVertex.Register("Vertex")
	BufferUsageIndirect.Register("Indirect")

	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")
}
