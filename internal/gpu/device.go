package gpu

import (
	"context"
	"fmt"
)

// BufferHandle identifies a native buffer object.
type BufferHandle uint64

// AllocationHandle identifies the allocator's bookkeeping record for the
// memory bound to a buffer.
type AllocationHandle uint64

// BufferRequest is what an Allocator needs to create a buffer together with
// its memory.
type BufferRequest struct {
	Size          int64
	Usage         BufferUsageFlags
	RequiredFlags MemoryPropertyFlags
	MemoryUsage   MemoryUsage
}

// BufferAllocation is the result of a successful CreateBuffer call.
type BufferAllocation struct {
	Buffer     BufferHandle
	Allocation AllocationHandle
	// MemoryTypeIndex and Properties describe the memory type the allocator
	// picked, which may carry more flags than were required.
	MemoryTypeIndex int
	Properties      MemoryPropertyFlags
}

// Allocator creates buffers with backing memory and gives host access to
// that memory. Implementations return Result values for native failures and
// must be safe for concurrent use.
type Allocator interface {
	// CreateBuffer creates the buffer object and its allocation in one step.
	// On failure nothing stays allocated.
	CreateBuffer(req BufferRequest) (BufferAllocation, error)

	// DestroyBuffer releases a buffer and its allocation together.
	DestroyBuffer(buf BufferHandle, alloc AllocationHandle) error

	// MapMemory returns a host view of the whole allocation.
	MapMemory(alloc AllocationHandle) ([]byte, error)

	// UnmapMemory invalidates the view returned by MapMemory.
	UnmapMemory(alloc AllocationHandle) error

	// FlushAllocation makes host writes in [offset, offset+size) visible to
	// the device.
	FlushAllocation(alloc AllocationHandle, offset, size int64) error

	// InvalidateAllocation makes device writes in [offset, offset+size)
	// visible to the host.
	InvalidateAllocation(alloc AllocationHandle, offset, size int64) error

	// Epoch changes once the allocator is closed. Buffers compare it with
	// the value seen at creation to detect a released allocator.
	Epoch() uint64
}

// BufferCopy is one region of a buffer to buffer copy.
type BufferCopy struct {
	SrcOffset int64
	DstOffset int64
	Size      int64
}

// CommandRecorder accepts commands for a single-use command buffer.
type CommandRecorder interface {
	CopyBuffer(src, dst BufferHandle, regions ...BufferCopy)
}

// CommandPool hands out single-use command recordings and submits them.
type CommandPool interface {
	BeginSingleTimeCommands() (CommandRecorder, error)
	// EndSingleTimeCommands submits the recording and returns the fence
	// signaled once the device has executed it.
	EndSingleTimeCommands(rec CommandRecorder) (Fence, error)
}

// Fence is a completion token for submitted device work.
type Fence interface {
	// Wait blocks until the fence signals or ctx is done.
	Wait(ctx context.Context) error
	// Signaled reports whether the work has completed, without blocking.
	Signaled() bool
	// Destroy releases the fence. Waiting on a destroyed fence is invalid.
	Destroy()
}

// MemoryType describes one memory type exposed by a device.
type MemoryType struct {
	Index      int
	HeapIndex  int
	HeapSize   int64
	Properties MemoryPropertyFlags
}

// Device bundles the collaborators a Buffer needs.
type Device interface {
	// Name returns a human-readable device name
	Name() string

	// Type returns the device type
	Type() DeviceType

	Allocator() Allocator
	CommandPool() CommandPool

	// MemoryTypes lists the memory types in index order
	MemoryTypes() []MemoryType

	// Close releases the device. Buffers still alive afterwards fail with
	// ErrAllocatorReleased.
	Close() error
}

// DeviceType represents the kind of device backing a Device
type DeviceType int

const (
	DeviceTypeSoft DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeOther
)

func (dt DeviceType) String() string {
	switch dt {
	case DeviceTypeSoft:
		return "Soft"
	case DeviceTypeIntegratedGPU:
		return "IntegratedGPU"
	case DeviceTypeDiscreteGPU:
		return "DiscreteGPU"
	case DeviceTypeOther:
		return "Other"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(dt))
	}
}
