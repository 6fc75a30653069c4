//go:build vulkan && cgo

package vulkan

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/pbatko/scalag/internal/gpu"
)

type allocation struct {
	buffer vk.Buffer
	memory vk.DeviceMemory
	handle gpu.BufferHandle
	size   int64
	props  gpu.MemoryPropertyFlags
	mapped bool
}

// Allocator gives every buffer a dedicated VkDeviceMemory allocation.
type Allocator struct {
	device vk.Device
	types  []gpu.MemoryType
	atom   int64

	mu      sync.Mutex
	allocs  map[gpu.AllocationHandle]*allocation
	buffers map[gpu.BufferHandle]*allocation
	next    uint64
	closed  bool
	epoch   atomic.Uint64
}

func newAllocator(device vk.Device, types []gpu.MemoryType, atom int64) *Allocator {
	a := &Allocator{
		device:  device,
		types:   types,
		atom:    atom,
		allocs:  make(map[gpu.AllocationHandle]*allocation),
		buffers: make(map[gpu.BufferHandle]*allocation),
	}
	a.epoch.Store(1)
	return a
}

func (a *Allocator) CreateBuffer(req gpu.BufferRequest) (gpu.BufferAllocation, error) {
	if req.Size <= 0 || req.Usage == 0 {
		return gpu.BufferAllocation{}, errors.Wrapf(gpu.ResultErrorValidationFailed,
			"buffer size %d usage %s", req.Size, req.Usage)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return gpu.BufferAllocation{}, gpu.ResultErrorDeviceLost
	}

	var buffer vk.Buffer
	err := check(vk.CreateBuffer(a.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(req.Size),
		Usage:       vk.BufferUsageFlags(req.Usage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buffer))
	if err != nil {
		return gpu.BufferAllocation{}, errors.Wrap(err, "vkCreateBuffer")
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(a.device, buffer, &reqs)
	reqs.Deref()

	typeIndex, ok := gpu.FindMemoryType(a.types, reqs.MemoryTypeBits, req.RequiredFlags, req.MemoryUsage)
	if !ok {
		vk.DestroyBuffer(a.device, buffer, nil)
		return gpu.BufferAllocation{}, errors.Wrapf(gpu.ResultErrorFeatureNotPresent,
			"no memory type with %s for %s", req.RequiredFlags, req.MemoryUsage)
	}

	var memory vk.DeviceMemory
	err = check(vk.AllocateMemory(a.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(typeIndex),
	}, nil, &memory))
	if err != nil {
		vk.DestroyBuffer(a.device, buffer, nil)
		return gpu.BufferAllocation{}, errors.Wrap(err, "vkAllocateMemory")
	}

	if err := check(vk.BindBufferMemory(a.device, buffer, memory, 0)); err != nil {
		vk.FreeMemory(a.device, memory, nil)
		vk.DestroyBuffer(a.device, buffer, nil)
		return gpu.BufferAllocation{}, errors.Wrap(err, "vkBindBufferMemory")
	}

	a.next++
	bufHandle := gpu.BufferHandle(a.next)
	a.next++
	allocHandle := gpu.AllocationHandle(a.next)

	alloc := &allocation{
		buffer: buffer,
		memory: memory,
		handle: bufHandle,
		size:   req.Size,
		props:  a.types[typeIndex].Properties,
	}
	a.allocs[allocHandle] = alloc
	a.buffers[bufHandle] = alloc

	return gpu.BufferAllocation{
		Buffer:          bufHandle,
		Allocation:      allocHandle,
		MemoryTypeIndex: typeIndex,
		Properties:      alloc.props,
	}, nil
}

func (a *Allocator) DestroyBuffer(buf gpu.BufferHandle, handle gpu.AllocationHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocs[handle]
	if !ok || alloc.handle != buf {
		return errors.Wrapf(gpu.ResultErrorUnknown, "buffer %d with allocation %d is not live", buf, handle)
	}

	a.free(alloc)
	delete(a.allocs, handle)
	delete(a.buffers, buf)
	return nil
}

func (a *Allocator) MapMemory(handle gpu.AllocationHandle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.lookup(handle)
	if err != nil {
		return nil, err
	}
	if !alloc.props.Has(gpu.MemoryPropertyHostVisible) {
		return nil, errors.Wrapf(gpu.ResultErrorMemoryMapFailed, "memory %s is not host visible", alloc.props)
	}
	if alloc.mapped {
		return nil, errors.Wrapf(gpu.ResultErrorMemoryMapFailed, "allocation %d is already mapped", handle)
	}

	var ptr unsafe.Pointer
	if err := check(vk.MapMemory(a.device, alloc.memory, 0, vk.DeviceSize(alloc.size), 0, &ptr)); err != nil {
		return nil, errors.Wrap(err, "vkMapMemory")
	}
	alloc.mapped = true

	return unsafe.Slice((*byte)(ptr), alloc.size), nil
}

func (a *Allocator) UnmapMemory(handle gpu.AllocationHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.lookup(handle)
	if err != nil {
		return err
	}
	if !alloc.mapped {
		return errors.Wrapf(gpu.ResultErrorValidationFailed, "allocation %d is not mapped", handle)
	}

	vk.UnmapMemory(a.device, alloc.memory)
	alloc.mapped = false
	return nil
}

func (a *Allocator) FlushAllocation(handle gpu.AllocationHandle, offset, size int64) error {
	return a.syncRange(handle, offset, size, vk.FlushMappedMemoryRanges, "vkFlushMappedMemoryRanges")
}

func (a *Allocator) InvalidateAllocation(handle gpu.AllocationHandle, offset, size int64) error {
	return a.syncRange(handle, offset, size, vk.InvalidateMappedMemoryRanges, "vkInvalidateMappedMemoryRanges")
}

func (a *Allocator) Epoch() uint64 {
	return a.epoch.Load()
}

type rangeFunc func(device vk.Device, count uint32, ranges []vk.MappedMemoryRange) vk.Result

func (a *Allocator) syncRange(handle gpu.AllocationHandle, offset, size int64, fn rangeFunc, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.lookup(handle)
	if err != nil {
		return err
	}
	if !alloc.mapped {
		return errors.Wrapf(gpu.ResultErrorValidationFailed, "allocation %d is not mapped", handle)
	}
	if offset < 0 || size < 0 || offset+size > alloc.size {
		return errors.Wrapf(gpu.ResultErrorValidationFailed,
			"range [%d, %d) outside allocation of %d bytes", offset, offset+size, alloc.size)
	}
	if alloc.props.Has(gpu.MemoryPropertyHostCoherent) || size == 0 {
		return nil
	}

	start, length, whole := alignRange(offset, size, a.atom, alloc.size)
	rangeSize := vk.DeviceSize(length)
	if whole {
		rangeSize = vk.DeviceSize(vk.WholeSize)
	}

	err = check(fn(a.device, 1, []vk.MappedMemoryRange{{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: alloc.memory,
		Offset: vk.DeviceSize(start),
		Size:   rangeSize,
	}}))
	return errors.Wrap(err, name)
}

// resolve maps buffer handles to native buffers for command recording.
func (a *Allocator) resolve(src, dst gpu.BufferHandle) (from, to vk.Buffer, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.buffers[src]
	if !ok {
		return from, to, errors.Wrapf(gpu.ResultErrorValidationFailed, "copy source %d is not live", src)
	}
	d, ok := a.buffers[dst]
	if !ok {
		return from, to, errors.Wrapf(gpu.ResultErrorValidationFailed, "copy destination %d is not live", dst)
	}
	return s.buffer, d.buffer, nil
}

// lookup finds a live allocation. Callers hold a.mu.
func (a *Allocator) lookup(handle gpu.AllocationHandle) (*allocation, error) {
	if a.closed {
		return nil, gpu.ResultErrorDeviceLost
	}
	alloc, ok := a.allocs[handle]
	if !ok {
		return nil, errors.Wrapf(gpu.ResultErrorUnknown, "allocation %d is not live", handle)
	}
	return alloc, nil
}

// free releases the native objects. Callers hold a.mu.
func (a *Allocator) free(alloc *allocation) {
	if alloc.mapped {
		vk.UnmapMemory(a.device, alloc.memory)
	}
	vk.DestroyBuffer(a.device, alloc.buffer, nil)
	vk.FreeMemory(a.device, alloc.memory, nil)
}

func (a *Allocator) close() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0
	}

	leaked := len(a.allocs)
	for _, alloc := range a.allocs {
		a.free(alloc)
	}
	a.closed = true
	a.allocs = nil
	a.buffers = nil
	a.epoch.Add(1)

	return leaked
}
