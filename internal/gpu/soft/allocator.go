package soft

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/pbatko/scalag/internal/gpu"
	"github.com/pbatko/scalag/internal/logging"
)

const knownUsage = gpu.BufferUsageTransferSrc | gpu.BufferUsageTransferDst |
	gpu.BufferUsageUniformTexel | gpu.BufferUsageStorageTexel |
	gpu.BufferUsageUniform | gpu.BufferUsageStorage |
	gpu.BufferUsageIndex | gpu.BufferUsageVertex | gpu.BufferUsageIndirect

type allocation struct {
	handle  gpu.AllocationHandle
	buffer  gpu.BufferHandle
	size    int64
	usage   gpu.BufferUsageFlags
	memType int
	props   gpu.MemoryPropertyFlags

	// device is what the device reads and writes. host is the CPU cache of
	// non-coherent memory; nil for coherent memory, where the host maps
	// device directly.
	device []byte
	host   []byte
	mapped bool
}

func (a *allocation) hostView() []byte {
	if a.host != nil {
		return a.host
	}
	return a.device
}

// Allocator implements gpu.Allocator on host memory, modelling memory
// types, heap budgets, mapping rules and non-coherent host caches.
type Allocator struct {
	mu      sync.Mutex
	heaps   []heap
	types   []gpu.MemoryType
	allocs  map[gpu.AllocationHandle]*allocation
	buffers map[gpu.BufferHandle]*allocation
	next    uint64
	closed  bool
	epoch   atomic.Uint64
	faults  *faults
	stats   counters
}

type counters struct {
	maps        int64
	flushes     int64
	invalidates int64
	copies      int64
	bytesCopied int64
}

func newAllocator(heaps []heap, types []gpu.MemoryType, f *faults) *Allocator {
	a := &Allocator{
		heaps:   heaps,
		types:   types,
		allocs:  make(map[gpu.AllocationHandle]*allocation),
		buffers: make(map[gpu.BufferHandle]*allocation),
		faults:  f,
	}
	a.epoch.Store(1)
	return a
}

func (a *Allocator) CreateBuffer(req gpu.BufferRequest) (gpu.BufferAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return gpu.BufferAllocation{}, gpu.ResultErrorDeviceLost
	}
	if req.Size <= 0 {
		return gpu.BufferAllocation{}, errors.Wrapf(gpu.ResultErrorValidationFailed, "buffer size %d", req.Size)
	}
	if req.Usage == 0 || req.Usage&^knownUsage != 0 {
		return gpu.BufferAllocation{}, errors.Wrapf(gpu.ResultErrorValidationFailed, "buffer usage %s", req.Usage)
	}
	if a.faults.take(FaultAllocate) {
		return gpu.BufferAllocation{}, errors.Wrap(gpu.ResultErrorOutOfDeviceMemory, "injected allocation fault")
	}

	typeIndex, ok := gpu.FindMemoryType(a.types, ^uint32(0), req.RequiredFlags, req.MemoryUsage)
	if !ok {
		return gpu.BufferAllocation{}, errors.Wrapf(gpu.ResultErrorFeatureNotPresent,
			"no memory type with %s for %s", req.RequiredFlags, req.MemoryUsage)
	}

	mt := a.types[typeIndex]
	h := &a.heaps[mt.HeapIndex]
	if h.used+req.Size > h.size {
		return gpu.BufferAllocation{}, errors.Wrapf(gpu.ResultErrorOutOfDeviceMemory,
			"heap %d has %d of %d bytes free", mt.HeapIndex, h.size-h.used, h.size)
	}
	h.used += req.Size

	a.next++
	bufHandle := gpu.BufferHandle(a.next)
	a.next++
	allocHandle := gpu.AllocationHandle(a.next)

	alloc := &allocation{
		handle:  allocHandle,
		buffer:  bufHandle,
		size:    req.Size,
		usage:   req.Usage,
		memType: typeIndex,
		props:   mt.Properties,
		device:  make([]byte, req.Size),
	}
	if mt.Properties.Has(gpu.MemoryPropertyHostVisible) && !mt.Properties.Has(gpu.MemoryPropertyHostCoherent) {
		alloc.host = make([]byte, req.Size)
	}

	a.allocs[allocHandle] = alloc
	a.buffers[bufHandle] = alloc

	return gpu.BufferAllocation{
		Buffer:          bufHandle,
		Allocation:      allocHandle,
		MemoryTypeIndex: typeIndex,
		Properties:      mt.Properties,
	}, nil
}

func (a *Allocator) DestroyBuffer(buf gpu.BufferHandle, handle gpu.AllocationHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocs[handle]
	if !ok || alloc.buffer != buf {
		return errors.Wrapf(gpu.ResultErrorUnknown, "buffer %d with allocation %d is not live", buf, handle)
	}

	a.heaps[a.types[alloc.memType].HeapIndex].used -= alloc.size
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
		return nil, errors.Wrapf(gpu.ResultErrorMemoryMapFailed, "memory type %d is not host visible", alloc.memType)
	}
	if alloc.mapped {
		return nil, errors.Wrapf(gpu.ResultErrorMemoryMapFailed, "allocation %d is already mapped", handle)
	}
	if a.faults.take(FaultMap) {
		return nil, errors.Wrap(gpu.ResultErrorMemoryMapFailed, "injected map fault")
	}

	alloc.mapped = true
	a.stats.maps++

	view := alloc.hostView()
	if a.faults.take(FaultShortMap) {
		view = view[:len(view)-1]
	}
	return view, nil
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

	alloc.mapped = false
	return nil
}

func (a *Allocator) FlushAllocation(handle gpu.AllocationHandle, offset, size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.mappedRange(handle, offset, size)
	if err != nil {
		return err
	}
	if a.faults.take(FaultFlush) {
		return errors.Wrap(gpu.ResultErrorOutOfHostMemory, "injected flush fault")
	}

	a.stats.flushes++
	if alloc.host != nil {
		copy(alloc.device[offset:offset+size], alloc.host[offset:offset+size])
	}
	return nil
}

func (a *Allocator) InvalidateAllocation(handle gpu.AllocationHandle, offset, size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, err := a.mappedRange(handle, offset, size)
	if err != nil {
		return err
	}
	if a.faults.take(FaultInvalidate) {
		return errors.Wrap(gpu.ResultErrorOutOfHostMemory, "injected invalidate fault")
	}

	a.stats.invalidates++
	if alloc.host != nil {
		copy(alloc.host[offset:offset+size], alloc.device[offset:offset+size])
	}
	return nil
}

func (a *Allocator) Epoch() uint64 {
	return a.epoch.Load()
}

// mappedRange checks that [offset, offset+size) lies in a mapped allocation.
// Callers hold a.mu.
func (a *Allocator) mappedRange(handle gpu.AllocationHandle, offset, size int64) (*allocation, error) {
	alloc, err := a.lookup(handle)
	if err != nil {
		return nil, err
	}
	if !alloc.mapped {
		return nil, errors.Wrapf(gpu.ResultErrorValidationFailed, "allocation %d is not mapped", handle)
	}
	if offset < 0 || size < 0 || offset+size > alloc.size {
		return nil, errors.Wrapf(gpu.ResultErrorValidationFailed,
			"range [%d, %d) outside allocation of %d bytes", offset, offset+size, alloc.size)
	}
	return alloc, nil
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

// validateCopy checks a copy command against the live buffers.
func (a *Allocator) validateCopy(src, dst gpu.BufferHandle, region gpu.BufferCopy) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, _, err := a.copyTargets(src, dst, region)
	return err
}

// copyTargets resolves and validates a copy command. Callers hold a.mu.
func (a *Allocator) copyTargets(src, dst gpu.BufferHandle, region gpu.BufferCopy) (*allocation, *allocation, error) {
	if a.closed {
		return nil, nil, gpu.ResultErrorDeviceLost
	}

	from, ok := a.buffers[src]
	if !ok {
		return nil, nil, errors.Wrapf(gpu.ResultErrorValidationFailed, "copy source %d is not live", src)
	}
	to, ok := a.buffers[dst]
	if !ok {
		return nil, nil, errors.Wrapf(gpu.ResultErrorValidationFailed, "copy destination %d is not live", dst)
	}
	if !from.usage.Has(gpu.BufferUsageTransferSrc) {
		return nil, nil, errors.Wrapf(gpu.ResultErrorValidationFailed, "copy source usage %s lacks TransferSrc", from.usage)
	}
	if !to.usage.Has(gpu.BufferUsageTransferDst) {
		return nil, nil, errors.Wrapf(gpu.ResultErrorValidationFailed, "copy destination usage %s lacks TransferDst", to.usage)
	}
	if region.Size <= 0 || region.SrcOffset < 0 || region.DstOffset < 0 ||
		region.SrcOffset+region.Size > from.size || region.DstOffset+region.Size > to.size {
		return nil, nil, errors.Wrapf(gpu.ResultErrorValidationFailed,
			"copy region %+v out of bounds (src %d bytes, dst %d bytes)", region, from.size, to.size)
	}
	if src == dst && region.SrcOffset < region.DstOffset+region.Size && region.DstOffset < region.SrcOffset+region.Size {
		return nil, nil, errors.Wrapf(gpu.ResultErrorValidationFailed, "copy region %+v overlaps within buffer %d", region, src)
	}
	return from, to, nil
}

// executeCopy performs a copy on device memory, as the queue does once the
// command reaches the device.
func (a *Allocator) executeCopy(src, dst gpu.BufferHandle, region gpu.BufferCopy) {
	a.mu.Lock()
	defer a.mu.Unlock()

	from, to, err := a.copyTargets(src, dst, region)
	if err != nil {
		// destroyed while the copy was in flight
		logging.Get().WithError(err).WithFields(logrus.Fields{
			"src": src,
			"dst": dst,
		}).Warn("Dropping device copy")
		return
	}

	copy(to.device[region.DstOffset:region.DstOffset+region.Size],
		from.device[region.SrcOffset:region.SrcOffset+region.Size])

	a.stats.copies++
	a.stats.bytesCopied += region.Size
}

// close releases every allocation and moves the epoch on so buffers still
// referencing this allocator fail fast.
func (a *Allocator) close() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0
	}

	leaked := len(a.allocs)
	a.closed = true
	a.allocs = nil
	a.buffers = nil
	for i := range a.heaps {
		a.heaps[i].used = 0
	}
	a.epoch.Add(1)

	return leaked
}
