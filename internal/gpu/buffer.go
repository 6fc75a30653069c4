package gpu

import (
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"github.com/pbatko/scalag/internal/logging"
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label       string
	Size        int64
	Usage       BufferUsageFlags
	MemoryFlags MemoryPropertyFlags
	MemoryUsage MemoryUsage
}

// Buffer is one allocated region of device memory.
//
// A Buffer is created by NewBuffer and must be released exactly once with
// Destroy. It does not own its Allocator, which must outlive it. Mapped
// access (CopyHostToBuffer, CopyBufferToHost, ReadInto, CopyFromHost) must be
// serialized by the caller; overlapping mapped calls fail with
// ErrAlreadyMapped instead of blocking.
type Buffer struct {
	id          uuid.UUID
	label       string
	handle      BufferHandle
	allocation  AllocationHandle
	size        int64
	usage       BufferUsageFlags
	memoryFlags MemoryPropertyFlags
	memoryUsage MemoryUsage
	properties  MemoryPropertyFlags
	memoryType  int

	allocator Allocator
	epoch     uint64

	destroyed atomic.Bool
	mapped    atomic.Bool
}

// NewBuffer creates a buffer and its backing memory in one allocator call.
// It either returns a live buffer or an *AllocationError and a nil buffer.
func NewBuffer(allocator Allocator, desc BufferDescriptor) (*Buffer, error) {
	if allocator == nil {
		return nil, newAllocationError("create buffer", ErrAllocatorReleased)
	}
	if desc.Size <= 0 {
		return nil, newAllocationError("create buffer", errors.Wrapf(ErrInvalidSize, "buffer size %d", desc.Size))
	}

	// a close racing with CreateBuffer must leave the buffer released
	epoch := allocator.Epoch()

	res, err := allocator.CreateBuffer(BufferRequest{
		Size:          desc.Size,
		Usage:         desc.Usage,
		RequiredFlags: desc.MemoryFlags,
		MemoryUsage:   desc.MemoryUsage,
	})
	if err != nil {
		return nil, newAllocationError("create buffer", err)
	}

	b := &Buffer{
		id:          uuid.New(),
		label:       desc.Label,
		handle:      res.Buffer,
		allocation:  res.Allocation,
		size:        desc.Size,
		usage:       desc.Usage,
		memoryFlags: desc.MemoryFlags,
		memoryUsage: desc.MemoryUsage,
		properties:  res.Properties,
		memoryType:  res.MemoryTypeIndex,
		allocator:   allocator,
		epoch:       epoch,
	}

	runtime.SetFinalizer(b, reportLeakedBuffer)

	b.log().WithFields(logrus.Fields{
		"usage":       desc.Usage.String(),
		"memory_type": res.MemoryTypeIndex,
		"properties":  res.Properties.String(),
	}).Debug("Created buffer")

	return b, nil
}

func reportLeakedBuffer(b *Buffer) {
	if !b.destroyed.Load() {
		b.log().Warn("Buffer garbage collected without Destroy, device memory leaked")
	}
}

// Destroy releases the buffer and its allocation. A second call returns
// ErrBufferDestroyed without touching the allocator.
func (b *Buffer) Destroy() error {
	if !b.destroyed.CompareAndSwap(false, true) {
		return ErrBufferDestroyed
	}
	runtime.SetFinalizer(b, nil)

	if b.allocator.Epoch() != b.epoch {
		// the allocator released everything it owned when it was closed
		return ErrAllocatorReleased
	}

	if err := b.allocator.DestroyBuffer(b.handle, b.allocation); err != nil {
		return newAllocationError("destroy buffer", err)
	}

	b.log().Debug("Destroyed buffer")
	return nil
}

// ReadInto copies min(len(dst), Size()) bytes from the buffer into dst and
// returns the number of bytes copied. The rest of dst is left untouched.
func (b *Buffer) ReadInto(dst []byte) (int, error) {
	if err := b.checkLive(); err != nil {
		return 0, err
	}

	n := min(int64(len(dst)), b.size)
	if n == 0 {
		return 0, nil
	}

	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)
	scratch.B = slices.Grow(scratch.B[:0], int(n))[:n]

	copied, err := CopyBufferToHost(b, scratch.B, n)
	if err != nil {
		return 0, err
	}

	return copy(dst, scratch.B[:copied]), nil
}

// CopyFromHost writes min(len(src), Size()) bytes of src to the start of the
// buffer and returns the number of bytes written.
func (b *Buffer) CopyFromHost(src []byte) (int, error) {
	n, err := CopyHostToBuffer(src, b, int64(len(src)))
	return int(n), err
}

// withMapped maps the buffer, runs fn against the host view and unmaps on
// every exit path, including a panic in fn.
func (b *Buffer) withMapped(op string, fn func(mem []byte) error) (err error) {
	if !b.properties.Has(MemoryPropertyHostVisible) {
		return newMapError(op, errors.Wrapf(ErrNotHostVisible, "memory properties %s", b.properties))
	}
	if !b.mapped.CompareAndSwap(false, true) {
		return newMapError(op, ErrAlreadyMapped)
	}
	defer b.mapped.Store(false)

	mem, err := b.allocator.MapMemory(b.allocation)
	if err != nil {
		return newMapError(op, err)
	}
	defer func() {
		if uerr := b.allocator.UnmapMemory(b.allocation); uerr != nil && err == nil {
			err = newMapError("unmap", uerr)
		}
	}()

	return fn(mem)
}

func (b *Buffer) checkLive() error {
	if b.destroyed.Load() {
		return ErrBufferDestroyed
	}
	if b.allocator.Epoch() != b.epoch {
		return ErrAllocatorReleased
	}
	return nil
}

func (b *Buffer) log() *logrus.Entry {
	name := b.label
	if name == "" {
		name = b.id.String()
	}
	return logging.Get().WithFields(logrus.Fields{
		"buffer": name,
		"size":   b.size,
	})
}

// ID returns a process-unique id for the buffer, used in logs.
func (b *Buffer) ID() uuid.UUID { return b.id }

// Label returns the label given in the descriptor.
func (b *Buffer) Label() string { return b.label }

// Size returns the buffer length in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Handle returns the native buffer handle. It is only meaningful while the
// buffer is alive.
func (b *Buffer) Handle() BufferHandle { return b.handle }

func (b *Buffer) Usage() BufferUsageFlags         { return b.usage }
func (b *Buffer) MemoryFlags() MemoryPropertyFlags { return b.memoryFlags }
func (b *Buffer) MemoryUsage() MemoryUsage         { return b.memoryUsage }

// MemoryProperties returns the properties of the memory type the allocator
// actually chose.
func (b *Buffer) MemoryProperties() MemoryPropertyFlags { return b.properties }

// MemoryTypeIndex returns the index of the chosen memory type.
func (b *Buffer) MemoryTypeIndex() int { return b.memoryType }

// HostVisible reports whether the buffer can be mapped.
func (b *Buffer) HostVisible() bool { return b.properties.Has(MemoryPropertyHostVisible) }

// Destroyed reports whether Destroy has been called.
func (b *Buffer) Destroyed() bool { return b.destroyed.Load() }
