package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// ErrDeviceMismatch is returned when a device copy joins buffers that were
// created by different allocators.
var ErrDeviceMismatch = errors.New("gpu: buffers belong to different devices")

// CopyHostToBuffer copies min(n, dst.Size(), len(src)) bytes from src to the
// start of dst through a host mapping and returns the number of bytes copied.
//
// The sequence is map, copy, flush, unmap. The flush is issued for every
// memory type since the caller cannot know whether the memory is coherent.
func CopyHostToBuffer(src []byte, dst *Buffer, n int64) (int64, error) {
	if err := dst.checkLive(); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, newMapError("write", errors.Wrapf(ErrInvalidSize, "transfer size %d", n))
	}

	n = min(n, dst.size, int64(len(src)))
	if n == 0 {
		return 0, nil
	}

	err := dst.withMapped("write", func(mem []byte) error {
		if int64(len(mem)) < n {
			return newMapError("write", errors.Wrapf(ErrMappedRangeShort, "mapped %d bytes, need %d", len(mem), n))
		}

		copy(mem[:n], src[:n])

		if err := dst.allocator.FlushAllocation(dst.allocation, 0, n); err != nil {
			return newMapError("flush", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	dst.log().WithField("bytes", n).Debug("Copied host memory to buffer")
	return n, nil
}

// CopyBufferToHost copies min(n, src.Size(), len(dst)) bytes from the start
// of src into dst through a host mapping and returns the number of bytes
// copied.
//
// Memory that is not host coherent is invalidated after mapping so device
// writes become visible to the host.
func CopyBufferToHost(src *Buffer, dst []byte, n int64) (int64, error) {
	if err := src.checkLive(); err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, newMapError("read", errors.Wrapf(ErrInvalidSize, "transfer size %d", n))
	}

	n = min(n, src.size, int64(len(dst)))
	if n == 0 {
		return 0, nil
	}

	err := src.withMapped("read", func(mem []byte) error {
		if int64(len(mem)) < n {
			return newMapError("read", errors.Wrapf(ErrMappedRangeShort, "mapped %d bytes, need %d", len(mem), n))
		}

		if !src.properties.Has(MemoryPropertyHostCoherent) {
			if err := src.allocator.InvalidateAllocation(src.allocation, 0, n); err != nil {
				return newMapError("invalidate", err)
			}
		}

		copy(dst[:n], mem[:n])
		return nil
	})
	if err != nil {
		return 0, err
	}

	src.log().WithField("bytes", n).Debug("Copied buffer to host memory")
	return n, nil
}

// CopyBuffer records and submits a copy of min(n, src.Size(), dst.Size())
// bytes from the start of src to the start of dst.
//
// It returns once the copy is enqueued. The contents of dst are only valid
// after the returned Fence has signaled; the caller owns the fence.
func CopyBuffer(src, dst *Buffer, n int64, pool CommandPool) (Fence, error) {
	if err := src.checkLive(); err != nil {
		return nil, err
	}
	if err := dst.checkLive(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, newSubmissionError("copy buffer", errors.New("nil command pool"))
	}
	if src.allocator != dst.allocator {
		return nil, newSubmissionError("copy buffer", ErrDeviceMismatch)
	}
	if src == dst {
		// both regions start at offset 0
		return nil, newSubmissionError("copy buffer", ErrOverlappingCopy)
	}

	n = min(n, src.size, dst.size)
	if n <= 0 {
		return nil, newSubmissionError("copy buffer", errors.Wrapf(ErrInvalidSize, "transfer size %d", n))
	}

	rec, err := pool.BeginSingleTimeCommands()
	if err != nil {
		return nil, newSubmissionError("begin commands", err)
	}

	rec.CopyBuffer(src.handle, dst.handle, BufferCopy{
		SrcOffset: 0,
		DstOffset: 0,
		Size:      n,
	})

	fence, err := pool.EndSingleTimeCommands(rec)
	if err != nil {
		return nil, newSubmissionError("submit commands", err)
	}

	src.log().WithFields(logrus.Fields{
		"dst":   dst.id.String(),
		"bytes": n,
	}).Debug("Submitted buffer copy")

	return fence, nil
}
