package gpu

import (
	"context"

	"github.com/pbatko/scalag/internal/logging"
)

// Upload writes min(len(data), dst.Size()) bytes to dst. Host visible
// buffers are written directly and get an already signaled fence. Other
// buffers are filled through a staging buffer and a device copy; the
// returned fence signals when dst holds the data. The caller must Destroy
// the fence.
func Upload(pool *StagingPool, dst *Buffer, data []byte, cmds CommandPool) (Fence, error) {
	if err := dst.checkLive(); err != nil {
		return nil, err
	}
	if dst.HostVisible() {
		if _, err := dst.CopyFromHost(data); err != nil {
			return nil, err
		}
		return CompletedFence(), nil
	}

	n := min(int64(len(data)), dst.size)
	if n == 0 {
		return CompletedFence(), nil
	}

	staging, err := pool.Acquire(n)
	if err != nil {
		return nil, err
	}

	if _, err := CopyHostToBuffer(data, staging, n); err != nil {
		_ = pool.Release(staging, nil)
		return nil, err
	}

	fence, err := CopyBuffer(staging, dst, n, cmds)
	if err != nil {
		_ = pool.Release(staging, nil)
		return nil, err
	}

	owners := shareFence(fence, 2)
	if err := pool.Release(staging, owners[0]); err != nil {
		// the copy is in flight; only recycling an older buffer failed
		logging.Get().WithError(err).Warn("Failed to recycle staging buffer")
	}

	return owners[1], nil
}

// Download reads min(len(dst), src.Size()) bytes of src into dst and
// returns the number of bytes read. Buffers that are not host visible are
// copied to a staging buffer first; Download waits for that copy, so unlike
// CopyBuffer it blocks until the device is done.
func Download(ctx context.Context, pool *StagingPool, src *Buffer, dst []byte, cmds CommandPool) (int, error) {
	if err := src.checkLive(); err != nil {
		return 0, err
	}
	if src.HostVisible() {
		return src.ReadInto(dst)
	}

	n := min(int64(len(dst)), src.size)
	if n == 0 {
		return 0, nil
	}

	staging, err := pool.Acquire(n)
	if err != nil {
		return 0, err
	}

	fence, err := CopyBuffer(src, staging, n, cmds)
	if err != nil {
		_ = pool.Release(staging, nil)
		return 0, err
	}

	if err := fence.Wait(ctx); err != nil {
		// the pool keeps the staging buffer until the copy lands
		_ = pool.Release(staging, fence)
		return 0, err
	}
	fence.Destroy()

	read, err := CopyBufferToHost(staging, dst, n)
	if rerr := pool.Release(staging, nil); rerr != nil && err == nil {
		err = rerr
	}

	return int(read), err
}
