package soft

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbatko/scalag/internal/gpu"
)

func newTestDevice(t *testing.T, opts Options) *Device {
	t.Helper()

	dev, err := NewDevice(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func createBuffer(t *testing.T, a *Allocator, size int64, usage gpu.BufferUsageFlags, mu gpu.MemoryUsage) gpu.BufferAllocation {
	t.Helper()

	res, err := a.CreateBuffer(gpu.BufferRequest{Size: size, Usage: usage, MemoryUsage: mu})
	require.NoError(t, err)
	return res
}

func TestNewDeviceDefaults(t *testing.T) {
	dev := newTestDevice(t, Options{})

	assert.Equal(t, "soft (integrated)", dev.Name())
	assert.Equal(t, gpu.DeviceTypeSoft, dev.Type())

	types := dev.MemoryTypes()
	require.Len(t, types, 2)
	for _, mt := range types {
		assert.True(t, mt.Properties.Has(gpu.MemoryPropertyDeviceLocal|gpu.MemoryPropertyHostVisible))
		assert.Equal(t, int64(DefaultHeapSize), mt.HeapSize)
	}
}

func TestNewDeviceRejectsBadOptions(t *testing.T) {
	_, err := NewDevice(Options{Profile: "quantum"})
	assert.Error(t, err)

	_, err = NewDevice(Options{HeapSize: -1})
	assert.Error(t, err)
}

func TestCreateBufferValidation(t *testing.T) {
	dev := newTestDevice(t, Options{HeapSize: 1024})
	a := dev.alloc

	_, err := a.CreateBuffer(gpu.BufferRequest{Size: 0, Usage: gpu.BufferUsageStorage})
	assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed))

	_, err = a.CreateBuffer(gpu.BufferRequest{Size: 16})
	assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed))

	_, err = a.CreateBuffer(gpu.BufferRequest{Size: 16, Usage: 1 << 20})
	assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed))

	_, err = a.CreateBuffer(gpu.BufferRequest{Size: 2048, Usage: gpu.BufferUsageStorage})
	assert.True(t, errors.Is(err, gpu.ResultErrorOutOfDeviceMemory))

	_, err = a.CreateBuffer(gpu.BufferRequest{
		Size:          16,
		Usage:         gpu.BufferUsageStorage,
		RequiredFlags: gpu.MemoryPropertyLazilyAllocated,
	})
	assert.True(t, errors.Is(err, gpu.ResultErrorFeatureNotPresent))

	assert.Equal(t, 0, dev.Stats().LiveBuffers)
}

func TestHeapBudgetReleasedOnDestroy(t *testing.T) {
	dev := newTestDevice(t, Options{HeapSize: 1024})
	a := dev.alloc

	first := createBuffer(t, a, 1024, gpu.BufferUsageStorage, gpu.MemoryUsageGPUOnly)

	_, err := a.CreateBuffer(gpu.BufferRequest{Size: 1, Usage: gpu.BufferUsageStorage})
	require.True(t, errors.Is(err, gpu.ResultErrorOutOfDeviceMemory))

	require.NoError(t, a.DestroyBuffer(first.Buffer, first.Allocation))
	createBuffer(t, a, 1024, gpu.BufferUsageStorage, gpu.MemoryUsageGPUOnly)

	err = a.DestroyBuffer(first.Buffer, first.Allocation)
	assert.True(t, errors.Is(err, gpu.ResultErrorUnknown))
}

func TestMapRules(t *testing.T) {
	dev := newTestDevice(t, Options{Profile: ProfileDiscrete, HeapSize: 1024})
	a := dev.alloc

	local := createBuffer(t, a, 64, gpu.BufferUsageStorage, gpu.MemoryUsageGPUOnly)
	_, err := a.MapMemory(local.Allocation)
	assert.True(t, errors.Is(err, gpu.ResultErrorMemoryMapFailed))

	host := createBuffer(t, a, 64, gpu.BufferUsageTransferSrc, gpu.MemoryUsageCPUOnly)
	mem, err := a.MapMemory(host.Allocation)
	require.NoError(t, err)
	assert.Len(t, mem, 64)

	_, err = a.MapMemory(host.Allocation)
	assert.True(t, errors.Is(err, gpu.ResultErrorMemoryMapFailed))

	require.NoError(t, a.UnmapMemory(host.Allocation))
	err = a.UnmapMemory(host.Allocation)
	assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed))

	err = a.FlushAllocation(host.Allocation, 0, 64)
	assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed), "flush requires a mapping")

	_, err = a.MapMemory(gpu.AllocationHandle(999))
	assert.True(t, errors.Is(err, gpu.ResultErrorUnknown))
}

func TestNonCoherentMemoryNeedsFlushAndInvalidate(t *testing.T) {
	dev := newTestDevice(t, Options{Profile: ProfileDiscrete, HeapSize: 1024})
	a := dev.alloc

	res := createBuffer(t, a, 8, gpu.BufferUsageTransferSrc|gpu.BufferUsageTransferDst, gpu.MemoryUsageGPUToCPU)
	require.False(t, res.Properties.Has(gpu.MemoryPropertyHostCoherent))
	alloc := a.allocs[res.Allocation]

	mem, err := a.MapMemory(res.Allocation)
	require.NoError(t, err)
	copy(mem, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(t, make([]byte, 8), alloc.device, "unflushed writes stay in the host cache")

	require.NoError(t, a.FlushAllocation(res.Allocation, 0, 4))
	assert.Equal(t, []byte{1, 2, 3, 4, 0, 0, 0, 0}, alloc.device)

	copy(alloc.device, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	assert.Equal(t, byte(1), mem[0], "device writes need an invalidate")

	require.NoError(t, a.InvalidateAllocation(res.Allocation, 0, 8))
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, mem)

	err = a.InvalidateAllocation(res.Allocation, 4, 8)
	assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed))

	require.NoError(t, a.UnmapMemory(res.Allocation))
}

func TestCopySubmission(t *testing.T) {
	dev := newTestDevice(t, Options{Latency: 10 * time.Millisecond})
	a := dev.alloc

	src := createBuffer(t, a, 16, gpu.BufferUsageTransferSrc, gpu.MemoryUsageCPUOnly)
	dst := createBuffer(t, a, 16, gpu.BufferUsageTransferDst, gpu.MemoryUsageCPUOnly)

	mem, err := a.MapMemory(src.Allocation)
	require.NoError(t, err)
	for i := range mem {
		mem[i] = byte(i)
	}
	require.NoError(t, a.UnmapMemory(src.Allocation))

	rec, err := dev.pool.BeginSingleTimeCommands()
	require.NoError(t, err)
	rec.CopyBuffer(src.Buffer, dst.Buffer, gpu.BufferCopy{SrcOffset: 4, DstOffset: 0, Size: 8})

	fence, err := dev.pool.EndSingleTimeCommands(rec)
	require.NoError(t, err)
	require.NoError(t, fence.Wait(context.Background()))
	assert.True(t, fence.Signaled())
	fence.Destroy()

	assert.Equal(t, []byte{4, 5, 6, 7, 8, 9, 10, 11, 0, 0, 0, 0, 0, 0, 0, 0}, a.allocs[dst.Allocation].device)

	stats := dev.Stats()
	assert.Equal(t, int64(1), stats.Copies)
	assert.Equal(t, int64(8), stats.BytesCopied)
	assert.Equal(t, int64(1), stats.Submissions)

	_, err = dev.pool.EndSingleTimeCommands(rec)
	assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed), "recordings are single use")
}

func TestCopySubmissionValidation(t *testing.T) {
	dev := newTestDevice(t, Options{})
	a := dev.alloc

	src := createBuffer(t, a, 16, gpu.BufferUsageTransferSrc, gpu.MemoryUsageGPUOnly)
	dst := createBuffer(t, a, 16, gpu.BufferUsageTransferDst, gpu.MemoryUsageGPUOnly)
	storage := createBuffer(t, a, 16, gpu.BufferUsageStorage, gpu.MemoryUsageGPUOnly)
	both := createBuffer(t, a, 16, gpu.BufferUsageTransferSrc|gpu.BufferUsageTransferDst, gpu.MemoryUsageGPUOnly)

	tests := []struct {
		name     string
		src, dst gpu.BufferHandle
		region   gpu.BufferCopy
	}{
		{"source lacks transfer src", storage.Buffer, dst.Buffer, gpu.BufferCopy{Size: 4}},
		{"destination lacks transfer dst", src.Buffer, storage.Buffer, gpu.BufferCopy{Size: 4}},
		{"region past source", src.Buffer, dst.Buffer, gpu.BufferCopy{SrcOffset: 8, Size: 16}},
		{"zero size", src.Buffer, dst.Buffer, gpu.BufferCopy{}},
		{"unknown buffer", gpu.BufferHandle(999), dst.Buffer, gpu.BufferCopy{Size: 4}},
		{"overlap within one buffer", both.Buffer, both.Buffer, gpu.BufferCopy{SrcOffset: 0, DstOffset: 4, Size: 8}},
		{"same range of one buffer", both.Buffer, both.Buffer, gpu.BufferCopy{Size: 16}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := dev.pool.BeginSingleTimeCommands()
			require.NoError(t, err)
			rec.CopyBuffer(tt.src, tt.dst, tt.region)

			_, err = dev.pool.EndSingleTimeCommands(rec)
			assert.True(t, errors.Is(err, gpu.ResultErrorValidationFailed))
		})
	}

	assert.Equal(t, int64(0), dev.Stats().Submissions)
}

func TestInjectedFaults(t *testing.T) {
	dev := newTestDevice(t, Options{})
	a := dev.alloc

	dev.InjectFault(FaultAllocate)
	_, err := a.CreateBuffer(gpu.BufferRequest{Size: 16, Usage: gpu.BufferUsageStorage})
	assert.True(t, errors.Is(err, gpu.ResultErrorOutOfDeviceMemory))

	res := createBuffer(t, a, 16, gpu.BufferUsageTransferSrc|gpu.BufferUsageTransferDst, gpu.MemoryUsageCPUOnly)

	dev.InjectFault(FaultShortMap)
	mem, err := a.MapMemory(res.Allocation)
	require.NoError(t, err)
	assert.Len(t, mem, 15)

	dev.InjectFault(FaultFlush)
	err = a.FlushAllocation(res.Allocation, 0, 4)
	assert.True(t, errors.Is(err, gpu.ResultErrorOutOfHostMemory))
	require.NoError(t, a.UnmapMemory(res.Allocation))

	dev.InjectFault(FaultMap)
	_, err = a.MapMemory(res.Allocation)
	assert.True(t, errors.Is(err, gpu.ResultErrorMemoryMapFailed))

	dev.InjectFault(FaultBegin)
	_, err = dev.pool.BeginSingleTimeCommands()
	assert.Error(t, err)

	dev.InjectFault(FaultSubmit)
	rec, err := dev.pool.BeginSingleTimeCommands()
	require.NoError(t, err)
	rec.CopyBuffer(res.Buffer, res.Buffer, gpu.BufferCopy{SrcOffset: 0, DstOffset: 8, Size: 4})
	_, err = dev.pool.EndSingleTimeCommands(rec)
	assert.True(t, errors.Is(err, gpu.ResultErrorDeviceLost))
}

func TestFenceWaitHonorsContext(t *testing.T) {
	f := newFence()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := f.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, f.Signaled())

	f.fire()
	f.fire()
	assert.NoError(t, f.Wait(context.Background()))

	f.Destroy()
	assert.True(t, errors.Is(f.Wait(context.Background()), gpu.ResultErrorValidationFailed))
}

func TestCloseReleasesEverything(t *testing.T) {
	dev, err := NewDevice(Options{Latency: 5 * time.Millisecond})
	require.NoError(t, err)
	a := dev.alloc

	src := createBuffer(t, a, 16, gpu.BufferUsageTransferSrc, gpu.MemoryUsageGPUOnly)
	dst := createBuffer(t, a, 16, gpu.BufferUsageTransferDst, gpu.MemoryUsageGPUOnly)

	rec, err := dev.pool.BeginSingleTimeCommands()
	require.NoError(t, err)
	rec.CopyBuffer(src.Buffer, dst.Buffer, gpu.BufferCopy{Size: 16})
	fence, err := dev.pool.EndSingleTimeCommands(rec)
	require.NoError(t, err)

	epoch := a.Epoch()
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	assert.True(t, fence.Signaled(), "close drains the queue")
	assert.NotEqual(t, epoch, a.Epoch())

	_, err = a.CreateBuffer(gpu.BufferRequest{Size: 16, Usage: gpu.BufferUsageStorage})
	assert.True(t, errors.Is(err, gpu.ResultErrorDeviceLost))

	rec, err = dev.pool.BeginSingleTimeCommands()
	require.NoError(t, err)
	_, err = dev.pool.EndSingleTimeCommands(rec)
	assert.True(t, errors.Is(err, gpu.ResultErrorDeviceLost))
}

func TestWriteStatsJSON(t *testing.T) {
	dev := newTestDevice(t, Options{Profile: ProfileDiscrete, HeapSize: 4096})
	createBuffer(t, dev.alloc, 1024, gpu.BufferUsageStorage, gpu.MemoryUsageGPUOnly)

	var buf bytes.Buffer
	require.NoError(t, dev.WriteStatsJSON(&buf))

	var got struct {
		Profile string
		Heaps   []struct {
			Size int64
			Used int64
		}
		LiveBuffers int
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

	assert.Equal(t, "discrete", got.Profile)
	require.Len(t, got.Heaps, 2)
	assert.Equal(t, int64(4096), got.Heaps[0].Size)
	assert.Equal(t, int64(1024), got.Heaps[0].Used)
	assert.Equal(t, int64(0), got.Heaps[1].Used)
	assert.Equal(t, 1, got.LiveBuffers)
}
