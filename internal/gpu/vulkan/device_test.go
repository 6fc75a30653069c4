//go:build vulkan && cgo

package vulkan

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pbatko/scalag/internal/gpu"
)

func openDevice(t *testing.T) *Device {
	t.Helper()

	dev, err := Open(Options{})
	if err != nil {
		t.Skipf("Vulkan not available: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestVulkanDevice(t *testing.T) {
	dev := openDevice(t)

	assert.NotEmpty(t, dev.Name())
	assert.NotEmpty(t, dev.MemoryTypes())
	t.Logf("Vulkan device: %s (%s), %d memory types", dev.Name(), dev.Type(), len(dev.MemoryTypes()))
}

func TestVulkanRoundTripThroughDeviceLocal(t *testing.T) {
	dev := openDevice(t)

	src, err := gpu.NewBuffer(dev.Allocator(), gpu.BufferDescriptor{
		Size:        64,
		Usage:       gpu.BufferUsageTransferSrc,
		MemoryFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent,
		MemoryUsage: gpu.MemoryUsageCPUOnly,
	})
	require.NoError(t, err)
	defer src.Destroy()

	local, err := gpu.NewBuffer(dev.Allocator(), gpu.BufferDescriptor{
		Size:        64,
		Usage:       gpu.BufferUsageTransferSrc | gpu.BufferUsageTransferDst,
		MemoryFlags: gpu.MemoryPropertyDeviceLocal,
		MemoryUsage: gpu.MemoryUsageGPUOnly,
	})
	require.NoError(t, err)
	defer local.Destroy()

	readback, err := gpu.NewBuffer(dev.Allocator(), gpu.BufferDescriptor{
		Size:        64,
		Usage:       gpu.BufferUsageTransferDst,
		MemoryUsage: gpu.MemoryUsageGPUToCPU,
	})
	require.NoError(t, err)
	defer readback.Destroy()

	data := bytes.Repeat([]byte{0xAB}, 64)
	_, err = gpu.CopyHostToBuffer(data, src, 64)
	require.NoError(t, err)

	fence, err := gpu.CopyBuffer(src, local, 64, dev.CommandPool())
	require.NoError(t, err)
	require.NoError(t, gpu.WaitAndDestroy(context.Background(), fence))

	fence, err = gpu.CopyBuffer(local, readback, 64, dev.CommandPool())
	require.NoError(t, err)
	require.NoError(t, gpu.WaitAndDestroy(context.Background(), fence))

	got := make([]byte, 64)
	_, err = gpu.CopyBufferToHost(readback, got, 64)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestVulkanConcurrentCopies(t *testing.T) {
	dev := openDevice(t)

	const workers = 8
	src, err := gpu.NewBuffer(dev.Allocator(), gpu.BufferDescriptor{
		Size:        64,
		Usage:       gpu.BufferUsageTransferSrc,
		MemoryUsage: gpu.MemoryUsageCPUOnly,
	})
	require.NoError(t, err)
	defer src.Destroy()

	data := bytes.Repeat([]byte{0x5A}, 64)
	_, err = src.CopyFromHost(data)
	require.NoError(t, err)

	dsts := make([]*gpu.Buffer, workers)
	for i := range dsts {
		dsts[i], err = gpu.NewBuffer(dev.Allocator(), gpu.BufferDescriptor{
			Size:        64,
			Usage:       gpu.BufferUsageTransferDst,
			MemoryUsage: gpu.MemoryUsageGPUToCPU,
		})
		require.NoError(t, err)
		defer dsts[i].Destroy()
	}

	var g errgroup.Group
	for _, dst := range dsts {
		g.Go(func() error {
			fence, err := gpu.CopyBuffer(src, dst, 64, dev.CommandPool())
			if err != nil {
				return err
			}
			return gpu.WaitAndDestroy(context.Background(), fence)
		})
	}
	require.NoError(t, g.Wait())

	for _, dst := range dsts {
		got := make([]byte, 64)
		_, err := dst.ReadInto(got)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}
