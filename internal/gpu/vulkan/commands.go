//go:build vulkan && cgo

package vulkan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/pbatko/scalag/internal/gpu"
)

// fencePollInterval bounds each vkWaitForFences call so Wait can observe
// context cancellation.
const fencePollInterval = 5 * time.Millisecond

// CommandPool allocates one-time command buffers and submits them to the
// device's transfer queue. The pool and queue are externally synchronized
// objects, so every use goes through mu.
type CommandPool struct {
	device vk.Device
	queue  vk.Queue
	alloc  *Allocator

	mu   sync.Mutex
	pool vk.CommandPool
}

func newCommandPool(device vk.Device, queue vk.Queue, family uint32, alloc *Allocator) (*CommandPool, error) {
	var pool vk.CommandPool
	err := check(vk.CreateCommandPool(device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: family,
	}, nil, &pool))
	if err != nil {
		return nil, errors.Wrap(err, "create command pool")
	}

	return &CommandPool{device: device, queue: queue, alloc: alloc, pool: pool}, nil
}

type recorder struct {
	pool  *CommandPool
	cmd   vk.CommandBuffer
	err   error
	ended bool
}

// CopyBuffer records vkCmdCopyBuffer. An unknown handle poisons the
// recording; the error is reported by EndSingleTimeCommands. Recording
// uses the pool, so it holds the pool lock.
func (r *recorder) CopyBuffer(src, dst gpu.BufferHandle, regions ...gpu.BufferCopy) {
	if r.err != nil || len(regions) == 0 {
		return
	}

	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()

	from, to, err := r.pool.alloc.resolve(src, dst)
	if err != nil {
		r.err = err
		return
	}

	copies := make([]vk.BufferCopy, len(regions))
	for i, region := range regions {
		copies[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(region.SrcOffset),
			DstOffset: vk.DeviceSize(region.DstOffset),
			Size:      vk.DeviceSize(region.Size),
		}
	}
	vk.CmdCopyBuffer(r.cmd, from, to, uint32(len(copies)), copies)
}

func (p *CommandPool) BeginSingleTimeCommands() (gpu.CommandRecorder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmds := make([]vk.CommandBuffer, 1)
	err := check(vk.AllocateCommandBuffers(p.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds))
	if err != nil {
		return nil, errors.Wrap(err, "vkAllocateCommandBuffers")
	}

	err = check(vk.BeginCommandBuffer(cmds[0], &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}))
	if err != nil {
		vk.FreeCommandBuffers(p.device, p.pool, 1, cmds)
		return nil, errors.Wrap(err, "vkBeginCommandBuffer")
	}

	return &recorder{pool: p, cmd: cmds[0]}, nil
}

// EndSingleTimeCommands ends the recording and submits it with a new fence.
// The command buffer is freed when the fence is destroyed.
func (p *CommandPool) EndSingleTimeCommands(rec gpu.CommandRecorder) (gpu.Fence, error) {
	r, ok := rec.(*recorder)
	if !ok || r.pool != p {
		return nil, errors.Wrap(gpu.ResultErrorValidationFailed, "command buffer was not begun on this pool")
	}
	if r.ended {
		return nil, errors.Wrap(gpu.ResultErrorValidationFailed, "command buffer already submitted")
	}
	r.ended = true

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := check(vk.EndCommandBuffer(r.cmd)); err != nil {
		p.freeLocked(r.cmd)
		return nil, errors.Wrap(err, "vkEndCommandBuffer")
	}
	if r.err != nil {
		p.freeLocked(r.cmd)
		return nil, r.err
	}

	var fence vk.Fence
	err := check(vk.CreateFence(p.device, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fence))
	if err != nil {
		p.freeLocked(r.cmd)
		return nil, errors.Wrap(err, "vkCreateFence")
	}

	err = check(vk.QueueSubmit(p.queue, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{r.cmd},
	}}, fence))
	if err != nil {
		vk.DestroyFence(p.device, fence, nil)
		p.freeLocked(r.cmd)
		return nil, errors.Wrap(err, "vkQueueSubmit")
	}

	return &Fence{pool: p, fence: fence, cmd: r.cmd}, nil
}

func (p *CommandPool) free(cmd vk.CommandBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeLocked(cmd)
}

func (p *CommandPool) freeLocked(cmd vk.CommandBuffer) {
	vk.FreeCommandBuffers(p.device, p.pool, 1, []vk.CommandBuffer{cmd})
}

func (p *CommandPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	vk.DestroyCommandPool(p.device, p.pool, nil)
}

// Fence wraps a VkFence together with the command buffer it guards.
type Fence struct {
	pool  *CommandPool
	fence vk.Fence
	cmd   vk.CommandBuffer

	once      sync.Once
	destroyed atomic.Bool
}

func (f *Fence) Wait(ctx context.Context) error {
	if f.destroyed.Load() {
		return errors.Wrap(gpu.ResultErrorValidationFailed, "wait on destroyed fence")
	}

	for {
		res := vk.WaitForFences(f.pool.device, 1, []vk.Fence{f.fence}, vk.True, uint64(fencePollInterval))
		switch res {
		case vk.Success:
			return nil
		case vk.Timeout:
		default:
			return errors.Wrap(gpu.Result(res), "vkWaitForFences")
		}

		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "fence wait")
		}
	}
}

func (f *Fence) Signaled() bool {
	if f.destroyed.Load() {
		return false
	}
	return vk.GetFenceStatus(f.pool.device, f.fence) == vk.Success
}

func (f *Fence) Destroy() {
	f.once.Do(func() {
		f.destroyed.Store(true)
		vk.DestroyFence(f.pool.device, f.fence, nil)
		f.pool.free(f.cmd)
	})
}
