package soft

import (
	"github.com/cockroachdb/errors"

	"github.com/pbatko/scalag/internal/gpu"
)

type commandBuffer struct {
	pool     *CommandPool
	commands []copyCommand
	ended    bool
}

func (cb *commandBuffer) CopyBuffer(src, dst gpu.BufferHandle, regions ...gpu.BufferCopy) {
	for _, r := range regions {
		cb.commands = append(cb.commands, copyCommand{src: src, dst: dst, region: r})
	}
}

// CommandPool records single-use command buffers and submits them to the
// device queue.
type CommandPool struct {
	alloc  *Allocator
	queue  *queue
	faults *faults
}

func (p *CommandPool) BeginSingleTimeCommands() (gpu.CommandRecorder, error) {
	if p.faults.take(FaultBegin) {
		return nil, errors.Wrap(gpu.ResultErrorOutOfHostMemory, "injected begin fault")
	}
	return &commandBuffer{pool: p}, nil
}

// EndSingleTimeCommands validates every recorded command against the live
// buffers and submits the recording. Nothing is submitted when any command
// is invalid.
func (p *CommandPool) EndSingleTimeCommands(rec gpu.CommandRecorder) (gpu.Fence, error) {
	cb, ok := rec.(*commandBuffer)
	if !ok || cb.pool != p {
		return nil, errors.Wrap(gpu.ResultErrorValidationFailed, "command buffer was not begun on this pool")
	}
	if cb.ended {
		return nil, errors.Wrap(gpu.ResultErrorValidationFailed, "command buffer already submitted")
	}
	cb.ended = true

	for _, cmd := range cb.commands {
		if err := p.alloc.validateCopy(cmd.src, cmd.dst, cmd.region); err != nil {
			return nil, err
		}
	}
	if p.faults.take(FaultSubmit) {
		return nil, errors.Wrap(gpu.ResultErrorDeviceLost, "injected submit fault")
	}

	fence := newFence()
	if err := p.queue.submit(submission{commands: cb.commands, fence: fence}); err != nil {
		return nil, err
	}
	return fence, nil
}
