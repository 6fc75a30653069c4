package soft

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/pbatko/scalag/internal/gpu"
)

// Fence is signaled by the queue worker once its submission has executed.
type Fence struct {
	done      chan struct{}
	signal    sync.Once
	destroyed atomic.Bool
}

func newFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

func (f *Fence) Wait(ctx context.Context) error {
	if f.destroyed.Load() {
		return errors.Wrap(gpu.ResultErrorValidationFailed, "wait on destroyed fence")
	}

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "fence wait")
	}
}

func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Fence) Destroy() {
	f.destroyed.Store(true)
}

func (f *Fence) fire() {
	f.signal.Do(func() { close(f.done) })
}
