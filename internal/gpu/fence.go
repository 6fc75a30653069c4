package gpu

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// WaitFences waits until every fence has signaled or ctx is done. Nil
// fences are skipped. The fences are not destroyed.
func WaitFences(ctx context.Context, fences ...Fence) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, f := range fences {
		if f == nil {
			continue
		}
		g.Go(func() error {
			return f.Wait(ctx)
		})
	}
	return g.Wait()
}

// WaitAndDestroy waits for f and destroys it once it has signaled. A fence
// whose wait was interrupted is left alive since the device may still use it.
func WaitAndDestroy(ctx context.Context, f Fence) error {
	if err := f.Wait(ctx); err != nil {
		return err
	}
	f.Destroy()
	return nil
}

type completedFence struct{}

func (completedFence) Wait(context.Context) error { return nil }
func (completedFence) Signaled() bool             { return true }
func (completedFence) Destroy()                   {}

// CompletedFence returns a fence that has already signaled, for transfers
// that finished synchronously.
func CompletedFence() Fence {
	return completedFence{}
}

// sharedFence lets several owners hold one fence. The underlying fence is
// destroyed when the last owner calls Destroy.
type sharedFence struct {
	Fence
	refs *atomic.Int32
	once sync.Once
}

func (f *sharedFence) Destroy() {
	f.once.Do(func() {
		if f.refs.Add(-1) == 0 {
			f.Fence.Destroy()
		}
	})
}

func shareFence(f Fence, owners int) []Fence {
	refs := &atomic.Int32{}
	refs.Store(int32(owners))

	out := make([]Fence, owners)
	for i := range out {
		out[i] = &sharedFence{Fence: f, refs: refs}
	}
	return out
}
