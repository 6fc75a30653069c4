package soft

import (
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/pbatko/scalag/internal/gpu"
)

type copyCommand struct {
	src, dst gpu.BufferHandle
	region   gpu.BufferCopy
}

type submission struct {
	commands []copyCommand
	fence    *Fence
}

// queue executes submissions in order on one worker goroutine.
type queue struct {
	alloc   *Allocator
	latency time.Duration
	work    chan submission

	mu     sync.Mutex
	closed bool
	wg     conc.WaitGroup

	submitted int64
}

func newQueue(alloc *Allocator, latency time.Duration) *queue {
	q := &queue{
		alloc:   alloc,
		latency: latency,
		work:    make(chan submission, 64),
	}
	q.wg.Go(q.run)
	return q
}

func (q *queue) run() {
	for sub := range q.work {
		if q.latency > 0 {
			time.Sleep(q.latency)
		}
		for _, cmd := range sub.commands {
			q.alloc.executeCopy(cmd.src, cmd.dst, cmd.region)
		}
		sub.fence.fire()
	}
}

func (q *queue) submit(sub submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return gpu.ResultErrorDeviceLost
	}
	q.submitted++
	q.work <- sub
	return nil
}

func (q *queue) submissions() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submitted
}

// close stops accepting work and waits for queued submissions to finish.
func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.work)
	q.mu.Unlock()

	q.wg.Wait()
}
