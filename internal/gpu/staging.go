package gpu

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/pbatko/scalag/internal/logging"
)

// ErrNotAcquired is returned when a staging buffer is released while the
// pool already holds it.
var ErrNotAcquired = errors.New("gpu: staging buffer is not acquired")

// StagingPool recycles host visible transfer buffers used to move data in
// and out of device local buffers.
//
// A buffer handed back together with a pending fence is only reused after
// that fence has signaled.
type StagingPool struct {
	allocator  Allocator
	idle       *lru.Cache[uuid.UUID, *stagingEntry] // signaled, ready for reuse
	pending    []*stagingEntry                      // waiting on a fence
	owned      map[uuid.UUID]*stagingEntry          // every buffer the pool created and still holds or lent out
	mu         sync.Mutex
	maxBytes   int64 // Maximum idle bytes to keep (0 = unlimited)
	maxEntries int
	curBytes   int64 // Current idle bytes
	stats      PoolStats
}

// PoolStats tracks staging pool statistics
type PoolStats struct {
	Allocations int64 // Total Acquire calls
	Reuses      int64 // Buffers reused from pool
	Evictions   int64 // Buffers destroyed due to pool limits or a closed allocator
	PoolHits    int64 // Successful pool lookups
	PoolMisses  int64 // Failed pool lookups (allocated new)
}

type entryState int

const (
	stateActive entryState = iota
	stateIdle
	statePending
)

func (s entryState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateIdle:
		return "idle"
	default:
		return "pending"
	}
}

type stagingEntry struct {
	buf     *Buffer
	poolKey int64
	fence   Fence
	state   entryState
}

// NewStagingPool creates a staging pool on allocator. maxBytes bounds the
// idle bytes kept for reuse (0 = unlimited) and maxEntries the number of
// idle buffers.
func NewStagingPool(allocator Allocator, maxBytes int64, maxEntries int) (*StagingPool, error) {
	if maxEntries <= 0 {
		return nil, errors.Newf("staging pool needs a positive entry limit, got %d", maxEntries)
	}

	idle, err := lru.New[uuid.UUID, *stagingEntry](maxEntries)
	if err != nil {
		return nil, errors.Wrap(err, "create staging cache")
	}

	return &StagingPool{
		allocator:  allocator,
		idle:       idle,
		owned:      make(map[uuid.UUID]*stagingEntry),
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
	}, nil
}

// Acquire returns a host visible buffer of at least size bytes usable as
// copy source and destination.
func (p *StagingPool) Acquire(size int64) (*Buffer, error) {
	if size <= 0 {
		return nil, newAllocationError("acquire staging buffer", errors.Wrapf(ErrInvalidSize, "staging size %d", size))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Allocations++
	p.collectSignaled()

	// Look for an idle buffer of the same or the next size class
	poolSize := roundUpPowerOf2(size)
	for _, id := range p.idle.Keys() {
		entry, ok := p.idle.Peek(id)
		if !ok {
			continue
		}
		if err := entry.buf.checkLive(); err != nil {
			p.idle.Remove(id)
			p.curBytes -= entry.poolKey
			p.drop(entry, err)
			continue
		}
		if entry.poolKey < poolSize || entry.poolKey > poolSize*2 {
			continue
		}

		p.idle.Remove(id)
		p.curBytes -= entry.poolKey
		entry.state = stateActive

		p.stats.Reuses++
		p.stats.PoolHits++
		return entry.buf, nil
	}

	p.stats.PoolMisses++

	buf, err := NewBuffer(p.allocator, BufferDescriptor{
		Label:       "staging",
		Size:        poolSize,
		Usage:       BufferUsageTransferSrc | BufferUsageTransferDst,
		MemoryFlags: MemoryPropertyHostVisible,
		MemoryUsage: MemoryUsageCPUOnly,
	})
	if err != nil {
		return nil, err
	}

	p.owned[buf.ID()] = &stagingEntry{buf: buf, poolKey: poolSize, state: stateActive}
	return buf, nil
}

// Release hands a buffer back. If fence is not nil the buffer stays
// reserved until the fence signals, and the pool takes ownership of the
// fence. Buffers not created by the pool are destroyed. Releasing a buffer
// the pool already holds fails with ErrNotAcquired and leaves the fence
// with the caller.
func (p *StagingPool) Release(buf *Buffer, fence Fence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.owned[buf.ID()]
	if !ok {
		if fence != nil {
			// not ours to keep waiting on
			fence.Destroy()
		}
		return buf.Destroy()
	}
	if entry.state != stateActive {
		return errors.Wrapf(ErrNotAcquired, "staging buffer %s is %s", buf.ID(), entry.state)
	}

	if fence != nil && !fence.Signaled() {
		entry.fence = fence
		entry.state = statePending
		p.pending = append(p.pending, entry)
		return nil
	}
	if fence != nil {
		fence.Destroy()
	}

	return p.addIdle(entry)
}

// collectSignaled moves pending entries whose fence has signaled to the
// idle cache.
func (p *StagingPool) collectSignaled() {
	kept := p.pending[:0]
	for _, entry := range p.pending {
		if !entry.fence.Signaled() {
			kept = append(kept, entry)
			continue
		}

		entry.fence.Destroy()
		entry.fence = nil
		if err := p.addIdle(entry); err != nil {
			logging.Get().WithError(err).Warn("Failed to recycle staging buffer")
		}
	}

	clear(p.pending[len(kept):])
	p.pending = kept
}

func (p *StagingPool) addIdle(entry *stagingEntry) error {
	if p.maxBytes > 0 && entry.poolKey > p.maxBytes {
		p.stats.Evictions++
		delete(p.owned, entry.buf.ID())
		return entry.buf.Destroy()
	}

	var firstErr error
	for p.idle.Len() > 0 && (p.idle.Len() >= p.maxEntries ||
		(p.maxBytes > 0 && p.curBytes+entry.poolKey > p.maxBytes)) {
		if err := p.evictOldest(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	entry.state = stateIdle
	p.idle.Add(entry.buf.ID(), entry)
	p.curBytes += entry.poolKey

	return firstErr
}

// evictOldest destroys the least recently released idle buffer
func (p *StagingPool) evictOldest() error {
	_, entry, ok := p.idle.RemoveOldest()
	if !ok {
		return nil
	}

	p.curBytes -= entry.poolKey
	p.stats.Evictions++
	delete(p.owned, entry.buf.ID())

	logging.Get().WithFields(logrus.Fields{
		"buffer": entry.buf.ID().String(),
		"size":   entry.poolKey,
	}).Debug("Evicting staging buffer")

	return entry.buf.Destroy()
}

// drop forgets an idle buffer whose allocator is gone. Callers have already
// removed it from the idle cache.
func (p *StagingPool) drop(entry *stagingEntry, reason error) {
	p.stats.Evictions++
	delete(p.owned, entry.buf.ID())
	_ = entry.buf.Destroy()

	logging.Get().WithError(reason).WithField("buffer", entry.buf.ID().String()).
		Debug("Dropping stale staging buffer")
}

// Clear waits for pending transfers and destroys every buffer the pool
// holds. Buffers currently handed out are not touched.
func (p *StagingPool) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	kept := p.pending[:0]
	for _, entry := range p.pending {
		if err := entry.fence.Wait(ctx); err != nil {
			keep(err)
			kept = append(kept, entry)
			continue
		}
		entry.fence.Destroy()
		delete(p.owned, entry.buf.ID())
		keep(entry.buf.Destroy())
	}
	clear(p.pending[len(kept):])
	p.pending = kept

	for p.idle.Len() > 0 {
		_, entry, _ := p.idle.RemoveOldest()
		delete(p.owned, entry.buf.ID())
		keep(entry.buf.Destroy())
	}
	p.curBytes = 0

	return firstErr
}

// Stats returns current pool statistics
func (p *StagingPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// MemoryUsage returns idle, in-flight and maximum pooled bytes.
func (p *StagingPool) MemoryUsage() (idle, pending, max int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.pending {
		pending += entry.poolKey
	}

	return p.curBytes, pending, p.maxBytes
}

// roundUpPowerOf2 rounds up to the nearest power of 2
func roundUpPowerOf2(n int64) int64 {
	if n <= 0 {
		return 0
	}

	// Handle small sizes specially for efficiency
	if n <= 256 {
		return 256
	}
	if n <= 1024 {
		return 1024
	}
	if n <= 4096 {
		return 4096
	}

	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}
