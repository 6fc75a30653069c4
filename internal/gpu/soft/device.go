// Package soft implements gpu.Device in host memory. It models the parts of
// a Vulkan device that buffer code depends on: memory types and heaps,
// mapping rules, non-coherent host caches, an asynchronous transfer queue
// and fences. Faults can be injected to exercise error paths.
package soft

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/sirupsen/logrus"

	"github.com/pbatko/scalag/internal/gpu"
	"github.com/pbatko/scalag/internal/logging"
)

// DefaultHeapSize is the per-heap budget used when Options.HeapSize is zero.
const DefaultHeapSize = 256 << 20

// Options configures a soft device.
type Options struct {
	Profile  Profile
	HeapSize int64
	// Latency delays every submission before it executes, so fences are
	// observably pending for a while.
	Latency time.Duration
}

// Device is a gpu.Device backed by host memory.
type Device struct {
	profile Profile
	alloc   *Allocator
	queue   *queue
	pool    *CommandPool
	faults  *faults
}

var _ gpu.Device = (*Device)(nil)

// NewDevice creates a soft device with the given memory profile.
func NewDevice(opts Options) (*Device, error) {
	if opts.Profile == "" {
		opts.Profile = ProfileIntegrated
	}
	if opts.HeapSize == 0 {
		opts.HeapSize = DefaultHeapSize
	}
	if opts.HeapSize < 0 {
		return nil, fmt.Errorf("invalid heap size %d", opts.HeapSize)
	}

	heaps, types, err := layout(opts.Profile, opts.HeapSize)
	if err != nil {
		return nil, err
	}

	f := &faults{}
	alloc := newAllocator(heaps, types, f)
	q := newQueue(alloc, opts.Latency)

	d := &Device{
		profile: opts.Profile,
		alloc:   alloc,
		queue:   q,
		pool:    &CommandPool{alloc: alloc, queue: q, faults: f},
		faults:  f,
	}

	logging.Get().WithFields(logrus.Fields{
		"profile":   opts.Profile,
		"heap_size": opts.HeapSize,
	}).Debug("Created soft device")

	return d, nil
}

func (d *Device) Name() string {
	return fmt.Sprintf("soft (%s)", d.profile)
}

func (d *Device) Type() gpu.DeviceType {
	return gpu.DeviceTypeSoft
}

func (d *Device) Allocator() gpu.Allocator {
	return d.alloc
}

func (d *Device) CommandPool() gpu.CommandPool {
	return d.pool
}

func (d *Device) MemoryTypes() []gpu.MemoryType {
	return slices.Clone(d.alloc.types)
}

// Close drains the queue and releases all memory. Buffers created on the
// device fail with gpu.ErrAllocatorReleased afterwards.
func (d *Device) Close() error {
	d.queue.close()

	if leaked := d.alloc.close(); leaked > 0 {
		logging.Get().WithField("buffers", leaked).Warn("Closed soft device with live buffers")
	}
	return nil
}

// InjectFault arms f for the next matching call. Faults queue up when armed
// more than once.
func (d *Device) InjectFault(f Fault) {
	d.faults.arm(f)
}

// HeapStats reports one heap's budget.
type HeapStats struct {
	Size int64
	Used int64
}

// Stats is a snapshot of the device's memory and queue counters.
type Stats struct {
	Profile     Profile
	Heaps       []HeapStats
	LiveBuffers int
	Maps        int64
	Flushes     int64
	Invalidates int64
	Copies      int64
	BytesCopied int64
	Submissions int64
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	s := Stats{
		Profile:     d.profile,
		Submissions: d.queue.submissions(),
	}

	d.alloc.mu.Lock()
	defer d.alloc.mu.Unlock()

	s.Heaps = make([]HeapStats, len(d.alloc.heaps))
	for i, h := range d.alloc.heaps {
		s.Heaps[i] = HeapStats{Size: h.size, Used: h.used}
	}
	s.LiveBuffers = len(d.alloc.allocs)
	s.Maps = d.alloc.stats.maps
	s.Flushes = d.alloc.stats.flushes
	s.Invalidates = d.alloc.stats.invalidates
	s.Copies = d.alloc.stats.copies
	s.BytesCopied = d.alloc.stats.bytesCopied

	return s
}

// WriteStatsJSON writes Stats as a JSON object to w.
func (d *Device) WriteStatsJSON(w io.Writer) error {
	s := d.Stats()

	json := jwriter.NewWriter()
	obj := json.Object()
	obj.Name("Profile").String(string(s.Profile))

	heaps := obj.Name("Heaps").Array()
	for _, h := range s.Heaps {
		ho := json.Object()
		ho.Name("Size").Int(int(h.Size))
		ho.Name("Used").Int(int(h.Used))
		ho.End()
	}
	heaps.End()

	obj.Name("LiveBuffers").Int(s.LiveBuffers)
	obj.Name("Maps").Int(int(s.Maps))
	obj.Name("Flushes").Int(int(s.Flushes))
	obj.Name("Invalidates").Int(int(s.Invalidates))
	obj.Name("Copies").Int(int(s.Copies))
	obj.Name("BytesCopied").Int(int(s.BytesCopied))
	obj.Name("Submissions").Int(int(s.Submissions))
	obj.End()

	if err := json.Error(); err != nil {
		return err
	}
	_, err := w.Write(json.Bytes())
	return err
}
