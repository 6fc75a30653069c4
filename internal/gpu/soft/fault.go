package soft

import "sync"

// Fault is a one-shot failure the device injects into its next matching call.
type Fault int

const (
	// FaultAllocate fails the next CreateBuffer with out of device memory.
	FaultAllocate Fault = iota
	// FaultMap fails the next MapMemory.
	FaultMap
	// FaultShortMap makes the next MapMemory return a view one byte short.
	FaultShortMap
	// FaultFlush fails the next FlushAllocation.
	FaultFlush
	// FaultInvalidate fails the next InvalidateAllocation.
	FaultInvalidate
	// FaultBegin fails the next BeginSingleTimeCommands.
	FaultBegin
	// FaultSubmit fails the next EndSingleTimeCommands.
	FaultSubmit
)

func (f Fault) String() string {
	switch f {
	case FaultAllocate:
		return "allocate"
	case FaultMap:
		return "map"
	case FaultShortMap:
		return "short-map"
	case FaultFlush:
		return "flush"
	case FaultInvalidate:
		return "invalidate"
	case FaultBegin:
		return "begin"
	case FaultSubmit:
		return "submit"
	default:
		return "unknown"
	}
}

type faults struct {
	mu    sync.Mutex
	armed map[Fault]int
}

func (f *faults) arm(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.armed == nil {
		f.armed = make(map[Fault]int)
	}
	f.armed[fault]++
}

// take consumes one armed fault and reports whether there was one.
func (f *faults) take(fault Fault) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.armed[fault] == 0 {
		return false
	}
	f.armed[fault]--
	return true
}
