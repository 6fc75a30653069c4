package gpu

import "math/bits"

// FindMemoryType picks a memory type for an allocation. Only types whose bit
// is set in typeBits are considered. The chosen type has every required
// property plus the properties the usage class requires, and misses the
// fewest properties the usage class prefers. Ties go to the lowest index.
func FindMemoryType(types []MemoryType, typeBits uint32, required MemoryPropertyFlags, usage MemoryUsage) (int, bool) {
	required |= usage.Required()
	preferred := usage.Preferred()

	best, bestCost := -1, 0
	for i, t := range types {
		if i >= 32 || typeBits&(1<<i) == 0 {
			continue
		}
		if !t.Properties.Has(required) {
			continue
		}

		cost := bits.OnesCount32(uint32(preferred &^ t.Properties))
		if best < 0 || cost < bestCost {
			best, bestCost = i, cost
		}
	}

	return best, best >= 0
}
