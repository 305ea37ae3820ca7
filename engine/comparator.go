package engine

import "github.com/ossforge/opforge/internal/opgraph"

// Comparator orders two operations for ReadyQueue dispatch. It must return a
// negative number if a should be dispatched before b, positive if after, and
// zero for "no preference" (among tied operations, the one that came later in
// the slice passed to NewReadyQueue is dispatched first).
type Comparator func(a, b *opgraph.Operation, cpl map[*opgraph.Operation]float64) int

// DefaultComparator orders by higher critical-path length first, ties
// broken by higher consumer count.
func DefaultComparator(a, b *opgraph.Operation, cpl map[*opgraph.Operation]float64) int {
	ca, cb := cpl[a], cpl[b]
	if ca != cb {
		if ca > cb {
			return -1
		}
		return 1
	}

	sa, sb := len(a.Consumers()), len(b.Consumers())
	if sa != sb {
		if sa > sb {
			return -1
		}
		return 1
	}
	return 0
}
