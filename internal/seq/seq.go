// Package seq provides the single process-global monotonic sequence
// counter spec.md §3/§4.2/§9 requires for admit_seq and trade ordering:
// "isolate it behind a single producer and read-only consumers."
package seq

import "sync/atomic"

var counter atomic.Int64

// Next returns the next value in the process-wide sequence. Safe for
// concurrent use across pair actors — this is the one deliberately
// global piece of mutable state spec.md §9 calls out, besides the EB
// subscriber registry.
func Next() int64 {
	return counter.Add(1)
}

// Current returns the high-water mark without advancing it, used when
// restoring admit_seq on boot from the persisted journal (SPEC_FULL.md §6).
func Current() int64 {
	return counter.Load()
}

// Restore advances the counter to at least v, used once at boot after
// replaying the open-order journal so freshly admitted orders never
// collide with persisted ones.
func Restore(v int64) {
	for {
		cur := counter.Load()
		if v <= cur {
			return
		}
		if counter.CompareAndSwap(cur, v) {
			return
		}
	}
}
