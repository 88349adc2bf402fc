package listener

import "container/heap"

// epochMinHeap is a multiset min-heap of epoch numbers: container/heap's
// Interface over a plain []uint64, duplicates allowed.
type epochMinHeap []uint64

func (h epochMinHeap) Len() int            { return len(h) }
func (h epochMinHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h epochMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *epochMinHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *epochMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// epochWindow is the bounded epoch window: a ring of at most capacity
// distinct epoch values (50 in production), backed by a min-heap so the
// oldest epoch is always known and evictable in O(log n).
type epochWindow struct {
	capacity int
	h        epochMinHeap
	counts   map[uint64]int
}

// newEpochWindow constructs a window holding at most capacity entries
// (each duplicate instance occupies its own slot; instances are counted so
// an eviction is only reported once the last instance of a value is gone).
func newEpochWindow(capacity int) *epochWindow {
	return &epochWindow{capacity: capacity, counts: make(map[uint64]int)}
}

// Push records epoch e having been listened on. If e is already
// less than or equal to the current oldest epoch in the window, it is a
// late/duplicate push and a no-op. Otherwise e is inserted; if the window
// now exceeds capacity, the minimum is popped repeatedly until it's back
// at capacity. The evicted epoch is returned only if the window no longer
// contains any instance of it (it was the sole remaining copy).
func (w *epochWindow) Push(e uint64) (evicted uint64, ok bool) {
	if w.h.Len() > 0 && e <= w.h[0] {
		return 0, false
	}

	heap.Push(&w.h, e)
	w.counts[e]++

	for w.h.Len() > w.capacity {
		min := heap.Pop(&w.h).(uint64)
		w.counts[min]--
		if w.counts[min] == 0 {
			delete(w.counts, min)
			evicted, ok = min, true
		}
	}
	return evicted, ok
}

// Len returns the number of entries (counting duplicates) currently held.
func (w *epochWindow) Len() int { return w.h.Len() }

// Contains reports whether any instance of e is still in the window.
func (w *epochWindow) Contains(e uint64) bool { return w.counts[e] > 0 }

// Values returns every distinct epoch currently in the window.
func (w *epochWindow) Values() []uint64 {
	out := make([]uint64, 0, len(w.counts))
	for e := range w.counts {
		out = append(out, e)
	}
	return out
}
