package scheduler

import "container/heap"

// fakeTimer is one pending callback on a FakeClock.
type fakeTimer struct {
	clock *FakeClock
	at    int64  // UnixNano deadline, the sort key
	seq   uint64 // insertion order, breaks ties between equal deadlines
	fn    func()

	// heapIdx is the timer's position in the heap slice, or -1 once it has
	// fired or been stopped. Maintained by timerHeap.Swap so Stop is O(log N).
	heapIdx int
}

// Stop removes the timer from its clock. It reports whether the timer was
// still pending.
func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.heapIdx < 0 {
		return false
	}
	c.timers.remove(t.heapIdx)
	return true
}

// timerHeap is a min-heap of *fakeTimer ordered by (at, seq).
type timerHeap []*fakeTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*fakeTimer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // allow GC
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

// remove removes the timer at position idx and re-heapifies in O(log N).
func (h *timerHeap) remove(idx int) *fakeTimer {
	return heap.Remove(h, idx).(*fakeTimer)
}
