package checkout

import "container/heap"

// readyEntry is an idle Holder, keyed by the instant it went idle so
// pings target the oldest idle connection.
type readyEntry struct {
	idleSince int64 // monotonic nanoseconds
	holder    *Holder
	index     int
}

// readyQueue is a min-heap on idleSince, touched only from the Broker
// goroutine. Draining for a waiter bypasses this queue entirely, since
// the returning Holder is handed straight to the waiter; this type is
// consulted only by checkout-with-no-waiters and by the CoDel idle-ping
// tick.
type readyQueue struct {
	h readyHeap
	// byHolder supports O(log n) removal by Holder when a specific idle
	// Holder is destroyed.
	byHolder map[uint64]*readyEntry
}

func newReadyQueue() *readyQueue {
	return &readyQueue{byHolder: make(map[uint64]*readyEntry)}
}

func (q *readyQueue) Len() int { return len(q.h) }

func (q *readyQueue) insert(holder *Holder, idleSince int64) {
	e := &readyEntry{idleSince: idleSince, holder: holder}
	heap.Push(&q.h, e)
	q.byHolder[holder.id] = e
}

// first returns the oldest idle entry without removing it.
func (q *readyQueue) first() *readyEntry {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// takeOldest removes and returns the oldest idle entry — used when a
// checkout arrives with no waiters to serve it from directly.
func (q *readyQueue) takeOldest() *readyEntry {
	if len(q.h) == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*readyEntry)
	delete(q.byHolder, e.holder.id)
	return e
}

// takeForPing removes and returns the oldest entry, for the CoDel idle
// timer to dispatch a health-check ping against.
func (q *readyQueue) takeForPing() *readyEntry {
	return q.takeOldest()
}

// remove deletes a specific Holder's entry, e.g. when it is destroyed
// while still idle (disconnect/stop racing with an idle Holder).
func (q *readyQueue) remove(holderID uint64) bool {
	e, ok := q.byHolder[holderID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byHolder, holderID)
	return true
}

type readyHeap []*readyEntry

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].idleSince < h[j].idleSince }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*readyEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
