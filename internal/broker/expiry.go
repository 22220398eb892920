package broker

import (
	"container/heap"
	"time"
)

// expiryEvent is one session deadline.
// index is required for heap.Remove on explicit release.
type expiryEvent struct {
	token string
	when  time.Time
	index int
}

// expiryQueue orders session deadlines, soonest first.
// Not safe for concurrent use; the engine mutex guards it.
type expiryQueue struct {
	h       expiryHeap
	entries map[string]*expiryEvent
}

func newExpiryQueue() *expiryQueue {
	h := expiryHeap{}
	heap.Init(&h)
	return &expiryQueue{
		h:       h,
		entries: make(map[string]*expiryEvent),
	}
}

// push schedules token to expire at when, replacing any earlier deadline.
func (q *expiryQueue) push(token string, when time.Time) {
	if old, ok := q.entries[token]; ok {
		heap.Remove(&q.h, old.index)
		delete(q.entries, token)
	}

	ev := &expiryEvent{token: token, when: when}
	q.entries[token] = ev
	heap.Push(&q.h, ev)
}

// popDue removes and returns every token whose deadline is not after now.
func (q *expiryQueue) popDue(now time.Time) []string {
	var due []string
	for len(q.h) > 0 && !q.h[0].when.After(now) {
		ev := heap.Pop(&q.h).(*expiryEvent)
		delete(q.entries, ev.token)
		due = append(due, ev.token)
	}
	return due
}

// next returns the soonest deadline without removing it.
func (q *expiryQueue) next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].when, true
}

// remove drops the deadline for token, if any.
func (q *expiryQueue) remove(token string) {
	ev, ok := q.entries[token]
	if !ok {
		return
	}
	heap.Remove(&q.h, ev.index)
	delete(q.entries, token)
}

func (q *expiryQueue) len() int { return len(q.h) }

// --- heap internals ----------------------------------------------------------

// expiryHeap is a min-heap ordered by expiryEvent.when.
type expiryHeap []*expiryEvent

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	ev := x.(*expiryEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1 // mark as removed
	*h = old[:n-1]
	return ev
}
