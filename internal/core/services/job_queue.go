package services

import (
	"container/heap"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

// queuedJob is a pending job waiting for a concurrency slot.
type queuedJob struct {
	ID        domain.JobID
	Priority  int    // Lower is dispatched first
	Sequence  uint64 // Submission order, breaks priority ties
	NotBefore time.Time
	index     int
}

// jobQueue is a min-heap of pending jobs. It is not safe for concurrent use;
// the scheduler guards it with its own mutex.
type jobQueue struct {
	items []*queuedJob
	byID  map[domain.JobID]*queuedJob
}

func newJobQueue() *jobQueue {
	q := &jobQueue{byID: make(map[domain.JobID]*queuedJob)}
	heap.Init(q)
	return q
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Sequence < b.Sequence
}

func (q *jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

// Push implements heap.Interface
func (q *jobQueue) Push(x any) {
	item := x.(*queuedJob)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

// Pop implements heap.Interface
func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

// Enqueue adds or replaces the entry for id.
func (q *jobQueue) Enqueue(item *queuedJob) {
	q.Remove(item.ID)
	heap.Push(q, item)
	q.byID[item.ID] = item
}

// Remove drops id from the queue. It reports whether it was present.
func (q *jobQueue) Remove(id domain.JobID) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	delete(q.byID, id)
	return true
}

// PeekEligible returns the best entry whose NotBefore has passed, or nil.
// Delayed entries keep their position so they win once their delay ends.
func (q *jobQueue) PeekEligible(now time.Time) *queuedJob {
	if len(q.items) == 0 {
		return nil
	}
	if head := q.items[0]; !head.NotBefore.After(now) {
		return head
	}

	var best *queuedJob
	for _, item := range q.items {
		if item.NotBefore.After(now) {
			continue
		}
		if best == nil || item.Priority < best.Priority ||
			(item.Priority == best.Priority && item.Sequence < best.Sequence) {
			best = item
		}
	}
	return best
}

// NextReady returns the earliest NotBefore among delayed entries.
func (q *jobQueue) NextReady(now time.Time) (time.Time, bool) {
	var next time.Time
	for _, item := range q.items {
		if item.NotBefore.After(now) && (next.IsZero() || item.NotBefore.Before(next)) {
			next = item.NotBefore
		}
	}
	return next, !next.IsZero()
}
