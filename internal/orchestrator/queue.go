package orchestrator

import (
	"container/heap"
	"sync"
	"time"
)

// taskQueue is the pending-task priority queue.
//
// Order: priority ascending, then scheduled time ascending, then insertion
// sequence ascending. Priority strictly dominates time: a due Critical task
// always dispatches before a due Background task regardless of arrival order.
//
// All mutation goes through the mutex-guarded methods; nothing else touches
// the underlying heap.
type taskQueue struct {
	mu  sync.Mutex
	h   taskHeap
	seq uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Push assigns the next insertion sequence and adds the item to the heap.
func (q *taskQueue) Push(st *ScheduledTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	st.seq = q.seq
	heap.Push(&q.h, st)
}

// Requeue puts back items that could not get a concurrency slot this tick.
// Their frozen keys (including seq) are kept, so the next tick observes the
// same dispatch order.
func (q *taskQueue) Requeue(items []*ScheduledTask) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, st := range items {
		heap.Push(&q.h, st)
	}
}

// PopDue removes and returns every entry with ScheduledAt <= now, in queue
// order. Entries scheduled in the future stay queued even when they outrank
// due work, so a high-priority retry waiting out its backoff never delays
// lower-priority tasks that are already due.
func (q *taskQueue) PopDue(now time.Time) []*ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due, waiting []*ScheduledTask
	for q.h.Len() > 0 {
		st := heap.Pop(&q.h).(*ScheduledTask)
		if st.ScheduledAt.After(now) {
			waiting = append(waiting, st)
			continue
		}
		due = append(due, st)
	}
	if len(waiting) > 0 {
		q.h = taskHeap(waiting)
		heap.Init(&q.h)
	}
	return due
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

type taskHeap []*ScheduledTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*ScheduledTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
