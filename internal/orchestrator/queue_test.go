package orchestrator

import (
	"testing"
	"time"

	"newsflow/internal/agent"
)

func mkTask(id string, pri Priority, at time.Time) *ScheduledTask {
	return &ScheduledTask{
		Task:        agent.Task{ID: id, Stage: "discovery", Kind: "discover_feeds"},
		Priority:    pri,
		ScheduledAt: at,
		Status:      StatusPending,
	}
}

func popIDs(q *taskQueue, now time.Time) []string {
	due := q.PopDue(now)
	ids := make([]string, len(due))
	for i, st := range due {
		ids[i] = st.Task.ID
	}
	return ids
}

func TestQueuePriorityDominatesTime(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := newTaskQueue()

	// The background task was scheduled long before the critical one; the
	// critical one still dispatches first.
	q.Push(mkTask("bg", PriorityBackground, now.Add(-time.Hour)))
	q.Push(mkTask("crit", PriorityCritical, now.Add(-time.Second)))
	q.Push(mkTask("med", PriorityMedium, now.Add(-time.Minute)))

	got := popIDs(q, now)
	want := []string{"crit", "med", "bg"}
	if len(got) != len(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v, want %v", got, want)
		}
	}
}

func TestQueueTieBreaks(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := newTaskQueue()

	// Same priority: earlier scheduled time wins.
	q.Push(mkTask("late", PriorityMedium, now.Add(-time.Second)))
	q.Push(mkTask("early", PriorityMedium, now.Add(-time.Minute)))
	// Same priority and time: insertion order wins.
	at := now.Add(-time.Hour)
	q.Push(mkTask("first", PriorityHigh, at))
	q.Push(mkTask("second", PriorityHigh, at))

	got := popIDs(q, now)
	want := []string{"first", "second", "early", "late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v, want %v", got, want)
		}
	}
}

func TestQueueFutureTasksStay(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := newTaskQueue()

	q.Push(mkTask("due", PriorityMedium, now))
	q.Push(mkTask("future", PriorityCritical, now.Add(time.Minute)))

	got := popIDs(q, now)
	if len(got) != 1 || got[0] != "due" {
		t.Fatalf("popped %v, want [due]", got)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}

	// Once its time arrives, the future critical task comes out first of the
	// remaining set.
	got = popIDs(q, now.Add(2*time.Minute))
	if len(got) != 1 || got[0] != "future" {
		t.Fatalf("popped %v, want [future]", got)
	}
}

func TestQueueFutureCriticalDoesNotBlockDue(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := newTaskQueue()

	// A critical retry waiting out a long backoff sits at the top of the heap.
	// Due lower-priority work behind it must still come out.
	q.Push(mkTask("crit-backoff", PriorityCritical, now.Add(time.Hour)))
	q.Push(mkTask("low-due", PriorityLow, now.Add(-time.Second)))
	q.Push(mkTask("bg-due", PriorityBackground, now.Add(-time.Minute)))

	got := popIDs(q, now)
	want := []string{"low-due", "bg-due"}
	if len(got) != len(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v, want %v", got, want)
		}
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want the waiting critical task", q.Len())
	}

	got = popIDs(q, now.Add(2*time.Hour))
	if len(got) != 1 || got[0] != "crit-backoff" {
		t.Fatalf("popped %v, want [crit-backoff]", got)
	}
}

func TestQueueRequeueKeepsOrder(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := newTaskQueue()

	q.Push(mkTask("a", PriorityHigh, now.Add(-time.Minute)))
	q.Push(mkTask("b", PriorityHigh, now.Add(-time.Minute)))
	q.Push(mkTask("c", PriorityLow, now.Add(-time.Minute)))

	due := q.PopDue(now)
	if len(due) != 3 {
		t.Fatalf("popped %d tasks, want 3", len(due))
	}

	// Simulate the concurrency gate filling after one dispatch: the rest go
	// back with their frozen keys and must come out in the same order.
	q.Requeue(due[1:])
	got := popIDs(q, now)
	want := []string{"b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v after requeue, want %v", got, want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		base       time.Duration
		multiplier float64
		retry      int
		want       time.Duration
	}{
		{name: "first retry", base: 2 * time.Second, multiplier: 2, retry: 0, want: 2 * time.Second},
		{name: "second retry", base: 2 * time.Second, multiplier: 2, retry: 1, want: 4 * time.Second},
		{name: "third retry", base: 2 * time.Second, multiplier: 2, retry: 2, want: 8 * time.Second},
		{name: "fractional multiplier", base: time.Second, multiplier: 1.5, retry: 2, want: 2250 * time.Millisecond},
		{name: "zero base falls back", base: 0, multiplier: 2, retry: 0, want: 2 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := backoffDelay(tt.base, tt.multiplier, tt.retry)
			if got != tt.want {
				t.Fatalf("backoffDelay(%v, %v, %d) = %v, want %v", tt.base, tt.multiplier, tt.retry, got, tt.want)
			}
		})
	}
}
