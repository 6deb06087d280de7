package orchestrator

import (
	"time"

	"newsflow/internal/agent"
)

// Priority orders tasks in the queue. Lower value dispatches first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityMedium     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusActive    TaskStatus = "active"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// ScheduledTask wraps an immutable Task with scheduling state.
//
// The heap key (priority, scheduled time, insertion sequence) is frozen when
// the item enters the queue. A retry is a fresh ScheduledTask with a new
// sequence number; a queued item is never mutated in place, so nothing can
// reorder the heap underneath us.
type ScheduledTask struct {
	Task        agent.Task
	Priority    Priority
	ScheduledAt time.Time
	RetryCount  int
	MaxRetries  int
	Status      TaskStatus

	seq         uint64
	enqueuedAt  time.Time
	attemptErrs []string
}

// TaskRecord is the terminal record kept in the bounded history lists and
// handed to the optional archiver.
type TaskRecord struct {
	TaskID     string
	Stage      string
	Kind       string
	Priority   Priority
	Status     TaskStatus
	Attempts   int
	EnqueuedAt time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Error      string
	Detail     map[string]any
}

// Event types published on the bus.
const (
	EventTaskEnqueued   = "task.enqueued"
	EventTaskDispatched = "task.dispatched"
	EventTaskCompleted  = "task.completed"
	EventTaskRetried    = "task.retried"
	EventTaskFailed     = "task.failed"
	EventAgentHealth    = "agent.health"
)

// TaskEvent is the bus payload for task lifecycle events.
type TaskEvent struct {
	ID       string
	Stage    string
	Kind     string
	Priority Priority
	Attempts int
	Duration time.Duration
	Error    string
	Detail   map[string]any
}

// HealthEvent is published when a stage flips healthy/unhealthy.
type HealthEvent struct {
	Stage             string
	Healthy           bool
	ConsecutiveErrors int
	LastError         string
}
