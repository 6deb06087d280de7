package agent

import (
	"context"
	"errors"
	"time"
)

// Task is an immutable unit of work targeting one pipeline stage.
//
// The orchestration core never inspects Payload; it is an opaque contract
// between the producer and the stage handler.
type Task struct {
	ID        string
	Stage     string
	Kind      string
	Payload   map[string]any
	CreatedAt time.Time
}

// Result is what a handler returns from a successful Execute.
//
// Detail is free-form; well-known keys (e.g. "items_found" for discovery,
// "items_analyzed" for analysis) are read by the pipeline coordinator but
// never by the scheduler itself.
type Result struct {
	Detail map[string]any
}

// Int reads an integer detail value, tolerating the numeric types that
// survive a JSON round trip.
func (r Result) Int(key string) int {
	switch v := r.Detail[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Handler is the contract a pluggable stage implementation satisfies.
//
//   - Execute runs one task and must honor ctx cancellation.
//   - Probe is a lightweight liveness check; it must return quickly.
//   - Shutdown is a best-effort graceful stop.
type Handler interface {
	Execute(ctx context.Context, t Task) (Result, error)
	Probe(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PermanentError marks a handler failure as non-recoverable: the scheduler
// sends the task straight to the failed list without retrying.
//
// Any other handler error (including deadline expiry) is treated as
// transient and retried with backoff.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the scheduler will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
