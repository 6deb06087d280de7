package storage

import (
	"context"
	"errors"
	"time"

	"newsflow/internal/orchestrator"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by the orchestrator (terminal task
// records) and the app (health snapshots).
type Store interface {
	ArchiveTask(ctx context.Context, rec orchestrator.TaskRecord) error
	ArchiveHealth(ctx context.Context, at time.Time, agents []orchestrator.AgentHealth) error
	Close() error
}
