package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"newsflow/internal/orchestrator"
	logx "newsflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.jsonl  (append-only JSON Lines, one terminal record per line)
//   - <prefix>.health.jsonl (append-only JSON Lines, one row per agent per snapshot)
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	tasksFile  *os.File
	healthFile *os.File
}

// taskRow keeps the on-disk schema stable regardless of in-memory renames.
type taskRow struct {
	TaskID     string         `json:"task_id"`
	Stage      string         `json:"stage"`
	Kind       string         `json:"kind"`
	Priority   int            `json:"priority"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

type healthRow struct {
	At                time.Time `json:"at"`
	Stage             string    `json:"stage"`
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	AvgLatencyMS      int64     `json:"avg_latency_ms"`
	Successes         uint64    `json:"successes"`
	Failures          uint64    `json:"failures"`
	LastError         string    `json:"last_error,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tf, err := os.OpenFile(prefix+".tasks.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	hf, err := os.OpenFile(prefix+".health.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	return &fileStore{log: log, tasksFile: tf, healthFile: hf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.tasksFile != nil {
		err1 = s.tasksFile.Close()
		s.tasksFile = nil
	}
	if s.healthFile != nil {
		err2 = s.healthFile.Close()
		s.healthFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) ArchiveTask(ctx context.Context, rec orchestrator.TaskRecord) error {
	_ = ctx
	row := taskRow{
		TaskID:     rec.TaskID,
		Stage:      rec.Stage,
		Kind:       rec.Kind,
		Priority:   int(rec.Priority),
		Status:     string(rec.Status),
		Attempts:   rec.Attempts,
		EnqueuedAt: rec.EnqueuedAt,
		FinishedAt: rec.FinishedAt,
		DurationMS: rec.Duration.Milliseconds(),
		Error:      rec.Error,
		Detail:     rec.Detail,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasksFile == nil {
		return errors.New("task archive closed")
	}
	return json.NewEncoder(s.tasksFile).Encode(row)
}

func (s *fileStore) ArchiveHealth(ctx context.Context, at time.Time, agents []orchestrator.AgentHealth) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthFile == nil {
		return errors.New("health archive closed")
	}
	enc := json.NewEncoder(s.healthFile)
	for _, a := range agents {
		row := healthRow{
			At:                at,
			Stage:             a.Stage,
			Healthy:           a.Healthy,
			ConsecutiveErrors: a.ConsecutiveErrors,
			AvgLatencyMS:      a.AvgLatency.Milliseconds(),
			Successes:         a.Successes,
			Failures:          a.Failures,
			LastError:         a.LastError,
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
