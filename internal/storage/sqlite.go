package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newsflow/internal/orchestrator"
	logx "newsflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ArchiveTask(ctx context.Context, rec orchestrator.TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var detail any
	if len(rec.Detail) > 0 {
		b, err := json.Marshal(rec.Detail)
		if err == nil {
			detail = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_archive(task_id, stage, kind, priority, status, attempts, enqueued_at, finished_at, duration_ms, err, detail)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		rec.TaskID, rec.Stage, rec.Kind, int(rec.Priority), string(rec.Status), rec.Attempts,
		rec.EnqueuedAt.Format(time.RFC3339Nano), rec.FinishedAt.Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(), nullStr(rec.Error), detail,
	)
	return err
}

func (s *sqliteStore) ArchiveHealth(ctx context.Context, at time.Time, agents []orchestrator.AgentHealth) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ts := at.Format(time.RFC3339Nano)
	for _, a := range agents {
		healthy := 0
		if a.Healthy {
			healthy = 1
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO health_log(at, stage, healthy, consecutive_errors, avg_latency_ms, successes, failures, last_error)
			 VALUES(?,?,?,?,?,?,?,?)`,
			ts, a.Stage, healthy, a.ConsecutiveErrors, a.AvgLatency.Milliseconds(),
			a.Successes, a.Failures, nullStr(a.LastError),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
