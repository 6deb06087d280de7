package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Orchestrator controls the task scheduler (queue, dispatch, retries).
	Orchestrator OrchestratorConfig `json:"orchestrator"`

	// Health controls the probe loop that tracks per-stage agent health.
	Health HealthConfig `json:"health"`

	// Pipeline controls the coordinator that decides when to enqueue
	// discovery/analysis/composition work.
	Pipeline PipelineConfig `json:"pipeline"`

	Metrics *MetricsConfig `json:"metrics,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`

	Agents map[string]AgentConfigRaw `json:"agents"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OrchestratorConfig controls the scheduler loop and the retry controller.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"), except
// base_backoff_seconds which is a float number of seconds.
//
// Defaults (when fields are omitted/zero):
//   - tick: "30s"
//   - max_concurrent_tasks: 4
//   - max_retries: 3 (an explicit 0 disables retries)
//   - base_backoff_seconds: 2
//   - backoff_multiplier: 2
//   - task_timeout: "0s" (disabled)
//   - history_size: 200
type OrchestratorConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`

	MaxConcurrentTasks int `json:"max_concurrent_tasks,omitempty"`

	// MaxRetries is a pointer so an omitted field gets the default while an
	// explicit 0 still means "no retries".
	MaxRetries *int `json:"max_retries,omitempty"`

	BaseBackoffSeconds float64 `json:"base_backoff_seconds,omitempty"`
	BackoffMultiplier  float64 `json:"backoff_multiplier,omitempty"`

	// TaskTimeout bounds a single handler execution. "0s" disables it.
	TaskTimeout string `json:"task_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// HealthConfig controls the independent probe loop.
//
// Defaults: health_check_interval "5m", probe_timeout "10s",
// unhealthy_threshold 3.
type HealthConfig struct {
	HealthCheckInterval string `json:"health_check_interval,omitempty"`
	ProbeTimeout        string `json:"probe_timeout,omitempty"`
	UnhealthyThreshold  int    `json:"unhealthy_threshold,omitempty"`
}

// PipelineConfig controls the coordinator.
//
// discovery_schedule / composition_schedule are optional cron expressions
// (standard 5-field cron, e.g. "0 9 * * 2,5"); when set they fire triggers
// through the same gated path as the interval rules.
type PipelineConfig struct {
	Enabled bool   `json:"enabled"`
	Tick    string `json:"tick,omitempty"`

	DiscoveryInterval string `json:"discovery_interval,omitempty"`
	DiscoverySchedule string `json:"discovery_schedule,omitempty"`

	CompositionCadence  string `json:"composition_cadence,omitempty"`
	CompositionSchedule string `json:"composition_schedule,omitempty"`

	MinAnalyzedBacklog int `json:"min_analyzed_backlog,omitempty"`

	// AlertRatePerMin caps unhealthy-agent alert events. 0 keeps the default.
	AlertRatePerMin int `json:"alert_rate_per_min,omitempty"`
}

// MetricsConfig controls the optional Prometheus listener.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9180").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9180"
}

// StorageConfig controls the optional archive of terminal task records and
// health snapshots.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./newsflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig controls the optional Telegram alert sink.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // bot token (do not log)
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// AgentConfigRaw is the per-stage handler block. Config stays opaque here;
// each handler decodes its own section.
type AgentConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos inside an agent block are
// caught during config reload instead of being silently ignored.
func (a *AgentConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*a = AgentConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
