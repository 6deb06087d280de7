package app

import (
	"fmt"
	"strings"
	"time"

	"newsflow/internal/config"
	"newsflow/internal/notify"
	"newsflow/internal/orchestrator"
	"newsflow/internal/pipeline"
	"newsflow/internal/storage"
	logx "newsflow/pkg/logx"
)

// The map* helpers translate the raw config file sections into component
// configs. They double as validators: Watch() runs them before committing a
// hot-reloaded config, so a bad edit never reaches a running component.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	o := cfg.Orchestrator

	tick, err := config.ParseDurationOrDefault("orchestrator.tick", o.Tick, 30*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	timeout, err := config.ParseDurationField("orchestrator.task_timeout", o.TaskTimeout)
	if err != nil {
		return orchestrator.Config{}, err
	}
	if o.MaxConcurrentTasks < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.max_concurrent_tasks must be >= 0")
	}
	retries := 3
	if o.MaxRetries != nil {
		if *o.MaxRetries < 0 {
			return orchestrator.Config{}, fmt.Errorf("orchestrator.max_retries must be >= 0")
		}
		retries = *o.MaxRetries
	}
	if o.BaseBackoffSeconds < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.base_backoff_seconds must be >= 0")
	}
	if o.BackoffMultiplier < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.backoff_multiplier must be >= 0")
	}
	if o.HistorySize < 0 {
		return orchestrator.Config{}, fmt.Errorf("orchestrator.history_size must be >= 0")
	}

	return orchestrator.Config{
		Enabled:            o.Enabled,
		Tick:               tick,
		MaxConcurrentTasks: o.MaxConcurrentTasks,
		MaxRetries:         retries,
		BaseBackoff:        time.Duration(o.BaseBackoffSeconds * float64(time.Second)),
		BackoffMultiplier:  o.BackoffMultiplier,
		TaskTimeout:        timeout,
		HistorySize:        o.HistorySize,
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (orchestrator.MonitorConfig, error) {
	h := cfg.Health

	interval, err := config.ParseDurationOrDefault("health.health_check_interval", h.HealthCheckInterval, 5*time.Minute)
	if err != nil {
		return orchestrator.MonitorConfig{}, err
	}
	probeTimeout, err := config.ParseDurationOrDefault("health.probe_timeout", h.ProbeTimeout, 10*time.Second)
	if err != nil {
		return orchestrator.MonitorConfig{}, err
	}
	if h.UnhealthyThreshold < 0 {
		return orchestrator.MonitorConfig{}, fmt.Errorf("health.unhealthy_threshold must be >= 0")
	}

	return orchestrator.MonitorConfig{
		Interval:     interval,
		ProbeTimeout: probeTimeout,
	}, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	p := cfg.Pipeline

	tick, err := config.ParseDurationOrDefault("pipeline.tick", p.Tick, 30*time.Second)
	if err != nil {
		return pipeline.Config{}, err
	}
	discovery, err := config.ParseDurationField("pipeline.discovery_interval", p.DiscoveryInterval)
	if err != nil {
		return pipeline.Config{}, err
	}
	cadence, err := config.ParseDurationField("pipeline.composition_cadence", p.CompositionCadence)
	if err != nil {
		return pipeline.Config{}, err
	}
	if p.MinAnalyzedBacklog < 0 {
		return pipeline.Config{}, fmt.Errorf("pipeline.min_analyzed_backlog must be >= 0")
	}
	if p.AlertRatePerMin < 0 {
		return pipeline.Config{}, fmt.Errorf("pipeline.alert_rate_per_min must be >= 0")
	}

	return pipeline.Config{
		Enabled:             p.Enabled,
		Tick:                tick,
		DiscoveryInterval:   discovery,
		DiscoverySchedule:   strings.TrimSpace(p.DiscoverySchedule),
		CompositionCadence:  cadence,
		CompositionSchedule: strings.TrimSpace(p.CompositionSchedule),
		MinAnalyzedBacklog:  p.MinAnalyzedBacklog,
		AlertRatePerMin:     p.AlertRatePerMin,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	if cfg.Notify == nil {
		return notify.Config{}, nil
	}
	n := cfg.Notify
	if n.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	if n.Enabled && (strings.TrimSpace(n.Token) == "" || n.ChatID == 0) {
		return notify.Config{}, fmt.Errorf("notify: token and chat_id are required when enabled")
	}
	return notify.Config{
		Enabled:    n.Enabled,
		Token:      n.Token,
		ChatID:     n.ChatID,
		RatePerSec: n.RatePerSec,
	}, nil
}
