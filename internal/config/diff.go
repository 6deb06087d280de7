package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsflow/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of agent stage names whose block changed (enable/config).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Orchestrator (scheduler + retry controller)
	if !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator) {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.Bool("orchestrator.enabled", newCfg.Orchestrator.Enabled),
			logx.String("orchestrator.tick", strings.TrimSpace(newCfg.Orchestrator.Tick)),
			logx.Int("orchestrator.max_concurrent_tasks", newCfg.Orchestrator.MaxConcurrentTasks),
			logx.Bool("orchestrator.max_retries_set", newCfg.Orchestrator.MaxRetries != nil),
			logx.Float64("orchestrator.base_backoff_seconds", newCfg.Orchestrator.BaseBackoffSeconds),
			logx.Float64("orchestrator.backoff_multiplier", newCfg.Orchestrator.BackoffMultiplier),
			logx.String("orchestrator.task_timeout", strings.TrimSpace(newCfg.Orchestrator.TaskTimeout)),
			logx.Int("orchestrator.history_size", newCfg.Orchestrator.HistorySize),
		)
	}

	// Health monitor
	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.check_interval", strings.TrimSpace(newCfg.Health.HealthCheckInterval)),
			logx.String("health.probe_timeout", strings.TrimSpace(newCfg.Health.ProbeTimeout)),
			logx.Int("health.unhealthy_threshold", newCfg.Health.UnhealthyThreshold),
		)
	}

	// Pipeline coordinator
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Bool("pipeline.enabled", newCfg.Pipeline.Enabled),
			logx.String("pipeline.discovery_interval", strings.TrimSpace(newCfg.Pipeline.DiscoveryInterval)),
			logx.Bool("pipeline.discovery_schedule_set", strings.TrimSpace(newCfg.Pipeline.DiscoverySchedule) != ""),
			logx.String("pipeline.composition_cadence", strings.TrimSpace(newCfg.Pipeline.CompositionCadence)),
			logx.Bool("pipeline.composition_schedule_set", strings.TrimSpace(newCfg.Pipeline.CompositionSchedule) != ""),
			logx.Int("pipeline.min_analyzed_backlog", newCfg.Pipeline.MinAnalyzedBacklog),
		)
	}

	// Metrics. Nil means disabled.
	oM, nM := derefMetrics(oldCfg.Metrics), derefMetrics(newCfg.Metrics)
	if oM != nM {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nM.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nM.Addr)),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Notify (never log token)
	oN, nN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if oN != nN {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Bool("notify.chat_id_set", nN.ChatID != 0),
			logx.Int("notify.rate_per_sec", nN.RatePerSec),
		)
	}

	// Agents (summarize only; details at debug)
	agentChanged := diffAgents(oldCfg.Agents, newCfg.Agents)
	if len(agentChanged) > 0 {
		changed = append(changed, "agents")
		attrs = append(attrs,
			logx.Int("agents.changed_count", len(agentChanged)),
			logx.Int("agents.enabled_count", countEnabled(newCfg.Agents)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, agentChanged
}

func derefMetrics(m *MetricsConfig) MetricsConfig {
	if m == nil {
		return MetricsConfig{}
	}
	return *m
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func countEnabled(m map[string]AgentConfigRaw) int {
	if len(m) == 0 {
		return 0
	}
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffAgents(oldM, newM map[string]AgentConfigRaw) []string {
	if oldM == nil {
		oldM = map[string]AgentConfigRaw{}
	}
	if newM == nil {
		newM = map[string]AgentConfigRaw{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled {
			out = append(out, name)
			continue
		}
		if canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
			continue
		}
	}
	sort.Strings(out)
	return out
}
