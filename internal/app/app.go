// Package app wires the newsflow components together: config, logging, the
// event bus, storage, metrics, the orchestrator with its agents, the health
// monitor, the pipeline coordinator, and the alert sink.
package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"newsflow/agents/analysis"
	"newsflow/agents/compose"
	"newsflow/agents/discovery"
	"newsflow/internal/agent"
	"newsflow/internal/config"
	"newsflow/internal/eventbus"
	"newsflow/internal/metrics"
	"newsflow/internal/notify"
	"newsflow/internal/orchestrator"
	"newsflow/internal/pipeline"
	"newsflow/internal/storage"
	logx "newsflow/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store      storage.Store
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	reg     *orchestrator.Registry
	orch    *orchestrator.Service
	monitor *orchestrator.Monitor
	coord   *pipeline.Coordinator
	notif   *notify.Service

	healthInterval time.Duration

	wg        sync.WaitGroup
	startedAt time.Time
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	a := &App{}

	a.cfgm = config.NewConfigManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", cfgPath, err)
	}

	a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.bus = eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storeCfg, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		a.metricsSrv = metrics.NewServer(cfg.Metrics.Addr, a.metrics, a.log.With(logx.String("comp", "metrics")))
	}

	monCfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.healthInterval = monCfg.Interval

	a.reg = orchestrator.NewRegistry(cfg.Health.UnhealthyThreshold, a.log.With(logx.String("comp", "registry")), a.bus)
	a.reg.SetMetrics(a.metrics)

	orchCfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.orch = orchestrator.New(orchCfg, a.log.With(logx.String("comp", "orchestrator")), a.bus, a.reg)
	if a.store != nil {
		a.orch.SetArchiver(a.store)
	}
	a.orch.SetMetrics(a.metrics)

	a.monitor = orchestrator.NewMonitor(monCfg, a.reg, a.log.With(logx.String("comp", "health")))

	pipeCfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.coord = pipeline.New(pipeCfg, a.log.With(logx.String("comp", "pipeline")), a.bus, a.orch, a.reg)

	notifCfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notify.New(notifCfg, a.log.With(logx.String("comp", "notify")), a.bus)

	if err := a.registerAgents(cfg); err != nil {
		return nil, err
	}

	return a, nil
}

// Orchestrator exposes the scheduler, mainly for status surfaces and tests.
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

// Coordinator exposes the pipeline coordinator (manual triggers, snapshots).
func (a *App) Coordinator() *pipeline.Coordinator { return a.coord }

// registerAgents builds a handler for every enabled agents.<stage> block and
// registers it with its closed kind set.
func (a *App) registerAgents(cfg *config.Config) error {
	for stage, ac := range cfg.Agents {
		if !ac.Enabled {
			continue
		}
		h, err := buildAgent(stage, ac, a.log.With(logx.String("comp", "agent."+stage)))
		if err != nil {
			return err
		}
		if err := a.reg.Register(stage, agent.StageKinds(stage), h); err != nil {
			return err
		}
	}
	return nil
}

func buildAgent(stage string, ac config.AgentConfigRaw, log logx.Logger) (agent.Handler, error) {
	switch stage {
	case agent.StageDiscovery:
		return discovery.New(ac.Config, log)
	case agent.StageAnalysis:
		return analysis.New(ac.Config, log)
	case agent.StageComposition:
		return compose.New(ac.Config, log)
	default:
		return nil, fmt.Errorf("agents.%s: unknown stage", stage)
	}
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()

	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapOrchestratorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMonitorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPipelineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		// Agent blocks must decode cleanly; a hot reload cannot swap handlers,
		// but it must not commit a config the next restart would choke on.
		for stage, ac := range cfg.Agents {
			if !ac.Enabled {
				continue
			}
			if _, err := buildAgent(stage, ac, logx.Nop()); err != nil {
				return err
			}
		}
		return nil
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()
	a.startReloadLoop(ctx)

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	a.orch.Start(ctx)
	a.monitor.Start(ctx)
	a.coord.Start(ctx)
	if err := a.notif.Start(ctx); err != nil {
		return err
	}
	a.startHealthArchive(ctx)

	a.log.Info("newsflow started",
		logx.Int("agents", len(a.reg.Stages())),
		logx.Bool("orchestrator", a.orch.Enabled()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	// Trigger layers first so nothing new gets enqueued, then drain the
	// scheduler, then the passive sinks.
	a.coord.Stop(ctx)
	a.monitor.Stop(ctx)
	a.orch.Stop(ctx)
	a.notif.Stop(ctx)
	if a.metricsSrv != nil {
		a.metricsSrv.Stop(ctx)
	}

	a.reg.ShutdownAll(ctx)

	if a.store != nil {
		// Last health snapshot marks the shutdown point in the archive.
		if err := a.store.ArchiveHealth(ctx, time.Now(), a.reg.Snapshot()); err != nil {
			a.log.Warn("final health archive failed", logx.Err(err))
		}
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}

	a.logShutdownReport()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	_ = a.logs.Close()
	return nil
}

func (a *App) logShutdownReport() {
	snap := a.orch.Snapshot()
	fields := []logx.Field{
		logx.Duration("uptime", time.Since(a.startedAt)),
		logx.Uint64("completed_total", snap.CompletedTotal),
		logx.Uint64("failed_total", snap.FailedTotal),
		logx.Uint64("retried_total", snap.RetriedTotal),
	}
	for _, h := range snap.Agents {
		fields = append(fields, logx.Bool("agent."+h.Stage+".healthy", h.Healthy))
	}
	a.log.Info("shutdown report", fields...)
}

// startHealthArchive periodically snapshots agent health into storage, on the
// same cadence as the probe loop.
func (a *App) startHealthArchive(ctx context.Context) {
	if a.store == nil {
		return
	}
	interval := a.healthInterval
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("panic in health archive loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				arcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := a.store.ArchiveHealth(arcCtx, time.Now(), a.reg.Snapshot()); err != nil {
					a.log.Warn("health archive failed", logx.Err(err))
				}
				cancel()
			}
		}
	}()
}

// startReloadLoop applies committed config updates to the running components.
func (a *App) startReloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, agentChanged := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					lastApplied = newCfg
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config change summary", fields...)
				lastApplied = newCfg

				a.applyConfig(ctx, newCfg, sections, agentChanged)
			}
		}
	}()
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string, agentChanged []string) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(cfg))

		case "orchestrator":
			newCfg, err := mapOrchestratorConfig(cfg)
			if err != nil {
				a.log.Warn("invalid orchestrator config; keeping previous", logx.Err(err))
				continue
			}
			prevEnabled := a.orch.Enabled()
			a.orch.Apply(newCfg)
			if prevEnabled && !newCfg.Enabled {
				a.log.Info("orchestrator disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				a.orch.Stop(stopCtx)
				cancel()
			}
			if !prevEnabled && newCfg.Enabled {
				a.log.Info("orchestrator enabled via config")
				a.orch.Start(ctx)
			}

		case "health":
			monCfg, err := mapMonitorConfig(cfg)
			if err != nil {
				a.log.Warn("invalid health config; keeping previous", logx.Err(err))
				continue
			}
			a.monitor.Apply(monCfg)
			// The new interval takes effect on the next monitor restart; the
			// unhealthy threshold is fixed at registry construction.
			if monCfg.Interval != a.healthInterval {
				a.log.Warn("health.health_check_interval changed; restart required for the probe loop")
			}

		case "pipeline":
			pipeCfg, err := mapPipelineConfig(cfg)
			if err != nil {
				a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
				continue
			}
			prevEnabled := a.coord.Snapshot().Enabled
			a.coord.Apply(pipeCfg)
			if prevEnabled && !pipeCfg.Enabled {
				a.log.Info("pipeline coordinator disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				a.coord.Stop(stopCtx)
				cancel()
			}
			if !prevEnabled && pipeCfg.Enabled {
				a.log.Info("pipeline coordinator enabled via config")
				a.coord.Start(ctx)
			}

		case "metrics", "storage", "notify":
			a.log.Warn(s + " config changed; restart required for changes to take effect")

		case "agents":
			a.log.Warn("agent config changed; restart required for changes to take effect",
				logx.Any("stages", agentChanged))
		}
	}
}
