// Package pipeline holds the coordinator: the policy layer that decides when
// to enqueue discovery, analysis, and composition work. It never executes
// tasks itself; a coordinator failure is always just "failed to enqueue",
// logged and retried on the next tick.
package pipeline

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"newsflow/internal/agent"
	"newsflow/internal/eventbus"
	"newsflow/internal/orchestrator"
	logx "newsflow/pkg/logx"
)

// Phase tracks where the current pipeline cycle stands. It is informational
// (surfaced in Snapshot); trigger rules are driven by times and backlog, not
// by the phase itself.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseDiscoveryPending   Phase = "discovery_pending"
	PhaseDiscoveryDone      Phase = "discovery_done"
	PhaseAnalysisPending    Phase = "analysis_pending"
	PhaseAnalysisDone       Phase = "analysis_done"
	PhaseCompositionPending Phase = "composition_pending"
	PhaseCompositionDone    Phase = "composition_done"
)

// EventAlert is published instead of an enqueue when a trigger targets an
// unhealthy stage.
const EventAlert = "pipeline.alert"

type AlertEvent struct {
	Stage  string
	Reason string
}

type Config struct {
	Enabled bool

	// Tick is the trigger-evaluation interval.
	Tick time.Duration

	// DiscoveryInterval spaces periodic discovery runs. When a cron
	// DiscoverySchedule is set and the interval is omitted, only the cron
	// schedule fires.
	DiscoveryInterval time.Duration
	DiscoverySchedule string

	CompositionCadence  time.Duration
	CompositionSchedule string

	// MinAnalyzedBacklog is the analyzed-item threshold below which
	// composition is not triggered.
	MinAnalyzedBacklog int

	// AlertRatePerMin caps alert events for persistently unhealthy stages.
	AlertRatePerMin int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.DiscoveryInterval <= 0 && strings.TrimSpace(c.DiscoverySchedule) == "" {
		c.DiscoveryInterval = 30 * time.Minute
	}
	if c.CompositionCadence <= 0 && strings.TrimSpace(c.CompositionSchedule) == "" {
		c.CompositionCadence = 48 * time.Hour
	}
	if c.MinAnalyzedBacklog <= 0 {
		c.MinAnalyzedBacklog = 3
	}
	if c.AlertRatePerMin <= 0 {
		c.AlertRatePerMin = 6
	}
	return c
}

// Enqueuer is the slice of the orchestrator the coordinator needs.
type Enqueuer interface {
	Enqueue(stage, kind string, payload map[string]any, pri orchestrator.Priority, notBefore time.Time) (string, error)
}

// HealthReader gates triggers on agent health.
type HealthReader interface {
	Healthy(stage string) bool
}

type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	orch   Enqueuer
	health HealthReader

	limiter *rate.Limiter
	cron    *cron.Cron

	phase           Phase
	lastDiscovery   time.Time
	lastComposition time.Time
	backlog         []any // analyzed items awaiting composition

	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
	unsub    func()
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, orch Enqueuer, health HealthReader) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		orch:    orch,
		health:  health,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.AlertRatePerMin)), cfg.AlertRatePerMin),
		phase:   PhaseIdle,
	}
}

func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.AlertRatePerMin)), cfg.AlertRatePerMin)
	c.mu.Unlock()
}

func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	cfg := c.cfg
	if !cfg.Enabled || c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.stopDone = nil
	stopCh := c.stopCh
	// Composition waits out a full cadence from startup; discovery fires on
	// the first tick (lastDiscovery stays zero).
	c.lastComposition = time.Now()
	c.mu.Unlock()

	events, unsub := c.bus.SubscribeTypes(64,
		orchestrator.EventTaskCompleted,
		orchestrator.EventTaskFailed,
	)
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("panic in coordinator loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		ticker := time.NewTicker(cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				c.evaluate(time.Now())
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("panic in coordinator event loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.onEvent(ev)
			}
		}
	}()

	c.startCron(cfg)

	c.log.Info("pipeline coordinator started",
		logx.Duration("tick", cfg.Tick),
		logx.Duration("discovery_interval", cfg.DiscoveryInterval),
		logx.Duration("composition_cadence", cfg.CompositionCadence),
		logx.Int("min_analyzed_backlog", cfg.MinAnalyzedBacklog),
	)
}

func (c *Coordinator) startCron(cfg Config) {
	ds := strings.TrimSpace(cfg.DiscoverySchedule)
	cs := strings.TrimSpace(cfg.CompositionSchedule)
	if ds == "" && cs == "" {
		return
	}

	cr := cron.New()
	if ds != "" {
		if _, err := cr.AddFunc(ds, func() { c.TriggerDiscovery() }); err != nil {
			c.log.Warn("invalid discovery_schedule", logx.String("spec", ds), logx.Err(err))
		}
	}
	if cs != "" {
		if _, err := cr.AddFunc(cs, func() { c.triggerComposition(time.Now(), false) }); err != nil {
			c.log.Warn("invalid composition_schedule", logx.String("spec", cs), logx.Err(err))
		}
	}
	cr.Start()

	c.mu.Lock()
	c.cron = cr
	c.mu.Unlock()
}

func (c *Coordinator) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	c.stopDone = done
	close(c.stopCh)
	cr := c.cron
	c.cron = nil
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	if unsub != nil {
		unsub()
	}

	go func() {
		c.wg.Wait()
		c.mu.Lock()
		c.stopCh = nil
		c.stopDone = nil
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info("pipeline coordinator stopped")
	case <-ctx.Done():
	}
}

// evaluate applies the trigger rules for one tick.
func (c *Coordinator) evaluate(now time.Time) {
	c.mu.Lock()
	cfg := c.cfg
	lastDiscovery := c.lastDiscovery
	lastComposition := c.lastComposition
	backlog := len(c.backlog)
	c.mu.Unlock()

	if cfg.DiscoveryInterval > 0 {
		if lastDiscovery.IsZero() || now.Sub(lastDiscovery) >= cfg.DiscoveryInterval {
			c.triggerDiscovery(now)
		}
	}

	if cfg.CompositionCadence > 0 && now.Sub(lastComposition) >= cfg.CompositionCadence {
		if backlog >= cfg.MinAnalyzedBacklog {
			c.triggerComposition(now, false)
		} else {
			c.log.Debug("composition due but backlog below threshold",
				logx.Int("backlog", backlog),
				logx.Int("min", cfg.MinAnalyzedBacklog),
			)
		}
	}
}

// TriggerDiscovery requests a discovery run now, through the same health
// gating as the periodic rule.
func (c *Coordinator) TriggerDiscovery() {
	c.triggerDiscovery(time.Now())
}

// TriggerComposition requests a newsletter run now, bypassing cadence and
// backlog thresholds but not health gating.
func (c *Coordinator) TriggerComposition() {
	c.triggerComposition(time.Now(), true)
}

func (c *Coordinator) triggerDiscovery(now time.Time) {
	if !c.health.Healthy(agent.StageDiscovery) {
		c.alert(agent.StageDiscovery, "discovery trigger suppressed: agent unhealthy")
		return
	}
	_, err := c.orch.Enqueue(agent.StageDiscovery, agent.KindDiscoverFeeds, nil, orchestrator.PriorityMedium, now)
	if err != nil {
		c.log.Warn("discovery enqueue failed", logx.Err(err))
		return
	}
	c.mu.Lock()
	c.lastDiscovery = now
	c.phase = PhaseDiscoveryPending
	c.mu.Unlock()
	c.log.Info("discovery triggered")
}

func (c *Coordinator) triggerAnalysis(items []any) {
	if !c.health.Healthy(agent.StageAnalysis) {
		c.alert(agent.StageAnalysis, "analysis trigger suppressed: agent unhealthy")
		return
	}
	payload := map[string]any{"items": items}
	_, err := c.orch.Enqueue(agent.StageAnalysis, agent.KindAnalyzeContent, payload, orchestrator.PriorityHigh, time.Time{})
	if err != nil {
		c.log.Warn("analysis enqueue failed", logx.Err(err))
		return
	}
	c.mu.Lock()
	c.phase = PhaseAnalysisPending
	c.mu.Unlock()
	c.log.Info("analysis triggered", logx.Int("items", len(items)))
}

func (c *Coordinator) triggerComposition(now time.Time, force bool) {
	if !c.health.Healthy(agent.StageComposition) {
		c.alert(agent.StageComposition, "composition trigger suppressed: agent unhealthy")
		return
	}

	c.mu.Lock()
	backlog := c.backlog
	min := c.cfg.MinAnalyzedBacklog
	c.mu.Unlock()
	if !force && len(backlog) < min {
		return
	}

	payload := map[string]any{"items": backlog}
	_, err := c.orch.Enqueue(agent.StageComposition, agent.KindGenerateNewsletter, payload, orchestrator.PriorityHigh, now)
	if err != nil {
		c.log.Warn("composition enqueue failed", logx.Err(err))
		return
	}
	c.mu.Lock()
	c.lastComposition = now
	c.backlog = nil
	c.phase = PhaseCompositionPending
	c.mu.Unlock()
	c.log.Info("composition triggered", logx.Int("items", len(backlog)))
}

func (c *Coordinator) onEvent(ev eventbus.Event) {
	te, ok := ev.Data.(orchestrator.TaskEvent)
	if !ok {
		return
	}

	switch ev.Type {
	case orchestrator.EventTaskCompleted:
		switch te.Stage {
		case agent.StageDiscovery:
			items, _ := te.Detail["items"].([]any)
			c.mu.Lock()
			if len(items) > 0 {
				c.phase = PhaseDiscoveryDone
			} else {
				c.phase = PhaseIdle
			}
			c.mu.Unlock()
			// A discovery that found nothing does not trigger analysis.
			if len(items) > 0 {
				c.triggerAnalysis(items)
			} else {
				c.log.Debug("discovery found no items; skipping analysis")
			}
		case agent.StageAnalysis:
			items, _ := te.Detail["items"].([]any)
			c.mu.Lock()
			c.backlog = append(c.backlog, items...)
			c.phase = PhaseAnalysisDone
			c.mu.Unlock()
			c.log.Debug("analysis results added to backlog", logx.Int("items", len(items)), logx.Int("backlog", c.BacklogSize()))
		case agent.StageComposition:
			c.mu.Lock()
			c.phase = PhaseIdle
			c.mu.Unlock()
			c.log.Info("composition completed", logx.String("id", te.ID))
		}
	case orchestrator.EventTaskFailed:
		// A terminally failed pipeline task ends the cycle; the next tick
		// starts over from the trigger rules.
		switch te.Stage {
		case agent.StageDiscovery, agent.StageAnalysis, agent.StageComposition:
			c.mu.Lock()
			c.phase = PhaseIdle
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) alert(stage, reason string) {
	if !c.limiterAllow() {
		c.log.Debug("alert suppressed by rate limit", logx.String("stage", stage))
		return
	}
	c.log.Warn("pipeline alert", logx.String("stage", stage), logx.String("reason", reason))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: EventAlert, Data: AlertEvent{Stage: stage, Reason: reason}})
	}
}

func (c *Coordinator) limiterAllow() bool {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()
	return l.Allow()
}

func (c *Coordinator) BacklogSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// Snapshot is the coordinator's slice of the status surface.
type Snapshot struct {
	Enabled         bool
	Phase           Phase
	LastDiscovery   time.Time
	NextDiscovery   time.Time
	LastComposition time.Time
	NextComposition time.Time
	AnalyzedBacklog int
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Enabled:         c.cfg.Enabled,
		Phase:           c.phase,
		LastDiscovery:   c.lastDiscovery,
		LastComposition: c.lastComposition,
		AnalyzedBacklog: len(c.backlog),
	}
	if c.cfg.DiscoveryInterval > 0 {
		base := c.lastDiscovery
		if base.IsZero() {
			base = time.Now()
		}
		snap.NextDiscovery = base.Add(c.cfg.DiscoveryInterval)
	}
	if c.cfg.CompositionCadence > 0 && !c.lastComposition.IsZero() {
		snap.NextComposition = c.lastComposition.Add(c.cfg.CompositionCadence)
	}
	return snap
}
