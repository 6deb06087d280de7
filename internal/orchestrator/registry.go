package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"newsflow/internal/agent"
	"newsflow/internal/eventbus"
	"newsflow/internal/metrics"
	logx "newsflow/pkg/logx"
)

// AgentHealth is the rolling health record for one registered stage.
type AgentHealth struct {
	Stage                string
	Healthy              bool
	ConsecutiveErrors    int
	ConsecutiveSuccesses int
	AvgLatency           time.Duration
	Successes            uint64
	Failures             uint64
	LastHeartbeat        time.Time
	LastError            string
}

// SuccessRate returns the fraction of successful outcomes, or 1 when the
// agent has not run anything yet.
func (h AgentHealth) SuccessRate() float64 {
	total := h.Successes + h.Failures
	if total == 0 {
		return 1
	}
	return float64(h.Successes) / float64(total)
}

type agentEntry struct {
	handler agent.Handler
	kinds   map[string]struct{}
	health  AgentHealth
}

// Registry maps stage names to handlers and owns all health mutation.
// Execution outcomes and probe outcomes both land here; the coordinator
// reads health through Healthy()/Snapshot() and never touches the map.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*agentEntry
	threshold int

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

func NewRegistry(unhealthyThreshold int, log logx.Logger, bus eventbus.Bus) *Registry {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = 3
	}
	return &Registry{
		agents:    make(map[string]*agentEntry),
		threshold: unhealthyThreshold,
		log:       log,
		bus:       bus,
	}
}

// SetMetrics installs the optional collectors. Call before Register so the
// per-stage health gauge starts at its registration value.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// Register binds a stage name to a handler and its closed set of task kinds.
// A fresh health record starts healthy.
func (r *Registry) Register(stage string, kinds []string, h agent.Handler) error {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return fmt.Errorf("stage name is required")
	}
	if h == nil {
		return fmt.Errorf("stage %q: handler is nil", stage)
	}
	if len(kinds) == 0 {
		return fmt.Errorf("stage %q: at least one task kind is required", stage)
	}

	ks := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		k = strings.TrimSpace(k)
		if k == "" {
			return fmt.Errorf("stage %q: empty task kind", stage)
		}
		ks[k] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[stage]; exists {
		return fmt.Errorf("stage %q already registered", stage)
	}
	r.agents[stage] = &agentEntry{
		handler: h,
		kinds:   ks,
		health: AgentHealth{
			Stage:         stage,
			Healthy:       true,
			LastHeartbeat: time.Now(),
		},
	}
	r.metrics.SetAgentHealthy(stage, true)
	if !r.log.IsZero() {
		r.log.Info("agent registered", logx.String("stage", stage), logx.Int("kinds", len(ks)))
	}
	return nil
}

// Handler returns the handler for a stage.
func (r *Registry) Handler(stage string) (agent.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[stage]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Validate checks that the stage exists and the kind is in its registered
// set. Used at enqueue time so bad requests fail fast.
func (r *Registry) Validate(stage, kind string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[stage]
	if !ok {
		return &AgentUnavailableError{Stage: stage, Reason: "unregistered"}
	}
	if _, ok := e.kinds[kind]; !ok {
		return &UnknownKindError{Stage: stage, Kind: kind}
	}
	return nil
}

// Healthy reports whether the stage exists and is currently healthy.
func (r *Registry) Healthy(stage string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[stage]
	return ok && e.health.Healthy
}

// Stages returns the registered stage names, sorted.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for s := range r.agents {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RecordSuccess folds one successful execution into the stage's health:
// consecutive errors reset, the latency joins the cumulative average, and an
// unhealthy stage flips back to healthy.
func (r *Registry) RecordSuccess(stage string, latency time.Duration) {
	r.record(stage, nil, latency, true)
}

// RecordFailure folds one failed execution into the stage's health.
func (r *Registry) RecordFailure(stage string, err error) {
	r.record(stage, err, 0, true)
}

// RecordProbe folds a probe outcome into the stage's health. Probes move the
// healthy flag and the heartbeat but do not count as executions, so they
// never touch the latency average or the success/failure totals.
func (r *Registry) RecordProbe(stage string, err error) {
	r.record(stage, err, 0, false)
}

func (r *Registry) record(stage string, err error, latency time.Duration, execution bool) {
	var flipped *HealthEvent

	r.mu.Lock()
	m := r.metrics
	e, ok := r.agents[stage]
	if !ok {
		r.mu.Unlock()
		return
	}
	h := &e.health
	h.LastHeartbeat = time.Now()

	if err == nil {
		h.ConsecutiveErrors = 0
		h.ConsecutiveSuccesses++
		if execution {
			h.Successes++
			// Cumulative moving average over successful executions.
			n := h.Successes
			h.AvgLatency += (latency - h.AvgLatency) / time.Duration(n)
		}
		if !h.Healthy {
			h.Healthy = true
			flipped = &HealthEvent{Stage: stage, Healthy: true}
		}
	} else {
		h.ConsecutiveSuccesses = 0
		h.ConsecutiveErrors++
		h.LastError = err.Error()
		if execution {
			h.Failures++
		}
		if h.Healthy && h.ConsecutiveErrors >= r.threshold {
			h.Healthy = false
			flipped = &HealthEvent{
				Stage:             stage,
				Healthy:           false,
				ConsecutiveErrors: h.ConsecutiveErrors,
				LastError:         h.LastError,
			}
		}
	}
	r.mu.Unlock()

	if flipped == nil {
		return
	}
	m.SetAgentHealthy(stage, flipped.Healthy)
	if !r.log.IsZero() {
		if flipped.Healthy {
			r.log.Info("agent recovered", logx.String("stage", stage))
		} else {
			r.log.Warn("agent marked unhealthy",
				logx.String("stage", stage),
				logx.Int("consecutive_errors", flipped.ConsecutiveErrors),
				logx.String("last_error", flipped.LastError),
			)
		}
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventAgentHealth, Data: *flipped})
	}
}

// Snapshot returns a copy of every health record, sorted by stage.
func (r *Registry) Snapshot() []AgentHealth {
	r.mu.RLock()
	out := make([]AgentHealth, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.health)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// ShutdownAll calls Shutdown on every handler, best-effort. A panicking
// handler cannot take the process down with it.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	handlers := make(map[string]agent.Handler, len(r.agents))
	for s, e := range r.agents {
		handlers[s] = e.handler
	}
	r.mu.RUnlock()

	for stage, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil && !r.log.IsZero() {
					r.log.Error("panic in agent shutdown",
						logx.String("stage", stage),
						logx.Any("panic", rec),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			if err := h.Shutdown(ctx); err != nil && !r.log.IsZero() {
				r.log.Warn("agent shutdown failed", logx.String("stage", stage), logx.Err(err))
			}
		}()
	}
}
