package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"newsflow/internal/agent"
	"newsflow/internal/eventbus"
	"newsflow/internal/orchestrator"
	logx "newsflow/pkg/logx"
)

type enqCall struct {
	Stage    string
	Kind     string
	Payload  map[string]any
	Priority orchestrator.Priority
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqCall
}

func (f *fakeEnqueuer) Enqueue(stage, kind string, payload map[string]any, pri orchestrator.Priority, notBefore time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqCall{Stage: stage, Kind: kind, Payload: payload, Priority: pri})
	return "task-id", nil
}

func (f *fakeEnqueuer) byStage(stage string) []enqCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []enqCall
	for _, c := range f.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

type fakeHealth struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *fakeHealth) Healthy(stage string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down[stage]
}

func (f *fakeHealth) set(stage string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = map[string]bool{}
	}
	f.down[stage] = !healthy
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func startCoordinator(t *testing.T, cfg Config, bus eventbus.Bus, enq *fakeEnqueuer, health *fakeHealth) *Coordinator {
	t.Helper()
	cfg.Enabled = true
	c := New(cfg, logx.Nop(), bus, enq, health)
	c.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Stop(ctx)
	})
	return c
}

func TestCoordinatorFirstTickTriggersDiscovery(t *testing.T) {
	t.Parallel()
	enq := &fakeEnqueuer{}
	startCoordinator(t, Config{
		Tick:              10 * time.Millisecond,
		DiscoveryInterval: time.Hour,
	}, eventbus.New(), enq, &fakeHealth{})

	waitUntil(t, 2*time.Second, func() bool {
		return len(enq.byStage(agent.StageDiscovery)) == 1
	}, "initial discovery trigger")

	call := enq.byStage(agent.StageDiscovery)[0]
	if call.Kind != agent.KindDiscoverFeeds || call.Priority != orchestrator.PriorityMedium {
		t.Fatalf("unexpected discovery call: %+v", call)
	}

	// The interval has not elapsed; no second trigger on later ticks.
	time.Sleep(50 * time.Millisecond)
	if n := len(enq.byStage(agent.StageDiscovery)); n != 1 {
		t.Fatalf("discovery triggered %d times within the interval, want 1", n)
	}
}

func TestCoordinatorDiscoveryResultsTriggerAnalysis(t *testing.T) {
	t.Parallel()
	enq := &fakeEnqueuer{}
	bus := eventbus.New()
	startCoordinator(t, Config{
		Tick:              time.Hour,
		DiscoveryInterval: time.Hour,
	}, bus, enq, &fakeHealth{})

	items := []any{
		map[string]any{"title": "Go 1.25 released", "url": "https://example.com/a"},
		map[string]any{"title": "New LLM benchmark", "url": "https://example.com/b"},
	}
	bus.Publish(eventbus.Event{Type: orchestrator.EventTaskCompleted, Data: orchestrator.TaskEvent{
		ID: "d1", Stage: agent.StageDiscovery, Kind: agent.KindDiscoverFeeds,
		Detail: map[string]any{"items_found": 2, "items": items},
	}})

	waitUntil(t, 2*time.Second, func() bool {
		return len(enq.byStage(agent.StageAnalysis)) == 1
	}, "analysis trigger after discovery")

	call := enq.byStage(agent.StageAnalysis)[0]
	if call.Kind != agent.KindAnalyzeContent || call.Priority != orchestrator.PriorityHigh {
		t.Fatalf("unexpected analysis call: %+v", call)
	}
	got, _ := call.Payload["items"].([]any)
	if len(got) != 2 {
		t.Fatalf("analysis payload has %d items, want 2", len(got))
	}
}

func TestCoordinatorEmptyDiscoverySkipsAnalysis(t *testing.T) {
	t.Parallel()
	enq := &fakeEnqueuer{}
	bus := eventbus.New()
	startCoordinator(t, Config{
		Tick:              time.Hour,
		DiscoveryInterval: time.Hour,
	}, bus, enq, &fakeHealth{})

	bus.Publish(eventbus.Event{Type: orchestrator.EventTaskCompleted, Data: orchestrator.TaskEvent{
		ID: "d1", Stage: agent.StageDiscovery, Kind: agent.KindDiscoverFeeds,
		Detail: map[string]any{"items_found": 0, "items": []any{}},
	}})

	time.Sleep(50 * time.Millisecond)
	if n := len(enq.byStage(agent.StageAnalysis)); n != 0 {
		t.Fatalf("analysis triggered %d times on empty discovery, want 0", n)
	}
}

func TestCoordinatorCompositionWaitsForBacklog(t *testing.T) {
	t.Parallel()
	enq := &fakeEnqueuer{}
	bus := eventbus.New()
	c := startCoordinator(t, Config{
		Tick:               10 * time.Millisecond,
		DiscoveryInterval:  time.Hour,
		CompositionCadence: 30 * time.Millisecond,
		MinAnalyzedBacklog: 3,
	}, bus, enq, &fakeHealth{})

	// One analyzed item: cadence elapses but the backlog is too small.
	bus.Publish(eventbus.Event{Type: orchestrator.EventTaskCompleted, Data: orchestrator.TaskEvent{
		ID: "a1", Stage: agent.StageAnalysis, Kind: agent.KindAnalyzeContent,
		Detail: map[string]any{"items_analyzed": 1, "items": []any{
			map[string]any{"title": "one", "url": "https://example.com/1", "score": 2.0},
		}},
	}})

	waitUntil(t, 2*time.Second, func() bool { return c.BacklogSize() == 1 }, "backlog update")
	time.Sleep(80 * time.Millisecond)
	if n := len(enq.byStage(agent.StageComposition)); n != 0 {
		t.Fatalf("composition triggered %d times below threshold, want 0", n)
	}

	// Two more analyzed items push the backlog to the threshold.
	bus.Publish(eventbus.Event{Type: orchestrator.EventTaskCompleted, Data: orchestrator.TaskEvent{
		ID: "a2", Stage: agent.StageAnalysis, Kind: agent.KindAnalyzeContent,
		Detail: map[string]any{"items_analyzed": 2, "items": []any{
			map[string]any{"title": "two", "url": "https://example.com/2", "score": 3.0},
			map[string]any{"title": "three", "url": "https://example.com/3", "score": 1.5},
		}},
	}})

	waitUntil(t, 2*time.Second, func() bool {
		return len(enq.byStage(agent.StageComposition)) == 1
	}, "composition trigger at threshold")

	call := enq.byStage(agent.StageComposition)[0]
	if call.Kind != agent.KindGenerateNewsletter {
		t.Fatalf("unexpected composition kind: %s", call.Kind)
	}
	got, _ := call.Payload["items"].([]any)
	if len(got) != 3 {
		t.Fatalf("composition payload has %d items, want 3", len(got))
	}

	// The backlog is handed over, not kept.
	waitUntil(t, 2*time.Second, func() bool { return c.BacklogSize() == 0 }, "backlog cleared")
}

func TestCoordinatorUnhealthyStageAlertsInsteadOfEnqueue(t *testing.T) {
	t.Parallel()
	enq := &fakeEnqueuer{}
	bus := eventbus.New()
	alerts, unsub := bus.SubscribeTypes(16, EventAlert)
	defer unsub()

	health := &fakeHealth{}
	health.set(agent.StageDiscovery, false)
	startCoordinator(t, Config{
		Tick:              10 * time.Millisecond,
		DiscoveryInterval: time.Hour,
	}, bus, enq, health)

	select {
	case ev := <-alerts:
		ae, ok := ev.Data.(AlertEvent)
		if !ok || ae.Stage != agent.StageDiscovery {
			t.Fatalf("unexpected alert: %+v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert for unhealthy stage")
	}
	if n := len(enq.byStage(agent.StageDiscovery)); n != 0 {
		t.Fatalf("discovery enqueued %d times while unhealthy, want 0", n)
	}
}

func TestCoordinatorAlertRateLimit(t *testing.T) {
	t.Parallel()
	enq := &fakeEnqueuer{}
	bus := eventbus.New()
	alerts, unsub := bus.SubscribeTypes(32, EventAlert)
	defer unsub()

	health := &fakeHealth{}
	health.set(agent.StageDiscovery, false)
	c := startCoordinator(t, Config{
		Tick:              time.Hour,
		DiscoveryInterval: time.Hour,
		AlertRatePerMin:   4,
	}, bus, enq, health)

	for i := 0; i < 10; i++ {
		c.TriggerDiscovery()
	}

	// Burst equals the per-minute budget; the rest is suppressed.
	time.Sleep(20 * time.Millisecond)
	got := 0
	for {
		select {
		case <-alerts:
			got++
			continue
		default:
		}
		break
	}
	if got != 4 {
		t.Fatalf("received %d alerts, want 4 (rate limited)", got)
	}
}

func TestCoordinatorManualCompositionBypassesThresholds(t *testing.T) {
	t.Parallel()
	enq := &fakeEnqueuer{}
	c := startCoordinator(t, Config{
		Tick:               time.Hour,
		DiscoveryInterval:  time.Hour,
		CompositionCadence: time.Hour,
		MinAnalyzedBacklog: 5,
	}, eventbus.New(), enq, &fakeHealth{})

	c.TriggerComposition()

	waitUntil(t, 2*time.Second, func() bool {
		return len(enq.byStage(agent.StageComposition)) == 1
	}, "forced composition")
	if c.Snapshot().Phase != PhaseCompositionPending {
		t.Fatalf("phase = %s, want %s", c.Snapshot().Phase, PhaseCompositionPending)
	}
}
