package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"newsflow/internal/agent"
	"newsflow/internal/eventbus"
	"newsflow/internal/metrics"
)

type fakeHandler struct {
	exec     func(ctx context.Context, t agent.Task) (agent.Result, error)
	probe    func(ctx context.Context) error
	shutdown func(ctx context.Context) error
}

func (f *fakeHandler) Execute(ctx context.Context, t agent.Task) (agent.Result, error) {
	if f.exec != nil {
		return f.exec(ctx, t)
	}
	return agent.Result{}, nil
}

func (f *fakeHandler) Probe(ctx context.Context) error {
	if f.probe != nil {
		return f.probe(ctx)
	}
	return nil
}

func (f *fakeHandler) Shutdown(ctx context.Context) error {
	if f.shutdown != nil {
		return f.shutdown(ctx)
	}
	return nil
}

func newTestRegistry(t *testing.T, threshold int, bus eventbus.Bus) *Registry {
	t.Helper()
	reg := NewRegistry(threshold, nopLogger(), bus)
	if err := reg.Register(agent.StageDiscovery, agent.StageKinds(agent.StageDiscovery), &fakeHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestRegistryValidate(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, 3, nil)

	if err := reg.Validate(agent.StageDiscovery, agent.KindDiscoverFeeds); err != nil {
		t.Fatalf("Validate(known): %v", err)
	}

	err := reg.Validate("nonexistent", agent.KindDiscoverFeeds)
	if !IsAgentUnavailable(err) {
		t.Fatalf("Validate(unknown stage) = %v, want AgentUnavailableError", err)
	}

	err = reg.Validate(agent.StageDiscovery, "reticulate_splines")
	var uk *UnknownKindError
	if !errors.As(err, &uk) {
		t.Fatalf("Validate(unknown kind) = %v, want UnknownKindError", err)
	}
}

func TestRegistryRejectsDuplicateStage(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, 3, nil)
	err := reg.Register(agent.StageDiscovery, agent.StageKinds(agent.StageDiscovery), &fakeHandler{})
	if err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestRegistryUnhealthyAfterThreshold(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventAgentHealth)
	defer unsub()

	reg := newTestRegistry(t, 3, bus)
	boom := errors.New("boom")

	reg.RecordFailure(agent.StageDiscovery, boom)
	reg.RecordFailure(agent.StageDiscovery, boom)
	if !reg.Healthy(agent.StageDiscovery) {
		t.Fatal("agent unhealthy before reaching the threshold")
	}

	reg.RecordFailure(agent.StageDiscovery, boom)
	if reg.Healthy(agent.StageDiscovery) {
		t.Fatal("agent still healthy after 3 consecutive failures")
	}

	select {
	case ev := <-events:
		he, ok := ev.Data.(HealthEvent)
		if !ok || he.Healthy || he.ConsecutiveErrors != 3 {
			t.Fatalf("unexpected health event: %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no health event published")
	}

	// A single success flips it back.
	reg.RecordSuccess(agent.StageDiscovery, 10*time.Millisecond)
	if !reg.Healthy(agent.StageDiscovery) {
		t.Fatal("agent not healthy after a success")
	}
	select {
	case ev := <-events:
		he, ok := ev.Data.(HealthEvent)
		if !ok || !he.Healthy {
			t.Fatalf("unexpected recovery event: %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no recovery event published")
	}
}

func TestRegistryFailuresResetOnSuccess(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, 3, nil)
	boom := errors.New("boom")

	// Interleaved failures never accumulate to the threshold.
	for i := 0; i < 5; i++ {
		reg.RecordFailure(agent.StageDiscovery, boom)
		reg.RecordFailure(agent.StageDiscovery, boom)
		reg.RecordSuccess(agent.StageDiscovery, time.Millisecond)
	}
	if !reg.Healthy(agent.StageDiscovery) {
		t.Fatal("agent unhealthy despite interleaved successes")
	}

	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	h := snap[0]
	if h.Successes != 5 || h.Failures != 10 {
		t.Fatalf("successes/failures = %d/%d, want 5/10", h.Successes, h.Failures)
	}
	if h.ConsecutiveErrors != 0 {
		t.Fatalf("consecutive errors = %d, want 0", h.ConsecutiveErrors)
	}
}

func TestRegistryProbesDoNotCountAsExecutions(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, 2, nil)

	reg.RecordProbe(agent.StageDiscovery, nil)
	reg.RecordProbe(agent.StageDiscovery, errors.New("probe down"))
	reg.RecordProbe(agent.StageDiscovery, errors.New("probe down"))

	h := reg.Snapshot()[0]
	if h.Successes != 0 || h.Failures != 0 {
		t.Fatalf("probe outcomes leaked into execution counters: %d/%d", h.Successes, h.Failures)
	}
	// Probes still move the healthy flag.
	if h.Healthy {
		t.Fatal("agent healthy after consecutive probe failures at threshold")
	}
	if h.AvgLatency != 0 {
		t.Fatalf("probe touched latency average: %v", h.AvgLatency)
	}
}

func TestRegistryUpdatesHealthGauge(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	reg := NewRegistry(2, nopLogger(), nil)
	reg.SetMetrics(m)
	if err := reg.Register(agent.StageDiscovery, agent.StageKinds(agent.StageDiscovery), &fakeHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	checkGauge := func(want string) {
		t.Helper()
		expected := `
# HELP newsflow_agent_healthy 1 when the stage's agent is healthy, 0 otherwise.
# TYPE newsflow_agent_healthy gauge
newsflow_agent_healthy{stage="discovery"} ` + want + `
`
		if err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "newsflow_agent_healthy"); err != nil {
			t.Fatalf("agent health gauge: %v", err)
		}
	}

	// Registration seeds the gauge healthy.
	checkGauge("1")

	boom := errors.New("boom")
	reg.RecordFailure(agent.StageDiscovery, boom)
	reg.RecordFailure(agent.StageDiscovery, boom)
	checkGauge("0")

	reg.RecordSuccess(agent.StageDiscovery, time.Millisecond)
	checkGauge("1")
}

func TestRegistryAvgLatency(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, 3, nil)

	reg.RecordSuccess(agent.StageDiscovery, 100*time.Millisecond)
	reg.RecordSuccess(agent.StageDiscovery, 300*time.Millisecond)

	h := reg.Snapshot()[0]
	if h.AvgLatency != 200*time.Millisecond {
		t.Fatalf("avg latency = %v, want 200ms", h.AvgLatency)
	}
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()
	h := AgentHealth{}
	if got := h.SuccessRate(); got != 1 {
		t.Fatalf("empty success rate = %v, want 1", got)
	}
	h = AgentHealth{Successes: 3, Failures: 1}
	if got := h.SuccessRate(); got != 0.75 {
		t.Fatalf("success rate = %v, want 0.75", got)
	}
}
