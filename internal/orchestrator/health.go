package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "newsflow/pkg/logx"
)

// MonitorConfig controls the probe loop.
type MonitorConfig struct {
	Interval     time.Duration // default 5m
	ProbeTimeout time.Duration // default 10s
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Monitor probes every registered handler on its own interval, decoupled
// from the scheduler tick. Probe outcomes feed the registry's health
// tracker; a probe that exceeds its timeout counts as a failed probe.
type Monitor struct {
	mu  sync.Mutex
	cfg MonitorConfig

	reg *Registry
	log logx.Logger

	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(cfg MonitorConfig, reg *Registry, log logx.Logger) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), reg: reg, log: log}
}

func (m *Monitor) Apply(cfg MonitorConfig) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.stopDone = nil
	stopCh := m.stopCh
	cfg := m.cfg
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("panic in health monitor", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.probeAll(ctx, stopCh)
			}
		}
	}()

	m.log.Info("health monitor started",
		logx.Duration("interval", cfg.Interval),
		logx.Duration("probe_timeout", cfg.ProbeTimeout),
	)
}

func (m *Monitor) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopCh == nil {
		m.mu.Unlock()
		return
	}
	if m.stopDone != nil {
		done := m.stopDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	m.stopDone = done
	close(m.stopCh)
	m.mu.Unlock()

	go func() {
		m.wg.Wait()
		m.mu.Lock()
		m.stopCh = nil
		m.stopDone = nil
		m.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("health monitor stopped")
	case <-ctx.Done():
	}
}

// probeAll probes each registered stage with an individual timeout. A hung
// Probe cannot stall the tick: the result wait is bounded and a lingering
// goroutine writes into a buffered channel nobody reads.
func (m *Monitor) probeAll(ctx context.Context, stopCh <-chan struct{}) {
	m.mu.Lock()
	timeout := m.cfg.ProbeTimeout
	m.mu.Unlock()

	for _, stage := range m.reg.Stages() {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		handler, ok := m.reg.Handler(stage)
		if !ok {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		errCh := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("probe panic: %v", r)
				}
			}()
			errCh <- handler.Probe(probeCtx)
		}()

		var err error
		select {
		case err = <-errCh:
		case <-probeCtx.Done():
			err = fmt.Errorf("probe timed out after %s", timeout)
		}
		cancel()

		m.reg.RecordProbe(stage, err)
		if err != nil {
			m.log.Warn("agent probe failed", logx.String("stage", stage), logx.Err(err))
		} else {
			m.log.Debug("agent probe ok", logx.String("stage", stage))
		}
	}
}
