// Package metrics exposes the orchestrator's Prometheus collectors and the
// optional scrape listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "newsflow/pkg/logx"
)

// Metrics bundles the pipeline collectors. A nil *Metrics is a valid no-op
// receiver so callers don't need enabled checks at every call site.
type Metrics struct {
	registry *prometheus.Registry

	tasksEnqueued  *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec

	queueDepth       prometheus.Gauge
	activeExecutions *prometheus.GaugeVec
	agentHealthy     *prometheus.GaugeVec

	execLatency *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tasksEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsflow", Name: "tasks_enqueued_total",
			Help: "Tasks accepted into the queue, by stage.",
		}, []string{"stage"}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsflow", Name: "tasks_completed_total",
			Help: "Tasks that reached the completed terminal state, by stage.",
		}, []string{"stage"}),
		tasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsflow", Name: "tasks_failed_total",
			Help: "Tasks that reached the failed terminal state, by stage.",
		}, []string{"stage"}),
		tasksRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsflow", Name: "tasks_retried_total",
			Help: "Retry attempts scheduled, by stage.",
		}, []string{"stage"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "newsflow", Name: "queue_depth",
			Help: "Pending tasks currently in the priority queue.",
		}),
		activeExecutions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "newsflow", Name: "active_executions",
			Help: "Handler executions currently in flight, by stage.",
		}, []string{"stage"}),
		agentHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "newsflow", Name: "agent_healthy",
			Help: "1 when the stage's agent is healthy, 0 otherwise.",
		}, []string{"stage"}),
		execLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "newsflow", Name: "execution_seconds",
			Help:    "Successful handler execution latency, by stage.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
	}
}

func (m *Metrics) TaskEnqueued(stage string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(stage).Inc()
}

func (m *Metrics) TaskCompleted(stage string) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(stage).Inc()
}

func (m *Metrics) TaskFailed(stage string) {
	if m == nil {
		return
	}
	m.tasksFailed.WithLabelValues(stage).Inc()
}

func (m *Metrics) TaskRetried(stage string) {
	if m == nil {
		return
	}
	m.tasksRetried.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ExecutionStarted(stage string) {
	if m == nil {
		return
	}
	m.activeExecutions.WithLabelValues(stage).Inc()
}

func (m *Metrics) ExecutionFinished(stage string) {
	if m == nil {
		return
	}
	m.activeExecutions.WithLabelValues(stage).Dec()
}

func (m *Metrics) ObserveExecution(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.execLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) SetAgentHealthy(stage string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.agentHealthy.WithLabelValues(stage).Set(v)
}

// Gatherer returns the collector registry backing the /metrics endpoint.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.registry
}

// Server is the optional /metrics listener.
type Server struct {
	addr string
	log  logx.Logger
	srv  *http.Server
}

func NewServer(addr string, m *Metrics, log logx.Logger) *Server {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:9180"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (s *Server) Start() {
	go func() {
		s.log.Info("metrics listener started", logx.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics listener failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("metrics listener shutdown", logx.Err(err))
	}
}
