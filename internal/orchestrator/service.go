package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsflow/internal/agent"
	"newsflow/internal/eventbus"
	"newsflow/internal/metrics"
	logx "newsflow/pkg/logx"
)

// Config controls the scheduler loop and the retry controller.
type Config struct {
	Enabled bool

	// Tick is the dispatch interval of the scheduler loop.
	Tick time.Duration

	// MaxConcurrentTasks bounds simultaneous handler executions.
	MaxConcurrentTasks int

	MaxRetries        int
	BaseBackoff       time.Duration
	BackoffMultiplier float64

	// TaskTimeout bounds one handler execution; expiry is a transient
	// failure. 0 disables the per-task deadline.
	TaskTimeout time.Duration

	// HistorySize caps the terminal completed/failed lists.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Archiver persists terminal task records. Optional; wired by the app when
// storage is configured.
type Archiver interface {
	ArchiveTask(ctx context.Context, rec TaskRecord) error
}

// Service is the orchestration core: the priority queue, the dispatch loop
// with its concurrency gate, and the retry controller.
//
// Lifecycle follows Start/Stop with a fresh queue per run; Stop drains
// in-flight executions before forcing cancellation.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus
	reg *Registry

	archiver Archiver
	metrics  *metrics.Metrics

	queue *taskQueue
	sem   chan struct{}

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	startedAt time.Time

	hmu            sync.Mutex
	active         map[string]*ScheduledTask
	completed      []TaskRecord
	failed         []TaskRecord
	completedTotal uint64
	failedTotal    uint64
	retriedTotal   uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, reg *Registry) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		reg:    reg,
		active: make(map[string]*ScheduledTask),
	}
}

// SetArchiver installs the optional terminal-record archiver. Call before Start.
func (s *Service) SetArchiver(a Archiver) {
	s.mu.Lock()
	s.archiver = a
	s.mu.Unlock()
}

// SetMetrics installs the optional metrics collectors. Call before Start.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Registry returns the agent registry the service dispatches against.
func (s *Service) Registry() *Registry { return s.reg }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps runtime-tunable settings. Retry/backoff/timeout changes take
// effect on the next dispatch; tick and concurrency changes require a
// restart, which the caller decides on.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent; if a Stop is in flight, wait for it first.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	// Fresh queue per run so a stop/start toggle cannot dispatch stale work.
	s.queue = newTaskQueue()
	s.sem = make(chan struct{}, cfg.MaxConcurrentTasks)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	runCtx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.loop(runCtx, stopCh, cfg.Tick)
	}()

	s.log.Info("orchestrator started",
		logx.Duration("tick", cfg.Tick),
		logx.Int("max_concurrent_tasks", cfg.MaxConcurrentTasks),
		logx.Int("max_retries", cfg.MaxRetries),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	cancel := s.runCancel
	s.mu.Unlock()

	// The loop is stopped; in-flight executions get to finish or hit their
	// per-task timeout. Only force-cancel once the caller's deadline expires.
	waited := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-waited
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.sem = nil
	s.stopCh = nil
	s.stopDone = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
	close(done)

	s.log.Info("orchestrator stopped", logx.Duration("took", time.Since(start)))
}

// Enqueue validates the stage/kind pair and adds a new pending task to the
// queue. notBefore zero means "due immediately". It returns the task ID.
func (s *Service) Enqueue(stage, kind string, payload map[string]any, pri Priority, notBefore time.Time) (string, error) {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return "", ErrDisabled
	}
	if q == nil {
		return "", ErrStopped
	}
	if stopping {
		return "", ErrStopping
	}

	if pri == 0 {
		pri = PriorityMedium
	}
	if !pri.valid() {
		return "", fmt.Errorf("invalid priority %d", int(pri))
	}
	if err := s.reg.Validate(stage, kind); err != nil {
		return "", err
	}
	if !s.reg.Healthy(stage) {
		return "", &AgentUnavailableError{Stage: stage, Reason: "unhealthy"}
	}

	now := time.Now()
	if notBefore.IsZero() {
		notBefore = now
	}
	t := agent.Task{
		ID:        uuid.NewString(),
		Stage:     stage,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
	}
	st := &ScheduledTask{
		Task:        t,
		Priority:    pri,
		ScheduledAt: notBefore,
		MaxRetries:  cfg.MaxRetries,
		Status:      StatusPending,
		enqueuedAt:  now,
	}
	q.Push(st)

	s.metrics.TaskEnqueued(stage)
	s.metrics.SetQueueDepth(q.Len())
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventTaskEnqueued, Time: now, Data: TaskEvent{
			ID: t.ID, Stage: stage, Kind: kind, Priority: pri,
		}})
	}
	s.log.Debug("task enqueued",
		logx.String("id", t.ID),
		logx.String("stage", stage),
		logx.String("kind", kind),
		logx.String("priority", pri.String()),
		logx.Time("not_before", notBefore),
	)
	return t.ID, nil
}

// Snapshot is the status surface: queue depth, active/terminal counts, the
// bounded terminal lists, and per-agent health.
type Snapshot struct {
	Enabled bool
	Running bool

	QueueDepth  int
	ActiveCount int

	CompletedTotal uint64
	FailedTotal    uint64
	RetriedTotal   uint64

	Completed []TaskRecord
	Failed    []TaskRecord

	Agents []AgentHealth

	StartedAt time.Time
	Uptime    time.Duration
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	running := s.stopCh != nil && s.stopDone == nil
	startedAt := s.startedAt
	s.mu.Unlock()

	depth := 0
	if q != nil {
		depth = q.Len()
	}

	s.hmu.Lock()
	activeCount := len(s.active)
	completed := make([]TaskRecord, len(s.completed))
	copy(completed, s.completed)
	failed := make([]TaskRecord, len(s.failed))
	copy(failed, s.failed)
	completedTotal := s.completedTotal
	failedTotal := s.failedTotal
	retriedTotal := s.retriedTotal
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        running,
		QueueDepth:     depth,
		ActiveCount:    activeCount,
		CompletedTotal: completedTotal,
		FailedTotal:    failedTotal,
		RetriedTotal:   retriedTotal,
		Completed:      completed,
		Failed:         failed,
		Agents:         s.reg.Snapshot(),
		StartedAt:      startedAt,
	}
	if running {
		snap.Uptime = time.Since(startedAt)
	}
	return snap
}
