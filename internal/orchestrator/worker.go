package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"time"

	"newsflow/internal/agent"
	"newsflow/internal/eventbus"
	logx "newsflow/pkg/logx"
)

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.dispatchDue(time.Now())
		}
	}
}

// dispatchDue pops everything due and hands tasks to worker goroutines while
// concurrency slots last. Tasks beyond the bound go back with their frozen
// keys and wait for the next tick instead of busy-retrying.
func (s *Service) dispatchDue(now time.Time) {
	s.mu.Lock()
	q := s.queue
	sem := s.sem
	runCtx := s.runCtx
	s.mu.Unlock()
	if q == nil || sem == nil || runCtx == nil {
		return
	}

	due := q.PopDue(now)
	for i, st := range due {
		select {
		case sem <- struct{}{}:
			st.Status = StatusActive
			s.hmu.Lock()
			s.active[st.Task.ID] = st
			s.hmu.Unlock()

			s.workerWG.Add(1)
			go func(st *ScheduledTask) {
				defer s.workerWG.Done()
				defer func() { <-sem }()
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("panic in task worker",
							logx.String("id", st.Task.ID),
							logx.Any("panic", r),
							logx.Stack(string(debug.Stack())),
						)
					}
				}()
				s.execOne(runCtx, st)
			}(st)
		default:
			q.Requeue(due[i:])
			s.metrics.SetQueueDepth(q.Len())
			return
		}
	}
	s.metrics.SetQueueDepth(q.Len())
}

func (s *Service) execOne(ctx context.Context, st *ScheduledTask) {
	start := time.Now()
	t := st.Task

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventTaskDispatched, Time: start, Data: TaskEvent{
			ID: t.ID, Stage: t.Stage, Kind: t.Kind, Priority: st.Priority, Attempts: st.RetryCount + 1,
		}})
	}
	s.metrics.ExecutionStarted(t.Stage)
	defer s.metrics.ExecutionFinished(t.Stage)

	handler, ok := s.reg.Handler(t.Stage)
	if !ok {
		// Handler disappeared between enqueue and dispatch.
		s.finishFailed(st, start, &AgentUnavailableError{Stage: t.Stage, Reason: "unregistered"})
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.TaskTimeout)
	}

	// Panic guard: one bad handler must not take the scheduler down.
	var res agent.Result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked",
					logx.String("id", t.ID),
					logx.String("stage", t.Stage),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		res, err = handler.Execute(runCtx, t)
	}()
	if cancel != nil {
		cancel()
	}
	latency := time.Since(start)

	if err == nil {
		s.reg.RecordSuccess(t.Stage, latency)
		s.metrics.ObserveExecution(t.Stage, latency)
		s.finishCompleted(st, start, res)
		return
	}

	s.reg.RecordFailure(t.Stage, err)
	st.attemptErrs = append(st.attemptErrs, fmt.Sprintf("attempt %d: %v", st.RetryCount+1, err))

	switch {
	case agent.IsPermanent(err):
		s.finishFailed(st, start, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown canceled the run; the task still ends in a terminal state.
		s.finishFailed(st, start, fmt.Errorf("orchestrator stopped: %w", err))
	case st.RetryCount >= st.MaxRetries:
		s.finishFailed(st, start, err)
	default:
		s.retry(st, start, err)
	}
}

// retry builds a fresh ScheduledTask for the next attempt. The failing
// instance is discarded; the replacement carries the accumulated attempt
// errors and a backoff-delayed due time.
func (s *Service) retry(st *ScheduledTask, start time.Time, err error) {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	s.mu.Unlock()

	s.hmu.Lock()
	delete(s.active, st.Task.ID)
	s.retriedTotal++
	s.hmu.Unlock()

	delay := backoffDelay(cfg.BaseBackoff, cfg.BackoffMultiplier, st.RetryCount)
	next := &ScheduledTask{
		Task:        st.Task,
		Priority:    st.Priority,
		ScheduledAt: time.Now().Add(delay),
		RetryCount:  st.RetryCount + 1,
		MaxRetries:  st.MaxRetries,
		Status:      StatusPending,
		enqueuedAt:  st.enqueuedAt,
		attemptErrs: st.attemptErrs,
	}

	if q == nil {
		// Stopped between dispatch and retry; surface as terminal instead of
		// dropping silently.
		s.finishFailed(st, start, fmt.Errorf("orchestrator stopped before retry: %w", err))
		return
	}
	q.Push(next)

	s.metrics.TaskRetried(st.Task.Stage)
	s.metrics.SetQueueDepth(q.Len())
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventTaskRetried, Time: time.Now(), Data: TaskEvent{
			ID: st.Task.ID, Stage: st.Task.Stage, Kind: st.Task.Kind, Priority: st.Priority,
			Attempts: next.RetryCount, Error: err.Error(),
		}})
	}
	s.log.Warn("task retry scheduled",
		logx.String("id", st.Task.ID),
		logx.String("stage", st.Task.Stage),
		logx.Int("attempt", next.RetryCount+1),
		logx.Duration("delay", delay),
		logx.Err(err),
	)
}

func (s *Service) finishCompleted(st *ScheduledTask, start time.Time, res agent.Result) {
	st.Status = StatusCompleted
	dur := time.Since(start)
	rec := TaskRecord{
		TaskID:     st.Task.ID,
		Stage:      st.Task.Stage,
		Kind:       st.Task.Kind,
		Priority:   st.Priority,
		Status:     StatusCompleted,
		Attempts:   st.RetryCount + 1,
		EnqueuedAt: st.enqueuedAt,
		FinishedAt: time.Now(),
		Duration:   dur,
		Detail:     res.Detail,
	}

	s.hmu.Lock()
	delete(s.active, st.Task.ID)
	s.completedTotal++
	s.completed = appendBounded(s.completed, rec, s.historySize())
	s.hmu.Unlock()

	s.metrics.TaskCompleted(st.Task.Stage)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventTaskCompleted, Time: rec.FinishedAt, Data: TaskEvent{
			ID: st.Task.ID, Stage: st.Task.Stage, Kind: st.Task.Kind, Priority: st.Priority,
			Attempts: rec.Attempts, Duration: dur, Detail: res.Detail,
		}})
	}
	s.log.Info("task completed",
		logx.String("id", st.Task.ID),
		logx.String("stage", st.Task.Stage),
		logx.String("kind", st.Task.Kind),
		logx.Duration("dur", dur),
		logx.Int("attempts", rec.Attempts),
	)
	s.archive(rec)
}

func (s *Service) finishFailed(st *ScheduledTask, start time.Time, err error) {
	st.Status = StatusFailed
	dur := time.Since(start)

	// Surface every attempt's error, not just the last one.
	msg := err.Error()
	if len(st.attemptErrs) > 1 {
		msg = strings.Join(st.attemptErrs, "; ")
	}

	rec := TaskRecord{
		TaskID:     st.Task.ID,
		Stage:      st.Task.Stage,
		Kind:       st.Task.Kind,
		Priority:   st.Priority,
		Status:     StatusFailed,
		Attempts:   st.RetryCount + 1,
		EnqueuedAt: st.enqueuedAt,
		FinishedAt: time.Now(),
		Duration:   dur,
		Error:      msg,
	}

	s.hmu.Lock()
	delete(s.active, st.Task.ID)
	s.failedTotal++
	s.failed = appendBounded(s.failed, rec, s.historySize())
	s.hmu.Unlock()

	s.metrics.TaskFailed(st.Task.Stage)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventTaskFailed, Time: rec.FinishedAt, Data: TaskEvent{
			ID: st.Task.ID, Stage: st.Task.Stage, Kind: st.Task.Kind, Priority: st.Priority,
			Attempts: rec.Attempts, Duration: dur, Error: msg,
		}})
	}
	s.log.Warn("task failed",
		logx.String("id", st.Task.ID),
		logx.String("stage", st.Task.Stage),
		logx.String("kind", st.Task.Kind),
		logx.Duration("dur", dur),
		logx.Int("attempts", rec.Attempts),
		logx.String("err", msg),
	)
	s.archive(rec)
}

func (s *Service) archive(rec TaskRecord) {
	s.mu.Lock()
	a := s.archiver
	s.mu.Unlock()
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.ArchiveTask(ctx, rec); err != nil {
		s.log.Warn("task archive failed", logx.String("id", rec.TaskID), logx.Err(err))
	}
}

func (s *Service) historySize() int {
	s.mu.Lock()
	n := s.cfg.HistorySize
	s.mu.Unlock()
	if n <= 0 {
		n = 200
	}
	return n
}

func appendBounded(list []TaskRecord, rec TaskRecord, max int) []TaskRecord {
	list = append(list, rec)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// backoffDelay is base * multiplier^retry, where retry is the count of
// failures so far (0 for the first retry).
func backoffDelay(base time.Duration, multiplier float64, retry int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if multiplier <= 1 {
		multiplier = 2
	}
	d := time.Duration(float64(base) * math.Pow(multiplier, float64(retry)))
	if d < 0 {
		d = base
	}
	return d
}
