// Package engine is the task loop: it polls for ready tasks, claims them with
// a compare-and-set, runs them through the dispatcher on a bounded worker
// pool, and applies results (completion, retry, terminal error) to the store.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaflow/internal/analytics"
	"mediaflow/internal/config"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/logging"
	"mediaflow/internal/resolver"
	"mediaflow/internal/retry"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// Engine coordinates the whole execution pipeline.
type Engine struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	retries    *retry.Manager
	resolver   *resolver.Resolver
	recorder   *analytics.Recorder
	cfg        config.EngineConfig

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc

	// wake is pulsed when a completion may have unblocked dependents, so the
	// next poll happens immediately instead of waiting out the interval.
	wake chan struct{}
}

// New assembles the engine. The resolver is rebuilt from the store, after
// tasks left running by a crashed process are reset to pending.
func New(s *store.Store, d *dispatch.Dispatcher, rm *retry.Manager, rec *analytics.Recorder, cfg config.EngineConfig) (*Engine, error) {
	if n, err := s.ResetStaleRunning(); err != nil {
		return nil, err
	} else if n > 0 {
		logging.Loop("Recovered %d tasks left running by a previous process", n)
	}

	res, err := resolver.Rebuild(s)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:      s,
		dispatcher: d,
		retries:    rm,
		resolver:   res,
		recorder:   rec,
		cfg:        cfg,
		cancels:    make(map[int64]context.CancelFunc),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Run drives the loop until ctx is cancelled. Workers share an errgroup with
// the concurrency limit from config; each poll claims at most one batch.
func (e *Engine) Run(ctx context.Context) error {
	logging.Loop("Engine started (concurrency=%d, poll=%s, batch=%d)",
		e.cfg.Concurrency, e.cfg.PollInterval, e.cfg.BatchSize)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.runBatch(ctx)

		select {
		case <-ctx.Done():
			logging.Loop("Engine stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// RunUntilIdle processes ready tasks until none remain, including tasks that
// become ready through completions and follow-ups. Retry delays are waited
// out. Used by the CLI one-shot mode and by tests.
func (e *Engine) RunUntilIdle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ran := e.runBatch(ctx)
		if ran > 0 {
			continue
		}

		// Nothing ready now; anything parked on a retry delay?
		pending, err := e.store.ListTasksByStatus(task.StatusPending)
		if err != nil {
			return err
		}
		var nextRetry *time.Time
		for _, t := range pending {
			if t.NextRetryAt != nil && t.NextRetryAt.After(time.Now()) {
				if nextRetry == nil || t.NextRetryAt.Before(*nextRetry) {
					nextRetry = t.NextRetryAt
				}
			}
		}
		if nextRetry == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(*nextRetry)):
		}
	}
}

// runBatch claims and executes one batch of ready tasks, returning how many
// were run.
func (e *Engine) runBatch(ctx context.Context) int {
	now := time.Now()
	ready, err := e.store.ListReadyTasks(e.cfg.BatchSize, now)
	if err != nil {
		logging.Get(logging.CategoryLoop).Error("Ready poll failed: %v", err)
		return 0
	}
	if len(ready) == 0 {
		return 0
	}

	e.warnOnBackpressure(now)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	ran := 0
	for _, t := range ready {
		claimed, err := e.store.ClaimTask(t.ID, time.Now())
		if err != nil {
			logging.Get(logging.CategoryLoop).Error("Claim of task %d failed: %v", t.ID, err)
			continue
		}
		if !claimed {
			// Another worker won the CAS.
			continue
		}
		ran++
		t := t
		g.Go(func() error {
			e.execute(gctx, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Get(logging.CategoryLoop).Error("Worker pool error: %v", err)
	}
	return ran
}

// execute runs one claimed task end to end.
func (e *Engine) execute(ctx context.Context, t *task.Task) {
	var taskCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	e.registerCancel(t.ID, cancel)
	defer func() {
		cancel()
		e.unregisterCancel(t.ID)
	}()

	start := time.Now()
	res := e.dispatcher.Dispatch(taskCtx, t)
	duration := time.Since(start)

	if e.wasCancelled(t.ID) {
		// Admin cancellation already moved the row to cancelled; do not
		// overwrite the terminal state with this attempt's outcome.
		e.recorder.TaskCancelled(t)
		e.resolver.Forget(t.ID)
		return
	}

	if res.Success {
		e.complete(t, res, duration)
		return
	}
	e.fail(t, res, duration)
}

func (e *Engine) complete(t *task.Task, res task.ExecutionResult, duration time.Duration) {
	summary := res.ResultSummary
	if summary == "" {
		summary = res.OutputPath
	}
	artifact := res.OutputPath
	if artifact == "" {
		artifact = res.FilePath
	}

	followUpIDs, err := e.store.CompleteTask(t.ID, summary, artifact, res.FollowUps)
	if err != nil {
		logging.Get(logging.CategoryLoop).Error("Failed to complete task %d: %v", t.ID, err)
		return
	}

	if t.RetryCount > 0 {
		// Close out the attempt history with the winning attempt.
		e.recordAttempt(t, t.RetryCount+1, "", "", 0, true, duration)
	}

	unblocked := e.resolver.MarkCompleted(t.ID)
	if len(unblocked) > 0 || len(followUpIDs) > 0 || len(res.SubtaskIDs) > 0 {
		e.pulse()
	}
	logging.Loop("Task %d (%s) completed in %s", t.ID, t.Kind, duration)
}

func (e *Engine) fail(t *task.Task, res task.ExecutionResult, duration time.Duration) {
	decision := e.retries.ShouldRetry(t, res.Error, "")

	if decision.ShouldRetry {
		e.recordAttempt(t, decision.NextAttempt, res.Error, decision.ErrorType, decision.DelayMs, false, duration)

		nextRetryAt := time.Now().Add(time.Duration(decision.DelayMs) * time.Millisecond)
		if err := e.store.RequeueForRetry(t.ID, nextRetryAt, res.Error); err != nil {
			logging.Get(logging.CategoryLoop).Error("Failed to requeue task %d: %v", t.ID, err)
			return
		}
		t.RetryCount++
		e.recorder.TaskRetrying(t, duration, res.Error)
		logging.Loop("Task %d (%s) failed, retry %d at %s: %s",
			t.ID, t.Kind, decision.NextAttempt, nextRetryAt.Format(time.RFC3339), res.Error)
		return
	}

	e.recordAttempt(t, t.RetryCount+1, res.Error, decision.ErrorType, 0, false, duration)
	if err := e.store.FailTask(t.ID, res.Error); err != nil {
		logging.Get(logging.CategoryLoop).Error("Failed to mark task %d errored: %v", t.ID, err)
		return
	}
	e.recorder.TaskErrored(t, duration, res.Error)
	// Dependents of a terminally failed task stay blocked for an operator.
	e.resolver.Forget(t.ID)
	logging.Loop("Task %d (%s) errored terminally (%s): %s", t.ID, t.Kind, decision.Reason, res.Error)
}

func (e *Engine) recordAttempt(t *task.Task, attempt int, errMsg, errType string, delayMs int64, success bool, duration time.Duration) {
	a := &task.RetryAttempt{
		TaskID:          t.ID,
		AttemptNumber:   attempt,
		AttemptedAt:     time.Now(),
		ErrorMessage:    errMsg,
		ErrorType:       errType,
		DelayMs:         delayMs,
		Success:         success,
		ExecutionTimeMs: duration.Milliseconds(),
	}
	if err := e.store.RecordRetryAttempt(a); err != nil {
		logging.Get(logging.CategoryRetry).Warn("Failed to record attempt for task %d: %v", t.ID, err)
	}
}

// Cancel cooperatively cancels a task: pending rows flip straight to
// cancelled; running tasks get their context cancelled and are marked
// cancelled in the store.
func (e *Engine) Cancel(id int64) error {
	if err := e.store.CancelTask(id); err != nil {
		return err
	}

	e.mu.Lock()
	cancel, running := e.cancels[id]
	if running {
		e.cancels[id] = nil // remembered as cancelled for the executor return path
	}
	e.mu.Unlock()

	if running && cancel != nil {
		cancel()
	}
	e.resolver.Forget(id)
	logging.Loop("Task %d cancelled", id)
	return nil
}

// QueueDepth exposes the ready-queue depth for producers that throttle.
func (e *Engine) QueueDepth() (int, error) {
	return e.store.ReadyQueueDepth(time.Now())
}

func (e *Engine) warnOnBackpressure(now time.Time) {
	if e.cfg.QueueWarnDepth <= 0 {
		return
	}
	depth, err := e.store.ReadyQueueDepth(now)
	if err != nil {
		return
	}
	if depth > e.cfg.QueueWarnDepth {
		logging.Get(logging.CategoryLoop).Warn("Ready queue depth %d exceeds threshold %d; producers should throttle",
			depth, e.cfg.QueueWarnDepth)
	}
}

func (e *Engine) registerCancel(id int64, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(id int64) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

// wasCancelled reports whether Cancel ran for this task while it executed.
func (e *Engine) wasCancelled(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.cancels[id]
	return ok && cancel == nil
}

func (e *Engine) pulse() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
