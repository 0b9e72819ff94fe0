// Package scheduler fires cron schedules: on each tick it finds due
// schedules, applies the overlap policy, instantiates template task trees,
// and advances next_run_at.
package scheduler

import (
	"context"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/cron"
	"mediaflow/internal/logging"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// Canceller cancels a running or pending task. Satisfied by the engine.
type Canceller interface {
	Cancel(id int64) error
}

// Scheduler drives time-based task instantiation.
type Scheduler struct {
	store     *store.Store
	canceller Canceller
	cfg       config.SchedulerConfig
	nowFn     func() time.Time // test hook
}

// New builds a scheduler. canceller may be nil; the replace overlap policy
// then falls back to store-level cancellation only.
func New(s *store.Store, canceller Canceller, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{store: s, canceller: canceller, cfg: cfg, nowFn: time.Now}
}

// Run ticks until ctx is cancelled. A tick fires immediately on start so a
// restart does not wait out a full interval before catching up.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Scheduler("Scheduler started (tick=%s)", s.cfg.TickInterval)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		s.Tick()
		select {
		case <-ctx.Done():
			logging.Scheduler("Scheduler stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick evaluates every due schedule once and returns how many instances were
// launched. Exposed for the CLI one-shot mode and tests.
func (s *Scheduler) Tick() int {
	now := s.nowFn()
	due, err := s.store.ListDueSchedules(now)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Due-schedule poll failed: %v", err)
		return 0
	}

	fired := 0
	for _, sc := range due {
		if s.fire(sc.ID, now) {
			fired++
		}
	}
	return fired
}

// fire handles one due schedule. The schedule always advances, even when the
// overlap policy suppresses the launch, so a blocked schedule does not spin
// on every tick.
func (s *Scheduler) fire(scheduleID int64, now time.Time) bool {
	sc, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failed to load due schedule %d: %v", scheduleID, err)
		return false
	}

	next, ok, err := cron.NextExecution(sc.CronExpression, now, sc.Timezone)
	if err != nil {
		s.store.DisableSchedule(sc.ID, "invalid cron expression: "+err.Error())
		return false
	}
	if !ok {
		s.store.DisableSchedule(sc.ID, "expression has no future fire time")
		return false
	}

	launch, err := s.applyOverlapPolicy(sc.ID, sc.OverlapPolicy, sc.MaxInstances)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Overlap check for schedule %d failed: %v", sc.ID, err)
		return false
	}
	if !launch {
		logging.Scheduler("Schedule %d skipped (%s, max_instances=%d reached)",
			sc.ID, sc.OverlapPolicy, sc.MaxInstances)
		if err := s.store.AdvanceSchedule(sc.ID, now, next, false); err != nil {
			logging.Get(logging.CategoryScheduler).Error("Failed to advance schedule %d: %v", sc.ID, err)
		}
		return false
	}

	instance, err := s.store.InstantiateTemplate(sc.ID, now)
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failed to instantiate schedule %d: %v", sc.ID, err)
		return false
	}
	if err := s.store.AdvanceSchedule(sc.ID, now, next, true); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failed to advance schedule %d: %v", sc.ID, err)
	}
	logging.Scheduler("Schedule %d fired: task %d (%s), next run %s",
		sc.ID, instance.ID, instance.Kind, next.Format(time.RFC3339))
	return true
}

// applyOverlapPolicy decides whether a due schedule may launch now. queue
// always launches; skip suppresses the launch while max_instances are still
// active; replace cancels the active instances first.
func (s *Scheduler) applyOverlapPolicy(scheduleID int64, policy task.OverlapPolicy, maxInstances int) (bool, error) {
	active, err := s.store.CountActiveInstances(scheduleID)
	if err != nil {
		return false, err
	}
	if active < maxInstances {
		return true, nil
	}

	switch policy {
	case task.OverlapQueue:
		return true, nil
	case task.OverlapReplace:
		ids, err := s.store.ListActiveInstanceTasks(scheduleID)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if err := s.cancelInstance(id); err != nil {
				logging.Get(logging.CategoryScheduler).Warn(
					"Failed to cancel instance task %d of schedule %d: %v", id, scheduleID, err)
			}
		}
		return true, nil
	default: // skip
		return false, nil
	}
}

func (s *Scheduler) cancelInstance(id int64) error {
	if s.canceller != nil {
		return s.canceller.Cancel(id)
	}
	return s.store.CancelTask(id)
}
