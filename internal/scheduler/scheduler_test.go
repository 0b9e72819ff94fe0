package scheduler

import (
	"testing"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

func testScheduler(t *testing.T, now time.Time) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sch := New(s, nil, config.SchedulerConfig{TickInterval: time.Minute})
	sch.nowFn = func() time.Time { return now }
	return sch, s
}

func mustCreateSchedule(t *testing.T, s *store.Store, sc *task.Schedule) {
	t.Helper()
	if err := s.CreateSchedule(sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
}

func TestTickInstantiatesDueSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	sch, s := testScheduler(t, now)

	tmpl, err := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "echo tick", IsTemplate: true})
	if err != nil {
		t.Fatalf("insert template: %v", err)
	}
	mustCreateSchedule(t, s, &task.Schedule{
		TemplateTaskID: tmpl.ID,
		CronExpression: "* * * * *",
		Enabled:        true,
		NextRunAt:      now.Add(-time.Second),
	})

	if fired := sch.Tick(); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	instances, err := s.ListTasksByStatus(task.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	var instance *task.Task
	for _, tk := range instances {
		if !tk.IsTemplate {
			instance = tk
		}
	}
	if instance == nil {
		t.Fatal("no runnable instance created")
	}
	if instance.ShellCommand != "echo tick" {
		t.Fatalf("instance command = %q", instance.ShellCommand)
	}
	if instance.TemplateID == nil || *instance.TemplateID != tmpl.ID {
		t.Fatalf("instance template = %v", instance.TemplateID)
	}

	sc, err := s.GetSchedule(1)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sc.ExecutionCount != 1 {
		t.Fatalf("execution_count = %d", sc.ExecutionCount)
	}
	// "* * * * *" at 12:00:30 advances to 12:01:00.
	want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	if !sc.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %s, want %s", sc.NextRunAt, want)
	}
	if sc.LastRunAt == nil || !sc.LastRunAt.Equal(now) {
		t.Fatalf("last_run_at = %v", sc.LastRunAt)
	}
}

func TestTickIgnoresFutureSchedules(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sch, s := testScheduler(t, now)

	tmpl, _ := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "x", IsTemplate: true})
	mustCreateSchedule(t, s, &task.Schedule{
		TemplateTaskID: tmpl.ID,
		CronExpression: "0 0 * * *",
		Enabled:        true,
		NextRunAt:      now.Add(time.Hour),
	})

	if fired := sch.Tick(); fired != 0 {
		t.Fatalf("fired = %d, want 0", fired)
	}
}

func TestOverlapSkipHoldsAtMaxInstances(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	sch, s := testScheduler(t, now)

	tmpl, _ := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "slow", IsTemplate: true})
	mustCreateSchedule(t, s, &task.Schedule{
		TemplateTaskID: tmpl.ID,
		CronExpression: "* * * * *",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  task.OverlapSkip,
		NextRunAt:      now.Add(-time.Second),
	})

	if fired := sch.Tick(); fired != 1 {
		t.Fatalf("first tick fired = %d", fired)
	}

	// The instance is still pending; the next due tick must skip but still
	// advance the schedule.
	later := now.Add(time.Minute)
	sch.nowFn = func() time.Time { return later }
	if fired := sch.Tick(); fired != 0 {
		t.Fatalf("second tick fired = %d, want 0 (skip)", fired)
	}

	sc, _ := s.GetSchedule(1)
	if sc.ExecutionCount != 1 {
		t.Fatalf("execution_count = %d, want 1", sc.ExecutionCount)
	}
	if !sc.NextRunAt.After(later) {
		t.Fatalf("skipped schedule must advance, next_run_at = %s", sc.NextRunAt)
	}
	if active, _ := s.CountActiveInstances(sc.ID); active != 1 {
		t.Fatalf("active instances = %d, want 1", active)
	}
}

func TestOverlapQueueLaunchesAnyway(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	sch, s := testScheduler(t, now)

	tmpl, _ := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "slow", IsTemplate: true})
	mustCreateSchedule(t, s, &task.Schedule{
		TemplateTaskID: tmpl.ID,
		CronExpression: "* * * * *",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  task.OverlapQueue,
		NextRunAt:      now.Add(-time.Second),
	})

	sch.Tick()
	sch.nowFn = func() time.Time { return now.Add(time.Minute) }
	if fired := sch.Tick(); fired != 1 {
		t.Fatalf("queue policy must launch, fired = %d", fired)
	}
	if active, _ := s.CountActiveInstances(1); active != 2 {
		t.Fatalf("active instances = %d, want 2", active)
	}
}

func TestOverlapReplaceCancelsActiveInstances(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	sch, s := testScheduler(t, now)

	tmpl, _ := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "slow", IsTemplate: true})
	mustCreateSchedule(t, s, &task.Schedule{
		TemplateTaskID: tmpl.ID,
		CronExpression: "* * * * *",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  task.OverlapReplace,
		NextRunAt:      now.Add(-time.Second),
	})

	sch.Tick()
	first, err := s.ListActiveInstanceTasks(1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first instance: %v %v", first, err)
	}

	sch.nowFn = func() time.Time { return now.Add(time.Minute) }
	if fired := sch.Tick(); fired != 1 {
		t.Fatalf("replace policy must launch, fired = %d", fired)
	}

	old, _ := s.GetTask(first[0])
	if old.Status != task.StatusCancelled {
		t.Fatalf("replaced instance status = %s", old.Status)
	}
	if active, _ := s.CountActiveInstances(1); active != 1 {
		t.Fatalf("active instances = %d, want 1", active)
	}
}

func TestInvalidCronDisablesSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sch, s := testScheduler(t, now)

	tmpl, _ := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "x", IsTemplate: true})
	mustCreateSchedule(t, s, &task.Schedule{
		TemplateTaskID: tmpl.ID,
		CronExpression: "not a cron",
		Enabled:        true,
		NextRunAt:      now.Add(-time.Second),
	})

	if fired := sch.Tick(); fired != 0 {
		t.Fatalf("fired = %d", fired)
	}
	sc, _ := s.GetSchedule(1)
	if sc.Enabled {
		t.Fatal("schedule with an unparseable expression must be disabled")
	}
}

func TestTemplateTreeInstantiation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	sch, s := testScheduler(t, now)

	root, _ := s.InsertTask(&task.Draft{Kind: task.KindBatch, Description: "pipeline", IsTemplate: true})
	childA, _ := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "a", IsTemplate: true, ParentID: &root.ID})
	childB, _ := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "b", IsTemplate: true, ParentID: &root.ID, DependsOn: []int64{childA.ID}})
	_ = childB

	mustCreateSchedule(t, s, &task.Schedule{
		TemplateTaskID: root.ID,
		CronExpression: "* * * * *",
		Enabled:        true,
		NextRunAt:      now.Add(-time.Second),
	})

	if fired := sch.Tick(); fired != 1 {
		t.Fatalf("fired = %d", fired)
	}

	ids, _ := s.ListActiveInstanceTasks(1)
	if len(ids) != 1 {
		t.Fatalf("instances = %v", ids)
	}
	children, err := s.ListChildren(ids[0])
	if err != nil || len(children) != 2 {
		t.Fatalf("instance children = %v %v", children, err)
	}
	// Dependency edges are rewired onto the copies, not the templates.
	var copyA, copyB *task.Task
	for _, c := range children {
		switch c.ShellCommand {
		case "a":
			copyA = c
		case "b":
			copyB = c
		}
	}
	if copyA == nil || copyB == nil {
		t.Fatalf("children = %+v", children)
	}
	got, err := s.GetTask(copyB.ID)
	if err != nil {
		t.Fatalf("load copy: %v", err)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != copyA.ID {
		t.Fatalf("copy deps = %v, want [%d]", got.Dependencies, copyA.ID)
	}
}
