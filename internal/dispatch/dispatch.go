// Package dispatch routes a task to the executor registered for its kind and
// brackets the execution with analytics. The dispatcher is stateless with
// respect to persistence; the task loop applies the result to the store.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"mediaflow/internal/analytics"
	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// Executor performs the side-effectful work for one task kind. Expected
// failures come back as a result with Success=false; a non-nil error means
// something unexpected and is converted by the dispatcher.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *task.Task) (task.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	return f(ctx, t)
}

// Dispatcher selects executors from a static registry built at startup.
type Dispatcher struct {
	registry map[task.Kind]Executor
	recorder *analytics.Recorder
}

// New builds an empty dispatcher.
func New(recorder *analytics.Recorder) *Dispatcher {
	return &Dispatcher{
		registry: make(map[task.Kind]Executor),
		recorder: recorder,
	}
}

// Register binds an executor to a kind. Later registrations win; the registry
// is assembled once during startup and read-only afterwards.
func (d *Dispatcher) Register(kind task.Kind, exec Executor) {
	d.registry[kind] = exec
}

// Registered reports whether a kind has an executor.
func (d *Dispatcher) Registered(kind task.Kind) bool {
	_, ok := d.registry[kind]
	return ok
}

// Dispatch runs the task through its executor. It records the start event,
// converts unknown kinds, executor errors, and panics into failure results,
// and records the completion event for successes. Failure events are left to
// the task loop, which knows whether the failure is terminal or will retry.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task) task.ExecutionResult {
	start := time.Now()
	d.recorder.TaskStarted(t)
	logging.Dispatch("Task %d (%s) dispatched", t.ID, t.Kind)

	exec, ok := d.registry[t.Kind]
	var res task.ExecutionResult
	if !ok {
		// Only reachable for rows whose kind no longer deserializes into a
		// known variant; inserts validate kinds up front.
		res = task.ExecutionResult{Success: false, Error: fmt.Sprintf("Unknown task type: %s", t.Kind)}
	} else {
		res = d.run(ctx, exec, t)
	}

	duration := time.Since(start)
	if res.Success {
		d.recorder.TaskCompleted(t, duration)
		logging.Dispatch("Task %d (%s) completed in %s", t.ID, t.Kind, duration)
	} else {
		logging.Dispatch("Task %d (%s) failed after %s: %s", t.ID, t.Kind, duration, res.Error)
	}
	return res
}

// run invokes the executor, converting returned errors and panics into
// failure results. The dispatcher never panics.
func (d *Dispatcher) run(ctx context.Context, exec Executor, t *task.Task) (res task.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryDispatch).Error("Executor for %s panicked on task %d: %v\n%s",
				t.Kind, t.ID, r, debug.Stack())
			res = task.ExecutionResult{Success: false, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	res, err := exec.Execute(ctx, t)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}
	}
	if !res.Success && res.Error == "" {
		res.Error = "executor reported failure without an error message"
	}
	return res
}
