package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mediaflow/internal/analytics"
	"mediaflow/internal/task"
)

type memSink struct {
	events []*task.AnalyticsEvent
}

func (m *memSink) LogEvent(e *task.AnalyticsEvent) error {
	m.events = append(m.events, e)
	return nil
}

func newTestDispatcher() (*Dispatcher, *memSink) {
	sink := &memSink{}
	return New(analytics.NewRecorder(sink)), sink
}

func TestDispatchSuccess(t *testing.T) {
	d, sink := newTestDispatcher()
	d.Register(task.KindShell, ExecutorFunc(func(ctx context.Context, tk *task.Task) (task.ExecutionResult, error) {
		return task.ExecutionResult{Success: true, ResultSummary: "hi"}, nil
	}))

	res := d.Dispatch(context.Background(), &task.Task{ID: 1, Kind: task.KindShell})
	if !res.Success || res.ResultSummary != "hi" {
		t.Fatalf("result = %+v", res)
	}

	if len(sink.events) != 2 {
		t.Fatalf("expected start+complete events, got %d", len(sink.events))
	}
	if sink.events[0].Status != "running" || sink.events[1].Status != "completed" {
		t.Fatalf("events = %s, %s", sink.events[0].Status, sink.events[1].Status)
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	d, _ := newTestDispatcher()

	res := d.Dispatch(context.Background(), &task.Task{ID: 2, Kind: task.Kind("bogus")})
	if res.Success {
		t.Fatal("unknown kind must fail")
	}
	if res.Error != "Unknown task type: bogus" {
		t.Fatalf("Error = %q", res.Error)
	}
}

func TestDispatchConvertsExecutorError(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(task.KindShell, ExecutorFunc(func(ctx context.Context, tk *task.Task) (task.ExecutionResult, error) {
		return task.ExecutionResult{}, errors.New("unexpected explosion")
	}))

	res := d.Dispatch(context.Background(), &task.Task{ID: 3, Kind: task.KindShell})
	if res.Success || res.Error != "unexpected explosion" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d, sink := newTestDispatcher()
	d.Register(task.KindShell, ExecutorFunc(func(ctx context.Context, tk *task.Task) (task.ExecutionResult, error) {
		panic("nil map write")
	}))

	res := d.Dispatch(context.Background(), &task.Task{ID: 4, Kind: task.KindShell})
	if res.Success {
		t.Fatal("panicking executor must yield a failure result")
	}
	if !strings.Contains(res.Error, "executor panic") {
		t.Fatalf("Error = %q", res.Error)
	}
	// Failure events are the loop's job; only the start event is recorded.
	if len(sink.events) != 1 || sink.events[0].Status != "running" {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestDispatchFailureWithoutMessage(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register(task.KindTool, ExecutorFunc(func(ctx context.Context, tk *task.Task) (task.ExecutionResult, error) {
		return task.ExecutionResult{Success: false}, nil
	}))

	res := d.Dispatch(context.Background(), &task.Task{ID: 5, Kind: task.KindTool})
	if res.Error == "" {
		t.Fatal("failure results must carry an error message")
	}
}
