package analytics

import (
	"errors"
	"testing"
	"time"

	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

type memSink struct {
	events []*task.AnalyticsEvent
	err    error
}

func (m *memSink) LogEvent(e *task.AnalyticsEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestRecorderBracketsLifecycle(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink)

	tk := &task.Task{ID: 1, Kind: task.KindShell}
	rec.TaskStarted(tk)
	rec.TaskCompleted(tk, 150*time.Millisecond)

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.events))
	}
	if sink.events[0].Status != "running" || sink.events[1].Status != "completed" {
		t.Fatalf("unexpected event order: %s then %s", sink.events[0].Status, sink.events[1].Status)
	}
	if sink.events[1].DurationMs != 150 {
		t.Fatalf("DurationMs = %d, want 150", sink.events[1].DurationMs)
	}
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	rec := NewRecorder(&memSink{err: errors.New("disk full")})
	// Must not panic; analytics never blocks the task lifecycle.
	rec.TaskErrored(&task.Task{ID: 1, Kind: task.KindLLM}, time.Second, "boom")
}

type fakeStats struct {
	kinds  []store.KindStats
	errors map[string]int
}

func (f *fakeStats) StatsByKind(time.Time) ([]store.KindStats, error)       { return f.kinds, nil }
func (f *fakeStats) TopErrorReasons(time.Time, int) (map[string]int, error) { return f.errors, nil }

func TestBuildReportOrdersBottlenecks(t *testing.T) {
	src := &fakeStats{
		kinds: []store.KindStats{
			{Kind: task.KindShell, Completed: 10, Errored: 0, AvgDurationMs: 50},
			{Kind: task.KindMediaTranscribe, Completed: 4, Errored: 4, AvgDurationMs: 90000},
			{Kind: task.KindLLM, Completed: 8, Errored: 2, AvgDurationMs: 3000},
		},
		errors: map[string]int{"timeout": 3},
	}

	rep, err := BuildReport(src, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	if len(rep.Bottlenecks) != 3 || rep.Bottlenecks[0] != task.KindMediaTranscribe {
		t.Fatalf("Bottlenecks = %v", rep.Bottlenecks)
	}
	if len(rep.WorstSuccess) != 2 || rep.WorstSuccess[0] != task.KindMediaTranscribe {
		t.Fatalf("WorstSuccess = %v", rep.WorstSuccess)
	}
	if rep.TopErrors["timeout"] != 3 {
		t.Fatalf("TopErrors = %v", rep.TopErrors)
	}
}
