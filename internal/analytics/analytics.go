// Package analytics brackets task execution with append-only events and turns
// the event log into success-rate and bottleneck reports. Event writes must
// never block the task lifecycle: failures are logged and swallowed.
package analytics

import (
	"sort"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// EventSink is the slice of the store the recorder writes to.
type EventSink interface {
	LogEvent(e *task.AnalyticsEvent) error
}

// Recorder emits one event per task state transition.
type Recorder struct {
	sink EventSink
}

// NewRecorder builds a recorder on top of the store.
func NewRecorder(sink EventSink) *Recorder {
	return &Recorder{sink: sink}
}

func (r *Recorder) emit(e *task.AnalyticsEvent) {
	if err := r.sink.LogEvent(e); err != nil {
		logging.Get(logging.CategoryAnalytics).Warn("Failed to record %s event for task %d: %v",
			e.Status, e.TaskID, err)
	}
}

// TaskStarted records the pending -> running transition.
func (r *Recorder) TaskStarted(t *task.Task) {
	r.emit(&task.AnalyticsEvent{TaskID: t.ID, TaskType: t.Kind, Status: "running", Retries: t.RetryCount})
}

// TaskCompleted records a successful terminal transition.
func (r *Recorder) TaskCompleted(t *task.Task, duration time.Duration) {
	r.emit(&task.AnalyticsEvent{
		TaskID: t.ID, TaskType: t.Kind, Status: "completed",
		DurationMs: duration.Milliseconds(), Retries: t.RetryCount,
	})
}

// TaskErrored records a terminal failure with its reason.
func (r *Recorder) TaskErrored(t *task.Task, duration time.Duration, reason string) {
	r.emit(&task.AnalyticsEvent{
		TaskID: t.ID, TaskType: t.Kind, Status: "error",
		DurationMs: duration.Milliseconds(), Retries: t.RetryCount, ErrorReason: reason,
	})
}

// TaskRetrying records a failed attempt that will run again.
func (r *Recorder) TaskRetrying(t *task.Task, duration time.Duration, reason string) {
	r.emit(&task.AnalyticsEvent{
		TaskID: t.ID, TaskType: t.Kind, Status: "retrying",
		DurationMs: duration.Milliseconds(), Retries: t.RetryCount, ErrorReason: reason,
	})
}

// TaskCancelled records an external cancellation.
func (r *Recorder) TaskCancelled(t *task.Task) {
	r.emit(&task.AnalyticsEvent{TaskID: t.ID, TaskType: t.Kind, Status: "cancelled", Retries: t.RetryCount})
}

// StatsSource is the aggregate-query slice of the store.
type StatsSource interface {
	StatsByKind(since time.Time) ([]store.KindStats, error)
	TopErrorReasons(since time.Time, limit int) (map[string]int, error)
}

// Report is a point-in-time view over the event log.
type Report struct {
	Since        time.Time
	Kinds        []store.KindStats
	TopErrors    map[string]int
	Bottlenecks  []task.Kind // kinds ordered by average duration, slowest first
	WorstSuccess []task.Kind // kinds ordered by success rate, worst first
}

// BuildReport aggregates the event log since the given time.
func BuildReport(src StatsSource, since time.Time) (*Report, error) {
	kinds, err := src.StatsByKind(since)
	if err != nil {
		return nil, err
	}
	topErrors, err := src.TopErrorReasons(since, 10)
	if err != nil {
		return nil, err
	}

	rep := &Report{Since: since, Kinds: kinds, TopErrors: topErrors}

	byDuration := append([]store.KindStats(nil), kinds...)
	sort.Slice(byDuration, func(i, j int) bool {
		return byDuration[i].AvgDurationMs > byDuration[j].AvgDurationMs
	})
	for _, ks := range byDuration {
		if ks.AvgDurationMs > 0 {
			rep.Bottlenecks = append(rep.Bottlenecks, ks.Kind)
		}
	}

	bySuccess := append([]store.KindStats(nil), kinds...)
	sort.Slice(bySuccess, func(i, j int) bool {
		return bySuccess[i].SuccessRate() < bySuccess[j].SuccessRate()
	})
	for _, ks := range bySuccess {
		if ks.SuccessRate() < 1.0 {
			rep.WorstSuccess = append(rep.WorstSuccess, ks.Kind)
		}
	}
	return rep, nil
}
