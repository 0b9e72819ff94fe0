package store

import (
	"fmt"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// LogEvent appends one analytics row. Events are append-only; failures here
// are reported but must never block the task lifecycle, so callers log and
// continue on error.
func (s *Store) LogEvent(e *task.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO task_logs
			(task_id, task_type, status, duration_ms, retries, error_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, string(e.TaskType), e.Status, e.DurationMs, e.Retries,
		e.ErrorReason, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to log event for task %d: %w", e.TaskID, err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(limit int) ([]*task.AnalyticsEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, task_id, task_type, status, duration_ms, retries, error_reason, created_at
		FROM task_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*task.AnalyticsEvent
	for rows.Next() {
		var e task.AnalyticsEvent
		var taskType, createdAt string
		err := rows.Scan(&e.ID, &e.TaskID, &taskType, &e.Status, &e.DurationMs,
			&e.Retries, &e.ErrorReason, &createdAt)
		if err != nil {
			return nil, err
		}
		e.TaskType = task.Kind(taskType)
		if t, err := parseTime(createdAt); err == nil {
			e.CreatedAt = t
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// KindStats aggregates terminal events for one task kind over a window.
type KindStats struct {
	Kind          task.Kind `json:"kind"`
	Completed     int       `json:"completed"`
	Errored       int       `json:"errored"`
	AvgDurationMs int64     `json:"avg_duration_ms"`
	MaxDurationMs int64     `json:"max_duration_ms"`
	TotalRetries  int       `json:"total_retries"`
}

// SuccessRate returns completed/(completed+errored), or 1 with no data.
func (ks KindStats) SuccessRate() float64 {
	total := ks.Completed + ks.Errored
	if total == 0 {
		return 1.0
	}
	return float64(ks.Completed) / float64(total)
}

// StatsByKind aggregates terminal events per kind since the given time.
func (s *Store) StatsByKind(since time.Time) ([]KindStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT task_type,
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		       CAST(AVG(CASE WHEN status = 'completed' THEN duration_ms END) AS INTEGER),
		       CAST(MAX(duration_ms) AS INTEGER),
		       SUM(retries)
		FROM task_logs
		WHERE created_at >= ? AND status IN ('completed', 'error')
		GROUP BY task_type
		ORDER BY task_type`, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate event stats: %w", err)
	}
	defer rows.Close()

	var stats []KindStats
	for rows.Next() {
		var ks KindStats
		var kind string
		var avg, max *int64
		var retries *int
		if err := rows.Scan(&kind, &ks.Completed, &ks.Errored, &avg, &max, &retries); err != nil {
			return nil, err
		}
		ks.Kind = task.Kind(kind)
		if avg != nil {
			ks.AvgDurationMs = *avg
		}
		if max != nil {
			ks.MaxDurationMs = *max
		}
		if retries != nil {
			ks.TotalRetries = *retries
		}
		stats = append(stats, ks)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logging.StoreDebug("Aggregated event stats for %d kinds since %s", len(stats), fmtTime(since))
	return stats, nil
}

// TopErrorReasons returns the most frequent error reasons since the given
// time, most frequent first.
func (s *Store) TopErrorReasons(since time.Time, limit int) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT error_reason, COUNT(*)
		FROM task_logs
		WHERE created_at >= ? AND status = 'error' AND error_reason != ''
		GROUP BY error_reason
		ORDER BY COUNT(*) DESC
		LIMIT ?`, fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate error reasons: %w", err)
	}
	defer rows.Close()

	reasons := make(map[string]int)
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, err
		}
		reasons[reason] = count
	}
	return reasons, rows.Err()
}
