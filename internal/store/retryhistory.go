package store

import (
	"fmt"

	"mediaflow/internal/task"
)

// RecordRetryAttempt appends one immutable attempt row. Both successful and
// failed attempts are recorded so the history reads as a full timeline.
func (s *Store) RecordRetryAttempt(a *task.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO retry_history
			(task_id, attempt_number, attempted_at, error_message, error_type,
			 delay_ms, success, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.AttemptNumber, fmtTime(a.AttemptedAt), a.ErrorMessage,
		a.ErrorType, a.DelayMs, boolToInt(a.Success), a.ExecutionTimeMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt for task %d: %w", a.TaskID, err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListRetryHistory returns all attempts for a task, oldest first.
func (s *Store) ListRetryHistory(taskID int64) ([]*task.RetryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, task_id, attempt_number, attempted_at, error_message,
		       error_type, delay_ms, success, execution_time_ms
		FROM retry_history WHERE task_id = ? ORDER BY attempt_number, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry history for %d: %w", taskID, err)
	}
	defer rows.Close()

	var attempts []*task.RetryAttempt
	for rows.Next() {
		var a task.RetryAttempt
		var attemptedAt string
		var success int
		err := rows.Scan(&a.ID, &a.TaskID, &a.AttemptNumber, &attemptedAt,
			&a.ErrorMessage, &a.ErrorType, &a.DelayMs, &success, &a.ExecutionTimeMs)
		if err != nil {
			return nil, err
		}
		a.Success = success != 0
		if t, err := parseTime(attemptedAt); err == nil {
			a.AttemptedAt = t
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
