package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// Structural errors surfaced synchronously to the submitter.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrUnknownKind       = errors.New("unknown task kind")
	ErrCyclicDependency  = errors.New("cyclic_dependency")
	ErrMissingDependency = errors.New("dependency references unknown task")
)

// taskColumns is the canonical column list shared by every task query.
const taskColumns = `
	id, kind, status, parent_id, template_id, schedule_id, is_template,
	shell_command, description, tool, args, generator, subtasks,
	file_path, url, media_id, style,
	result_summary, artifact_path, error_message,
	retry_count, max_retries, retry_policy_id, next_retry_at, last_retry_error,
	created_at, started_at, finished_at`

// InsertTask persists a new task with its dependencies in one transaction.
func (s *Store) InsertTask(d *task.Draft) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		id, err = insertTaskTx(tx, d, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Store("Inserted task %d (kind=%s, deps=%d)", id, d.Kind, len(d.DependsOn))
	return s.getTaskLocked(id)
}

// insertTaskTx inserts one task row plus its dependency edges. scheduleID is
// non-nil when the task is instantiated from a schedule.
func insertTaskTx(tx *sql.Tx, d *task.Draft, scheduleID *int64) (int64, error) {
	if !d.Kind.IsValid() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, d.Kind)
	}

	// -1 marks "no per-task budget": the kind's retry policy governs.
	maxRetries := -1
	if d.MaxRetries != nil && *d.MaxRetries >= 0 {
		maxRetries = *d.MaxRetries
	}

	res, err := tx.Exec(`
		INSERT INTO tasks
			(kind, status, parent_id, schedule_id, is_template,
			 shell_command, description, tool, args, generator, subtasks,
			 file_path, url, media_id, style, max_retries, created_at)
		VALUES (?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.Kind), nullableInt64(d.ParentID), nullableInt64(scheduleID),
		boolToInt(d.IsTemplate), d.ShellCommand, d.Description, d.Tool,
		rawOrNil(d.Args), d.Generator, rawOrNil(d.Subtasks),
		d.FilePath, d.URL, d.MediaID, d.Style, maxRetries, fmtTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted task id: %w", err)
	}

	for _, depID := range d.DependsOn {
		if err := addDependencyTx(tx, id, depID); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// InsertTasks persists a batch of tasks atomically: either every draft (and
// its dependencies) lands, or none do. Returned ids are in draft order.
func (s *Store) InsertTasks(drafts []task.Draft) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	err := s.withTx(func(tx *sql.Tx) error {
		for i := range drafts {
			id, err := insertTaskTx(tx, &drafts[i], nil)
			if err != nil {
				return fmt.Errorf("failed to insert batch task %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Store("Inserted batch of %d tasks", len(ids))
	return ids, nil
}

func rawOrNil(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// GetTask retrieves a task with its dependency list.
func (s *Store) GetTask(id int64) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id int64) (*task.Task, error) {
	row := s.db.QueryRow("SELECT"+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", id, err)
	}
	deps, err := s.dependenciesOf(id)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	return t, nil
}

// ListReadyTasks returns up to limit pending tasks whose dependencies are all
// completed and whose retry delay (if any) has elapsed. Templates never run.
func (s *Store) ListReadyTasks(limit int, now time.Time) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT`+taskColumns+`
		FROM tasks t
		WHERE t.status = 'pending'
		  AND t.is_template = 0
		  AND (t.next_retry_at IS NULL OR t.next_retry_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id AND dep.status != 'completed')
		ORDER BY t.id
		LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		deps, err := s.dependenciesOf(t.ID)
		if err != nil {
			return nil, err
		}
		t.Dependencies = deps
	}
	return tasks, nil
}

// ReadyQueueDepth counts currently ready tasks; observable for backpressure.
func (s *Store) ReadyQueueDepth(now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var depth int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM tasks t
		WHERE t.status = 'pending'
		  AND t.is_template = 0
		  AND (t.next_retry_at IS NULL OR t.next_retry_at <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = t.id AND dep.status != 'completed')`,
		fmtTime(now)).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count ready tasks: %w", err)
	}
	return depth, nil
}

// ClaimTask attempts the pending -> running transition. It is a
// compare-and-set on status: false means another worker won.
func (s *Store) ClaimTask(id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE tasks SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'",
		fmtTime(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for task %d: %w", id, err)
	}
	return n == 1, nil
}

// CompleteTask transitions a running task to completed and inserts its
// follow-up tasks in the same transaction, so a crash cannot orphan them.
// Returns the ids of inserted follow-ups.
func (s *Store) CompleteTask(id int64, summary, artifactPath string, followUps []task.Draft) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var followUpIDs []int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE tasks
			SET status = 'completed', result_summary = ?, artifact_path = ?,
			    error_message = '', next_retry_at = NULL, finished_at = ?
			WHERE id = ? AND status = 'running'`,
			summary, artifactPath, fmtTime(time.Now()), id,
		)
		if err != nil {
			return fmt.Errorf("failed to complete task %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return fmt.Errorf("task %d not in running state", id)
		}

		for i := range followUps {
			d := followUps[i]
			if d.ParentID == nil {
				parent := id
				d.ParentID = &parent
			}
			fuID, err := insertTaskTx(tx, &d, nil)
			if err != nil {
				return fmt.Errorf("failed to insert follow-up %s: %w", d.Kind, err)
			}
			followUpIDs = append(followUpIDs, fuID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(followUpIDs) > 0 {
		logging.Store("Task %d completed with %d follow-ups: %v", id, len(followUpIDs), followUpIDs)
	}
	return followUpIDs, nil
}

// FailTask transitions a running task to terminal error.
func (s *Store) FailTask(id int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'error', error_message = ?, next_retry_at = NULL, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		errorMessage, fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("task %d not in running state", id)
	}
	return nil
}

// RequeueForRetry returns a failed-but-retryable task to pending with its
// retry bookkeeping updated.
func (s *Store) RequeueForRetry(id int64, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tasks
		SET status = 'pending', retry_count = retry_count + 1,
		    next_retry_at = ?, last_retry_error = ?, started_at = NULL
		WHERE id = ? AND status = 'running'`,
		fmtTime(nextRetryAt), lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("task %d not in running state", id)
	}
	return nil
}

// CancelTask transitions a pending or running task to cancelled. Running
// tasks are additionally signalled cooperatively by the engine.
func (s *Store) CancelTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'cancelled', finished_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel task %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("task %d not cancellable", id)
	}
	logging.Store("Task %d cancelled", id)
	return nil
}

// ResetStaleRunning returns tasks left running by a crashed process to
// pending. The interrupted attempt is not counted against the retry budget.
func (s *Store) ResetStaleRunning() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE tasks SET status = 'pending', started_at = NULL WHERE status = 'running'",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Reset %d stale running tasks to pending", n)
	}
	return int(n), nil
}

// ListTasksByStatus returns tasks in any of the given statuses, oldest first.
func (s *Store) ListTasksByStatus(statuses ...task.Status) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	query := "SELECT" + taskColumns + " FROM tasks WHERE status IN (?"
	args := []interface{}{string(statuses[0])}
	for _, st := range statuses[1:] {
		query += ",?"
		args = append(args, string(st))
	}
	query += ") ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return collectTasks(rows)
}

// ListChildren returns the direct children of a task.
func (s *Store) ListChildren(parentID int64) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT"+taskColumns+" FROM tasks WHERE parent_id = ? ORDER BY id", parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %d: %w", parentID, err)
	}
	return collectTasks(rows)
}

// CountTasksByStatus returns a status -> count map across all tasks.
func (s *Store) CountTasksByStatus() (map[task.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM tasks WHERE is_template = 0 GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[task.Status(status)] = count
	}
	return counts, rows.Err()
}

// DeleteTask removes a task. Children cascade via the parent_id foreign key.
// Not a normal-path operation; exposed for operator cleanup.
func (s *Store) DeleteTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var kind, status string
	var parentID, templateID, scheduleID, policyID sql.NullInt64
	var isTemplate int
	var args, subtasks sql.NullString
	var nextRetryAt, createdAt sql.NullString
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&t.ID, &kind, &status, &parentID, &templateID, &scheduleID, &isTemplate,
		&t.ShellCommand, &t.Description, &t.Tool, &args, &t.Generator, &subtasks,
		&t.FilePath, &t.URL, &t.MediaID, &t.Style,
		&t.ResultSummary, &t.ArtifactPath, &t.ErrorMessage,
		&t.RetryCount, &t.MaxRetries, &policyID, &nextRetryAt, &t.LastRetryError,
		&createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = task.Kind(kind)
	t.Status = task.Status(status)
	t.ParentID = int64Ptr(parentID)
	t.TemplateID = int64Ptr(templateID)
	t.ScheduleID = int64Ptr(scheduleID)
	t.RetryPolicyID = int64Ptr(policyID)
	t.IsTemplate = isTemplate != 0
	if args.Valid && args.String != "" {
		t.Args = []byte(args.String)
	}
	if subtasks.Valid && subtasks.String != "" {
		t.Subtasks = []byte(subtasks.String)
	}
	t.NextRetryAt = parseTimePtr(nextRetryAt)
	if createdAt.Valid {
		if ts, err := parseTime(createdAt.String); err == nil {
			t.CreatedAt = ts
		}
	}
	t.StartedAt = parseTimePtr(startedAt)
	t.FinishedAt = parseTimePtr(finishedAt)
	return &t, nil
}
