package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

var ErrScheduleNotFound = errors.New("schedule not found")

const scheduleColumns = `
	id, template_task_id, cron_expression, timezone, enabled, max_instances,
	overlap_policy, next_run_at, last_run_at, execution_count, created_at`

// CreateSchedule binds a cron rule to a template task. The template must
// exist and carry is_template=1.
func (s *Store) CreateSchedule(sc *task.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var isTemplate int
	err := s.db.QueryRow("SELECT is_template FROM tasks WHERE id = ?", sc.TemplateTaskID).Scan(&isTemplate)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, sc.TemplateTaskID)
	}
	if err != nil {
		return fmt.Errorf("failed to check template task: %w", err)
	}
	if isTemplate == 0 {
		return fmt.Errorf("task %d is not a template", sc.TemplateTaskID)
	}

	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if sc.MaxInstances <= 0 {
		sc.MaxInstances = 1
	}
	if sc.OverlapPolicy == "" {
		sc.OverlapPolicy = task.OverlapSkip
	}
	sc.CreatedAt = time.Now()

	res, err := s.db.Exec(`
		INSERT INTO task_schedules
			(template_task_id, cron_expression, timezone, enabled, max_instances,
			 overlap_policy, next_run_at, execution_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		sc.TemplateTaskID, sc.CronExpression, sc.Timezone, boolToInt(sc.Enabled),
		sc.MaxInstances, string(sc.OverlapPolicy), fmtTime(sc.NextRunAt), fmtTime(sc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	sc.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read schedule id: %w", err)
	}
	logging.Scheduler("Created schedule %d for template %d (%s, next %s)",
		sc.ID, sc.TemplateTaskID, sc.CronExpression, fmtTime(sc.NextRunAt))
	return nil
}

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(id int64) (*task.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT"+scheduleColumns+" FROM task_schedules WHERE id = ?", id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrScheduleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %d: %w", id, err)
	}
	return sc, nil
}

// ListSchedules returns every schedule, ordered by id.
func (s *Store) ListSchedules() ([]*task.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySchedules("SELECT" + scheduleColumns + " FROM task_schedules ORDER BY id")
}

// ListDueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) ListDueSchedules(now time.Time) ([]*task.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySchedules(
		"SELECT"+scheduleColumns+" FROM task_schedules WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at",
		fmtTime(now))
}

func (s *Store) querySchedules(query string, args ...interface{}) ([]*task.Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*task.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE task_schedules SET enabled = ? WHERE id = ?", boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to toggle schedule %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("%w: %d", ErrScheduleNotFound, id)
	}
	return nil
}

// AdvanceSchedule records a fire and moves next_run_at forward. Called by the
// scheduler after each tick, whether or not an instance was launched.
func (s *Store) AdvanceSchedule(id int64, firedAt, nextRunAt time.Time, fired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if fired {
		_, err = s.db.Exec(`
			UPDATE task_schedules
			SET next_run_at = ?, last_run_at = ?, execution_count = execution_count + 1
			WHERE id = ?`,
			fmtTime(nextRunAt), fmtTime(firedAt), id)
	} else {
		_, err = s.db.Exec(
			"UPDATE task_schedules SET next_run_at = ? WHERE id = ?", fmtTime(nextRunAt), id)
	}
	if err != nil {
		return fmt.Errorf("failed to advance schedule %d: %w", id, err)
	}
	return nil
}

// DisableSchedule marks a schedule permanently off, used when its cron
// expression has no future fire time.
func (s *Store) DisableSchedule(id int64, reason string) error {
	logging.Scheduler("Disabling schedule %d: %s", id, reason)
	return s.SetScheduleEnabled(id, false)
}

// InstantiateTemplate deep-copies a template task into a runnable pending
// task and records the instance, all in one transaction. Template children
// are copied too, preserving the dependency shape between them.
func (s *Store) InstantiateTemplate(scheduleID int64, now time.Time) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rootID int64
	err := s.withTx(func(tx *sql.Tx) error {
		var templateID int64
		err := tx.QueryRow(
			"SELECT template_task_id FROM task_schedules WHERE id = ?", scheduleID,
		).Scan(&templateID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %d", ErrScheduleNotFound, scheduleID)
		}
		if err != nil {
			return fmt.Errorf("failed to load schedule %d: %w", scheduleID, err)
		}

		idMap := make(map[int64]int64)
		rootID, err = copyTemplateTreeTx(tx, templateID, nil, scheduleID, now, idMap)
		if err != nil {
			return err
		}
		if err := copyTemplateDependenciesTx(tx, idMap); err != nil {
			return err
		}

		token := uuid.NewString()
		_, err = tx.Exec(`
			INSERT INTO task_instances (schedule_id, task_id, instance_token, created_at)
			VALUES (?, ?, ?, ?)`,
			scheduleID, rootID, token, fmtTime(now))
		if err != nil {
			return fmt.Errorf("failed to record instance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Scheduler("Instantiated schedule %d as task %d", scheduleID, rootID)
	return s.getTaskLocked(rootID)
}

// copyTemplateTreeTx copies one template task and, recursively, its children.
// idMap collects template id -> instance id for dependency rewiring.
func copyTemplateTreeTx(tx *sql.Tx, templateID int64, parentID *int64, scheduleID int64, now time.Time, idMap map[int64]int64) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO tasks
			(kind, status, parent_id, template_id, schedule_id, is_template,
			 shell_command, description, tool, args, generator, subtasks,
			 file_path, url, media_id, style, max_retries, created_at)
		SELECT kind, 'pending', ?, id, ?, 0,
		       shell_command, description, tool, args, generator, subtasks,
		       file_path, url, media_id, style, max_retries, ?
		FROM tasks WHERE id = ?`,
		nullableInt64(parentID), scheduleID, fmtTime(now), templateID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy template %d: %w", templateID, err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read instance id: %w", err)
	}
	idMap[templateID] = newID

	rows, err := tx.Query("SELECT id FROM tasks WHERE parent_id = ? ORDER BY id", templateID)
	if err != nil {
		return 0, fmt.Errorf("failed to list template children of %d: %w", templateID, err)
	}
	var childIDs []int64
	for rows.Next() {
		var childID int64
		if err := rows.Scan(&childID); err != nil {
			rows.Close()
			return 0, err
		}
		childIDs = append(childIDs, childID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, childID := range childIDs {
		if _, err := copyTemplateTreeTx(tx, childID, &newID, scheduleID, now, idMap); err != nil {
			return 0, err
		}
	}
	return newID, nil
}

// copyTemplateDependenciesTx rewires dependency edges among the copied tasks.
// Edges pointing outside the template tree are copied as-is.
func copyTemplateDependenciesTx(tx *sql.Tx, idMap map[int64]int64) error {
	for templateID, instanceID := range idMap {
		rows, err := tx.Query(
			"SELECT depends_on_id FROM task_dependencies WHERE task_id = ?", templateID)
		if err != nil {
			return fmt.Errorf("failed to read template dependencies of %d: %w", templateID, err)
		}
		var deps []int64
		for rows.Next() {
			var dep int64
			if err := rows.Scan(&dep); err != nil {
				rows.Close()
				return err
			}
			deps = append(deps, dep)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, dep := range deps {
			target := dep
			if mapped, ok := idMap[dep]; ok {
				target = mapped
			}
			if err := addDependencyTx(tx, instanceID, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// CountActiveInstances counts instances of a schedule that are still pending
// or running.
func (s *Store) CountActiveInstances(scheduleID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM task_instances i
		JOIN tasks t ON t.id = i.task_id
		WHERE i.schedule_id = ? AND t.status IN ('pending', 'running')`,
		scheduleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active instances of %d: %w", scheduleID, err)
	}
	return count, nil
}

// ListActiveInstanceTasks returns ids of pending or running instance tasks of
// a schedule. Used by the replace overlap policy.
func (s *Store) ListActiveInstanceTasks(scheduleID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT t.id
		FROM task_instances i
		JOIN tasks t ON t.id = i.task_id
		WHERE i.schedule_id = ? AND t.status IN ('pending', 'running')
		ORDER BY t.id`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances of %d: %w", scheduleID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSchedule(row rowScanner) (*task.Schedule, error) {
	var sc task.Schedule
	var enabled int
	var overlap string
	var nextRunAt, createdAt string
	var lastRunAt sql.NullString

	err := row.Scan(&sc.ID, &sc.TemplateTaskID, &sc.CronExpression, &sc.Timezone,
		&enabled, &sc.MaxInstances, &overlap, &nextRunAt, &lastRunAt,
		&sc.ExecutionCount, &createdAt)
	if err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	sc.OverlapPolicy = task.OverlapPolicy(overlap)
	if t, err := parseTime(nextRunAt); err == nil {
		sc.NextRunAt = t
	}
	sc.LastRunAt = parseTimePtr(lastRunAt)
	if t, err := parseTime(createdAt); err == nil {
		sc.CreatedAt = t
	}
	return &sc, nil
}
