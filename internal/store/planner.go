package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// RecordPlannerResult stores one planner expansion alongside the subtasks it
// produced. The planner result row and all subtask rows commit atomically.
// siblingDeps[i] lists indices of earlier subtasks that subtask i waits on;
// the edges are rewired to the freshly assigned ids inside the transaction.
// Returned ids are in subtask order.
func (s *Store) RecordPlannerResult(pr *task.PlannerResult, subtasks []task.Draft, siblingDeps [][]int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	err := s.withTx(func(tx *sql.Tx) error {
		for i := range subtasks {
			d := subtasks[i]
			if d.ParentID == nil {
				parent := pr.TaskID
				d.ParentID = &parent
			}
			id, err := insertTaskTx(tx, &d, nil)
			if err != nil {
				return fmt.Errorf("failed to insert planner subtask %d: %w", i, err)
			}
			ids = append(ids, id)

			if i < len(siblingDeps) {
				for _, j := range siblingDeps[i] {
					if j < 0 || j >= i {
						return fmt.Errorf("subtask %d declares invalid sibling dependency %d", i, j)
					}
					if err := addDependencyTx(tx, id, ids[j]); err != nil {
						return err
					}
				}
			}
		}

		contextIDs, err := json.Marshal(pr.ContextTaskIDs)
		if err != nil {
			return fmt.Errorf("failed to encode context task ids: %w", err)
		}
		if pr.ContextTaskIDs == nil {
			contextIDs = []byte("[]")
		}
		pr.SubtaskCount = len(ids)
		pr.CreatedAt = time.Now()

		res, err := tx.Exec(`
			INSERT INTO planner_results
				(task_id, goal, model, context_task_ids, subtask_count, raw_response, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pr.TaskID, pr.Goal, pr.Model, string(contextIDs), pr.SubtaskCount,
			pr.RawResponse, fmtTime(pr.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to record planner result: %w", err)
		}
		pr.ID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Planner("Recorded expansion of task %d: %d subtasks", pr.TaskID, len(ids))
	return ids, nil
}

// GetPlannerResult returns the latest expansion recorded for a task, or nil.
func (s *Store) GetPlannerResult(taskID int64) (*task.PlannerResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, task_id, goal, model, context_task_ids, subtask_count, raw_response, created_at
		FROM planner_results WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)

	var pr task.PlannerResult
	var contextIDs, createdAt string
	err := row.Scan(&pr.ID, &pr.TaskID, &pr.Goal, &pr.Model, &contextIDs,
		&pr.SubtaskCount, &pr.RawResponse, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load planner result for %d: %w", taskID, err)
	}
	if err := json.Unmarshal([]byte(contextIDs), &pr.ContextTaskIDs); err != nil {
		logging.StoreDebug("Unparseable context_task_ids for task %d: %v", taskID, err)
	}
	if t, err := parseTime(createdAt); err == nil {
		pr.CreatedAt = t
	}
	return &pr, nil
}
