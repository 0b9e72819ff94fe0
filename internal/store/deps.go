package store

import (
	"database/sql"
	"fmt"

	"mediaflow/internal/logging"
)

// AddDependency records that taskID must wait for dependsOn. The edge is
// rejected when it would close a cycle or references a missing task.
func (s *Store) AddDependency(taskID, dependsOn int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		return addDependencyTx(tx, taskID, dependsOn)
	})
}

func addDependencyTx(tx *sql.Tx, taskID, dependsOn int64) error {
	if taskID == dependsOn {
		return fmt.Errorf("%w: task %d depends on itself", ErrCyclicDependency, taskID)
	}

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM tasks WHERE id = ?", dependsOn).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check dependency target: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %d", ErrMissingDependency, dependsOn)
	}

	// Walk depends-on edges from the target. Reaching taskID means the new
	// edge would close a cycle. New tasks have no dependents yet, so inserts
	// through InsertTask can never trip this; it guards later edge additions.
	cyclic, err := reachesTx(tx, dependsOn, taskID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("%w: %d -> %d", ErrCyclicDependency, taskID, dependsOn)
	}

	_, err = tx.Exec(`
		INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		ON CONFLICT(task_id, depends_on_id) DO NOTHING`,
		taskID, dependsOn,
	)
	if err != nil {
		return fmt.Errorf("failed to add dependency %d -> %d: %w", taskID, dependsOn, err)
	}
	return nil
}

// reachesTx reports whether target is reachable from start by following
// depends-on edges. Iterative DFS; the graph is acyclic by construction so
// the visited set only guards against diamonds.
func reachesTx(tx *sql.Tx, start, target int64) (bool, error) {
	visited := map[int64]bool{start: true}
	stack := []int64{start}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true, nil
		}

		rows, err := tx.Query(
			"SELECT depends_on_id FROM task_dependencies WHERE task_id = ?", node)
		if err != nil {
			return false, fmt.Errorf("failed to walk dependencies of %d: %w", node, err)
		}
		var next []int64
		for rows.Next() {
			var dep int64
			if err := rows.Scan(&dep); err != nil {
				rows.Close()
				return false, err
			}
			next = append(next, dep)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, err
		}
		rows.Close()

		for _, dep := range next {
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false, nil
}

// dependenciesOf returns the ids this task depends on, sorted.
func (s *Store) dependenciesOf(taskID int64) ([]int64, error) {
	rows, err := s.db.Query(
		"SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependencies of %d: %w", taskID, err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListDependents returns the ids of tasks that depend on taskID. The engine
// uses it to wake blocked tasks when a dependency completes.
func (s *Store) ListDependents(taskID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT task_id FROM task_dependencies WHERE depends_on_id = ? ORDER BY task_id",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependents of %d: %w", taskID, err)
	}
	defer rows.Close()

	var dependents []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dependents = append(dependents, id)
	}
	return dependents, rows.Err()
}

// AllDependencyEdges returns every (task_id, depends_on_id) pair. Used by the
// resolver to rebuild its in-memory graph on startup.
func (s *Store) AllDependencyEdges() (map[int64][]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT task_id, depends_on_id FROM task_dependencies ORDER BY task_id, depends_on_id")
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[int64][]int64)
	for rows.Next() {
		var taskID, dependsOn int64
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return nil, err
		}
		edges[taskID] = append(edges[taskID], dependsOn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logging.StoreDebug("Loaded dependency edges for %d tasks", len(edges))
	return edges, nil
}
