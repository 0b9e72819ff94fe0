// Package resolver maintains the in-memory dependency graph: which tasks a
// task waits on, and which tasks to wake when one completes. The store is the
// source of truth; the resolver is a derived view rebuilt on startup and kept
// in sync by the engine.
package resolver

import (
	"fmt"
	"sort"
	"sync"

	"mediaflow/internal/logging"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// Resolver answers readiness queries in O(deg) via an adjacency map
// (task -> unmet dependencies) and a reverse map (task -> dependents).
type Resolver struct {
	mu sync.RWMutex

	// waiting[t] is the set of incomplete dependencies of t.
	waiting map[int64]map[int64]bool

	// dependents[d] is the set of tasks blocked on d.
	dependents map[int64]map[int64]bool
}

// New returns an empty resolver.
func New() *Resolver {
	return &Resolver{
		waiting:    make(map[int64]map[int64]bool),
		dependents: make(map[int64]map[int64]bool),
	}
}

// Rebuild repopulates both maps from the store: every dependency edge of a
// non-terminal task whose dependency has not completed yet. Called once on
// engine startup, after stale-running recovery.
func Rebuild(s *store.Store) (*Resolver, error) {
	r := New()

	edges, err := s.AllDependencyEdges()
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild resolver: %w", err)
	}

	completed := make(map[int64]bool)
	for taskID, deps := range edges {
		for _, dep := range deps {
			done, ok := completed[dep]
			if !ok {
				t, err := s.GetTask(dep)
				if err != nil {
					return nil, fmt.Errorf("failed to load dependency %d: %w", dep, err)
				}
				done = t.Status == task.StatusCompleted
				completed[dep] = done
			}
			if !done {
				r.addEdge(taskID, dep)
			}
		}
	}

	logging.Loop("Resolver rebuilt: %d blocked tasks", len(r.waiting))
	return r, nil
}

// AddEdge records that taskID waits on dependsOn. Cycle safety is the store's
// concern (edges reach the resolver only after a successful insert).
func (r *Resolver) AddEdge(taskID, dependsOn int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addEdge(taskID, dependsOn)
}

func (r *Resolver) addEdge(taskID, dependsOn int64) {
	if r.waiting[taskID] == nil {
		r.waiting[taskID] = make(map[int64]bool)
	}
	r.waiting[taskID][dependsOn] = true

	if r.dependents[dependsOn] == nil {
		r.dependents[dependsOn] = make(map[int64]bool)
	}
	r.dependents[dependsOn][taskID] = true
}

// IsBlocked reports whether the task still has unmet dependencies.
func (r *Resolver) IsBlocked(taskID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.waiting[taskID]) > 0
}

// UnmetDependencies returns the ids the task is still waiting on, sorted.
func (r *Resolver) UnmetDependencies(taskID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	deps := make([]int64, 0, len(r.waiting[taskID]))
	for dep := range r.waiting[taskID] {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	return deps
}

// MarkCompleted removes the completed task from every dependent's waiting set
// and returns the ids whose remaining count dropped to zero, sorted. Those are
// the tasks the engine should consider on its next poll.
func (r *Resolver) MarkCompleted(taskID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var unblocked []int64
	for dependent := range r.dependents[taskID] {
		delete(r.waiting[dependent], taskID)
		if len(r.waiting[dependent]) == 0 {
			delete(r.waiting, dependent)
			unblocked = append(unblocked, dependent)
		}
	}
	delete(r.dependents, taskID)

	sort.Slice(unblocked, func(i, j int) bool { return unblocked[i] < unblocked[j] })
	if len(unblocked) > 0 {
		logging.LoopDebug("Task %d completion unblocked %v", taskID, unblocked)
	}
	return unblocked
}

// Forget drops a task from both maps without unblocking its dependents. Used
// when a task is cancelled or errors terminally: spec'd behavior is that its
// dependents stay blocked for an operator to handle.
func (r *Resolver) Forget(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for dep := range r.waiting[taskID] {
		delete(r.dependents[dep], taskID)
	}
	delete(r.waiting, taskID)
}

// BlockedCount returns the number of tasks with unmet dependencies.
func (r *Resolver) BlockedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.waiting)
}
