// Versioned schema migrations for the task store. Each migration declares an
// up and a down step and is idempotent; SQLite forbids dropping columns, so
// column-adding migrations roll back by marking the columns unused.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	"mediaflow/internal/logging"
)

// Schema versions:
// v1: tasks, task_dependencies, task_logs
// v2: retry columns on tasks + retry_policies + retry_history + seeded policies
// v3: scheduling columns on tasks + task_schedules + task_instances
// v4: planner_results + artifact_path column with best-effort backfill
const CurrentSchemaVersion = 4

// migration is one versioned schema step.
type migration struct {
	version     int
	description string
	up          func(tx *sql.Tx) error
	down        func(tx *sql.Tx) error
}

var migrations = []migration{
	{1, "core task tables", migrateV1Up, migrateV1Down},
	{2, "retry policies and attempt history", migrateV2Up, migrateV2Down},
	{3, "cron schedules and template instances", migrateV3Up, migrateV3Down},
	{4, "planner results and artifact paths", migrateV4Up, migrateV4Down},
}

// MigrateUp brings the schema to CurrentSchemaVersion.
func (s *Store) MigrateUp() error {
	return s.migrateTo(CurrentSchemaVersion)
}

// MigrateDown rolls the schema back one version.
func (s *Store) MigrateDown() error {
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("schema already at version 0")
	}
	return s.migrateTo(current - 1)
}

// migrateTo applies up or down migrations until the schema reaches target.
func (s *Store) migrateTo(target int) error {
	timer := logging.StartTimer(logging.CategoryStore, "migrateTo")
	defer timer.Stop()

	if err := s.ensureVersionTable(); err != nil {
		return err
	}
	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	logging.Store("Schema at v%d, target v%d", current, target)

	for current < target {
		m := migrations[current] // migrations[i] has version i+1
		logging.Store("Applying migration v%d: %s", m.version, m.description)
		err := s.withTx(func(tx *sql.Tx) error {
			if err := m.up(tx); err != nil {
				return fmt.Errorf("migration v%d up failed: %w", m.version, err)
			}
			return recordVersion(tx, m.version, "up: "+m.description)
		})
		if err != nil {
			return err
		}
		current = m.version
	}

	for current > target {
		m := migrations[current-1]
		logging.Store("Rolling back migration v%d: %s", m.version, m.description)
		err := s.withTx(func(tx *sql.Tx) error {
			if err := m.down(tx); err != nil {
				return fmt.Errorf("migration v%d down failed: %w", m.version, err)
			}
			return recordVersion(tx, m.version-1, "down: "+m.description)
		})
		if err != nil {
			return err
		}
		current = m.version - 1
	}
	return nil
}

// SchemaVersion returns the current schema version (0 when uninitialized).
func (s *Store) SchemaVersion() (int, error) {
	if !s.tableExists("schema_versions") {
		return 0, nil
	}
	var version int
	err := s.db.QueryRow(
		"SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1",
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) ensureVersionTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			description TEXT,
			applied_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}
	return nil
}

func recordVersion(tx *sql.Tx, version int, description string) error {
	_, err := tx.Exec(
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		version, description,
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// Verify checks that the expected tables, columns, and seed rows exist for
// the current schema version. Returns a list of problems (empty = healthy).
func (s *Store) Verify() ([]string, error) {
	var problems []string

	version, err := s.SchemaVersion()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion {
		problems = append(problems, fmt.Sprintf("schema at v%d, expected v%d", version, CurrentSchemaVersion))
	}

	expected := map[string][]string{
		"tasks": {
			"id", "kind", "status", "parent_id", "template_id", "schedule_id",
			"is_template", "shell_command", "description", "tool", "args",
			"generator", "subtasks", "file_path", "url", "media_id", "style",
			"result_summary", "artifact_path", "error_message",
			"retry_count", "max_retries", "retry_policy_id", "next_retry_at",
			"last_retry_error", "created_at", "started_at", "finished_at",
		},
		"task_dependencies": {"task_id", "depends_on_id"},
		"task_logs":         {"task_id", "task_type", "status", "duration_ms", "retries", "error_reason", "created_at"},
		"retry_policies":    {"kind", "max_retries", "backoff_strategy", "base_delay_ms", "max_delay_ms", "multiplier", "retryable_errors", "non_retryable_errors", "enabled"},
		"retry_history":     {"task_id", "attempt_number", "attempted_at", "error_message", "error_type", "delay_ms", "success", "execution_time_ms"},
		"task_schedules":    {"template_task_id", "cron_expression", "timezone", "enabled", "max_instances", "overlap_policy", "next_run_at", "last_run_at", "execution_count"},
		"task_instances":    {"schedule_id", "task_id", "instance_token", "created_at"},
		"planner_results":   {"task_id", "goal", "model", "context_task_ids", "subtask_count", "raw_response", "created_at"},
	}
	for table, columns := range expected {
		if !s.tableExists(table) {
			problems = append(problems, fmt.Sprintf("missing table %s", table))
			continue
		}
		for _, col := range columns {
			if !s.columnExists(table, col) {
				problems = append(problems, fmt.Sprintf("missing column %s.%s", table, col))
			}
		}
	}

	// Seed policies must cover every kind.
	if s.tableExists("retry_policies") {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM retry_policies").Scan(&count); err == nil && count == 0 {
			problems = append(problems, "retry_policies table is empty (seed missing)")
		}
	}

	return problems, nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func (s *Store) tableExists(table string) bool {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&count)
	if err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}

func columnExistsTx(tx *sql.Tx, table, column string) bool {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func addColumnTx(tx *sql.Tx, table, column, def string) error {
	if columnExistsTx(tx, table, column) {
		logging.StoreDebug("Column already exists, skipping: %s.%s", table, column)
		return nil
	}
	_, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def))
	if err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// --- v1: core task tables ---

func migrateV1Up(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			parent_id INTEGER REFERENCES tasks(id) ON DELETE CASCADE,
			shell_command TEXT DEFAULT '',
			description TEXT DEFAULT '',
			tool TEXT DEFAULT '',
			args TEXT,
			generator TEXT DEFAULT '',
			subtasks TEXT,
			file_path TEXT DEFAULT '',
			url TEXT DEFAULT '',
			media_id TEXT DEFAULT '',
			style TEXT DEFAULT '',
			result_summary TEXT DEFAULT '',
			error_message TEXT DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,

		// Normalized dependency edges; indexed in both directions so ready
		// checks and dependent wake-ups are O(deg).
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on_id INTEGER NOT NULL REFERENCES tasks(id),
			PRIMARY KEY (task_id, depends_on_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on_id)`,

		`CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER DEFAULT 0,
			retries INTEGER DEFAULT 0,
			error_reason TEXT DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_type ON task_logs(task_type)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateV1Down(tx *sql.Tx) error {
	for _, table := range []string{"task_logs", "task_dependencies", "tasks"} {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return err
		}
	}
	return nil
}

// --- v2: retry columns, policies, history ---

func migrateV2Up(tx *sql.Tx) error {
	retryColumns := []struct{ name, def string }{
		{"retry_count", "INTEGER NOT NULL DEFAULT 0"},
		{"max_retries", "INTEGER NOT NULL DEFAULT -1"},
		{"retry_policy_id", "INTEGER"},
		{"next_retry_at", "TEXT"},
		{"last_retry_error", "TEXT DEFAULT ''"},
	}
	for _, col := range retryColumns {
		if err := addColumnTx(tx, "tasks", col.name, col.def); err != nil {
			return err
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS retry_policies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL UNIQUE,
			max_retries INTEGER NOT NULL DEFAULT 3,
			backoff_strategy TEXT NOT NULL DEFAULT 'exponential',
			base_delay_ms INTEGER NOT NULL DEFAULT 500,
			max_delay_ms INTEGER NOT NULL DEFAULT 60000,
			multiplier REAL NOT NULL DEFAULT 2.0,
			retryable_errors TEXT DEFAULT '[]',
			non_retryable_errors TEXT DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS retry_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			attempt_number INTEGER NOT NULL,
			attempted_at TEXT NOT NULL,
			error_message TEXT DEFAULT '',
			error_type TEXT DEFAULT '',
			delay_ms INTEGER DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			execution_time_ms INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retry_history_task ON retry_history(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_retry ON tasks(next_retry_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return seedRetryPolicies(tx)
}

func migrateV2Down(tx *sql.Tx) error {
	// SQLite forbids dropping columns; the retry columns on tasks stay in
	// place, marked unused by the version record.
	logging.Store("v2 down: retry columns on tasks retained (column drop unsupported)")
	for _, table := range []string{"retry_history", "retry_policies"} {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return err
		}
	}
	return nil
}

// --- v3: schedules and template instances ---

func migrateV3Up(tx *sql.Tx) error {
	scheduleColumns := []struct{ name, def string }{
		{"is_template", "INTEGER NOT NULL DEFAULT 0"},
		{"template_id", "INTEGER"},
		{"schedule_id", "INTEGER"},
	}
	for _, col := range scheduleColumns {
		if err := addColumnTx(tx, "tasks", col.name, col.def); err != nil {
			return err
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			template_task_id INTEGER NOT NULL REFERENCES tasks(id),
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			enabled INTEGER NOT NULL DEFAULT 1,
			max_instances INTEGER NOT NULL DEFAULT 1,
			overlap_policy TEXT NOT NULL DEFAULT 'skip',
			next_run_at TEXT NOT NULL,
			last_run_at TEXT,
			execution_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON task_schedules(next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON task_schedules(enabled)`,

		`CREATE TABLE IF NOT EXISTS task_instances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id INTEGER NOT NULL REFERENCES task_schedules(id),
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			instance_token TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_schedule ON task_instances(schedule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_task ON task_instances(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateV3Down(tx *sql.Tx) error {
	logging.Store("v3 down: scheduling columns on tasks retained (column drop unsupported)")
	for _, table := range []string{"task_instances", "task_schedules"} {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return err
		}
	}
	return nil
}

// --- v4: planner results and artifact paths ---

func migrateV4Up(tx *sql.Tx) error {
	if err := addColumnTx(tx, "tasks", "artifact_path", "TEXT DEFAULT ''"); err != nil {
		return err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS planner_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			goal TEXT NOT NULL,
			model TEXT DEFAULT '',
			context_task_ids TEXT DEFAULT '[]',
			subtask_count INTEGER NOT NULL DEFAULT 0,
			raw_response TEXT DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_planner_results_task ON planner_results(task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return backfillArtifactPaths(tx)
}

func migrateV4Down(tx *sql.Tx) error {
	logging.Store("v4 down: artifact_path column retained (column drop unsupported)")
	if _, err := tx.Exec("DROP TABLE IF EXISTS planner_results"); err != nil {
		return err
	}
	return nil
}

// backfillArtifactPaths derives artifact_path from result_summary values that
// look like absolute file paths. result_summary stays populated for
// compatibility with older readers.
func backfillArtifactPaths(tx *sql.Tx) error {
	rows, err := tx.Query(
		"SELECT id, result_summary FROM tasks WHERE result_summary != '' AND (artifact_path IS NULL OR artifact_path = '')",
	)
	if err != nil {
		return fmt.Errorf("failed to query tasks for artifact backfill: %w", err)
	}

	type rowUpdate struct {
		id   int64
		path string
	}
	var updates []rowUpdate
	for rows.Next() {
		var id int64
		var summary string
		if err := rows.Scan(&id, &summary); err != nil {
			continue
		}
		trimmed := strings.TrimSpace(summary)
		if looksLikePath(trimmed) {
			updates = append(updates, rowUpdate{id, trimmed})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating tasks for artifact backfill: %w", err)
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.Exec("UPDATE tasks SET artifact_path = ? WHERE id = ?", u.path, u.id); err != nil {
			return fmt.Errorf("failed to backfill artifact_path for task %d: %w", u.id, err)
		}
	}
	if len(updates) > 0 {
		logging.Store("Backfilled artifact_path for %d tasks", len(updates))
	}
	return nil
}

// looksLikePath is a best-effort heuristic: a single absolute path with no
// spaces and a file extension.
func looksLikePath(s string) bool {
	if s == "" || !strings.HasPrefix(s, "/") {
		return false
	}
	if strings.ContainsAny(s, " \n\t") {
		return false
	}
	base := s[strings.LastIndex(s, "/")+1:]
	return strings.Contains(base, ".")
}
