package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// seedRetryPolicies inserts the built-in per-kind retry policies. Idempotent:
// existing rows are left untouched so operator edits survive re-migration.
func seedRetryPolicies(tx *sql.Tx) error {
	type seed struct {
		kind       task.Kind
		maxRetries int
		strategy   task.BackoffStrategy
		baseMs     int64
		maxMs      int64
		multiplier float64
		retryable  []string
	}

	seeds := []seed{
		{task.KindShell, 2, task.BackoffExponential, 1000, 30000, 2.0, nil},
		{task.KindLLM, 3, task.BackoffExponential, 2000, 120000, 2.0, []string{"model is loading", "overloaded"}},
		{task.KindPlanner, 2, task.BackoffExponential, 2000, 120000, 2.0, nil},
		{task.KindCode, 2, task.BackoffExponential, 2000, 60000, 2.0, nil},
		{task.KindReview, 2, task.BackoffExponential, 2000, 60000, 2.0, nil},
		{task.KindRunCode, 1, task.BackoffFixed, 1000, 1000, 1.0, nil},
		{task.KindBatch, 1, task.BackoffFixed, 500, 500, 1.0, nil},
		{task.KindTool, 2, task.BackoffLinear, 1000, 30000, 1.0, nil},
		{task.KindYoutube, 3, task.BackoffExponential, 5000, 300000, 2.0, []string{"http error 429", "fragment"}},
		{task.KindMediaDownload, 3, task.BackoffExponential, 5000, 300000, 2.0, []string{"http error 429", "fragment"}},
		{task.KindMediaIngest, 2, task.BackoffLinear, 1000, 30000, 1.0, nil},
		{task.KindMediaOrganize, 2, task.BackoffLinear, 1000, 30000, 1.0, nil},
		{task.KindMediaTranscribe, 2, task.BackoffExponential, 5000, 300000, 2.0, nil},
		{task.KindMediaTag, 2, task.BackoffExponential, 2000, 60000, 2.0, nil},
		{task.KindIndexMeili, 3, task.BackoffExponential, 1000, 60000, 2.0, []string{"index_not_found"}},
		{task.KindIndexChroma, 3, task.BackoffExponential, 1000, 60000, 2.0, nil},
		{task.KindMediaSummarize, 2, task.BackoffExponential, 2000, 120000, 2.0, nil},
		{task.KindMediaRecommend, 2, task.BackoffExponential, 2000, 60000, 2.0, nil},
		{task.KindVideoSceneDetect, 1, task.BackoffFixed, 5000, 5000, 1.0, nil},
		{task.KindVideoObjectDetect, 1, task.BackoffFixed, 5000, 5000, 1.0, nil},
		{task.KindAudioAnalyze, 1, task.BackoffFixed, 5000, 5000, 1.0, nil},
	}

	now := fmtTime(time.Now())
	for _, sd := range seeds {
		retryable, _ := json.Marshal(sd.retryable)
		if sd.retryable == nil {
			retryable = []byte("[]")
		}
		_, err := tx.Exec(`
			INSERT INTO retry_policies
				(kind, max_retries, backoff_strategy, base_delay_ms, max_delay_ms,
				 multiplier, retryable_errors, non_retryable_errors, enabled, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '[]', 1, ?)
			ON CONFLICT(kind) DO NOTHING`,
			string(sd.kind), sd.maxRetries, string(sd.strategy), sd.baseMs, sd.maxMs,
			sd.multiplier, string(retryable), now,
		)
		if err != nil {
			return fmt.Errorf("failed to seed policy for %s: %w", sd.kind, err)
		}
	}
	logging.Store("Seeded %d retry policies", len(seeds))
	return nil
}

// UpsertPolicy creates or replaces the retry policy for a kind.
func (s *Store) UpsertPolicy(p *task.RetryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	retryable, err := json.Marshal(p.RetryableErrors)
	if err != nil {
		return fmt.Errorf("failed to encode retryable errors: %w", err)
	}
	nonRetryable, err := json.Marshal(p.NonRetryableErrors)
	if err != nil {
		return fmt.Errorf("failed to encode non-retryable errors: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO retry_policies
			(kind, max_retries, backoff_strategy, base_delay_ms, max_delay_ms,
			 multiplier, retryable_errors, non_retryable_errors, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			max_retries = excluded.max_retries,
			backoff_strategy = excluded.backoff_strategy,
			base_delay_ms = excluded.base_delay_ms,
			max_delay_ms = excluded.max_delay_ms,
			multiplier = excluded.multiplier,
			retryable_errors = excluded.retryable_errors,
			non_retryable_errors = excluded.non_retryable_errors,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		string(p.Kind), p.MaxRetries, string(p.BackoffStrategy), p.BaseDelayMs,
		p.MaxDelayMs, p.Multiplier, string(retryable), string(nonRetryable),
		boolToInt(p.Enabled), fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy for %s: %w", p.Kind, err)
	}
	p.UpdatedAt = now
	logging.Store("Upserted retry policy for kind %s (max_retries=%d, strategy=%s)",
		p.Kind, p.MaxRetries, p.BackoffStrategy)
	return nil
}

// GetPolicyByKind returns the retry policy for a kind, or nil when none is
// configured.
func (s *Store) GetPolicyByKind(kind task.Kind) (*task.RetryPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, kind, max_retries, backoff_strategy, base_delay_ms,
		       max_delay_ms, multiplier, retryable_errors, non_retryable_errors,
		       enabled, updated_at
		FROM retry_policies WHERE kind = ?`, string(kind))
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy for %s: %w", kind, err)
	}
	return p, nil
}

// ListPolicies returns all retry policies ordered by kind.
func (s *Store) ListPolicies() ([]*task.RetryPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, max_retries, backoff_strategy, base_delay_ms,
		       max_delay_ms, multiplier, retryable_errors, non_retryable_errors,
		       enabled, updated_at
		FROM retry_policies ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*task.RetryPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*task.RetryPolicy, error) {
	var p task.RetryPolicy
	var kind, strategy, retryable, nonRetryable, updatedAt string
	var enabled int
	err := row.Scan(&p.ID, &kind, &p.MaxRetries, &strategy, &p.BaseDelayMs,
		&p.MaxDelayMs, &p.Multiplier, &retryable, &nonRetryable, &enabled, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Kind = task.Kind(kind)
	p.BackoffStrategy = task.BackoffStrategy(strategy)
	p.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(retryable), &p.RetryableErrors); err != nil {
		logging.StoreDebug("Unparseable retryable_errors for %s: %v", kind, err)
	}
	if err := json.Unmarshal([]byte(nonRetryable), &p.NonRetryableErrors); err != nil {
		logging.StoreDebug("Unparseable non_retryable_errors for %s: %v", kind, err)
	}
	if t, err := parseTime(updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
