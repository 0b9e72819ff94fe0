// Package retry decides whether a failed task runs again and when. Policies
// are per task kind, cached with a short TTL so admin edits take effect
// without a restart.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// cacheTTL bounds how stale a cached policy may be.
const cacheTTL = 60 * time.Second

// jitterFraction is the symmetric jitter applied to computed delays.
const jitterFraction = 0.10

// PolicySource is the slice of the store the manager needs.
type PolicySource interface {
	GetPolicyByKind(kind task.Kind) (*task.RetryPolicy, error)
}

// Decision is the manager's answer for one failed attempt.
type Decision struct {
	ShouldRetry bool
	DelayMs     int64
	Reason      string
	NextAttempt int
	ErrorType   string
}

// Manager owns the policy cache and the retry decision logic.
type Manager struct {
	source PolicySource

	mu     sync.RWMutex
	cache  map[task.Kind]cachedPolicy
	nowFn  func() time.Time
	randFn func() float64
}

type cachedPolicy struct {
	policy *task.RetryPolicy // nil means "no policy configured"
	loaded time.Time
}

// NewManager builds a retry manager reading policies from source.
func NewManager(source PolicySource) *Manager {
	return &Manager{
		source: source,
		cache:  make(map[task.Kind]cachedPolicy),
		nowFn:  time.Now,
		randFn: rand.Float64,
	}
}

// defaultPolicy is used when a kind has no configured row.
func defaultPolicy(kind task.Kind) *task.RetryPolicy {
	return &task.RetryPolicy{
		Kind:            kind,
		MaxRetries:      3,
		BackoffStrategy: task.BackoffExponential,
		BaseDelayMs:     500,
		MaxDelayMs:      60000,
		Multiplier:      2.0,
		Enabled:         true,
	}
}

// PolicyFor returns the effective policy for a kind: the cached row when
// fresh, a refetch when stale, and the built-in default when none exists.
func (m *Manager) PolicyFor(kind task.Kind) *task.RetryPolicy {
	m.mu.RLock()
	entry, ok := m.cache[kind]
	m.mu.RUnlock()

	if !ok || m.nowFn().Sub(entry.loaded) > cacheTTL {
		p, err := m.source.GetPolicyByKind(kind)
		if err != nil {
			logging.Get(logging.CategoryRetry).Warn("Policy lookup for %s failed, using default: %v", kind, err)
			if ok {
				p = entry.policy // stale beats default when the store errors
			}
		} else {
			m.mu.Lock()
			m.cache[kind] = cachedPolicy{policy: p, loaded: m.nowFn()}
			m.mu.Unlock()
		}
		entry = cachedPolicy{policy: p}
	}

	if entry.policy == nil {
		return defaultPolicy(kind)
	}
	return entry.policy
}

// Invalidate drops the cached policy for a kind. Called after admin updates.
func (m *Manager) Invalidate(kind task.Kind) {
	m.mu.Lock()
	delete(m.cache, kind)
	m.mu.Unlock()
}

// ShouldRetry decides whether the failed task gets another attempt.
// currentAttempt counts completed attempts, so the first failure arrives with
// currentAttempt == retry_count == 0... +1 gives the attempt being judged.
func (m *Manager) ShouldRetry(t *task.Task, execErr string, errType string) Decision {
	policy := m.PolicyFor(t.Kind)

	maxRetries := policy.MaxRetries
	if t.MaxRetries >= 0 {
		// An explicit per-task budget overrides the policy, zero included:
		// max_retries 0 on the task means fail hard on the first error.
		maxRetries = t.MaxRetries
	}

	if !policy.Enabled {
		return Decision{ShouldRetry: false, Reason: "Retry policy disabled", ErrorType: errType}
	}
	if t.RetryCount >= maxRetries {
		logging.Retry("Task %d: maximum retries exceeded (%d/%d)", t.ID, t.RetryCount, maxRetries)
		return Decision{ShouldRetry: false, Reason: "Maximum retries exceeded", ErrorType: errType}
	}

	cls := classify(execErr, errType, policy.RetryableErrors, policy.NonRetryableErrors)
	if !cls.Retryable {
		reason := "Non-retryable error: " + cls.ErrorType
		if cls.Confidence < minConfidence {
			reason = "Unclassified error (confidence too low)"
		}
		logging.Retry("Task %d: refusing retry, %s (confidence %.1f)", t.ID, cls.ErrorType, cls.Confidence)
		return Decision{ShouldRetry: false, Reason: reason, ErrorType: cls.ErrorType}
	}

	nextAttempt := t.RetryCount + 1
	delay := m.computeDelay(policy, nextAttempt)
	logging.Retry("Task %d: retry %d/%d in %dms (%s, %s)",
		t.ID, nextAttempt, maxRetries, delay, policy.BackoffStrategy, cls.ErrorType)

	return Decision{
		ShouldRetry: true,
		DelayMs:     delay,
		Reason:      "Retryable error: " + cls.ErrorType,
		NextAttempt: nextAttempt,
		ErrorType:   cls.ErrorType,
	}
}

// computeDelay applies the policy's backoff strategy for the given attempt
// (1-based), then symmetric jitter, then the [0, max_delay_ms] clamp.
func (m *Manager) computeDelay(p *task.RetryPolicy, attempt int) int64 {
	base := float64(p.BaseDelayMs)
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}

	var delay float64
	switch p.BackoffStrategy {
	case task.BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= multiplier
		}
	case task.BackoffLinear:
		delay = base * float64(attempt) * multiplier
	case task.BackoffFixed:
		delay = base
	default:
		delay = base
	}

	// jitter in [-10%, +10%]
	jitter := (m.randFn()*2 - 1) * jitterFraction
	delay *= 1 + jitter

	if delay < 0 {
		delay = 0
	}
	if p.MaxDelayMs > 0 && delay > float64(p.MaxDelayMs) {
		delay = float64(p.MaxDelayMs)
	}
	return int64(delay)
}
