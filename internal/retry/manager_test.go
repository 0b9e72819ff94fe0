package retry

import (
	"errors"
	"testing"
	"time"

	"mediaflow/internal/task"
)

type fakeSource struct {
	policies map[task.Kind]*task.RetryPolicy
	calls    int
	err      error
}

func (f *fakeSource) GetPolicyByKind(kind task.Kind) (*task.RetryPolicy, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.policies[kind], nil
}

func newTestManager(src *fakeSource) *Manager {
	m := NewManager(src)
	m.randFn = func() float64 { return 0.5 } // zero jitter
	return m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		errMsg     string
		retryable  bool
		errorType  string
		confidence float64
	}{
		{"timeout", "connection timeout after 30s", true, "timeout", 0.7},
		{"network", "dns lookup failed", true, "network", 0.7},
		{"rate limit", "429 too many requests", true, "rate_limit", 0.7},
		{"server error", "internal server error", true, "server_error", 0.7},
		{"syntax", "syntax error near X", false, "syntax", 0.7},
		{"permission", "permission denied", false, "permission", 0.7},
		{"not found", "task binary not found", false, "not_found", 0.7},
		{"unknown", "something odd happened", false, "unknown", 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := classify(tt.errMsg, "", nil, nil)
			if cls.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", cls.Retryable, tt.retryable)
			}
			if cls.ErrorType != tt.errorType {
				t.Errorf("ErrorType = %q, want %q", cls.ErrorType, tt.errorType)
			}
			if cls.Confidence != tt.confidence {
				t.Errorf("Confidence = %v, want %v", cls.Confidence, tt.confidence)
			}
		})
	}
}

func TestClassifyPolicyPatternsWin(t *testing.T) {
	// Policy patterns beat heuristics at confidence 0.9.
	cls := classify("model is loading", "", []string{"model is loading"}, nil)
	if !cls.Retryable || cls.Confidence != 0.9 {
		t.Fatalf("policy retryable pattern not honored: %+v", cls)
	}

	cls = classify("connection timeout", "", nil, []string{"timeout"})
	if cls.Retryable || cls.Confidence != 0.9 {
		t.Fatalf("policy non-retryable pattern must override heuristics: %+v", cls)
	}
}

func TestShouldRetryMaxRetriesExceeded(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 2, BackoffStrategy: task.BackoffFixed, BaseDelayMs: 10, MaxDelayMs: 10, Multiplier: 1, Enabled: true},
	}}
	m := newTestManager(src)

	d := m.ShouldRetry(&task.Task{ID: 1, Kind: task.KindShell, RetryCount: 2, MaxRetries: -1}, "connection timeout", "")
	if d.ShouldRetry {
		t.Fatal("expected refusal at retry budget")
	}
	if d.Reason != "Maximum retries exceeded" {
		t.Fatalf("Reason = %q", d.Reason)
	}
}

func TestShouldRetryZeroBudgetFailsImmediately(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 0, BackoffStrategy: task.BackoffFixed, BaseDelayMs: 10, Enabled: true},
	}}
	m := newTestManager(src)

	d := m.ShouldRetry(&task.Task{ID: 1, Kind: task.KindShell, MaxRetries: -1}, "connection timeout", "")
	if d.ShouldRetry {
		t.Fatal("max_retries=0 must refuse the first retry")
	}
}

func TestShouldRetryPerTaskZeroOverridesPolicy(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 3, BackoffStrategy: task.BackoffFixed, BaseDelayMs: 10, Enabled: true},
	}}
	m := newTestManager(src)

	// An explicit per-task budget of zero beats a permissive policy.
	d := m.ShouldRetry(&task.Task{ID: 1, Kind: task.KindShell, MaxRetries: 0}, "connection timeout", "")
	if d.ShouldRetry {
		t.Fatal("explicit max_retries=0 on the task must refuse retries")
	}
	if d.Reason != "Maximum retries exceeded" {
		t.Fatalf("Reason = %q", d.Reason)
	}
}

func TestShouldRetryNonRetryableError(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 3, BackoffStrategy: task.BackoffFixed, BaseDelayMs: 10, Enabled: true},
	}}
	m := newTestManager(src)

	d := m.ShouldRetry(&task.Task{ID: 1, Kind: task.KindShell, MaxRetries: -1}, "syntax error near X", "")
	if d.ShouldRetry {
		t.Fatal("syntax errors must not retry")
	}
	if d.ErrorType != "syntax" {
		t.Fatalf("ErrorType = %q", d.ErrorType)
	}
}

func TestShouldRetryTransient(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 2, BackoffStrategy: task.BackoffExponential, BaseDelayMs: 10, MaxDelayMs: 30000, Multiplier: 2, Enabled: true},
	}}
	m := newTestManager(src)

	d := m.ShouldRetry(&task.Task{ID: 1, Kind: task.KindShell, RetryCount: 0, MaxRetries: -1}, "connection timeout", "")
	if !d.ShouldRetry {
		t.Fatalf("expected retry, got refusal: %s", d.Reason)
	}
	if d.NextAttempt != 1 {
		t.Fatalf("NextAttempt = %d, want 1", d.NextAttempt)
	}
	if d.DelayMs != 10 {
		t.Fatalf("DelayMs = %d, want 10 (attempt 1, no jitter)", d.DelayMs)
	}
}

func TestComputeDelayStrategies(t *testing.T) {
	m := newTestManager(&fakeSource{})

	exp := &task.RetryPolicy{BackoffStrategy: task.BackoffExponential, BaseDelayMs: 100, MaxDelayMs: 100000, Multiplier: 2}
	for attempt, want := range map[int]int64{1: 100, 2: 200, 3: 400, 4: 800} {
		if got := m.computeDelay(exp, attempt); got != want {
			t.Errorf("exponential attempt %d = %d, want %d", attempt, got, want)
		}
	}

	lin := &task.RetryPolicy{BackoffStrategy: task.BackoffLinear, BaseDelayMs: 100, MaxDelayMs: 100000, Multiplier: 1}
	for attempt, want := range map[int]int64{1: 100, 2: 200, 3: 300} {
		if got := m.computeDelay(lin, attempt); got != want {
			t.Errorf("linear attempt %d = %d, want %d", attempt, got, want)
		}
	}

	fixed := &task.RetryPolicy{BackoffStrategy: task.BackoffFixed, BaseDelayMs: 100, MaxDelayMs: 100000, Multiplier: 2}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := m.computeDelay(fixed, attempt); got != 100 {
			t.Errorf("fixed attempt %d = %d, want 100", attempt, got)
		}
	}
}

func TestComputeDelayJitterBoundsAndClamp(t *testing.T) {
	m := NewManager(&fakeSource{})
	p := &task.RetryPolicy{BackoffStrategy: task.BackoffExponential, BaseDelayMs: 1000, MaxDelayMs: 3000, Multiplier: 2}

	for i := 0; i < 100; i++ {
		d := m.computeDelay(p, 2) // nominal 2000ms
		if d < 1800 || d > 2200 {
			t.Fatalf("attempt 2 delay %d outside ±10%% jitter band", d)
		}
	}
	for i := 0; i < 100; i++ {
		if d := m.computeDelay(p, 4); d > 3000 { // nominal 8000ms, clamped
			t.Fatalf("delay %d exceeds max_delay_ms", d)
		}
	}
}

func TestPolicyCacheTTL(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 1, BackoffStrategy: task.BackoffFixed, BaseDelayMs: 10, Enabled: true},
	}}
	m := newTestManager(src)

	now := time.Now()
	m.nowFn = func() time.Time { return now }

	m.PolicyFor(task.KindShell)
	m.PolicyFor(task.KindShell)
	if src.calls != 1 {
		t.Fatalf("expected 1 store hit within TTL, got %d", src.calls)
	}

	now = now.Add(cacheTTL + time.Second)
	m.PolicyFor(task.KindShell)
	if src.calls != 2 {
		t.Fatalf("expected refetch after TTL, got %d calls", src.calls)
	}
}

func TestPolicyForFallsBackToDefault(t *testing.T) {
	m := newTestManager(&fakeSource{}) // no policies configured

	p := m.PolicyFor(task.KindMediaTag)
	if p.MaxRetries != 3 || p.BackoffStrategy != task.BackoffExponential {
		t.Fatalf("unexpected default policy: %+v", p)
	}
}

func TestPolicyForStoreErrorUsesStale(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 7, BackoffStrategy: task.BackoffFixed, BaseDelayMs: 10, Enabled: true},
	}}
	m := newTestManager(src)

	now := time.Now()
	m.nowFn = func() time.Time { return now }
	m.PolicyFor(task.KindShell)

	now = now.Add(cacheTTL + time.Second)
	src.err = errors.New("disk i/o error")
	p := m.PolicyFor(task.KindShell)
	if p.MaxRetries != 7 {
		t.Fatalf("expected stale cached policy on store error, got %+v", p)
	}
}
