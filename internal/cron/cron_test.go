package cron

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Expression {
	t.Helper()
	e, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", expr, err)
	}
	return e
}

func TestParse_Valid(t *testing.T) {
	valid := []string{
		"* * * * *",
		"0 0 * * *",
		"*/5 * * * *",
		"0,30 9-17 * * 1-5",
		"15 3 1 1 *",
		"0 12 * * 0",
		"5/15 * * * *",
		"0 0 29 2 *",
	}
	for _, expr := range valid {
		if _, err := Parse(expr); err != nil {
			t.Errorf("Parse(%q) failed: %v", expr, err)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"@daily",
		"@hourly",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"1-60 * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
		",, * * * *",
	}
	for _, expr := range invalid {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) should have failed", expr)
		}
	}
}

func TestNext_EveryMinute(t *testing.T) {
	e := mustParse(t, "* * * * *")
	from := time.Date(2026, 8, 24, 10, 30, 45, 0, time.UTC)

	next, ok := e.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next time")
	}
	want := time.Date(2026, 8, 24, 10, 31, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNext_StrictlyAfter(t *testing.T) {
	// When from lands exactly on a matching minute, Next must move past it.
	e := mustParse(t, "30 10 * * *")
	from := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	next, ok := e.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next time")
	}
	want := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNext_Fields(t *testing.T) {
	from := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC) // a Monday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 0 * * *", time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 8, 24, 10, 45, 0, 0, time.UTC)},
		{"0 12 * * 0", time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}, // next Sunday
		{"0 9 1 * *", time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)},
		{"0 0 * 1 *", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"45 10 24 8 *", time.Date(2026, 8, 24, 10, 45, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		e := mustParse(t, tt.expr)
		next, ok := e.Next(from, time.UTC)
		if !ok {
			t.Errorf("Next(%q) returned not ok", tt.expr)
			continue
		}
		if !next.Equal(tt.want) {
			t.Errorf("Next(%q) = %v, want %v", tt.expr, next, tt.want)
		}
	}
}

func TestNext_DomDowEitherMatches(t *testing.T) {
	// Standard cron: with both dom and dow restricted, either may match.
	e := mustParse(t, "0 0 15 * 1")
	from := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC) // Monday Aug 10, after midnight

	next, ok := e.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next time")
	}
	// Next Monday (Aug 17) comes before the 15th? Aug 15 2026 is a Saturday,
	// so the dom leg matches first.
	want := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNext_Unsatisfiable(t *testing.T) {
	e := mustParse(t, "0 0 31 2 *")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := e.Next(from, time.UTC); ok {
		t.Error("Feb 31 should be unsatisfiable")
	}
}

func TestNext_LeapDay(t *testing.T) {
	e := mustParse(t, "0 0 29 2 *")
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	next, ok := e.Next(from, time.UTC)
	if !ok {
		t.Fatal("expected a next time for Feb 29")
	}
	want := time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNext_MonotonicSequence(t *testing.T) {
	// Invariant: Next is strictly greater than its input, and repeated
	// application yields a strictly increasing sequence.
	exprs := []string{"* * * * *", "*/7 2,14 * * *", "30 6 * * 1-5", "0 0 1 */3 *"}
	for _, expr := range exprs {
		e := mustParse(t, expr)
		t0 := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
		prev := t0
		for i := 0; i < 50; i++ {
			next, ok := e.Next(prev, time.UTC)
			if !ok {
				t.Fatalf("Next(%q) not ok at iteration %d", expr, i)
			}
			if !next.After(prev) {
				t.Fatalf("Next(%q) = %v not after %v", expr, next, prev)
			}
			if !e.Matches(next) {
				t.Fatalf("Next(%q) = %v does not match its own expression", expr, next)
			}
			prev = next
		}
	}
}

func TestNext_Deterministic(t *testing.T) {
	e := mustParse(t, "*/11 */3 * * *")
	from := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	a, okA := e.Next(from, time.UTC)
	b, okB := e.Next(from, time.UTC)
	if okA != okB || !a.Equal(b) {
		t.Errorf("Next not deterministic: %v/%v vs %v/%v", a, okA, b, okB)
	}
}

func TestNextExecution_Timezone(t *testing.T) {
	// 09:00 in New York is 13:00/14:00 UTC depending on DST.
	from := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	next, ok, err := NextExecution("0 9 * * *", from, "America/New_York")
	if err != nil {
		t.Fatalf("NextExecution failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a next time")
	}
	loc, _ := time.LoadLocation("America/New_York")
	if next.In(loc).Hour() != 9 {
		t.Errorf("next in New York = %v, want hour 9", next.In(loc))
	}
}

func TestNextExecution_BadTimezone(t *testing.T) {
	from := time.Now()
	if _, _, err := NextExecution("* * * * *", from, "Not/AZone"); err == nil {
		t.Error("expected error for invalid timezone")
	}
}
