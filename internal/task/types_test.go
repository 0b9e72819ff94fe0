package task

import "testing"

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusError, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestKindIsValid(t *testing.T) {
	for _, k := range AllKinds {
		if !k.IsValid() {
			t.Errorf("kind %q should be valid", k)
		}
	}
	if Kind("frobnicate").IsValid() {
		t.Error("unknown kind should be invalid")
	}
	if Kind("").IsValid() {
		t.Error("empty kind should be invalid")
	}
}

func TestAllKindsCount(t *testing.T) {
	// The kind set is closed; the dispatcher registry and the seeded retry
	// policies both iterate it.
	if len(AllKinds) != 21 {
		t.Errorf("AllKinds has %d entries, want 21", len(AllKinds))
	}
	seen := make(map[Kind]bool)
	for _, k := range AllKinds {
		if seen[k] {
			t.Errorf("duplicate kind %q", k)
		}
		seen[k] = true
	}
}
