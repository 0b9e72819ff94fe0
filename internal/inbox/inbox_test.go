package inbox

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

func testWatcher(t *testing.T) (*Watcher, *store.Store, string, string, string) {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := t.TempDir()
	incoming := filepath.Join(base, "incoming")
	processed := filepath.Join(base, "processing")
	rejected := filepath.Join(base, "error")
	for _, dir := range []string{incoming, processed, rejected} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return New(s, nil, incoming, processed, rejected, 0), s, incoming, processed, rejected
}

func drop(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("drop %s: %v", name, err)
	}
	return path
}

func TestSweepAcceptsSingleDraft(t *testing.T) {
	w, s, incoming, processed, _ := testWatcher(t)
	drop(t, incoming, "job.json", `{"kind": "shell", "shell_command": "echo hi"}`)

	if n := w.Sweep(); n != 1 {
		t.Fatalf("submitted = %d, want 1", n)
	}

	pending, err := s.ListTasksByStatus(task.StatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v %v", pending, err)
	}
	if pending[0].Kind != task.KindShell || pending[0].ShellCommand != "echo hi" {
		t.Fatalf("task = %+v", pending[0])
	}

	if _, err := os.Stat(filepath.Join(processed, "job.json")); err != nil {
		t.Fatalf("accepted file not in processing/: %v", err)
	}
	if _, err := os.Stat(filepath.Join(incoming, "job.json")); !os.IsNotExist(err) {
		t.Fatal("accepted file still in incoming/")
	}
}

func TestSweepAcceptsDraftArray(t *testing.T) {
	w, s, incoming, _, _ := testWatcher(t)
	drop(t, incoming, "batch.json", `[
		{"kind": "shell", "shell_command": "echo a"},
		{"kind": "llm", "description": "summarize"}
	]`)

	if n := w.Sweep(); n != 2 {
		t.Fatalf("submitted = %d, want 2", n)
	}
	pending, _ := s.ListTasksByStatus(task.StatusPending)
	if len(pending) != 2 {
		t.Fatalf("pending = %d", len(pending))
	}
}

func TestSweepRejectsMalformedJSON(t *testing.T) {
	w, s, incoming, _, rejected := testWatcher(t)
	drop(t, incoming, "bad.json", `{"kind": "shell",`)

	if n := w.Sweep(); n != 0 {
		t.Fatalf("submitted = %d, want 0", n)
	}
	pending, _ := s.ListTasksByStatus(task.StatusPending)
	if len(pending) != 0 {
		t.Fatal("malformed file must not create tasks")
	}

	if _, err := os.Stat(filepath.Join(rejected, "bad.json")); err != nil {
		t.Fatalf("rejected file not in error/: %v", err)
	}
	reason, err := os.ReadFile(filepath.Join(rejected, "bad.json.reason"))
	if err != nil || len(reason) == 0 {
		t.Fatalf("reject reason sidecar: %q %v", reason, err)
	}
}

func TestSweepRejectsUnknownKind(t *testing.T) {
	w, _, incoming, _, rejected := testWatcher(t)
	drop(t, incoming, "weird.json", `{"kind": "teleport"}`)

	if n := w.Sweep(); n != 0 {
		t.Fatalf("submitted = %d", n)
	}
	if _, err := os.Stat(filepath.Join(rejected, "weird.json")); err != nil {
		t.Fatalf("rejected file not in error/: %v", err)
	}
}

func TestSweepIgnoresNonJSON(t *testing.T) {
	w, s, incoming, _, rejected := testWatcher(t)
	drop(t, incoming, "notes.txt", "not a task")

	if n := w.Sweep(); n != 0 {
		t.Fatalf("submitted = %d", n)
	}
	if _, err := os.Stat(filepath.Join(incoming, "notes.txt")); err != nil {
		t.Fatal("non-json files must stay put")
	}
	if _, err := os.Stat(filepath.Join(rejected, "notes.txt")); !os.IsNotExist(err) {
		t.Fatal("non-json files must not be rejected")
	}
	pending, _ := s.ListTasksByStatus(task.StatusPending)
	if len(pending) != 0 {
		t.Fatal("no tasks expected")
	}
}

func TestSweepAcceptsDependencies(t *testing.T) {
	w, s, incoming, _, _ := testWatcher(t)

	first, err := s.InsertTask(&task.Draft{Kind: task.KindShell, ShellCommand: "echo base"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	drop(t, incoming, "dep.json",
		`{"kind": "review", "description": "check", "depends_on": [`+strconv.FormatInt(first.ID, 10)+`]}`)

	if n := w.Sweep(); n != 1 {
		t.Fatalf("submitted = %d", n)
	}
	pending, _ := s.ListTasksByStatus(task.StatusPending)
	for _, tk := range pending {
		if tk.Kind != task.KindReview {
			continue
		}
		got, _ := s.GetTask(tk.ID)
		if len(got.Dependencies) != 1 || got.Dependencies[0] != first.ID {
			t.Fatalf("deps = %v", got.Dependencies)
		}
		return
	}
	t.Fatal("review task not found")
}
