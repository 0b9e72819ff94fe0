package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mediaflow/internal/task"
)

func TestShellExecuteSuccess(t *testing.T) {
	dir := t.TempDir()
	e := &Shell{OutputsDir: dir}

	res, err := e.Execute(context.Background(), &task.Task{ID: 1, Kind: task.KindShell, ShellCommand: "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if !strings.Contains(res.ResultSummary, "hi") {
		t.Fatalf("ResultSummary = %q, want it to contain %q", res.ResultSummary, "hi")
	}

	data, err := os.ReadFile(filepath.Join(dir, "task_1.out"))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if !strings.Contains(string(data), "hi") {
		t.Fatalf("artifact = %q", data)
	}
	if res.OutputPath != filepath.Join(dir, "task_1.out") {
		t.Fatalf("OutputPath = %q", res.OutputPath)
	}
}

func TestShellExecuteFailure(t *testing.T) {
	e := &Shell{OutputsDir: t.TempDir()}

	res, err := e.Execute(context.Background(), &task.Task{ID: 2, Kind: task.KindShell, ShellCommand: "exit 3"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("exit 3 must fail")
	}
	if !strings.Contains(res.Error, "command failed") {
		t.Fatalf("Error = %q", res.Error)
	}
}

func TestShellExecuteEmptyCommand(t *testing.T) {
	e := &Shell{OutputsDir: t.TempDir()}

	res, _ := e.Execute(context.Background(), &task.Task{ID: 3, Kind: task.KindShell})
	if res.Success {
		t.Fatal("empty command must fail")
	}
}
