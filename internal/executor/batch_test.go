package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

func TestBatchStaticExpansion(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	subtasks, _ := json.Marshal([]task.Draft{
		{Kind: task.KindShell, ShellCommand: "echo a"},
		{Kind: task.KindShell, ShellCommand: "echo b"},
	})
	batch, _ := s.InsertTask(&task.Draft{Kind: task.KindBatch, Subtasks: subtasks})
	s.ClaimTask(batch.ID, batch.CreatedAt)

	res, err := NewBatch(s).Execute(context.Background(), batch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || len(res.SubtaskIDs) != 2 {
		t.Fatalf("result = %+v", res)
	}

	for _, id := range res.SubtaskIDs {
		sub, err := s.GetTask(id)
		if err != nil {
			t.Fatalf("load subtask: %v", err)
		}
		if sub.ParentID == nil || *sub.ParentID != batch.ID {
			t.Fatalf("subtask parent = %v", sub.ParentID)
		}
	}
}

func TestBatchFolderRenameGenerator(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	dir := t.TempDir()
	for _, name := range []string{"b.mp4", "a.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	args, _ := json.Marshal(map[string]string{"directory": dir})
	batch, _ := s.InsertTask(&task.Draft{Kind: task.KindBatch, Generator: "folder_rename", Args: args})
	s.ClaimTask(batch.ID, batch.CreatedAt)

	res, _ := NewBatch(s).Execute(context.Background(), batch)
	if !res.Success || len(res.SubtaskIDs) != 2 {
		t.Fatalf("result = %+v", res)
	}

	// Entries are enumerated in name order, so a.mp4 gets index 001.
	first, _ := s.GetTask(res.SubtaskIDs[0])
	if first.Tool != "move_file" {
		t.Fatalf("Tool = %q", first.Tool)
	}
	var moveArgs map[string]string
	if err := json.Unmarshal(first.Args, &moveArgs); err != nil {
		t.Fatalf("args: %v", err)
	}
	if moveArgs["source"] != filepath.Join(dir, "a.mp4") {
		t.Fatalf("source = %q", moveArgs["source"])
	}
	if moveArgs["destination"] != filepath.Join(dir, "001_a.mp4") {
		t.Fatalf("destination = %q", moveArgs["destination"])
	}
}

func TestBatchUnknownGenerator(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	batch, _ := s.InsertTask(&task.Draft{Kind: task.KindBatch, Generator: "fabricate"})
	s.ClaimTask(batch.ID, batch.CreatedAt)

	res, _ := NewBatch(s).Execute(context.Background(), batch)
	if res.Success {
		t.Fatal("unknown generator must fail")
	}
}

func TestBatchEmpty(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	batch, _ := s.InsertTask(&task.Draft{Kind: task.KindBatch})
	s.ClaimTask(batch.ID, batch.CreatedAt)

	res, _ := NewBatch(s).Execute(context.Background(), batch)
	if res.Success {
		t.Fatal("batch with neither subtasks nor generator must fail")
	}
}
