package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mediaflow/internal/task"
)

// Tool dispatches a named local tool with structured JSON args. The registry
// is closed, mirroring the batch generator registry.
type Tool struct {
	OutputsDir string
}

func (e *Tool) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	args := map[string]string{}
	if len(t.Args) > 0 {
		if err := json.Unmarshal(t.Args, &args); err != nil {
			return task.ExecutionResult{Success: false, Error: fmt.Sprintf("unparseable tool args: %v", err)}, nil
		}
	}

	switch t.Tool {
	case "move_file":
		return e.moveFile(args)
	case "copy_file":
		return e.copyFile(args)
	case "delete_file":
		return e.deleteFile(args)
	case "list_dir":
		return e.listDir(t, args)
	default:
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("unknown tool %q", t.Tool)}, nil
	}
}

func (e *Tool) moveFile(args map[string]string) (task.ExecutionResult, error) {
	src, dst := args["source"], args["destination"]
	if src == "" || dst == "" {
		return task.ExecutionResult{Success: false, Error: "move_file requires source and destination"}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	if err := os.Rename(src, dst); err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("move failed: %v", err)}, nil
	}
	return task.ExecutionResult{Success: true, ResultSummary: dst, FilePath: dst}, nil
}

func (e *Tool) copyFile(args map[string]string) (task.ExecutionResult, error) {
	src, dst := args["source"], args["destination"]
	if src == "" || dst == "" {
		return task.ExecutionResult{Success: false, Error: "copy_file requires source and destination"}, nil
	}
	in, err := os.Open(src)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("copy failed: %v", err)}, nil
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	out, err := os.Create(dst)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("copy failed: %v", err)}, nil
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("copy failed: %v", err)}, nil
	}
	return task.ExecutionResult{Success: true, ResultSummary: dst, FilePath: dst}, nil
}

func (e *Tool) deleteFile(args map[string]string) (task.ExecutionResult, error) {
	path := args["path"]
	if path == "" {
		return task.ExecutionResult{Success: false, Error: "delete_file requires a path"}, nil
	}
	if err := os.Remove(path); err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("delete failed: %v", err)}, nil
	}
	return task.ExecutionResult{Success: true, ResultSummary: "deleted " + path}, nil
}

func (e *Tool) listDir(t *task.Task, args map[string]string) (task.ExecutionResult, error) {
	dir := args["path"]
	if dir == "" {
		return task.ExecutionResult{Success: false, Error: "list_dir requires a path"}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("list failed: %v", err)}, nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	listing := strings.Join(names, "\n")
	artifact, _ := writeArtifact(e.OutputsDir, t.ID, "txt", []byte(listing))
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: fmt.Sprintf("%d entries in %s", len(names), dir),
		OutputPath:    artifact,
	}, nil
}
