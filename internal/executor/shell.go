// Package executor holds one executor per task kind. Executors report
// expected failures in the result value; the dispatcher converts anything
// else. Heavy external work (model calls, subprocess tools) sits behind
// narrow interfaces so tests can fake it.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// summaryLimit bounds how much captured output lands in result_summary. The
// full output is always written to the artifact file.
const summaryLimit = 1000

// execCommandContext is swapped in tests to fake subprocess execution.
var execCommandContext = exec.CommandContext

// Shell runs the task's command through the system shell. The shell kind is
// the one deliberate exception to the argv-only rule.
type Shell struct {
	// OutputsDir receives one output file per task.
	OutputsDir string
}

// Execute runs the shell command, captures combined output, and writes it to
// a deterministic artifact path derived from the task id.
func (e *Shell) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	command := strings.TrimSpace(t.ShellCommand)
	if command == "" {
		return task.ExecutionResult{Success: false, Error: "shell task has no command"}, nil
	}

	logging.Get(logging.CategoryDispatch).Debug("Task %d shell: %s", t.ID, command)
	cmd := execCommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()

	artifact, writeErr := writeArtifact(e.OutputsDir, t.ID, "out", output)
	if writeErr != nil {
		logging.Get(logging.CategoryDispatch).Warn("Task %d: failed to write output artifact: %v", t.ID, writeErr)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return task.ExecutionResult{Success: false, Error: "timeout: shell command exceeded task budget"}, nil
	}
	if err != nil {
		msg := fmt.Sprintf("command failed: %v", err)
		if len(output) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, truncate(string(output), 200))
		}
		return task.ExecutionResult{Success: false, Error: msg}, nil
	}

	return task.ExecutionResult{
		Success:       true,
		ResultSummary: truncate(strings.TrimSpace(string(output)), summaryLimit),
		OutputPath:    artifact,
	}, nil
}

// writeArtifact stores raw task output under the outputs directory and
// returns its path. Artifact names are derived from the task id only, so a
// retry overwrites its predecessor's partial output.
func writeArtifact(dir string, taskID int64, ext string, data []byte) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("task_%d.%s", taskID, ext))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// runArgv invokes an external tool with an explicit argument vector, never a
// shell string. Shared by the tool and media executors.
func runArgv(ctx context.Context, name string, args ...string) (string, error) {
	start := time.Now()
	cmd := execCommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	logging.Get(logging.CategoryMedia).Debug("%s %v finished in %s", name, args, time.Since(start))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return string(output), fmt.Errorf("timeout: %s exceeded task budget", name)
		}
		return string(output), fmt.Errorf("%s failed: %w: %s", name, err, truncate(string(output), 200))
	}
	return string(output), nil
}
