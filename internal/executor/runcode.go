package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"mediaflow/internal/logging"
	"mediaflow/internal/task"
)

// RunCode executes a generated Go file in a yaegi interpreter instead of
// compiling it. Interpretation avoids toolchain hangs and version drift, and
// the import whitelist keeps snippets away from the network and the exec
// layer. This is a convenience boundary, not a security one.
type RunCode struct {
	// ArtifactOf resolves a dependency id to its artifact path, so a
	// run_code task can follow the code task it depends on.
	ArtifactOf func(taskID int64) (string, error)

	OutputsDir string
}

// allowedImports is the stdlib subset snippets may use. os, os/exec, net and
// friends stay blocked.
var allowedImports = map[string]bool{
	"bufio":           true,
	"bytes":           true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"path":            true,
	"path/filepath":   true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
}

var importRe = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:_\s+|\.\s+|[A-Za-z_][A-Za-z0-9_]*\s+)?"([^"]+)"`)

func (e *RunCode) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	path := e.resolveCodePath(t)
	if path == "" {
		return task.ExecutionResult{Success: false, Error: "run_code task has no code artifact"}, nil
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to read code %s: %v", path, err)}, nil
	}

	if err := validateImports(string(code)); err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	output, err := interpret(ctx, string(code))
	artifact, writeErr := writeArtifact(e.OutputsDir, t.ID, "out", []byte(output))
	if writeErr != nil {
		logging.Get(logging.CategoryDispatch).Warn("Task %d: failed to write run output: %v", t.ID, writeErr)
	}
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	return task.ExecutionResult{
		Success:       true,
		ResultSummary: truncate(strings.TrimSpace(output), summaryLimit),
		OutputPath:    artifact,
		FilePath:      path,
	}, nil
}

func (e *RunCode) resolveCodePath(t *task.Task) string {
	if t.FilePath != "" {
		return t.FilePath
	}
	// Prefer the new artifact column; fall back to result_summary for rows
	// written before the artifact_path migration.
	if t.ArtifactPath != "" {
		return t.ArtifactPath
	}
	if e.ArtifactOf != nil {
		for _, dep := range t.Dependencies {
			if p, err := e.ArtifactOf(dep); err == nil && p != "" {
				return p
			}
		}
	}
	if strings.HasSuffix(t.ResultSummary, ".go") {
		return t.ResultSummary
	}
	return ""
}

// validateImports rejects any import outside the whitelist before the
// interpreter sees the code.
func validateImports(code string) error {
	inImportBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inImportBlock = true
			continue
		case inImportBlock && trimmed == ")":
			inImportBlock = false
			continue
		case !inImportBlock && !strings.HasPrefix(trimmed, "import"):
			continue
		}
		m := importRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if !allowedImports[m[1]] {
			return fmt.Errorf("import %q is not allowed in run_code tasks", m[1])
		}
	}
	return nil
}

// interpret evaluates the snippet with stdout captured. The interpreter has
// no cancellation hook, so the context is checked before starting and the
// deadline surfaces as an error afterwards.
func interpret(ctx context.Context, code string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("failed to load interpreter stdlib: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := i.Eval(code)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("code execution failed: %v: %s", err, truncate(stderr.String(), 200))
		}
		return stdout.String(), nil
	case <-ctx.Done():
		// The goroutine is abandoned; yaegi offers no interruption. The
		// result is discarded when it eventually finishes.
		return stdout.String(), fmt.Errorf("timeout: code execution exceeded task budget")
	}
}
