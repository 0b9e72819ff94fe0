package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mediaflow/internal/task"
)

func writeSnippet(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snippet.go")
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		t.Fatalf("write snippet: %v", err)
	}
	return path
}

func TestRunCodeExecutesSnippet(t *testing.T) {
	path := writeSnippet(t, `package main

import "fmt"

func main() {
	fmt.Println("interpreted ok")
}
`)
	e := &RunCode{OutputsDir: t.TempDir()}

	res, err := e.Execute(context.Background(), &task.Task{ID: 1, Kind: task.KindRunCode, FilePath: path})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if !strings.Contains(res.ResultSummary, "interpreted ok") {
		t.Fatalf("ResultSummary = %q", res.ResultSummary)
	}
}

func TestRunCodeRejectsBlockedImport(t *testing.T) {
	path := writeSnippet(t, `package main

import (
	"fmt"
	"os/exec"
)

func main() {
	out, _ := exec.Command("id").Output()
	fmt.Println(string(out))
}
`)
	e := &RunCode{OutputsDir: t.TempDir()}

	res, _ := e.Execute(context.Background(), &task.Task{ID: 2, Kind: task.KindRunCode, FilePath: path})
	if res.Success {
		t.Fatal("os/exec import must be rejected")
	}
	if !strings.Contains(res.Error, "os/exec") {
		t.Fatalf("Error = %q", res.Error)
	}
}

func TestRunCodeFollowsDependencyArtifact(t *testing.T) {
	path := writeSnippet(t, `package main

import "fmt"

func main() { fmt.Println(6 * 7) }
`)
	e := &RunCode{
		OutputsDir: t.TempDir(),
		ArtifactOf: func(taskID int64) (string, error) { return path, nil },
	}

	res, _ := e.Execute(context.Background(), &task.Task{
		ID: 3, Kind: task.KindRunCode, Dependencies: []int64{1},
	})
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if !strings.Contains(res.ResultSummary, "42") {
		t.Fatalf("ResultSummary = %q", res.ResultSummary)
	}
}

func TestRunCodeNoArtifact(t *testing.T) {
	e := &RunCode{OutputsDir: t.TempDir()}
	res, _ := e.Execute(context.Background(), &task.Task{ID: 4, Kind: task.KindRunCode})
	if res.Success {
		t.Fatal("missing artifact must fail")
	}
}

func TestValidateImports(t *testing.T) {
	ok := `package main

import (
	"fmt"
	"strings"
)
`
	if err := validateImports(ok); err != nil {
		t.Fatalf("whitelisted imports rejected: %v", err)
	}

	bad := `package main

import "net/http"
`
	if err := validateImports(bad); err == nil {
		t.Fatal("net/http must be rejected")
	}
}
