package executor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"mediaflow/internal/llm"
	"mediaflow/internal/task"
)

// LLM answers a free-form prompt and stores the response as the artifact.
type LLM struct {
	Generator  llm.Generator
	OutputsDir string
}

func (e *LLM) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if strings.TrimSpace(t.Description) == "" {
		return task.ExecutionResult{Success: false, Error: "llm task has no prompt"}, nil
	}

	response, err := e.Generator.Generate(ctx, t.Description)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, err := writeArtifact(e.OutputsDir, t.ID, "txt", []byte(response))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to store response: %v", err)}, nil
	}
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: truncate(strings.TrimSpace(response), summaryLimit),
		OutputPath:    artifact,
	}, nil
}

// Code generates a Go snippet for the task goal and writes it to the outputs
// directory; run_code consumes the artifact path.
type Code struct {
	Generator  llm.Generator
	OutputsDir string
}

const codePrompt = `Write a complete Go program for the following goal. Respond with only the code, no prose, no markdown fences.

Goal: %s`

func (e *Code) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if strings.TrimSpace(t.Description) == "" {
		return task.ExecutionResult{Success: false, Error: "code task has no goal"}, nil
	}

	response, err := e.Generator.Generate(ctx, fmt.Sprintf(codePrompt, t.Description))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	code := stripCodeFences(response)
	if strings.TrimSpace(code) == "" {
		return task.ExecutionResult{Success: false, Error: "model returned no code"}, nil
	}

	artifact, err := writeArtifact(e.OutputsDir, t.ID, "go", []byte(code))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to store generated code: %v", err)}, nil
	}
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: artifact,
		OutputPath:    artifact,
		FilePath:      artifact,
	}, nil
}

// stripCodeFences removes a surrounding markdown code fence when the model
// ignores the no-fences instruction.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:] // opening fence, possibly ```go
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Review asks the model to review an artifact produced by a dependency (or
// the task's own file_path) against the task description.
type Review struct {
	Generator  llm.Generator
	OutputsDir string

	// ArtifactOf resolves a dependency id to its artifact path.
	ArtifactOf func(taskID int64) (string, error)
}

const reviewPrompt = `Review the following artifact. %s

Artifact:
%s

Reply with APPROVED or REJECTED on the first line, followed by your findings.`

func (e *Review) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	path := t.FilePath
	if path == "" {
		for _, dep := range t.Dependencies {
			p, err := e.ArtifactOf(dep)
			if err == nil && p != "" {
				path = p
				break
			}
		}
	}

	var subject string
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to read artifact %s: %v", path, err)}, nil
		}
		subject = truncate(string(data), 8000)
	} else if t.Description != "" {
		subject = t.Description
	} else {
		return task.ExecutionResult{Success: false, Error: "review task has no artifact or description"}, nil
	}

	instruction := t.Description
	if instruction == "" {
		instruction = "Check it for correctness and obvious problems."
	}

	response, err := e.Generator.Generate(ctx, fmt.Sprintf(reviewPrompt, instruction, subject))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, _ := writeArtifact(e.OutputsDir, t.ID, "txt", []byte(response))
	firstLine := strings.TrimSpace(strings.SplitN(response, "\n", 2)[0])
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: truncate(firstLine, summaryLimit),
		OutputPath:    artifact,
	}, nil
}
