package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mediaflow/internal/logging"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// Generator expands one batch task into subtask drafts. The registry is
// closed; adding a generator is a code change.
type Generator interface {
	Generate(ctx context.Context, t *task.Task) ([]task.Draft, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, t *task.Task) ([]task.Draft, error)

func (f GeneratorFunc) Generate(ctx context.Context, t *task.Task) ([]task.Draft, error) {
	return f(ctx, t)
}

// Batch fans a task out into subtasks: either the verbatim subtasks list
// (static mode) or the output of a named generator. Both modes insert the
// whole fan-out in one transaction.
type Batch struct {
	Store      *store.Store
	Generators map[string]Generator
}

// NewBatch builds the batch executor with the built-in generator registry.
func NewBatch(s *store.Store) *Batch {
	return &Batch{
		Store: s,
		Generators: map[string]Generator{
			"folder_rename": GeneratorFunc(folderRenameGenerator),
		},
	}
}

func (e *Batch) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	var drafts []task.Draft

	switch {
	case t.Generator != "":
		gen, ok := e.Generators[t.Generator]
		if !ok {
			return task.ExecutionResult{Success: false, Error: fmt.Sprintf("unknown batch generator %q", t.Generator)}, nil
		}
		var err error
		drafts, err = gen.Generate(ctx, t)
		if err != nil {
			return task.ExecutionResult{Success: false, Error: err.Error()}, nil
		}
	case len(t.Subtasks) > 0:
		if err := json.Unmarshal(t.Subtasks, &drafts); err != nil {
			return task.ExecutionResult{Success: false, Error: fmt.Sprintf("unparseable subtasks list: %v", err)}, nil
		}
	default:
		return task.ExecutionResult{Success: false, Error: "batch task has neither subtasks nor a generator"}, nil
	}

	if len(drafts) == 0 {
		return task.ExecutionResult{Success: true, ResultSummary: "batch expanded to 0 subtasks"}, nil
	}

	for i := range drafts {
		if drafts[i].ParentID == nil {
			parent := t.ID
			drafts[i].ParentID = &parent
		}
	}

	ids, err := e.Store.InsertTasks(drafts)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to insert batch subtasks: %v", err)}, nil
	}

	logging.Dispatch("Batch task %d expanded into %d subtasks", t.ID, len(ids))
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: fmt.Sprintf("batch expanded to %d subtasks", len(ids)),
		SubtaskIDs:    ids,
	}, nil
}

// folderRenameArgs is the payload for the folder_rename generator.
type folderRenameArgs struct {
	Directory string `json:"directory"`
	Pattern   string `json:"pattern"` // e.g. "{index}_{name}"
}

// folderRenameGenerator yields one shell rename per directory entry.
func folderRenameGenerator(ctx context.Context, t *task.Task) ([]task.Draft, error) {
	var args folderRenameArgs
	if len(t.Args) > 0 {
		if err := json.Unmarshal(t.Args, &args); err != nil {
			return nil, fmt.Errorf("unparseable folder_rename args: %v", err)
		}
	}
	if args.Directory == "" {
		args.Directory = t.FilePath
	}
	if args.Directory == "" {
		return nil, fmt.Errorf("folder_rename requires a directory")
	}
	if args.Pattern == "" {
		args.Pattern = "{index}_{name}"
	}

	entries, err := os.ReadDir(args.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", args.Directory, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var drafts []task.Draft
	index := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		index++
		newName := strings.NewReplacer(
			"{index}", fmt.Sprintf("%03d", index),
			"{name}", entry.Name(),
		).Replace(args.Pattern)
		src := filepath.Join(args.Directory, entry.Name())
		dst := filepath.Join(args.Directory, newName)
		drafts = append(drafts, task.Draft{
			Kind:        task.KindTool,
			Tool:        "move_file",
			Description: fmt.Sprintf("rename %s", entry.Name()),
			Args:        mustJSON(map[string]string{"source": src, "destination": dst}),
		})
	}
	return drafts, nil
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // static shapes only
	}
	return data
}
