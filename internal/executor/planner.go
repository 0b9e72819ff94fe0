package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mediaflow/internal/llm"
	"mediaflow/internal/logging"
	"mediaflow/internal/similar"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// contextTaskLimit caps how many similar prior tasks go into the prompt.
const contextTaskLimit = 5

// Planner decomposes a goal into subtasks via the LLM and materializes the
// returned DAG fragment under the planner task, all in one transaction.
type Planner struct {
	Store     *store.Store
	Generator llm.Generator

	// Similar is optional; lookup failure is non-fatal and the planner
	// proceeds without context.
	Similar similar.Provider
}

// subtaskDescriptor is the JSON shape expected from the model.
type subtaskDescriptor struct {
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Args        json.RawMessage `json:"args,omitempty"`
	Generator   string          `json:"generator,omitempty"`

	// Dependencies are zero-based indices of earlier subtasks. Absent means
	// the implicit rule applies.
	Dependencies []int `json:"dependencies,omitempty"`
}

const plannerPrompt = `Decompose the goal below into a short ordered list of subtasks.
Respond with only a JSON array; each element has "kind", "description", and
optional "dependencies" (zero-based indices of earlier subtasks).
Valid kinds: shell, llm, code, review, run_code, batch, tool, media_download,
media_ingest, media_transcribe, media_tag, media_summarize, index_meili.

%sGoal: %s`

func (e *Planner) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	goal := strings.TrimSpace(t.Description)
	if goal == "" {
		return task.ExecutionResult{Success: false, Error: "planner task has no goal"}, nil
	}

	contextBlock, contextIDs := e.buildContext(ctx, goal)
	response, err := e.Generator.Generate(ctx, fmt.Sprintf(plannerPrompt, contextBlock, goal))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	descriptors, err := parsePlan(response)
	if err != nil {
		// Parse failure leaves no side effects.
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	if len(descriptors) == 0 {
		return task.ExecutionResult{Success: false, Error: "planner produced no subtasks"}, nil
	}

	drafts := make([]task.Draft, len(descriptors))
	deps := make([][]int, len(descriptors))
	for i, d := range descriptors {
		kind := task.Kind(d.Kind)
		if !kind.IsValid() {
			return task.ExecutionResult{Success: false, Error: fmt.Sprintf("planner produced unknown kind %q", d.Kind)}, nil
		}
		drafts[i] = task.Draft{
			Kind:        kind,
			Description: d.Description,
			Args:        d.Args,
			Generator:   d.Generator,
		}
		if d.Dependencies != nil {
			deps[i] = d.Dependencies
		} else {
			deps[i] = implicitDeps(descriptors, i)
		}
	}

	pr := &task.PlannerResult{
		TaskID:         t.ID,
		Goal:           goal,
		Model:          e.Generator.Model(),
		ContextTaskIDs: contextIDs,
		RawResponse:    response,
	}
	subtaskIDs, err := e.Store.RecordPlannerResult(pr, drafts, deps)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to materialize plan: %v", err)}, nil
	}

	logging.Planner("Task %d expanded into %d subtasks: %v", t.ID, len(subtaskIDs), subtaskIDs)
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: response,
		SubtaskIDs:    subtaskIDs,
	}, nil
}

// buildContext retrieves similar completed tasks and formats them for the
// prompt. Any failure degrades to an empty context block.
func (e *Planner) buildContext(ctx context.Context, goal string) (string, []int64) {
	if e.Similar == nil {
		return "", nil
	}
	matches, err := e.Similar.FindSimilar(ctx, goal, contextTaskLimit)
	if err != nil {
		logging.Get(logging.CategoryPlanner).Warn("Similarity lookup failed, planning without context: %v", err)
		return "", nil
	}
	if len(matches) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Previously completed similar tasks:\n")
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		prior, err := e.Store.GetTask(m.TaskID)
		if err != nil {
			continue
		}
		ids = append(ids, m.TaskID)
		fmt.Fprintf(&b, "- [%s] %s\n", prior.Kind, truncate(prior.Description, 120))
	}
	b.WriteString("\n")
	return b.String(), ids
}

// parsePlan extracts the JSON array of descriptors, tolerating prose or a
// markdown fence around it.
func parsePlan(response string) ([]subtaskDescriptor, error) {
	s := strings.TrimSpace(response)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("planner response contains no JSON array")
	}

	var descriptors []subtaskDescriptor
	if err := json.Unmarshal([]byte(s[start:end+1]), &descriptors); err != nil {
		return nil, fmt.Errorf("unparseable planner response: %v", err)
	}
	return descriptors, nil
}

// implicitDeps applies the default dependency rule for descriptor i: review
// and run_code attach to the nearest preceding code subtask (they consume its
// artifact, not each other's), everything else chains on its predecessor.
func implicitDeps(descriptors []subtaskDescriptor, i int) []int {
	if i == 0 {
		return nil
	}
	kind := task.Kind(descriptors[i].Kind)
	if kind == task.KindReview || kind == task.KindRunCode {
		for j := i - 1; j >= 0; j-- {
			if task.Kind(descriptors[j].Kind) == task.KindCode {
				return []int{j}
			}
		}
	}
	return []int{i - 1}
}
