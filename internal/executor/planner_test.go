package executor

import (
	"context"
	"reflect"
	"testing"

	"mediaflow/internal/similar"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

type fakeGenerator struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func (f *fakeGenerator) Model() string { return "fake-model" }

type fakeSimilar struct {
	matches []similar.Match
	err     error
}

func (f *fakeSimilar) FindSimilar(ctx context.Context, description string, k int) ([]similar.Match, error) {
	return f.matches, f.err
}

func TestPlannerExpansion(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	planner, err := s.InsertTask(&task.Draft{Kind: task.KindPlanner, Description: "build and verify a tool"})
	if err != nil {
		t.Fatalf("insert planner: %v", err)
	}
	if ok, _ := s.ClaimTask(planner.ID, planner.CreatedAt); !ok {
		t.Fatal("claim planner")
	}

	gen := &fakeGenerator{response: `Here is the plan:
[
  {"kind": "code", "description": "write the tool"},
  {"kind": "review", "description": "review the tool"},
  {"kind": "run_code", "description": "run the tool"}
]`}
	e := &Planner{Store: s, Generator: gen}

	res, err := e.Execute(context.Background(), planner)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if len(res.SubtaskIDs) != 3 {
		t.Fatalf("SubtaskIDs = %v", res.SubtaskIDs)
	}

	codeID := res.SubtaskIDs[0]
	// review and run_code both depend on the code subtask, not on each other.
	for i, wantDeps := range [][]int64{nil, {codeID}, {codeID}} {
		sub, err := s.GetTask(res.SubtaskIDs[i])
		if err != nil {
			t.Fatalf("load subtask %d: %v", i, err)
		}
		if sub.ParentID == nil || *sub.ParentID != planner.ID {
			t.Errorf("subtask %d parent = %v, want %d", i, sub.ParentID, planner.ID)
		}
		if !reflect.DeepEqual(sub.Dependencies, wantDeps) {
			t.Errorf("subtask %d deps = %v, want %v", i, sub.Dependencies, wantDeps)
		}
	}

	pr, err := s.GetPlannerResult(planner.ID)
	if err != nil || pr == nil {
		t.Fatalf("planner result: %v %v", pr, err)
	}
	if pr.SubtaskCount != 3 || pr.Model != "fake-model" {
		t.Fatalf("planner result = %+v", pr)
	}
	if res.ResultSummary != gen.response {
		t.Fatal("result summary must carry the raw response")
	}
}

func TestPlannerExplicitDependencies(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	planner, _ := s.InsertTask(&task.Draft{Kind: task.KindPlanner, Description: "parallel fetch"})
	s.ClaimTask(planner.ID, planner.CreatedAt)

	gen := &fakeGenerator{response: `[
  {"kind": "shell", "description": "fetch a", "dependencies": []},
  {"kind": "shell", "description": "fetch b", "dependencies": []},
  {"kind": "shell", "description": "merge", "dependencies": [0, 1]}
]`}
	e := &Planner{Store: s, Generator: gen}

	res, _ := e.Execute(context.Background(), planner)
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}

	merge, err := s.GetTask(res.SubtaskIDs[2])
	if err != nil {
		t.Fatalf("load merge: %v", err)
	}
	want := []int64{res.SubtaskIDs[0], res.SubtaskIDs[1]}
	if !reflect.DeepEqual(merge.Dependencies, want) {
		t.Fatalf("merge deps = %v, want %v", merge.Dependencies, want)
	}

	for _, id := range res.SubtaskIDs[:2] {
		sub, _ := s.GetTask(id)
		if len(sub.Dependencies) != 0 {
			t.Fatalf("explicit empty dependencies must stay empty, got %v", sub.Dependencies)
		}
	}
}

func TestPlannerParseFailureHasNoSideEffects(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	planner, _ := s.InsertTask(&task.Draft{Kind: task.KindPlanner, Description: "goal"})
	s.ClaimTask(planner.ID, planner.CreatedAt)

	e := &Planner{Store: s, Generator: &fakeGenerator{response: "I cannot plan this."}}
	res, _ := e.Execute(context.Background(), planner)
	if res.Success {
		t.Fatal("unparseable response must fail")
	}

	children, err := s.ListChildren(planner.ID)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("parse failure must not insert subtasks, found %d", len(children))
	}
	if pr, _ := s.GetPlannerResult(planner.ID); pr != nil {
		t.Fatal("parse failure must not record a planner result")
	}
}

func TestPlannerSimilarFailureIsNonFatal(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	planner, _ := s.InsertTask(&task.Draft{Kind: task.KindPlanner, Description: "goal"})
	s.ClaimTask(planner.ID, planner.CreatedAt)

	e := &Planner{
		Store:     s,
		Generator: &fakeGenerator{response: `[{"kind": "shell", "description": "run"}]`},
		Similar:   &fakeSimilar{err: context.DeadlineExceeded},
	}
	res, _ := e.Execute(context.Background(), planner)
	if !res.Success {
		t.Fatalf("similarity failure must not fail planning: %s", res.Error)
	}
}

func TestPlannerRejectsUnknownKind(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	planner, _ := s.InsertTask(&task.Draft{Kind: task.KindPlanner, Description: "goal"})
	s.ClaimTask(planner.ID, planner.CreatedAt)

	e := &Planner{Store: s, Generator: &fakeGenerator{response: `[{"kind": "teleport", "description": "x"}]`}}
	res, _ := e.Execute(context.Background(), planner)
	if res.Success {
		t.Fatal("unknown subtask kind must fail")
	}
}
