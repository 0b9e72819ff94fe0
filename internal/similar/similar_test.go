package similar

import (
	"context"
	"testing"

	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

func completeTask(t *testing.T, s *store.Store, desc string) int64 {
	t.Helper()
	tk, err := s.InsertTask(&task.Draft{Kind: task.KindLLM, Description: desc})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ok, err := s.ClaimTask(tk.ID, tk.CreatedAt); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if _, err := s.CompleteTask(tk.ID, "done", "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return tk.ID
}

func TestFindSimilarRanksByOverlap(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	near := completeTask(t, s, "download and transcribe a youtube interview")
	far := completeTask(t, s, "rename files in the archive folder")

	matches, err := NewLocalProvider(s).FindSimilar(context.Background(), "transcribe the downloaded youtube video", 5)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].TaskID != near {
		t.Fatalf("best match = %d, want %d", matches[0].TaskID, near)
	}
	for _, m := range matches {
		if m.TaskID == far && m.Similarity >= matches[0].Similarity {
			t.Fatal("unrelated task ranked at least as high as the related one")
		}
	}
}

func TestFindSimilarEmptyInputs(t *testing.T) {
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer s.Close()

	p := NewLocalProvider(s)
	if m, err := p.FindSimilar(context.Background(), "", 5); err != nil || m != nil {
		t.Fatalf("empty description: %v %v", m, err)
	}
	if m, err := p.FindSimilar(context.Background(), "anything", 0); err != nil || m != nil {
		t.Fatalf("k=0: %v %v", m, err)
	}
}

func TestEmbedDeterministic(t *testing.T) {
	a := embed("Transcribe the interview")
	b := embed("transcribe the interview!")
	if cosine(a, b) < 0.99 {
		t.Fatal("case and punctuation must not change the embedding")
	}
}
