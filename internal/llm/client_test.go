package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediaflow/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.LLMConfig{
		BaseURL:       url,
		Model:         "llama3.1",
		Timeout:       5 * time.Second,
		MaxConcurrent: 2,
	})
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["model"] != "llama3.1" {
			t.Errorf("model = %v", req["model"])
		}
		if req["stream"] != false {
			t.Errorf("stream must be false, got %v", req["stream"])
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "three subtasks"})
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Generate(context.Background(), "plan this")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "three subtasks" {
		t.Fatalf("response = %q", got)
	}
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error on HTTP 500")
	}
	// The message must classify as a transient server error.
	if !strings.Contains(err.Error(), "server error") {
		t.Fatalf("error %q should mention server error", err)
	}
}

func TestGenerateContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL).Generate(ctx, "hi")
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
