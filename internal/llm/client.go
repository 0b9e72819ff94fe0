// Package llm is the client for the local text-generation service. One JSON
// POST per generation; concurrency is capped with a semaphore so a burst of
// llm tasks cannot overload the model server.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
)

// Generator is the contract executors depend on; swapped for a fake in tests.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Client talks to an Ollama-compatible /api/generate endpoint.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	sem        chan struct{}
}

// NewClient builds a client from the llm config section.
func NewClient(cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		sem:        make(chan struct{}, maxConcurrent),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends one prompt and returns the full response text. A non-2xx
// status is reported as a server error, which the retry classifier treats as
// transient.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	timer := logging.StartTimer(logging.CategoryAPI, "Generate")
	defer timer.Stop()

	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read generation response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Get(logging.CategoryAPI).Warn("Generation returned HTTP %d: %s",
			resp.StatusCode, truncate(string(data), 200))
		return "", fmt.Errorf("server error: generation returned HTTP %d", resp.StatusCode)
	}

	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return "", fmt.Errorf("unparseable generation response: %w", err)
	}
	return gr.Response, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
