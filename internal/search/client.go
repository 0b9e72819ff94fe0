// Package search is the client for the external search index (a
// Meilisearch-compatible HTTP API). Indexing failures are logged and reported
// to the caller, but by contract callers treat them as non-fatal.
package search

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

// Indexer is the contract executors depend on.
type Indexer interface {
	IndexDocument(ctx context.Context, index string, doc map[string]interface{}) error
}

// Client posts documents to a search index over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client from the search config section. Returns nil when
// the search index is disabled; callers must treat a nil Indexer as "skip".
func NewClient(cfg config.SearchConfig) *Client {
	if !cfg.Enabled {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// IndexDocument adds or replaces one document in the named index.
func (c *Client) IndexDocument(ctx context.Context, index string, doc map[string]interface{}) error {
	body, err := json.Marshal([]map[string]interface{}{doc})
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	url := fmt.Sprintf("%s/indexes/%s/documents", c.baseURL, index)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logging.Get(logging.CategoryAPI).Warn("Index %s returned HTTP %d: %s", index, resp.StatusCode, data)
		return fmt.Errorf("index %s returned HTTP %d", index, resp.StatusCode)
	}
	logging.Get(logging.CategoryAPI).Debug("Indexed document into %s", index)
	return nil
}
