// Package similar retrieves previously completed tasks whose descriptions are
// close to a query. The planner feeds these to the LLM as context; failure
// here is never fatal, the planner just proceeds without examples.
package similar

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"mediaflow/internal/logging"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// Match is one similar prior task.
type Match struct {
	TaskID     int64
	Similarity float64
}

// Provider is the contract the planner executor depends on.
type Provider interface {
	FindSimilar(ctx context.Context, description string, k int) ([]Match, error)
}

// embeddingDim is the hashed bag-of-words dimensionality. Small enough to
// scan the whole completed set in memory, large enough that unrelated
// descriptions rarely collide.
const embeddingDim = 256

// LocalProvider embeds completed task descriptions with a deterministic
// hashed bag-of-words vector and ranks by cosine similarity. No external
// service; good enough for prompt context retrieval.
type LocalProvider struct {
	store *store.Store
}

// NewLocalProvider builds a provider over the task store.
func NewLocalProvider(s *store.Store) *LocalProvider {
	return &LocalProvider{store: s}
}

// FindSimilar returns up to k completed tasks ranked by description
// similarity, most similar first. Tasks without a description are skipped.
func (p *LocalProvider) FindSimilar(ctx context.Context, description string, k int) ([]Match, error) {
	if k <= 0 || strings.TrimSpace(description) == "" {
		return nil, nil
	}

	completed, err := p.store.ListTasksByStatus(task.StatusCompleted)
	if err != nil {
		return nil, err
	}

	query := embed(description)
	var matches []Match
	for _, t := range completed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.Description == "" {
			continue
		}
		sim := cosine(query, embed(t.Description))
		if sim > 0 {
			matches = append(matches, Match{TaskID: t.ID, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].TaskID < matches[j].TaskID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	logging.Planner("Similarity search: %d candidates, returning %d", len(completed), len(matches))
	return matches, nil
}

// embed hashes each lower-cased token into a fixed-dimension vector.
func embed(text string) []float64 {
	vec := make([]float64, embeddingDim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%embeddingDim]++
	}
	return vec
}

// cosine returns the cosine similarity of two equal-length vectors, 0 when
// either has zero magnitude.
func cosine(a, b []float64) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
