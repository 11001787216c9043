// ABOUTME: KnowledgeRetriever interface and passage types
// ABOUTME: The indexing/embedding pipeline is external; only search is consumed here

package retrieval

import (
	"context"
	"time"
)

// Passage is one ranked knowledge excerpt with provenance. Transient - it is
// attached to assistant message metadata, never persisted as its own entity.
type Passage struct {
	Score      float64 `json:"score"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Excerpt    string  `json:"excerpt"`
}

// Retriever searches a knowledge scope for passages relevant to a query
type Retriever interface {
	Search(ctx context.Context, query, scopeID string, topK int) ([]Passage, error)
}

// Bounded wraps a Retriever with a per-call deadline so a slow knowledge
// backend degrades a turn instead of stalling it.
func Bounded(r Retriever, timeout time.Duration) Retriever {
	return &boundedRetriever{inner: r, timeout: timeout}
}

type boundedRetriever struct {
	inner   Retriever
	timeout time.Duration
}

func (b *boundedRetriever) Search(ctx context.Context, query, scopeID string, topK int) ([]Passage, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Search(ctx, query, scopeID, topK)
}
