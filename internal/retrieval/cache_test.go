// ABOUTME: Tests for the retrieval result cache
// ABOUTME: Validates TTL expiration, size limits, eviction, and hit/miss semantics

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRetriever counts upstream calls and returns scripted results
type countingRetriever struct {
	passages []Passage
	err      error
	calls    int
}

func (r *countingRetriever) Search(ctx context.Context, query, scopeID string, topK int) ([]Passage, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.passages, nil
}

func TestCache_HitSkipsUpstream(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	inner := &countingRetriever{passages: []Passage{{Source: "faq.md", Score: 0.9}}}
	r := cache.Wrap(inner)

	first, err := r.Search(context.Background(), "refunds", "kb-1", 5)
	require.NoError(t, err)
	second, err := r.Search(context.Background(), "refunds", "kb-1", 5)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first, second)
}

func TestCache_KeyIncludesScopeAndTopK(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	inner := &countingRetriever{passages: []Passage{{Source: "faq.md"}}}
	r := cache.Wrap(inner)

	_, err := r.Search(context.Background(), "refunds", "kb-1", 5)
	require.NoError(t, err)
	_, err = r.Search(context.Background(), "refunds", "kb-2", 5)
	require.NoError(t, err)
	_, err = r.Search(context.Background(), "refunds", "kb-1", 3)
	require.NoError(t, err)

	assert.Equal(t, 3, inner.calls)
}

func TestCache_Expiry(t *testing.T) {
	cache := NewCache(10*time.Millisecond, 100)
	defer cache.Close()

	inner := &countingRetriever{passages: []Passage{{Source: "faq.md"}}}
	r := cache.Wrap(inner)

	_, err := r.Search(context.Background(), "q", "kb-1", 5)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = r.Search(context.Background(), "q", "kb-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCache_ErrorsNotCached(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	inner := &countingRetriever{err: errors.New("service down")}
	r := cache.Wrap(inner)

	_, err := r.Search(context.Background(), "q", "kb-1", 5)
	require.Error(t, err)
	_, err = r.Search(context.Background(), "q", "kb-1", 5)
	require.Error(t, err)

	// Each failed lookup retries upstream.
	assert.Equal(t, 2, inner.calls)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := NewCache(5*time.Minute, 2)
	defer cache.Close()

	inner := &countingRetriever{passages: []Passage{{Source: "x"}}}
	r := cache.Wrap(inner)

	for i := 0; i < 3; i++ {
		_, err := r.Search(context.Background(), fmt.Sprintf("q%d", i), "kb-1", 5)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, inner.calls)

	// q0 was evicted, q2 is still cached.
	_, err := r.Search(context.Background(), "q2", "kb-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)

	_, err = r.Search(context.Background(), "q0", "kb-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls)
}

func TestCache_ResultCopyIsolated(t *testing.T) {
	cache := NewCache(5*time.Minute, 100)
	defer cache.Close()

	inner := &countingRetriever{passages: []Passage{{Source: "faq.md", Excerpt: "original"}}}
	r := cache.Wrap(inner)

	first, err := r.Search(context.Background(), "q", "kb-1", 5)
	require.NoError(t, err)
	first[0].Excerpt = "mutated"

	second, err := r.Search(context.Background(), "q", "kb-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "original", second[0].Excerpt)
}
