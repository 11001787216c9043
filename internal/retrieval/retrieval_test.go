// ABOUTME: Tests for the knowledge retrieval adapter
// ABOUTME: Verifies request shape, response decoding, errors, and the bounded decorator

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRetriever_Search(t *testing.T) {
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(searchResponse{
			Passages: []Passage{
				{Score: 0.92, DocumentID: "doc-1", Source: "faq.md", Excerpt: "refunds take 5 days"},
				{Score: 0.81, DocumentID: "doc-2", Source: "policy.pdf", Excerpt: "returns within 30 days"},
			},
		})
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, nil)
	passages, err := r.Search(context.Background(), "refund policy", "kb-1", 5)
	require.NoError(t, err)

	assert.Equal(t, "refund policy", gotReq.Query)
	assert.Equal(t, "kb-1", gotReq.Scope)
	assert.Equal(t, 5, gotReq.TopK)

	require.Len(t, passages, 2)
	assert.Equal(t, "faq.md", passages[0].Source)
	assert.Equal(t, 0.92, passages[0].Score)
}

func TestHTTPRetriever_Search_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, nil)
	_, err := r.Search(context.Background(), "query", "kb-1", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestBounded_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	r := Bounded(NewHTTPRetriever(srv.URL, nil), 50*time.Millisecond)

	start := time.Now()
	_, err := r.Search(context.Background(), "query", "kb-1", 5)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBounded_PassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{Passages: []Passage{{Source: "faq.md"}}})
	}))
	defer srv.Close()

	r := Bounded(NewHTTPRetriever(srv.URL, nil), time.Second)
	passages, err := r.Search(context.Background(), "query", "kb-1", 5)
	require.NoError(t, err)
	require.Len(t, passages, 1)
}
