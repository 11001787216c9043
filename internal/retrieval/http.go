// ABOUTME: HTTP adapter for the external knowledge-search service
// ABOUTME: POSTs search queries and decodes ranked passages

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// HTTPRetriever implements Retriever against the knowledge-search collaborator
type HTTPRetriever struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPRetriever creates a retriever that queries the given search endpoint.
// The per-call deadline comes from the caller's context (see Bounded).
func NewHTTPRetriever(endpoint string, logger *slog.Logger) *HTTPRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRetriever{
		endpoint: endpoint,
		client:   &http.Client{},
		logger:   logger.With("component", "retrieval"),
	}
}

// searchRequest is the knowledge-search API request format
type searchRequest struct {
	Query string `json:"query"`
	Scope string `json:"scope"`
	TopK  int    `json:"top_k"`
}

// searchResponse is the knowledge-search API response format
type searchResponse struct {
	Passages []Passage `json:"passages"`
}

// Search queries the knowledge scope and returns ranked passages
func (r *HTTPRetriever) Search(ctx context.Context, query, scopeID string, topK int) ([]Passage, error) {
	reqBody := searchRequest{
		Query: query,
		Scope: scopeID,
		TopK:  topK,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling knowledge search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge search returned status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	r.logger.Debug("knowledge search completed",
		"scope", scopeID,
		"passages", len(body.Passages))

	return body.Passages, nil
}
