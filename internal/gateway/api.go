// ABOUTME: HTTP API handlers for chat turns, history, and agent administration
// ABOUTME: Streams turn events to clients as Server-Sent Events

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/store"
)

// ChatRequest is the JSON request body for POST /agents/{id}/chat.
type ChatRequest struct {
	ConversationID string   `json:"conversationId,omitempty"`
	VisitorID      string   `json:"visitorId,omitempty"`
	Message        string   `json:"message"`
	Channel        string   `json:"channel,omitempty"`
	Streaming      bool     `json:"streaming,omitempty"`
	UseKnowledge   *bool    `json:"useKnowledgeBase,omitempty"` // defaults to true
	TopK           int      `json:"topK,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
}

// SourceResponse describes one knowledge passage that informed an answer.
type SourceResponse struct {
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	Excerpt string  `json:"excerpt"`
}

// TurnMetadata summarizes the generation behind a batch answer.
type TurnMetadata struct {
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokensUsed"`
	SourcesFound int    `json:"sourcesFound"`
	LatencyMS    int64  `json:"latencyMs"`
}

// ChatResponse is the JSON response for a batch chat turn.
type ChatResponse struct {
	Answer         string           `json:"answer"`
	MessageID      string           `json:"messageId"`
	ConversationID string           `json:"conversationId"`
	VisitorID      string           `json:"visitorId,omitempty"`
	Sources        []SourceResponse `json:"sources"`
	Metadata       TurnMetadata     `json:"metadata"`
}

// MessageResponse is one history entry in GET /agents/{id}/chat.
type MessageResponse struct {
	ID        string               `json:"id"`
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	Channel   string               `json:"channel,omitempty"`
	Assistant *store.AssistantMeta `json:"assistant,omitempty"`
	CreatedAt string               `json:"createdAt"`
}

// HistoryResponse is the JSON response for GET /agents/{id}/chat.
type HistoryResponse struct {
	ConversationID string            `json:"conversationId"`
	Messages       []MessageResponse `json:"messages"`
}

// AgentRequest is the JSON body for creating or updating an agent.
// Numeric and boolean fields are pointers so partial updates can
// distinguish "not sent" from an explicit zero.
type AgentRequest struct {
	ID             string   `json:"id,omitempty"`
	AccountID      string   `json:"accountId"`
	Name           string   `json:"name"`
	Instructions   string   `json:"instructions"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
	KnowledgeScope string   `json:"knowledgeScope,omitempty"`
	Active         *bool    `json:"active,omitempty"`
}

// AgentResponse is the JSON representation of an agent.
type AgentResponse struct {
	ID             string  `json:"id"`
	AccountID      string  `json:"accountId"`
	Name           string  `json:"name"`
	Instructions   string  `json:"instructions"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"maxTokens"`
	KnowledgeScope string  `json:"knowledgeScope,omitempty"`
	Active         bool    `json:"active"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

// ConversationResponse is the JSON representation of a conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agentId"`
	UserID    string `json:"userId,omitempty"`
	VisitorID string `json:"visitorId,omitempty"`
	Status    string `json:"status"`
	Channel   string `json:"channel,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// handleAgentRoutes dispatches /agents/{id}/chat and
// /agents/{id}/chat/stream by subpath.
func (g *Gateway) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[1] == "chat":
		agentID := parts[0]
		if agentID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "agent id is required")
			return
		}
		switch r.Method {
		case http.MethodPost:
			g.handleChat(w, r, agentID, false)
		case http.MethodGet:
			g.handleHistory(w, r, agentID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "stream":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		g.handleChat(w, r, parts[0], true)

	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleChat serves one conversation turn. Batch requests answer with a
// single JSON document; streaming requests answer with SSE frames. The
// extended stream endpoint additionally emits progress events.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request, agentID string, extended bool) {
	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ident, err := g.resolver.Resolve(r, req.VisitorID)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	useKnowledge := true
	if req.UseKnowledge != nil {
		useKnowledge = *req.UseKnowledge
	}

	turnReq := engine.TurnRequest{
		AgentID:          agentID,
		ConversationID:   req.ConversationID,
		Identity:         ident,
		Message:          req.Message,
		Channel:          req.Channel,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		UseKnowledgeBase: useKnowledge,
		TopK:             req.TopK,
		Extended:         extended,
	}

	if extended || req.Streaming {
		g.streamTurn(w, r, turnReq)
		return
	}

	result, err := g.engine.Turn(r.Context(), turnReq)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	resp := ChatResponse{
		Answer:         result.Answer,
		MessageID:      result.MessageID,
		ConversationID: result.ConversationID,
		VisitorID:      result.VisitorID,
		Sources:        make([]SourceResponse, 0, len(result.Sources)),
		Metadata: TurnMetadata{
			Model:        result.Model,
			TokensUsed:   result.TokensUsed,
			SourcesFound: len(result.Sources),
			LatencyMS:    result.LatencyMS,
		},
	}
	for _, p := range result.Sources {
		resp.Sources = append(resp.Sources, SourceResponse{Score: p.Score, Source: p.Source, Excerpt: p.Excerpt})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// streamTurn runs the turn with events written to the client as SSE. The SSE
// headers go out with the first event, so a turn that fails before anything
// was emitted still answers with a plain JSON error and the mapped status.
func (g *Gateway) streamTurn(w http.ResponseWriter, r *http.Request, req engine.TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported by response writer")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}

	err := g.engine.StreamTurn(r.Context(), req, sink)
	switch {
	case err == nil:
		// Terminal sentinel so EventSource clients know the stream is over.
		sink.begin()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	case errors.Is(err, engine.ErrCancelled):
		g.logger.Debug("turn cancelled by client", "agent_id", req.AgentID)
	case !sink.started:
		g.sendEngineError(w, err)
	default:
		g.logger.Error("streaming turn failed", "agent_id", req.AgentID, "kind", engine.KindOf(err), "error", err)
	}
}

// sseSink writes engine events as data-only SSE frames. Headers and the 200
// status are deferred to the first frame so the handler can still answer
// with an HTTP error when the turn fails before anything streamed.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *sseSink) Emit(ev engine.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	s.begin()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleHistory serves GET /agents/{id}/chat?conversationId=X
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request, agentID string) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	ident, err := g.resolver.Resolve(r, r.URL.Query().Get("visitorId"))
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 500 {
			limit = 500
		}
	}

	messages, err := g.engine.History(r.Context(), agentID, conversationID, ident, limit)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	resp := HistoryResponse{
		ConversationID: conversationID,
		Messages:       make([]MessageResponse, len(messages)),
	}
	for i, msg := range messages {
		entry := MessageResponse{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			Assistant: msg.AssistantMeta,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
		if msg.UserMeta != nil {
			entry.Channel = msg.UserMeta.Channel
		}
		resp.Messages[i] = entry
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleAdminAgents serves POST (create) and GET (list) on /admin/agents
func (g *Gateway) handleAdminAgents(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		g.handleCreateAgent(w, r)
	case http.MethodGet:
		g.handleListAgents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleAdminAgentByID serves GET and PUT on /admin/agents/{id}
func (g *Gateway) handleAdminAgentByID(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	agentID := strings.TrimPrefix(r.URL.Path, "/admin/agents/")
	if agentID == "" || strings.Contains(agentID, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		g.handleGetAgent(w, r, agentID)
	case http.MethodPut:
		g.handleUpdateAgent(w, r, agentID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleAdminConversations serves POST /admin/conversations/{id}/resolve,
// closing out a conversation. Resolved conversations keep their history but
// are no longer the active thread for the identity.
func (g *Gateway) handleAdminConversations(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conversationID := parts[0]
	if err := g.store.ResolveConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to resolve conversation", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conv, err := g.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		g.logger.Error("failed to load resolved conversation", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ConversationResponse{
		ID:        conv.ID,
		AgentID:   conv.AgentID,
		UserID:    conv.UserID,
		VisitorID: conv.VisitorID,
		Status:    conv.Status,
		Channel:   conv.Channel,
		CreatedAt: conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt: conv.UpdatedAt.Format(time.RFC3339),
	})
}

// requireAdmin gates administrative routes behind bearer auth when a JWT
// secret is configured. Without a secret the deployment is trusted-network
// only and the routes are open.
func (g *Gateway) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if g.config.Auth.JWTSecret == "" {
		return true
	}
	ident, err := g.resolver.Resolve(r, "")
	if err != nil || ident.UserID == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "admin credentials required")
		return false
	}
	return true
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccountID == "" || req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "accountId and name are required")
		return
	}

	agent := &store.Agent{
		ID:             req.ID,
		AccountID:      req.AccountID,
		Name:           req.Name,
		Instructions:   req.Instructions,
		Model:          req.Model,
		KnowledgeScope: req.KnowledgeScope,
		Active:         true,
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if req.Temperature != nil {
		agent.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		agent.MaxTokens = *req.MaxTokens
	}
	if req.Active != nil {
		agent.Active = *req.Active
	}

	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			g.sendJSONError(w, http.StatusConflict, "agent already exists")
			return
		}
		g.logger.Error("failed to create agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	created, err := g.store.GetAgent(r.Context(), agent.ID)
	if err != nil {
		g.logger.Error("failed to load created agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(agentToResponse(created))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "accountId is required")
		return
	}

	agents, err := g.store.ListAgents(r.Context(), accountID)
	if err != nil {
		g.logger.Error("failed to list agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AgentResponse, len(agents))
	for i, a := range agents {
		resp[i] = agentToResponse(a)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	agent, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("failed to get agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agentToResponse(agent))
}

func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agent, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("failed to get agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.Instructions != "" {
		agent.Instructions = req.Instructions
	}
	if req.Model != "" {
		agent.Model = req.Model
	}
	if req.Temperature != nil {
		agent.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		agent.MaxTokens = *req.MaxTokens
	}
	if req.KnowledgeScope != "" {
		agent.KnowledgeScope = req.KnowledgeScope
	}
	if req.Active != nil {
		agent.Active = *req.Active
	}

	if err := g.store.UpdateAgent(r.Context(), agent); err != nil {
		g.logger.Error("failed to update agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	updated, err := g.store.GetAgent(r.Context(), agentID)
	if err != nil {
		g.logger.Error("failed to load updated agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agentToResponse(updated))
}

// agentToResponse converts a stored agent to its API form
func agentToResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:             a.ID,
		AccountID:      a.AccountID,
		Name:           a.Name,
		Instructions:   a.Instructions,
		Model:          a.Model,
		Temperature:    a.Temperature,
		MaxTokens:      a.MaxTokens,
		KnowledgeScope: a.KnowledgeScope,
		Active:         a.Active,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      a.UpdatedAt.Format(time.RFC3339),
	}
}

// parseChatRequest decodes and validates a chat request body
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	return &req, nil
}

// statusForKind maps an engine error kind to an HTTP status
func statusForKind(kind engine.Kind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindUnauthorized:
		return http.StatusForbidden
	case engine.KindAgentNotFound, engine.KindAgentInactive, engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindUpstreamModel:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sendEngineError writes a JSON error with the status for the error's kind
func (g *Gateway) sendEngineError(w http.ResponseWriter, err error) {
	kind := engine.KindOf(err)
	status := statusForKind(kind)
	if status >= 500 {
		g.logger.Error("turn failed", "kind", kind, "error", err)
	}

	var engErr *engine.Error
	message := "internal server error"
	if errors.As(err, &engErr) && status < 500 {
		message = engErr.Msg
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": string(kind)})
}
