// ABOUTME: ConversationEngine orchestrates one chat turn end to end
// ABOUTME: Resolve -> retrieve -> generate -> persist, with ordered event emission

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/store"
)

// persistTimeout bounds detached persistence writes so cleanup after a
// cancelled turn cannot hang.
const persistTimeout = 5 * time.Second

// defaultHistoryLimit bounds how many prior messages enter the prompt
const defaultHistoryLimit = 20

// Defaults supplies generation parameters for agents that don't set their own
type Defaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Engine runs conversation turns. All collaborators are injected; the engine
// holds no global state and one instance serves concurrent requests.
type Engine struct {
	store        store.Store
	retriever    retrieval.Retriever
	invoker      model.Invoker
	defaults     Defaults
	historyLimit int
	logger       *slog.Logger
}

// New creates a ConversationEngine
func New(st store.Store, retriever retrieval.Retriever, invoker model.Invoker, defaults Defaults, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        st,
		retriever:    retriever,
		invoker:      invoker,
		defaults:     defaults,
		historyLimit: defaultHistoryLimit,
		logger:       logger.With("component", "engine"),
	}
}

// TurnRequest describes one inbound user utterance
type TurnRequest struct {
	AgentID          string
	ConversationID   string // empty creates a new conversation lazily
	Identity         store.Identity
	Message          string
	Channel          string
	Temperature      *float64 // overrides the agent's setting when non-nil
	MaxTokens        *int
	UseKnowledgeBase bool
	TopK             int  // bounded retrieval fan-out, 0 means default
	Extended         bool // emit progress events (stream endpoint only)
}

// TurnResult reports a completed turn
type TurnResult struct {
	ConversationID string
	MessageID      string
	VisitorID      string
	Answer         string
	Sources        []retrieval.Passage
	Model          string
	TokensUsed     int
	LatencyMS      int64
}

// resolved carries the state established before generation starts
type resolved struct {
	agent   *store.Agent
	conv    *store.Conversation
	history []*store.Message
}

// Turn runs one batch-mode turn: the engine blocks for the complete model
// response and no events are emitted.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()

	res, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	passages := e.retrieve(ctx, res.agent, req)

	completion, err := e.invoker.Complete(ctx, e.buildModelRequest(res, passages, req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, newError(KindUpstreamModel, "model generation failed", err)
	}

	msgID, err := e.persistAssistant(ctx, res, completion.Text, completion.Usage, passages, false, start)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		ConversationID: res.conv.ID,
		MessageID:      msgID,
		VisitorID:      req.Identity.VisitorID,
		Answer:         completion.Text,
		Sources:        passages,
		Model:          e.modelName(res.agent),
		TokensUsed:     completion.Usage.Total(),
		LatencyMS:      time.Since(start).Milliseconds(),
	}, nil
}

// StreamTurn runs one streaming turn, forwarding each generated fragment to
// the sink before the next one is pulled. Event order per turn: progress*
// (extended only), source*, answer+, metadata, done - or a single terminal
// error. The assistant message is durably persisted before done is emitted.
// Resolution failures return before any event is emitted; the transport
// presents those as plain errors rather than an error frame.
func (e *Engine) StreamTurn(ctx context.Context, req TurnRequest, sink Sink) error {
	start := time.Now()

	res, err := e.resolve(ctx, req)
	if err != nil {
		return err
	}

	if req.Extended {
		if err := sink.Emit(Event{Kind: EventProgress, Payload: ProgressPayload{Status: "retrieving", Progress: 5}}); err != nil {
			return ErrCancelled
		}
	}

	passages := e.retrieve(ctx, res.agent, req)

	// Sources describe the context the answer is produced from, so every
	// source event precedes the first answer event.
	for _, p := range passages {
		ev := Event{Kind: EventSource, Payload: SourcePayload{Score: p.Score, Source: p.Source, Excerpt: p.Excerpt}}
		if err := sink.Emit(ev); err != nil {
			return ErrCancelled
		}
	}

	if req.Extended {
		if err := sink.Emit(Event{Kind: EventProgress, Payload: ProgressPayload{Status: "generating", Progress: 25}}); err != nil {
			return ErrCancelled
		}
	}

	stream, err := e.invoker.Stream(ctx, e.buildModelRequest(res, passages, req))
	if err != nil {
		return e.fail(sink, newError(KindUpstreamModel, "starting generation failed", err))
	}

	var answer strings.Builder
	cancelled := false
	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if !stream.Next() {
			break
		}
		fragment := stream.Fragment()
		answer.WriteString(fragment)
		if err := sink.Emit(Event{Kind: EventAnswer, Payload: AnswerPayload{Fragment: fragment}}); err != nil {
			cancelled = true
			break
		}
	}

	// Close actively cancels upstream generation; after a clean exhaustion
	// it is a no-op. Either way generation cost stops accruing here.
	if closeErr := stream.Close(); closeErr != nil {
		e.logger.Warn("closing fragment stream", "error", closeErr)
	}

	if cancelled {
		e.persistPartial(res, answer.String(), stream.Usage(), passages, start)
		return ErrCancelled
	}

	if streamErr := stream.Err(); streamErr != nil {
		// Partial text is billable output; persist it tagged incomplete
		// rather than silently discarding it.
		e.persistPartial(res, answer.String(), stream.Usage(), passages, start)
		return e.fail(sink, newError(KindUpstreamModel, "model generation failed", streamErr))
	}

	msgID, err := e.persistAssistant(ctx, res, answer.String(), stream.Usage(), passages, false, start)
	if err != nil {
		// The answer already streamed, but the turn is not durably recorded.
		// Claiming success here would break the completeness guarantee.
		return e.fail(sink, err)
	}

	meta := Event{Kind: EventMetadata, Payload: MetadataPayload{
		Model:        e.modelName(res.agent),
		TokensUsed:   stream.Usage().Total(),
		SourcesCount: len(passages),
	}}
	if err := sink.Emit(meta); err != nil {
		return ErrCancelled
	}

	done := Event{Kind: EventDone, Payload: DonePayload{
		ConversationID: res.conv.ID,
		MessageID:      msgID,
		VisitorID:      req.Identity.VisitorID,
	}}
	if err := sink.Emit(done); err != nil {
		return ErrCancelled
	}

	return nil
}

// History returns persisted messages for a conversation owned by the caller
func (e *Engine) History(ctx context.Context, agentID, conversationID string, ident store.Identity, limit int) ([]*store.Message, error) {
	conv, err := e.store.GetOrCreateConversation(ctx, agentID, conversationID, ident, "")
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return nil, newError(KindNotFound, "conversation not found", err)
		}
		return nil, newError(KindPersistence, "loading conversation failed", err)
	}
	messages, err := e.store.ListHistory(ctx, conv.ID, limit)
	if err != nil {
		return nil, newError(KindPersistence, "loading history failed", err)
	}
	return messages, nil
}

// resolve validates the request, loads the agent, resolves the conversation,
// loads bounded history, and records the user message - in that order, so an
// unknown agent mutates nothing.
func (e *Engine) resolve(ctx context.Context, req TurnRequest) (*resolved, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, newError(KindValidation, "message must not be empty", nil)
	}

	agent, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return nil, newError(KindAgentNotFound, "agent not found", err)
		}
		return nil, newError(KindPersistence, "loading agent failed", err)
	}
	if !agent.Active {
		return nil, newError(KindAgentInactive, "agent is inactive", nil)
	}

	conv, err := e.store.GetOrCreateConversation(ctx, req.AgentID, req.ConversationID, req.Identity, req.Channel)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return nil, newError(KindNotFound, "conversation not found", err)
		}
		return nil, newError(KindPersistence, "resolving conversation failed", err)
	}

	history, err := e.store.ListHistory(ctx, conv.ID, e.historyLimit)
	if err != nil {
		return nil, newError(KindPersistence, "loading history failed", err)
	}

	// Record first: the user message is durable before the model is invoked,
	// so a generation failure never loses the inbound utterance.
	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        req.Message,
		CreatedAt:      time.Now(),
	}
	if req.Channel != "" {
		userMsg.UserMeta = &store.UserMeta{Channel: req.Channel}
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, newError(KindPersistence, "recording user message failed", err)
	}

	e.logger.Debug("turn resolved",
		"agent_id", agent.ID,
		"conversation_id", conv.ID,
		"history", len(history))

	return &resolved{agent: agent, conv: conv, history: history}, nil
}

// retrieve fetches knowledge passages for the turn. Retrieval failure is
// non-fatal: the turn proceeds with no passages.
func (e *Engine) retrieve(ctx context.Context, agent *store.Agent, req TurnRequest) []retrieval.Passage {
	if !req.UseKnowledgeBase || agent.KnowledgeScope == "" || e.retriever == nil {
		return nil
	}

	topK := req.TopK
	if topK <= 0 || topK > 20 {
		topK = 5
	}

	passages, err := e.retriever.Search(ctx, req.Message, agent.KnowledgeScope, topK)
	if err != nil {
		e.logger.Warn("knowledge retrieval degraded, proceeding without context",
			"agent_id", agent.ID,
			"scope", agent.KnowledgeScope,
			"error", err)
		return nil
	}
	return passages
}

// buildModelRequest assembles the prompt and generation parameters
func (e *Engine) buildModelRequest(res *resolved, passages []retrieval.Passage, req TurnRequest) model.Request {
	temperature := e.defaults.Temperature
	if res.agent.Temperature > 0 {
		temperature = res.agent.Temperature
	}
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	maxTokens := e.defaults.MaxTokens
	if res.agent.MaxTokens > 0 {
		maxTokens = res.agent.MaxTokens
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return model.Request{
		Model:       e.modelName(res.agent),
		Messages:    prompt.Assemble(res.agent, res.history, passages, req.Message),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// modelName picks the agent's model, falling back to the engine default
func (e *Engine) modelName(agent *store.Agent) string {
	if agent.Model != "" {
		return agent.Model
	}
	return e.defaults.Model
}

// persistAssistant appends the completed assistant message. The write must
// succeed before the turn may report success.
func (e *Engine) persistAssistant(ctx context.Context, res *resolved, content string, usage model.Usage, passages []retrieval.Passage, incomplete bool, start time.Time) (string, error) {
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: res.conv.ID,
		Role:           store.RoleAssistant,
		Content:        content,
		AssistantMeta: &store.AssistantMeta{
			Model:        e.modelName(res.agent),
			TokensUsed:   usage.Total(),
			SourcesFound: len(passages),
			Incomplete:   incomplete,
			LatencyMS:    time.Since(start).Milliseconds(),
			Sources:      sourceRefs(passages),
		},
		CreatedAt: time.Now(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return "", newError(KindPersistence, "recording assistant message failed", err)
	}
	return msg.ID, nil
}

// persistPartial saves partially generated text after a cancel or model
// failure, tagged incomplete. Runs on a detached context so a disconnected
// caller cannot abort the cleanup write.
func (e *Engine) persistPartial(res *resolved, content string, usage model.Usage, passages []retrieval.Passage, start time.Time) {
	if content == "" {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := e.persistAssistant(saveCtx, res, content, usage, passages, true, start); err != nil {
		e.logger.Error("failed to persist partial assistant message",
			"conversation_id", res.conv.ID,
			"error", err)
		return
	}
	e.logger.Debug("persisted partial assistant message",
		"conversation_id", res.conv.ID,
		"chars", len(content))
}

// sourceRefs converts retrieval passages to their persisted form
func sourceRefs(passages []retrieval.Passage) []store.SourceRef {
	if len(passages) == 0 {
		return nil
	}
	refs := make([]store.SourceRef, len(passages))
	for i, p := range passages {
		refs[i] = store.SourceRef{
			Score:      p.Score,
			DocumentID: p.DocumentID,
			Source:     p.Source,
			Excerpt:    p.Excerpt,
		}
	}
	return refs
}

// fail emits the single terminal error event and returns the error.
// No answer events may follow it.
func (e *Engine) fail(sink Sink, err error) error {
	ev := Event{Kind: EventError, Payload: ErrorPayload{Message: publicMessage(err)}}
	if emitErr := sink.Emit(ev); emitErr != nil {
		e.logger.Debug("transport gone before error event could be written", "error", emitErr)
	}
	return err
}

// publicMessage maps an error to the caller-visible message, avoiding
// leaking upstream internals for unclassified failures.
func publicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return fmt.Sprintf("internal error: %v", err)
}
