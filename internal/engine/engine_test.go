// ABOUTME: Tests for the conversation engine turn state machine
// ABOUTME: Covers event ordering, degradation, cancellation, and persistence guarantees

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/store"
)

// fakeStream plays back scripted fragments, optionally failing afterwards
type fakeStream struct {
	fragments []string
	failWith  error
	usage     model.Usage
	pos       int
	closed    bool
}

func (s *fakeStream) Next() bool {
	if s.pos >= len(s.fragments) {
		return false
	}
	s.pos++
	return true
}

func (s *fakeStream) Fragment() string { return s.fragments[s.pos-1] }
func (s *fakeStream) Usage() model.Usage {
	return s.usage
}
func (s *fakeStream) Err() error {
	if s.pos >= len(s.fragments) {
		return s.failWith
	}
	return nil
}
func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fakeInvoker returns scripted completions and streams
type fakeInvoker struct {
	completion  *model.Completion
	completeErr error
	stream      *fakeStream
	streamErr   error
	lastRequest model.Request
}

func (f *fakeInvoker) Complete(ctx context.Context, req model.Request) (*model.Completion, error) {
	f.lastRequest = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.completion, nil
}

func (f *fakeInvoker) Stream(ctx context.Context, req model.Request) (model.FragmentStream, error) {
	f.lastRequest = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

type fakeRetriever struct {
	passages []retrieval.Passage
	err      error
	calls    int
}

func (f *fakeRetriever) Search(ctx context.Context, query, scopeID string, topK int) ([]retrieval.Passage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

// recordingSink captures emitted events; onEmit runs per event when set
type recordingSink struct {
	events []Event
	onEmit func(ev Event) error
}

func (s *recordingSink) Emit(ev Event) error {
	if s.onEmit != nil {
		if err := s.onEmit(ev); err != nil {
			return err
		}
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []EventKind {
	out := make([]EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func createTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestAgent(t *testing.T, st store.Store, scope string) *store.Agent {
	t.Helper()
	agent := &store.Agent{
		ID:             "agent-1",
		AccountID:      "acct-1",
		Name:           "Support Bot",
		Instructions:   "You are a helpful support agent.",
		Model:          "gpt-4o-mini",
		Temperature:    0.5,
		MaxTokens:      512,
		KnowledgeScope: scope,
		Active:         true,
	}
	require.NoError(t, st.CreateAgent(context.Background(), agent))
	return agent
}

func testDefaults() Defaults {
	return Defaults{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 1024}
}

func TestTurn_BatchSuccess(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "kb-1")

	retriever := &fakeRetriever{passages: []retrieval.Passage{
		{Score: 0.91, DocumentID: "doc-1", Source: "faq.md", Excerpt: "Refunds take 5 days."},
	}}
	invoker := &fakeInvoker{completion: &model.Completion{
		Text:  "Refunds are processed within 5 business days.",
		Usage: model.Usage{PromptTokens: 40, CompletionTokens: 12},
	}}
	eng := New(st, retriever, invoker, testDefaults(), nil)

	res, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:          "agent-1",
		Identity:         store.Identity{VisitorID: "vis-1"},
		Message:          "How long do refunds take?",
		Channel:          "widget",
		UseKnowledgeBase: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Refunds are processed within 5 business days.", res.Answer)
	assert.NotEmpty(t, res.ConversationID)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, "vis-1", res.VisitorID)
	assert.Equal(t, 52, res.TokensUsed)
	assert.Len(t, res.Sources, 1)
	assert.Equal(t, 1, retriever.calls)

	history, err := st.ListHistory(context.Background(), res.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, "How long do refunds take?", history[0].Content)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	require.NotNil(t, history[1].AssistantMeta)
	assert.Equal(t, "gpt-4o-mini", history[1].AssistantMeta.Model)
	assert.Equal(t, 52, history[1].AssistantMeta.TokensUsed)
	assert.Equal(t, 1, history[1].AssistantMeta.SourcesFound)
	assert.False(t, history[1].AssistantMeta.Incomplete)
}

func TestTurn_RecordsConversationChannel(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")

	invoker := &fakeInvoker{completion: &model.Completion{Text: "hi"}}
	eng := New(st, nil, invoker, testDefaults(), nil)

	res, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:  "agent-1",
		Identity: store.Identity{VisitorID: "vis-1"},
		Message:  "hello",
		Channel:  "whatsapp",
	})
	require.NoError(t, err)

	conv, err := st.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", conv.Channel)
}

func TestTurn_AgentNotFound(t *testing.T) {
	st := createTestStore(t)
	eng := New(st, nil, &fakeInvoker{}, testDefaults(), nil)

	_, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:  "nope",
		Identity: store.Identity{VisitorID: "vis-1"},
		Message:  "hello",
	})
	require.Error(t, err)
	assert.Equal(t, KindAgentNotFound, KindOf(err))
}

func TestTurn_AgentInactive(t *testing.T) {
	st := createTestStore(t)
	agent := createTestAgent(t, st, "")
	agent.Active = false
	require.NoError(t, st.UpdateAgent(context.Background(), agent))

	eng := New(st, nil, &fakeInvoker{}, testDefaults(), nil)
	_, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:  agent.ID,
		Identity: store.Identity{VisitorID: "vis-1"},
		Message:  "hello",
	})
	require.Error(t, err)
	assert.Equal(t, KindAgentInactive, KindOf(err))
}

func TestTurn_EmptyMessage(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")

	eng := New(st, nil, &fakeInvoker{}, testDefaults(), nil)
	_, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:  "agent-1",
		Identity: store.Identity{VisitorID: "vis-1"},
		Message:  "   ",
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestTurn_ModelError_UserMessageStillRecorded(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")
	ident := store.Identity{VisitorID: "vis-1"}

	conv, err := st.GetOrCreateConversation(context.Background(), "agent-1", "", ident, "")
	require.NoError(t, err)

	invoker := &fakeInvoker{completeErr: errors.New("upstream 503")}
	eng := New(st, nil, invoker, testDefaults(), nil)

	_, err = eng.Turn(context.Background(), TurnRequest{
		AgentID:        "agent-1",
		ConversationID: conv.ID,
		Identity:       ident,
		Message:        "hello",
	})
	require.Error(t, err)
	assert.Equal(t, KindUpstreamModel, KindOf(err))

	history, err := st.ListHistory(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.RoleUser, history[0].Role)
}

func TestTurn_UnknownConversationRejected(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")

	eng := New(st, nil, &fakeInvoker{}, testDefaults(), nil)
	_, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:        "agent-1",
		ConversationID: "never-created",
		Identity:       store.Identity{VisitorID: "vis-1"},
		Message:        "hello",
	})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestStreamTurn_EventOrder(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "kb-1")

	retriever := &fakeRetriever{passages: []retrieval.Passage{
		{Score: 0.9, DocumentID: "doc-1", Source: "faq.md", Excerpt: "one"},
		{Score: 0.8, DocumentID: "doc-2", Source: "guide.md", Excerpt: "two"},
	}}
	invoker := &fakeInvoker{stream: &fakeStream{
		fragments: []string{"Hello", ", ", "world"},
		usage:     model.Usage{PromptTokens: 30, CompletionTokens: 3},
	}}
	eng := New(st, retriever, invoker, testDefaults(), nil)

	var convID string
	sink := &recordingSink{}
	sink.onEmit = func(ev Event) error {
		// By the time done is emitted the assistant message must already
		// be durable.
		if ev.Kind == EventDone {
			payload := ev.Payload.(DonePayload)
			convID = payload.ConversationID
			history, err := st.ListHistory(context.Background(), payload.ConversationID, 10)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, payload.MessageID, history[1].ID)
		}
		return nil
	}

	err := eng.StreamTurn(context.Background(), TurnRequest{
		AgentID:          "agent-1",
		Identity:         store.Identity{VisitorID: "vis-1"},
		Message:          "hi",
		UseKnowledgeBase: true,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, []EventKind{
		EventSource, EventSource,
		EventAnswer, EventAnswer, EventAnswer,
		EventMetadata, EventDone,
	}, sink.kinds())

	meta := sink.events[5].Payload.(MetadataPayload)
	assert.Equal(t, 33, meta.TokensUsed)
	assert.Equal(t, 2, meta.SourcesCount)

	history, err := st.ListHistory(context.Background(), convID, 10)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", history[1].Content)
	assert.True(t, invoker.stream.closed)
}

func TestStreamTurn_RetrievalFailureDegrades(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "kb-1")

	retriever := &fakeRetriever{err: errors.New("retrieval service down")}
	invoker := &fakeInvoker{stream: &fakeStream{fragments: []string{"Still answering."}}}
	eng := New(st, retriever, invoker, testDefaults(), nil)

	sink := &recordingSink{}
	err := eng.StreamTurn(context.Background(), TurnRequest{
		AgentID:          "agent-1",
		Identity:         store.Identity{VisitorID: "vis-1"},
		Message:          "hi",
		UseKnowledgeBase: true,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventAnswer, EventMetadata, EventDone}, sink.kinds())
	meta := sink.events[1].Payload.(MetadataPayload)
	assert.Equal(t, 0, meta.SourcesCount)
}

func TestStreamTurn_ModelErrorMidGeneration(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")
	ident := store.Identity{VisitorID: "vis-1"}
	conv, err := st.GetOrCreateConversation(context.Background(), "agent-1", "", ident, "")
	require.NoError(t, err)

	invoker := &fakeInvoker{stream: &fakeStream{
		fragments: []string{"Partial ", "answer"},
		failWith:  errors.New("stream reset"),
		usage:     model.Usage{PromptTokens: 20, CompletionTokens: 2},
	}}
	eng := New(st, nil, invoker, testDefaults(), nil)

	sink := &recordingSink{}
	err = eng.StreamTurn(context.Background(), TurnRequest{
		AgentID:        "agent-1",
		ConversationID: conv.ID,
		Identity:       ident,
		Message:        "hi",
	}, sink)
	require.Error(t, err)
	assert.Equal(t, KindUpstreamModel, KindOf(err))

	// Both fragments streamed, then exactly one terminal error event.
	assert.Equal(t, []EventKind{EventAnswer, EventAnswer, EventError}, sink.kinds())

	history, err := st.ListHistory(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Partial answer", history[1].Content)
	require.NotNil(t, history[1].AssistantMeta)
	assert.True(t, history[1].AssistantMeta.Incomplete)
}

func TestStreamTurn_ClientCancellation(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")
	ident := store.Identity{VisitorID: "vis-1"}
	conv, err := st.GetOrCreateConversation(context.Background(), "agent-1", "", ident, "")
	require.NoError(t, err)

	invoker := &fakeInvoker{stream: &fakeStream{
		fragments: []string{"one ", "two ", "three ", "four"},
	}}
	eng := New(st, nil, invoker, testDefaults(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	answers := 0
	sink := &recordingSink{}
	sink.onEmit = func(ev Event) error {
		if ev.Kind == EventAnswer {
			answers++
			if answers == 2 {
				cancel()
			}
		}
		return nil
	}

	err = eng.StreamTurn(ctx, TurnRequest{
		AgentID:        "agent-1",
		ConversationID: conv.ID,
		Identity:       ident,
		Message:        "hi",
	}, sink)
	require.ErrorIs(t, err, ErrCancelled)

	// No terminal event after cancellation, and the generated prefix is
	// persisted tagged incomplete.
	assert.Equal(t, []EventKind{EventAnswer, EventAnswer}, sink.kinds())
	assert.True(t, invoker.stream.closed)

	history, err := st.ListHistory(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "one two ", history[1].Content)
	require.NotNil(t, history[1].AssistantMeta)
	assert.True(t, history[1].AssistantMeta.Incomplete)
}

func TestStreamTurn_ExtendedProgress(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "kb-1")

	retriever := &fakeRetriever{passages: []retrieval.Passage{
		{Score: 0.9, DocumentID: "doc-1", Source: "faq.md", Excerpt: "one"},
	}}
	invoker := &fakeInvoker{stream: &fakeStream{fragments: []string{"done"}}}
	eng := New(st, retriever, invoker, testDefaults(), nil)

	sink := &recordingSink{}
	err := eng.StreamTurn(context.Background(), TurnRequest{
		AgentID:          "agent-1",
		Identity:         store.Identity{VisitorID: "vis-1"},
		Message:          "hi",
		UseKnowledgeBase: true,
		Extended:         true,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, []EventKind{
		EventProgress, EventSource, EventProgress,
		EventAnswer, EventMetadata, EventDone,
	}, sink.kinds())

	last := -1
	for _, ev := range sink.events {
		if ev.Kind != EventProgress {
			continue
		}
		p := ev.Payload.(ProgressPayload)
		assert.Greater(t, p.Progress, last)
		last = p.Progress
	}
}

func TestStreamTurn_ResolveFailureEmitsNoEvents(t *testing.T) {
	st := createTestStore(t)
	eng := New(st, nil, &fakeInvoker{}, testDefaults(), nil)

	sink := &recordingSink{}
	err := eng.StreamTurn(context.Background(), TurnRequest{
		AgentID:  "missing",
		Identity: store.Identity{VisitorID: "vis-1"},
		Message:  "hi",
	}, sink)
	require.Error(t, err)
	assert.Equal(t, KindAgentNotFound, KindOf(err))

	// The error frame is reserved for failures after streaming began;
	// here the transport gets to answer with a plain status instead.
	assert.Empty(t, sink.events)
}

func TestStreamTurn_GenerationParameters(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")

	invoker := &fakeInvoker{stream: &fakeStream{fragments: []string{"ok"}}}
	eng := New(st, nil, invoker, testDefaults(), nil)

	temp := 0.1
	maxTok := 64
	sink := &recordingSink{}
	err := eng.StreamTurn(context.Background(), TurnRequest{
		AgentID:     "agent-1",
		Identity:    store.Identity{VisitorID: "vis-1"},
		Message:     "hi",
		Temperature: &temp,
		MaxTokens:   &maxTok,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, 0.1, invoker.lastRequest.Temperature)
	assert.Equal(t, 64, invoker.lastRequest.MaxTokens)
	assert.Equal(t, "gpt-4o-mini", invoker.lastRequest.Model)
}

func TestHistory(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "")
	ident := store.Identity{VisitorID: "vis-1"}

	invoker := &fakeInvoker{completion: &model.Completion{Text: "answer"}}
	eng := New(st, nil, invoker, testDefaults(), nil)

	res, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:  "agent-1",
		Identity: ident,
		Message:  "question",
	})
	require.NoError(t, err)

	history, err := eng.History(context.Background(), "agent-1", res.ConversationID, ident, 50)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "question", history[0].Content)
	assert.Equal(t, "answer", history[1].Content)

	// A different identity cannot read the conversation.
	_, err = eng.History(context.Background(), "agent-1", res.ConversationID, store.Identity{VisitorID: "other"}, 50)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestRetrieve_SkippedWithoutScope(t *testing.T) {
	st := createTestStore(t)
	createTestAgent(t, st, "") // no knowledge scope

	retriever := &fakeRetriever{passages: []retrieval.Passage{{Source: "x"}}}
	invoker := &fakeInvoker{completion: &model.Completion{Text: "a"}}
	eng := New(st, retriever, invoker, testDefaults(), nil)

	_, err := eng.Turn(context.Background(), TurnRequest{
		AgentID:          "agent-1",
		Identity:         store.Identity{VisitorID: "vis-1"},
		Message:          "hi",
		UseKnowledgeBase: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, retriever.calls)
}
