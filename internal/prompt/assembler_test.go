// ABOUTME: Tests for prompt assembly
// ABOUTME: Verifies ordering, knowledge block shape, and the pure-function property

package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/store"
)

func testAgent() *store.Agent {
	return &store.Agent{
		ID:           "agent-1",
		Instructions: "You are a helpful support assistant.",
		Model:        "gpt-4o-mini",
	}
}

func TestAssemble_NoKnowledge(t *testing.T) {
	history := []*store.Message{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hello, how can I help?"},
	}

	messages := Assemble(testAgent(), history, nil, "what are your hours?")

	require.Len(t, messages, 4)
	assert.Equal(t, model.RoleSystem, messages[0].Role)
	assert.Equal(t, "You are a helpful support assistant.", messages[0].Content)
	assert.Equal(t, "hi", messages[1].Content)
	assert.Equal(t, "hello, how can I help?", messages[2].Content)
	assert.Equal(t, model.RoleUser, messages[3].Role)
	assert.Equal(t, "what are your hours?", messages[3].Content)
}

func TestAssemble_KnowledgeBlock(t *testing.T) {
	passages := []retrieval.Passage{
		{Score: 0.9, Source: "faq.md", Excerpt: "Open 9-5 weekdays."},
		{Score: 0.7, Source: "site.html", Excerpt: "Closed on public holidays."},
	}

	messages := Assemble(testAgent(), nil, passages, "what are your hours?")

	require.Len(t, messages, 2)
	system := messages[0].Content
	assert.Contains(t, system, "You are a helpful support assistant.")
	assert.Contains(t, system, "[1] (faq.md) Open 9-5 weekdays.")
	assert.Contains(t, system, "[2] (site.html) Closed on public holidays.")
	assert.Contains(t, system, "when it is relevant")
}

func TestAssemble_SingleSystemEntry(t *testing.T) {
	history := []*store.Message{
		{Role: store.RoleUser, Content: "hi"},
	}
	passages := []retrieval.Passage{{Source: "faq.md", Excerpt: "x"}}

	messages := Assemble(testAgent(), history, passages, "hello")

	systemCount := 0
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
	assert.Equal(t, model.RoleSystem, messages[0].Role)
}

func TestAssemble_Idempotent(t *testing.T) {
	history := []*store.Message{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hello"},
	}
	passages := []retrieval.Passage{
		{Score: 0.9, Source: "faq.md", Excerpt: "Open 9-5 weekdays."},
	}

	first := Assemble(testAgent(), history, passages, "question")
	second := Assemble(testAgent(), history, passages, "question")

	assert.Equal(t, first, second)
}
