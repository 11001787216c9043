// ABOUTME: PromptAssembler builds the model-ready message sequence for a turn
// ABOUTME: Pure and deterministic - identical inputs produce identical output

package prompt

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/store"
)

// Assemble combines agent instructions, retrieved passages, and trimmed
// history into the message sequence sent to the model.
//
// Layout: exactly one system entry first (instructions, plus a numbered
// knowledge block when passages are present), then history in original
// chronological order, then the new user message last.
func Assemble(agent *store.Agent, history []*store.Message, passages []retrieval.Passage, userMessage string) []model.Message {
	messages := make([]model.Message, 0, len(history)+2)

	messages = append(messages, model.Message{
		Role:    model.RoleSystem,
		Content: systemContent(agent.Instructions, passages),
	})

	for _, msg := range history {
		messages = append(messages, model.Message{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	messages = append(messages, model.Message{
		Role:    model.RoleUser,
		Content: userMessage,
	})

	return messages
}

// systemContent renders the system entry. The knowledge block format is
// deterministic: numbered excerpts in ranking order with their source names.
func systemContent(instructions string, passages []retrieval.Passage) string {
	if len(passages) == 0 {
		return instructions
	}

	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nRelevant knowledge:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, p.Source, p.Excerpt)
	}
	b.WriteString("\nUse the knowledge above when it is relevant to the user's question.")
	return b.String()
}
