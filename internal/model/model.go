// ABOUTME: ModelInvoker interface and the pull-based fragment stream contract
// ABOUTME: Providers adapt their SDKs behind Invoker; the engine is the sole consumer

package model

import "context"

// Role constants for prompt messages
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of an assembled prompt
type Message struct {
	Role    string
	Content string
}

// Request carries an assembled prompt plus generation parameters
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting for a completed or aborted generation
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the combined token count
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Completion is the result of a batch generation
type Completion struct {
	Text  string
	Usage Usage
}

// FragmentStream is a lazy, finite, non-restartable sequence of text
// fragments. Single producer, single consumer, strict one-at-a-time pull:
// the caller suspends in Next until the next fragment arrives and nothing is
// buffered ahead of it.
//
// Usage mirrors the SDK stream idiom:
//
//	for stream.Next() {
//		emit(stream.Fragment())
//	}
//	if err := stream.Err(); err != nil { ... }
//
// Close actively cancels upstream generation so token cost stops accruing;
// it must be safe to call at any point, including after exhaustion.
type FragmentStream interface {
	Next() bool
	Fragment() string
	// Usage is valid once Next has returned false with a nil Err; before
	// that it reports whatever the provider has surfaced so far.
	Usage() Usage
	Err() error
	Close() error
}

// Invoker generates assistant text from an assembled prompt, either as one
// complete response or as an incremental fragment sequence.
type Invoker interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (FragmentStream, error)
}
