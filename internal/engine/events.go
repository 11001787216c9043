// ABOUTME: Typed stream events emitted by the conversation engine
// ABOUTME: Wire-level projection of engine state transitions, never persisted

package engine

// EventKind identifies the type of a stream event
type EventKind string

// Event kinds, in the order they may appear within a turn
const (
	EventProgress EventKind = "progress"
	EventSource   EventKind = "source"
	EventAnswer   EventKind = "answer"
	EventMetadata EventKind = "metadata"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is one wire-level record. Payload holds the kind-specific struct.
type Event struct {
	Kind    EventKind `json:"kind"`
	Payload any       `json:"data"`
}

// ProgressPayload reports coarse turn progress. Percentages are strictly
// increasing within a turn and bounded to [0,100].
type ProgressPayload struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// SourcePayload describes one retrieved passage. All source events for a
// turn precede the first answer event.
type SourcePayload struct {
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	Excerpt string  `json:"excerpt"`
}

// AnswerPayload carries one generated text fragment
type AnswerPayload struct {
	Fragment string `json:"fragment"`
}

// MetadataPayload summarizes the completed generation. Emitted exactly once,
// after the last answer event and before done.
type MetadataPayload struct {
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokensUsed"`
	SourcesCount int    `json:"sourcesCount"`
}

// DonePayload terminates a successful turn. VisitorID lets an anonymous
// client attach itself to future turns.
type DonePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	VisitorID      string `json:"visitorId,omitempty"`
}

// ErrorPayload terminates a failed turn, mutually exclusive with done
type ErrorPayload struct {
	Message string `json:"message"`
}

// Sink receives events in emission order. The engine is the sole producer;
// an Emit error means the transport is gone and the turn must cancel.
type Sink interface {
	Emit(ev Event) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ev Event) error

// Emit calls the wrapped function
func (f SinkFunc) Emit(ev Event) error {
	return f(ev)
}
