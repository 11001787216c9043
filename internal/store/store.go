// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Agent, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAgentNotFound is returned when the referenced agent does not exist
var ErrAgentNotFound = errors.New("agent not found")

// ErrConversationNotFound is returned when a conversation does not exist or
// does not belong to the requesting identity/agent
var ErrConversationNotFound = errors.New("conversation not found")

// ErrDuplicateAgent is returned when creating an agent whose id already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// Role constants for message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation lifecycle status values
const (
	ConversationActive   = "active"
	ConversationResolved = "resolved"
)

// Agent is a configured conversational persona. Immutable during a single
// turn; mutated only through the administrative update path.
type Agent struct {
	ID             string
	AccountID      string
	Name           string
	Instructions   string
	Model          string
	Temperature    float64
	MaxTokens      int
	KnowledgeScope string // empty means no knowledge base attached
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Identity is the resolved caller identity for a turn. Exactly one of
// UserID or VisitorID is set - the resolver never merges the two.
type Identity struct {
	UserID    string
	VisitorID string
}

// Conversation is a durable thread of turns between one identity and one agent
type Conversation struct {
	ID        string
	AgentID   string
	UserID    string // authenticated user, mutually exclusive with VisitorID
	VisitorID string // anonymous visitor, mutually exclusive with UserID
	Status    string // "active" or "resolved"
	Channel   string // origin channel (widget, whatsapp, api)
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SourceRef records the provenance of a retrieved passage attached to an
// assistant message.
type SourceRef struct {
	Score      float64 `json:"score"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Excerpt    string  `json:"excerpt"`
}

// UserMeta is the typed metadata attached to user messages
type UserMeta struct {
	Channel string `json:"channel,omitempty"`
}

// AssistantMeta is the typed metadata attached to assistant messages
type AssistantMeta struct {
	Model        string      `json:"model"`
	TokensUsed   int         `json:"tokens_used"`
	SourcesFound int         `json:"sources_found"`
	Incomplete   bool        `json:"incomplete,omitempty"`
	LatencyMS    int64       `json:"latency_ms,omitempty"`
	Sources      []SourceRef `json:"sources,omitempty"`
}

// Message is a single turn entry within a conversation. Append-only; a
// conversation's message list is ordered by insertion and never mutated.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	UserMeta       *UserMeta
	AssistantMeta  *AssistantMeta
	CreatedAt      time.Time
}

// Store defines the interface for agent, conversation, and message persistence
type Store interface {
	// Agents (administrative path)
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, accountID string) ([]*Agent, error)

	// Conversations
	GetOrCreateConversation(ctx context.Context, agentID, conversationID string, ident Identity, channel string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ResolveConversation(ctx context.Context, id string) error

	// Messages (append-only)
	AppendMessage(ctx context.Context, msg *Message) error
	ListHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
