// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			name            TEXT NOT NULL,
			instructions    TEXT NOT NULL,
			model           TEXT NOT NULL,
			temperature     REAL NOT NULL DEFAULT 0.7,
			max_tokens      INTEGER NOT NULL DEFAULT 1024,
			knowledge_scope TEXT NOT NULL DEFAULT '',
			active          INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_account ON agents(account_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			visitor_id TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'active',
			channel    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			FOREIGN KEY (agent_id) REFERENCES agents(id),
			CHECK (status IN ('active', 'resolved')),
			CHECK (user_id = '' OR visitor_id = '')
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_visitor ON conversations(agent_id, visitor_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
		table  string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'channel'`,
			apply:  `ALTER TABLE conversations ADD COLUMN channel TEXT NOT NULL DEFAULT ''`,
			column: "channel",
			table:  "conversations",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('agents') WHERE name = 'knowledge_scope'`,
			apply:  `ALTER TABLE agents ADD COLUMN knowledge_scope TEXT NOT NULL DEFAULT ''`,
			column: "knowledge_scope",
			table:  "agents",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateAgent inserts a new agent. Returns ErrDuplicateAgent if the id is taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, account_id, name, instructions, model, temperature,
			max_tokens, knowledge_scope, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.AccountID,
		agent.Name,
		agent.Instructions,
		agent.Model,
		agent.Temperature,
		agent.MaxTokens,
		agent.KnowledgeScope,
		boolToInt(agent.Active),
		agent.CreatedAt.UTC().Format(time.RFC3339),
		agent.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrAgentNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, account_id, name, instructions, model, temperature,
			max_tokens, knowledge_scope, active, created_at, updated_at
		FROM agents
		WHERE id = ?
	`

	return s.scanAgent(s.db.QueryRowContext(ctx, query, id))
}

// UpdateAgent updates an existing agent's configuration.
// Returns ErrAgentNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	query := `
		UPDATE agents
		SET name = ?, instructions = ?, model = ?, temperature = ?,
			max_tokens = ?, knowledge_scope = ?, active = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.Name,
		agent.Instructions,
		agent.Model,
		agent.Temperature,
		agent.MaxTokens,
		agent.KnowledgeScope,
		boolToInt(agent.Active),
		time.Now().UTC().Format(time.RFC3339),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAgentNotFound
	}

	s.logger.Debug("updated agent", "id", agent.ID)
	return nil
}

// ListAgents retrieves all agents for an account, most recently updated first.
// An empty accountID lists every agent.
func (s *SQLiteStore) ListAgents(ctx context.Context, accountID string) ([]*Agent, error) {
	query := `
		SELECT id, account_id, name, instructions, model, temperature,
			max_tokens, knowledge_scope, active, created_at, updated_at
		FROM agents
	`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var active int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&agent.ID,
		&agent.AccountID,
		&agent.Name,
		&agent.Instructions,
		&agent.Model,
		&agent.Temperature,
		&agent.MaxTokens,
		&agent.KnowledgeScope,
		&active,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.Active = active != 0
	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &agent, nil
}

// GetOrCreateConversation resolves the conversation for a turn.
// If conversationID is given, the conversation must exist, belong to the
// agent, and belong to the supplied identity - otherwise
// ErrConversationNotFound is returned (existence is not leaked to callers
// holding the wrong identity). With no id a new conversation is created
// recording the originating channel. Two concurrent calls with no id may
// race and create duplicates; that race is documented, not deduplicated.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, agentID, conversationID string, ident Identity, channel string) (*Conversation, error) {
	if conversationID != "" {
		conv, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if conv.AgentID != agentID {
			return nil, ErrConversationNotFound
		}
		if conv.UserID != ident.UserID || conv.VisitorID != ident.VisitorID {
			return nil, ErrConversationNotFound
		}
		return conv, nil
	}

	now := time.Now()
	conv := &Conversation{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		UserID:    ident.UserID,
		VisitorID: ident.VisitorID,
		Status:    ConversationActive,
		Channel:   channel,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO conversations (id, agent_id, user_id, visitor_id, status, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.AgentID,
		conv.UserID,
		conv.VisitorID,
		conv.Status,
		conv.Channel,
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "agent_id", agentID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, agent_id, user_id, visitor_id, status, channel, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`

	var conv Conversation
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.AgentID,
		&conv.UserID,
		&conv.VisitorID,
		&conv.Status,
		&conv.Channel,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// ResolveConversation flips a conversation's status to resolved.
// Returns ErrConversationNotFound if it doesn't exist.
func (s *SQLiteStore) ResolveConversation(ctx context.Context, id string) error {
	query := `UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		ConversationResolved,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// AppendMessage appends a message to a conversation. Always appends; never
// overwrites. A failed write is surfaced, never silently dropped.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	var metadataJSON *string
	switch {
	case msg.AssistantMeta != nil:
		data, err := json.Marshal(msg.AssistantMeta)
		if err != nil {
			return fmt.Errorf("encoding assistant metadata: %w", err)
		}
		str := string(data)
		metadataJSON = &str
	case msg.UserMeta != nil:
		data, err := json.Marshal(msg.UserMeta)
		if err != nil {
			return fmt.Errorf("encoding user metadata: %w", err)
		}
		str := string(data)
		metadataJSON = &str
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		metadataJSON,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	// Touch the conversation so listing by recency works
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// ListHistory returns the most recent limit messages for a conversation in
// chronological (append) order. If limit is 0 or negative, 50 is used.
// Ordering is by the monotonic insert sequence, so interleaved turns read
// back in exactly the order they were appended.
func (s *SQLiteStore) ListHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, conversation_id, role, content, metadata_json, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var metadataJSON *string
		var createdAtStr string

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&metadataJSON,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		if metadataJSON != nil {
			switch msg.Role {
			case RoleAssistant:
				var meta AssistantMeta
				if err := json.Unmarshal([]byte(*metadataJSON), &meta); err != nil {
					return nil, fmt.Errorf("decoding assistant metadata: %w", err)
				}
				msg.AssistantMeta = &meta
			case RoleUser:
				var meta UserMeta
				if err := json.Unmarshal([]byte(*metadataJSON), &meta); err != nil {
					return nil, fmt.Errorf("decoding user metadata: %w", err)
				}
				msg.UserMeta = &meta
			}
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	// Query returned newest-first; reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
