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

	"github.com/ashureev/chansync/internal/backend"
	"github.com/ashureev/chansync/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		provider TEXT,
		model TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS topics (
		topic_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_topics_session ON topics(session_id);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		topic_id TEXT NOT NULL,
		client_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		reasoning TEXT,
		status TEXT NOT NULL,
		payload_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_id, created_at);

	CREATE TABLE IF NOT EXISTS token_usage (
		topic_id TEXT PRIMARY KEY,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// messagePayload carries the structured message fields stored as JSON.
type messagePayload struct {
	ToolCalls []domain.ToolCall      `json:"tool_calls,omitempty"`
	Citations []domain.Citation      `json:"citations,omitempty"`
	Files     []domain.GeneratedFile `json:"files,omitempty"`
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSession creates a session record if it does not exist.
func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID string) error {
	query := `INSERT INTO sessions (session_id, created_at) VALUES (?, ?)
		ON CONFLICT(session_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, sessionID, time.Now().Unix()); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// ListSessions retrieves all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]backend.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, provider, model, created_at FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []backend.Session
	for rows.Next() {
		var sess backend.Session
		var provider, model sql.NullString
		var createdAt int64
		if err := rows.Scan(&sess.ID, &provider, &model, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.Provider = provider.String
		sess.Model = model.String
		sess.CreatedAt = time.Unix(createdAt, 0)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CreateTopic persists a new topic.
func (s *SQLiteStore) CreateTopic(ctx context.Context, topic *backend.Topic) error {
	query := `INSERT INTO topics (topic_id, session_id, title, provider, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		topic.ID, topic.SessionID, topic.Title, topic.Provider, topic.Model,
		topic.CreatedAt.Unix(), topic.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert topic: %w", err)
	}
	return nil
}

// GetTopic retrieves a topic by id.
func (s *SQLiteStore) GetTopic(ctx context.Context, topicID string) (*backend.Topic, error) {
	query := `SELECT topic_id, session_id, title, provider, model, created_at, updated_at
		FROM topics WHERE topic_id = ?`
	row := s.db.QueryRowContext(ctx, query, topicID)

	var topic backend.Topic
	var provider, model sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&topic.ID, &topic.SessionID, &topic.Title, &provider, &model, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan topic row: %w", err)
	}
	topic.Provider = provider.String
	topic.Model = model.String
	topic.CreatedAt = time.Unix(createdAt, 0)
	topic.UpdatedAt = time.Unix(updatedAt, 0)
	return &topic, nil
}

// ListTopics retrieves the topics owned by a session.
func (s *SQLiteStore) ListTopics(ctx context.Context, sessionID string) ([]backend.Topic, error) {
	query := `SELECT topic_id, session_id, title, provider, model, created_at, updated_at
		FROM topics WHERE session_id = ? ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer closeRows(rows, "topics")

	var topics []backend.Topic
	for rows.Next() {
		var topic backend.Topic
		var provider, model sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&topic.ID, &topic.SessionID, &topic.Title, &provider, &model, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan topic row: %w", err)
		}
		topic.Provider = provider.String
		topic.Model = model.String
		topic.CreatedAt = time.Unix(createdAt, 0)
		topic.UpdatedAt = time.Unix(updatedAt, 0)
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return topics, nil
}

// UpdateTopicTitle renames a topic.
func (s *SQLiteStore) UpdateTopicTitle(ctx context.Context, topicID, title string) error {
	query := `UPDATE topics SET title = ?, updated_at = ? WHERE topic_id = ?`
	result, err := s.db.ExecContext(ctx, query, title, time.Now().Unix(), topicID)
	if err != nil {
		return fmt.Errorf("update topic title: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTopicNotFound
	}
	return nil
}

// DeleteTopic removes a topic, its messages, and its token usage.
func (s *SQLiteStore) DeleteTopic(ctx context.Context, topicID string) error {
	return s.withRetry(ctx, "delete topic", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE topic_id = ?`, topicID); err != nil {
			return fmt.Errorf("delete topic messages: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM token_usage WHERE topic_id = ?`, topicID); err != nil {
			return fmt.Errorf("delete topic token usage: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM topics WHERE topic_id = ?`, topicID); err != nil {
			return fmt.Errorf("delete topic: %w", err)
		}
		return nil
	})
}

// ClearSessionTopics removes every topic owned by a session.
func (s *SQLiteStore) ClearSessionTopics(ctx context.Context, sessionID string) ([]string, error) {
	topics, err := s.ListTopics(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(topics))
	for _, topic := range topics {
		if err := s.DeleteTopic(ctx, topic.ID); err != nil {
			return ids, err
		}
		ids = append(ids, topic.ID)
	}
	return ids, nil
}

// InsertMessage persists a message for a topic.
func (s *SQLiteStore) InsertMessage(ctx context.Context, topicID string, msg *domain.Message) error {
	var payloadJSON interface{}
	if len(msg.ToolCalls) > 0 || len(msg.Citations) > 0 || len(msg.Files) > 0 {
		data, err := json.Marshal(messagePayload{
			ToolCalls: msg.ToolCalls,
			Citations: msg.Citations,
			Files:     msg.Files,
		})
		if err != nil {
			return fmt.Errorf("marshal message payload: %w", err)
		}
		payloadJSON = string(data)
	}

	query := `INSERT INTO messages (message_id, topic_id, client_id, role, content, reasoning, status, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			content = excluded.content,
			reasoning = excluded.reasoning,
			status = excluded.status,
			payload_json = excluded.payload_json`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, topicID, msg.ClientID, string(msg.Role), msg.Content, msg.Reasoning,
		string(msg.Status), payloadJSON, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages retrieves the persisted messages of a topic in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, topicID string) ([]*domain.Message, error) {
	query := `SELECT message_id, client_id, role, content, reasoning, status, payload_json, created_at
		FROM messages WHERE topic_id = ? ORDER BY created_at, message_id`
	rows, err := s.db.QueryContext(ctx, query, topicID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var clientID, reasoning, payloadJSON sql.NullString
		var role, status string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &clientID, &role, &msg.Content, &reasoning, &status, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.ClientID = clientID.String
		msg.Role = domain.MessageRole(role)
		msg.Reasoning = reasoning.String
		msg.Status = domain.MessageStatus(status)
		msg.CreatedAt = time.Unix(createdAt, 0)
		if payloadJSON.Valid && payloadJSON.String != "" {
			var payload messagePayload
			if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err != nil {
				slog.Warn("Skipping corrupt message payload", "message_id", msg.ID, "error", err)
			} else {
				msg.ToolCalls = payload.ToolCalls
				msg.Citations = payload.Citations
				msg.Files = payload.Files
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// UpdateMessageContent edits a persisted message.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, topicID, messageID, content string) (int64, error) {
	query := `UPDATE messages SET content = ? WHERE topic_id = ? AND message_id = ?`
	result, err := s.db.ExecContext(ctx, query, content, topicID, messageID)
	if err != nil {
		return 0, fmt.Errorf("update message: %w", err)
	}
	return result.RowsAffected()
}

// DeleteMessage removes a persisted message.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, topicID, messageID string) (int64, error) {
	query := `DELETE FROM messages WHERE topic_id = ? AND message_id = ?`
	result, err := s.db.ExecContext(ctx, query, topicID, messageID)
	if err != nil {
		return 0, fmt.Errorf("delete message: %w", err)
	}
	return result.RowsAffected()
}

// SetTokenUsage overwrites the cumulative token usage for a topic.
func (s *SQLiteStore) SetTokenUsage(ctx context.Context, topicID string, usage domain.TokenUsage) error {
	query := `INSERT INTO token_usage (topic_id, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(topic_id) DO UPDATE SET
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens`
	if _, err := s.db.ExecContext(ctx, query, topicID, usage.Prompt, usage.Completion, usage.Total); err != nil {
		return fmt.Errorf("set token usage: %w", err)
	}
	return nil
}

// GetTokenUsage retrieves cumulative token usage for a topic.
func (s *SQLiteStore) GetTokenUsage(ctx context.Context, topicID string) (domain.TokenUsage, error) {
	query := `SELECT prompt_tokens, completion_tokens, total_tokens FROM token_usage WHERE topic_id = ?`
	row := s.db.QueryRowContext(ctx, query, topicID)

	var usage domain.TokenUsage
	err := row.Scan(&usage.Prompt, &usage.Completion, &usage.Total)
	if err == sql.ErrNoRows {
		return domain.TokenUsage{}, nil
	}
	if err != nil {
		return domain.TokenUsage{}, fmt.Errorf("scan token usage: %w", err)
	}
	return usage, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry retries an operation with exponential backoff to handle
// SQLITE_BUSY errors from concurrent writers.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i)
				slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
		}
		return fmt.Errorf("%s after %d attempts: %w", op, i+1, err)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
