// Package store provides data persistence interfaces and implementations
// for the dev backend.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/chansync/internal/backend"
	"github.com/ashureev/chansync/internal/domain"
)

// ErrTopicNotFound reports an operation against a topic id with no record.
var ErrTopicNotFound = errors.New("topic not found")

// Repository defines the interface for persisting sessions, topics, and
// message history.
type Repository interface {
	// EnsureSession creates a session record if it does not exist.
	EnsureSession(ctx context.Context, sessionID string) error

	// ListSessions retrieves all sessions.
	ListSessions(ctx context.Context) ([]backend.Session, error)

	// CreateTopic persists a new topic.
	CreateTopic(ctx context.Context, topic *backend.Topic) error

	// GetTopic retrieves a topic by id. Returns nil when not found.
	GetTopic(ctx context.Context, topicID string) (*backend.Topic, error)

	// ListTopics retrieves the topics owned by a session.
	ListTopics(ctx context.Context, sessionID string) ([]backend.Topic, error)

	// UpdateTopicTitle renames a topic.
	UpdateTopicTitle(ctx context.Context, topicID, title string) error

	// DeleteTopic removes a topic, its messages, and its token usage.
	DeleteTopic(ctx context.Context, topicID string) error

	// ClearSessionTopics removes every topic owned by a session. Returns
	// the removed topic ids.
	ClearSessionTopics(ctx context.Context, sessionID string) ([]string, error)

	// InsertMessage persists a message for a topic.
	InsertMessage(ctx context.Context, topicID string, msg *domain.Message) error

	// ListMessages retrieves the persisted messages of a topic in
	// creation order.
	ListMessages(ctx context.Context, topicID string) ([]*domain.Message, error)

	// UpdateMessageContent edits a persisted message. Returns the number
	// of rows affected.
	UpdateMessageContent(ctx context.Context, topicID, messageID, content string) (int64, error)

	// DeleteMessage removes a persisted message. Returns the number of
	// rows affected.
	DeleteMessage(ctx context.Context, topicID, messageID string) (int64, error)

	// SetTokenUsage overwrites the cumulative token usage for a topic.
	SetTokenUsage(ctx context.Context, topicID string, usage domain.TokenUsage) error

	// GetTokenUsage retrieves cumulative token usage for a topic.
	GetTokenUsage(ctx context.Context, topicID string) (domain.TokenUsage, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
