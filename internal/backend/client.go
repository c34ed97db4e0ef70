package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/chansync/internal/domain"
)

// Client is the REST surface the sync engine consumes. Persisted history
// fetched here is authoritative during reconciliation.
type Client interface {
	// ListSessions retrieves all sessions.
	ListSessions(ctx context.Context) ([]Session, error)

	// ListTopics retrieves the topics owned by a session.
	ListTopics(ctx context.Context, sessionID string) ([]Topic, error)

	// CreateTopic creates a topic under a session.
	CreateTopic(ctx context.Context, sessionID, title string) (*Topic, error)

	// UpdateTopic renames a topic.
	UpdateTopic(ctx context.Context, topicID, title string) error

	// DeleteTopic removes a topic and its persisted messages.
	DeleteTopic(ctx context.Context, topicID string) error

	// ClearSessionTopics removes every topic owned by a session.
	ClearSessionTopics(ctx context.Context, sessionID string) error

	// ListMessages retrieves the persisted message history for a topic.
	ListMessages(ctx context.Context, topicID string) ([]*domain.Message, error)

	// TokenStats retrieves cumulative token usage for a topic.
	TokenStats(ctx context.Context, topicID string) (domain.TokenUsage, error)

	// UpdateMessage edits a persisted message's content.
	UpdateMessage(ctx context.Context, topicID, messageID, content string) error

	// DeleteMessage removes a persisted message.
	DeleteMessage(ctx context.Context, topicID, messageID string) error
}

// HTTPClient implements Client against the backend REST API.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient creates a REST client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base: baseURL,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// ListSessions retrieves all sessions.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListTopics retrieves the topics owned by a session.
func (c *HTTPClient) ListTopics(ctx context.Context, sessionID string) ([]Topic, error) {
	var topics []Topic
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/topics"
	if err := c.do(ctx, http.MethodGet, path, nil, &topics); err != nil {
		return nil, err
	}
	return topics, nil
}

// CreateTopic creates a topic under a session.
func (c *HTTPClient) CreateTopic(ctx context.Context, sessionID, title string) (*Topic, error) {
	var topic Topic
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/topics"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"title": title}, &topic); err != nil {
		return nil, err
	}
	return &topic, nil
}

// UpdateTopic renames a topic.
func (c *HTTPClient) UpdateTopic(ctx context.Context, topicID, title string) error {
	path := "/api/topics/" + url.PathEscape(topicID)
	return c.do(ctx, http.MethodPatch, path, map[string]string{"title": title}, nil)
}

// DeleteTopic removes a topic and its persisted messages.
func (c *HTTPClient) DeleteTopic(ctx context.Context, topicID string) error {
	path := "/api/topics/" + url.PathEscape(topicID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ClearSessionTopics removes every topic owned by a session.
func (c *HTTPClient) ClearSessionTopics(ctx context.Context, sessionID string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/topics"
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ListMessages retrieves the persisted message history for a topic.
func (c *HTTPClient) ListMessages(ctx context.Context, topicID string) ([]*domain.Message, error) {
	var messages []*domain.Message
	path := "/api/topics/" + url.PathEscape(topicID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// TokenStats retrieves cumulative token usage for a topic.
func (c *HTTPClient) TokenStats(ctx context.Context, topicID string) (domain.TokenUsage, error) {
	var usage domain.TokenUsage
	path := "/api/topics/" + url.PathEscape(topicID) + "/tokens"
	if err := c.do(ctx, http.MethodGet, path, nil, &usage); err != nil {
		return domain.TokenUsage{}, err
	}
	return usage, nil
}

// UpdateMessage edits a persisted message's content.
func (c *HTTPClient) UpdateMessage(ctx context.Context, topicID, messageID, content string) error {
	path := "/api/topics/" + url.PathEscape(topicID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodPatch, path, map[string]string{"content": content}, nil)
}

// DeleteMessage removes a persisted message.
func (c *HTTPClient) DeleteMessage(ctx context.Context, topicID, messageID string) error {
	path := "/api/topics/" + url.PathEscape(topicID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
