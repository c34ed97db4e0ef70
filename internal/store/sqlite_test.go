package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/chansync/internal/backend"
	"github.com/ashureev/chansync/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return repo
}

func newTestTopic(t *testing.T, repo Repository, sessionID, topicID string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.EnsureSession(ctx, sessionID); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	err := repo.CreateTopic(ctx, &backend.Topic{
		ID:        topicID,
		SessionID: sessionID,
		Title:     "Test topic",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
}

func TestSQLite_EnsureSessionIdempotent(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("First EnsureSession failed: %v", err)
	}
	if err := repo.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("Second EnsureSession failed: %v", err)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("Expected 1 session, got %d", len(sessions))
	}
}

func TestSQLite_TopicLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	newTestTopic(t, repo, "s1", "t1")

	topic, err := repo.GetTopic(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTopic failed: %v", err)
	}
	if topic == nil || topic.Title != "Test topic" {
		t.Fatalf("Unexpected topic: %+v", topic)
	}

	if err := repo.UpdateTopicTitle(ctx, "t1", "Renamed"); err != nil {
		t.Fatalf("UpdateTopicTitle failed: %v", err)
	}
	topic, err = repo.GetTopic(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTopic after rename failed: %v", err)
	}
	if topic.Title != "Renamed" {
		t.Errorf("Expected renamed title, got %q", topic.Title)
	}

	if err := repo.DeleteTopic(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTopic failed: %v", err)
	}
	topic, err = repo.GetTopic(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTopic after delete failed: %v", err)
	}
	if topic != nil {
		t.Errorf("Expected nil topic after delete, got %+v", topic)
	}
}

func TestSQLite_UpdateMissingTopicFails(t *testing.T) {
	repo := newTestStore(t)

	if err := repo.UpdateTopicTitle(context.Background(), "missing", "nope"); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("Expected ErrTopicNotFound renaming a missing topic, got %v", err)
	}
}

func TestSQLite_MessagesRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	newTestTopic(t, repo, "s1", "t1")

	base := time.Now().Add(-time.Minute)
	user := &domain.Message{
		ID:        "m1",
		ClientID:  "c1",
		Role:      domain.RoleUser,
		Content:   "question",
		Status:    domain.StatusCompleted,
		CreatedAt: base,
	}
	assistant := &domain.Message{
		ID:        "m2",
		Role:      domain.RoleAssistant,
		Content:   "answer",
		Reasoning: "worked it out",
		Status:    domain.StatusCompleted,
		ToolCalls: []domain.ToolCall{
			{ID: "tc1", Name: "lookup", Status: domain.ToolCompleted, Result: "found"},
		},
		CreatedAt: base.Add(time.Second),
	}
	if err := repo.InsertMessage(ctx, "t1", user); err != nil {
		t.Fatalf("InsertMessage user failed: %v", err)
	}
	if err := repo.InsertMessage(ctx, "t1", assistant); err != nil {
		t.Fatalf("InsertMessage assistant failed: %v", err)
	}

	msgs, err := repo.ListMessages(ctx, "t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("Expected creation order, got [%s %s]", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].ClientID != "c1" {
		t.Errorf("Expected client id preserved, got %q", msgs[0].ClientID)
	}
	if msgs[1].Reasoning != "worked it out" {
		t.Errorf("Expected reasoning preserved, got %q", msgs[1].Reasoning)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "tc1" {
		t.Errorf("Expected tool call payload round-tripped, got %+v", msgs[1].ToolCalls)
	}
}

func TestSQLite_InsertMessageUpsertsOnConflict(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	newTestTopic(t, repo, "s1", "t1")

	msg := &domain.Message{
		ID: "m1", Role: domain.RoleAssistant, Content: "draft",
		Status: domain.StatusStreaming, CreatedAt: time.Now(),
	}
	if err := repo.InsertMessage(ctx, "t1", msg); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	msg.Content = "final"
	msg.Status = domain.StatusCompleted
	if err := repo.InsertMessage(ctx, "t1", msg); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	msgs, err := repo.ListMessages(ctx, "t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message after upsert, got %d", len(msgs))
	}
	if msgs[0].Content != "final" || msgs[0].Status != domain.StatusCompleted {
		t.Errorf("Expected upserted content/status, got %q/%q", msgs[0].Content, msgs[0].Status)
	}
}

func TestSQLite_UpdateAndDeleteMessage(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	newTestTopic(t, repo, "s1", "t1")

	msg := &domain.Message{
		ID: "m1", Role: domain.RoleUser, Content: "typo",
		Status: domain.StatusCompleted, CreatedAt: time.Now(),
	}
	if err := repo.InsertMessage(ctx, "t1", msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	n, err := repo.UpdateMessageContent(ctx, "t1", "m1", "fixed")
	if err != nil {
		t.Fatalf("UpdateMessageContent failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 row updated, got %d", n)
	}
	n, err = repo.UpdateMessageContent(ctx, "t1", "missing", "nope")
	if err != nil {
		t.Fatalf("UpdateMessageContent for missing id failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 rows updated for missing id, got %d", n)
	}

	n, err = repo.DeleteMessage(ctx, "t1", "m1")
	if err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 row deleted, got %d", n)
	}
	msgs, err := repo.ListMessages(ctx, "t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected no messages, got %d", len(msgs))
	}
}

func TestSQLite_DeleteTopicRemovesMessagesAndUsage(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	newTestTopic(t, repo, "s1", "t1")

	msg := &domain.Message{
		ID: "m1", Role: domain.RoleUser, Content: "hi",
		Status: domain.StatusCompleted, CreatedAt: time.Now(),
	}
	if err := repo.InsertMessage(ctx, "t1", msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if err := repo.SetTokenUsage(ctx, "t1", domain.TokenUsage{Prompt: 1, Completion: 2, Total: 3}); err != nil {
		t.Fatalf("SetTokenUsage failed: %v", err)
	}

	if err := repo.DeleteTopic(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTopic failed: %v", err)
	}

	msgs, err := repo.ListMessages(ctx, "t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected messages removed with the topic, got %d", len(msgs))
	}
	usage, err := repo.GetTokenUsage(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTokenUsage failed: %v", err)
	}
	if usage.Total != 0 {
		t.Errorf("Expected usage removed with the topic, got %+v", usage)
	}
}

func TestSQLite_ClearSessionTopics(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	newTestTopic(t, repo, "s1", "t1")
	newTestTopic(t, repo, "s1", "t2")

	ids, err := repo.ClearSessionTopics(ctx, "s1")
	if err != nil {
		t.Fatalf("ClearSessionTopics failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 removed topic ids, got %d", len(ids))
	}

	topics, err := repo.ListTopics(ctx, "s1")
	if err != nil {
		t.Fatalf("ListTopics failed: %v", err)
	}
	if len(topics) != 0 {
		t.Errorf("Expected no topics left, got %d", len(topics))
	}
}

func TestSQLite_TokenUsageOverwrites(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	newTestTopic(t, repo, "s1", "t1")

	if err := repo.SetTokenUsage(ctx, "t1", domain.TokenUsage{Prompt: 10, Completion: 5, Total: 15}); err != nil {
		t.Fatalf("First SetTokenUsage failed: %v", err)
	}
	if err := repo.SetTokenUsage(ctx, "t1", domain.TokenUsage{Prompt: 20, Completion: 10, Total: 30}); err != nil {
		t.Fatalf("Second SetTokenUsage failed: %v", err)
	}

	usage, err := repo.GetTokenUsage(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTokenUsage failed: %v", err)
	}
	if usage.Total != 30 {
		t.Errorf("Expected overwritten total 30, got %d", usage.Total)
	}

	missing, err := repo.GetTokenUsage(ctx, "never-seen")
	if err != nil {
		t.Fatalf("GetTokenUsage for unknown topic failed: %v", err)
	}
	if missing != (domain.TokenUsage{}) {
		t.Errorf("Expected zero usage for unknown topic, got %+v", missing)
	}
}

func TestSQLite_EnsureSessionDuplicateTopicSameID(t *testing.T) {
	repo := newTestStore(t)
	newTestTopic(t, repo, "s1", "t1")

	err := repo.CreateTopic(context.Background(), &backend.Topic{
		ID: "t1", SessionID: "s1", Title: "dup",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err == nil {
		t.Error("Expected duplicate topic id to be rejected")
	}
}
