package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/chansync/internal/domain"
)

func TestMergeHistory_MatchesByServerID(t *testing.T) {
	ch := newTestChannel()
	ch.Messages = []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "local copy", Status: domain.StatusCompleted},
	}

	mergeHistory(ch, []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "persisted copy", Status: domain.StatusCompleted},
	})

	if len(ch.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(ch.Messages))
	}
	if ch.Messages[0].Content != "persisted copy" {
		t.Errorf("Expected the persisted copy to win, got %q", ch.Messages[0].Content)
	}
}

func TestMergeHistory_MatchesByClientIDEcho(t *testing.T) {
	ch := newTestChannel()
	ch.Messages = []*domain.Message{
		{ClientID: "c1", Role: domain.RoleUser, Content: "hi", Status: domain.StatusSending},
	}

	mergeHistory(ch, []*domain.Message{
		{ID: "m1", ClientID: "c1", Role: domain.RoleUser, Content: "hi", Status: domain.StatusCompleted},
	})

	if len(ch.Messages) != 1 {
		t.Fatalf("Expected the optimistic message folded, got %d messages", len(ch.Messages))
	}
	m := ch.Messages[0]
	if m.ID != "m1" {
		t.Errorf("Expected the persisted identity, got %q", m.ID)
	}
	if m.Status != domain.StatusCompleted {
		t.Errorf("Expected a delivered send to resolve to completed, got %q", m.Status)
	}
}

func TestMergeHistory_RuntimeStateSurvivesOnPersistedIdentity(t *testing.T) {
	ch := newTestChannel()
	ch.Messages = []*domain.Message{
		{
			ID:          "m2",
			Role:        domain.RoleAssistant,
			Content:     "partial str",
			Status:      domain.StatusStreaming,
			StreamID:    "s1",
			IsStreaming: true,
		},
	}

	mergeHistory(ch, []*domain.Message{
		{ID: "m2", Role: domain.RoleAssistant, Content: "", Status: domain.StatusCompleted},
	})

	m := ch.Messages[0]
	if m.StreamID != "s1" || !m.IsStreaming {
		t.Error("Expected live stream runtime fields transplanted")
	}
	if m.Status != domain.StatusStreaming {
		t.Errorf("Expected the live status carried, got %q", m.Status)
	}
	if m.Content != "partial str" {
		t.Errorf("Expected partial content preserved over empty persisted content, got %q", m.Content)
	}
}

func TestMergeHistory_FoldsOntoLatestUnmatchedSameRole(t *testing.T) {
	ch := newTestChannel()
	ch.Messages = []*domain.Message{
		// A local-only streaming assistant turn without any identity echo.
		{ClientID: "local-a", Role: domain.RoleAssistant, StreamID: "s1", Status: domain.StatusStreaming, IsStreaming: true},
	}

	mergeHistory(ch, []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "q", Status: domain.StatusCompleted},
		{ID: "m2", Role: domain.RoleAssistant, Content: "a", Status: domain.StatusCompleted},
	})

	if len(ch.Messages) != 2 {
		t.Fatalf("Expected the runtime turn folded, got %d messages", len(ch.Messages))
	}
	if ch.Messages[1].StreamID != "s1" {
		t.Error("Expected the stream transplanted onto the latest assistant message")
	}
	if ch.Messages[0].StreamID != "" {
		t.Error("Expected the user message untouched")
	}
}

func TestMergeHistory_FailedSendSurvives(t *testing.T) {
	ch := newTestChannel()
	ch.Messages = []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "first", Status: domain.StatusCompleted},
		{ClientID: "c-failed", Role: domain.RoleUser, Content: "never arrived", Status: domain.StatusFailed},
	}

	mergeHistory(ch, []*domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "first", Status: domain.StatusCompleted},
	})

	if len(ch.Messages) != 2 {
		t.Fatalf("Expected the failed send appended, got %d messages", len(ch.Messages))
	}
	last := ch.Messages[1]
	if last.ClientID != "c-failed" || last.Status != domain.StatusFailed {
		t.Errorf("Expected the failed send preserved for retry, got %+v", last)
	}
}

func TestMergeHistory_LocalOnlyRuntimeAppendedWhenNothingMatches(t *testing.T) {
	ch := newTestChannel()
	ch.Messages = []*domain.Message{
		{ClientID: "c1", Role: domain.RoleUser, Content: "in flight", Status: domain.StatusSending},
	}

	mergeHistory(ch, nil)

	if len(ch.Messages) != 1 {
		t.Fatalf("Expected the in-flight send kept, got %d messages", len(ch.Messages))
	}
	if ch.Messages[0].ClientID != "c1" {
		t.Errorf("Expected the local send appended, got %+v", ch.Messages[0])
	}
}

func TestMergeHistory_Idempotent(t *testing.T) {
	persisted := []*domain.Message{
		{ID: "m1", ClientID: "c1", Role: domain.RoleUser, Content: "q", Status: domain.StatusCompleted},
		{ID: "m2", Role: domain.RoleAssistant, Content: "a", Status: domain.StatusCompleted},
	}

	ch := newTestChannel()
	ch.Messages = []*domain.Message{
		{ClientID: "c1", Role: domain.RoleUser, Content: "q", Status: domain.StatusSending},
	}

	mergeHistory(ch, persisted)
	first := ch.Snapshot()
	mergeHistory(ch, persisted)

	if len(ch.Messages) != len(first.Messages) {
		t.Fatalf("Expected a second merge to be a no-op, got %d vs %d messages",
			len(ch.Messages), len(first.Messages))
	}
	for i := range ch.Messages {
		if ch.Messages[i].ID != first.Messages[i].ID || ch.Messages[i].Status != first.Messages[i].Status {
			t.Errorf("Message %d diverged across merges: %+v vs %+v", i, ch.Messages[i], first.Messages[i])
		}
	}
}

func TestReconcile_RefusesRespondingChannel(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	if err := e.Activate(ctx, "session-1", "t1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if _, err := e.Send(ctx, "t1", "streaming now", SendOptions{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := e.Reconcile(ctx, "t1"); !errors.Is(err, ErrChannelResponding) {
		t.Errorf("Expected ErrChannelResponding, got %v", err)
	}
}

func TestReconcile_UnknownTopic(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	if err := e.Reconcile(context.Background(), "missing"); !errors.Is(err, ErrNoSuchTopic) {
		t.Errorf("Expected ErrNoSuchTopic, got %v", err)
	}
}

func TestReconcile_PullsUsage(t *testing.T) {
	e, _, be := newTestEngine(t, Config{})
	ctx := context.Background()

	if err := e.Activate(ctx, "session-1", "t1"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	be.mu.Lock()
	be.usage["t1"] = domain.TokenUsage{Prompt: 10, Completion: 20, Total: 30}
	be.mu.Unlock()

	if err := e.Reconcile(ctx, "t1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := e.Snapshot("t1").Usage.Total; got != 30 {
		t.Errorf("Expected usage total 30, got %d", got)
	}
}
