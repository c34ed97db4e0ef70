package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chansync/internal/domain"
	"github.com/ashureev/chansync/internal/protocol"
)

// chunkDelay paces scripted output so streaming is observable from a client.
const chunkDelay = 30 * time.Millisecond

func (s *session) handleSend(ctx context.Context, cmd protocol.Command) {
	if strings.TrimSpace(cmd.Message) == "" {
		s.writeEvent(protocol.Event{Type: protocol.EventError, ErrorText: "empty message"})
		return
	}

	userMsg := &domain.Message{
		ID:        uuid.New().String(),
		ClientID:  cmd.ClientID,
		Role:      domain.RoleUser,
		Content:   cmd.Message,
		Status:    domain.StatusCompleted,
		FileIDs:   cmd.FileIDs,
		Context:   cmd.Context,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.InsertMessage(ctx, s.topicID, userMsg); err != nil {
		slog.Error("Failed to persist user message", "error", err, "topic_id", s.topicID)
		s.writeEvent(protocol.Event{Type: protocol.EventError, ErrorText: "failed to save message"})
		return
	}
	s.writeEvent(protocol.Event{
		Type:      protocol.EventMessageAck,
		MessageID: userMsg.ID,
		ClientID:  cmd.ClientID,
	})

	s.runScripted(cmd.Message)
}

func (s *session) handleRegenerate(ctx context.Context) {
	msgs, err := s.repo.ListMessages(ctx, s.topicID)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "topic_id", s.topicID)
		s.writeEvent(protocol.Event{Type: protocol.EventError, ErrorText: "failed to load history"})
		return
	}
	var prompt string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			prompt = msgs[i].Content
			break
		}
	}
	if prompt == "" {
		s.writeEvent(protocol.Event{Type: protocol.EventError, ErrorText: "nothing to regenerate"})
		return
	}
	s.runScripted(prompt)
}

// runScripted starts the canned generation for prompt. A second generation
// while one is in flight mirrors a real backend's parallel-chat limit.
func (s *session) runScripted(prompt string) {
	started := s.startScript(func(ctx context.Context, tools <-chan toolResolution) {
		s.script(ctx, prompt, tools)
	})
	if !started {
		s.writeEvent(protocol.Event{
			Type:      protocol.EventParallelLimit,
			ErrorText: "a response is already being generated for this topic",
		})
	}
}

// script walks the full event sequence of one assistant turn: processing,
// loading, an agent run with a thinking phase, the answer stream, and the
// trailing persistence and usage events. It checks ctx between steps and
// emits stream_aborted when cancelled.
func (s *session) script(ctx context.Context, prompt string, tools <-chan toolResolution) {
	streamID := uuid.New().String()
	messageID := uuid.New().String()

	emit := func(ev protocol.Event) bool {
		if ctx.Err() != nil {
			return false
		}
		ev.StreamID = streamID
		s.writeEvent(ev)
		return s.pause(ctx)
	}
	aborted := func() {
		s.writeEvent(protocol.Event{Type: protocol.EventStreamAborted, StreamID: streamID})
	}

	if !emit(protocol.Event{Type: protocol.EventProcessing}) {
		aborted()
		return
	}
	if !emit(protocol.Event{Type: protocol.EventLoading, MessageID: messageID}) {
		aborted()
		return
	}

	if !emit(protocol.Event{Type: protocol.EventAgentStart, MessageID: messageID}) {
		aborted()
		return
	}
	if !emit(protocol.Event{Type: protocol.EventNodeStart, Node: "plan"}) {
		aborted()
		return
	}
	if !s.streamChunks(ctx, emit, protocol.EventThinkingStart, protocol.EventThinkingChunk, protocol.EventThinkingEnd,
		"Considering the request. "+fmt.Sprintf("The user asked about %q. ", firstWords(prompt, 6))+"Drafting a short answer.") {
		aborted()
		return
	}
	if !emit(protocol.Event{Type: protocol.EventNodeEnd, Node: "plan"}) {
		aborted()
		return
	}

	if strings.Contains(strings.ToLower(prompt), "tool") {
		if !s.runToolCall(ctx, emit, tools, messageID) {
			aborted()
			return
		}
	}

	if !emit(protocol.Event{Type: protocol.EventNodeStart, Node: "answer"}) {
		aborted()
		return
	}
	answer := "You said: " + prompt + "\n\nThis reply was streamed by the scripted dev agent."
	if !s.streamChunks(ctx, emit, protocol.EventStreamingStart, protocol.EventStreamingChunk, protocol.EventStreamingEnd, answer) {
		aborted()
		return
	}
	if !emit(protocol.Event{Type: protocol.EventNodeEnd, Node: "answer"}) {
		aborted()
		return
	}
	if !emit(protocol.Event{Type: protocol.EventAgentEnd, MessageID: messageID}) {
		aborted()
		return
	}

	assistant := &domain.Message{
		ID:        messageID,
		Role:      domain.RoleAssistant,
		Content:   answer,
		Status:    domain.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.InsertMessage(context.Background(), s.topicID, assistant); err != nil {
		slog.Error("Failed to persist assistant message", "error", err, "topic_id", s.topicID)
	}
	s.writeEvent(protocol.Event{
		Type:      protocol.EventMessageSaved,
		StreamID:  streamID,
		MessageID: messageID,
		Message:   assistant,
	})

	usage := s.accumulateUsage(len(prompt), len(answer))
	s.writeEvent(protocol.Event{Type: protocol.EventTokenUsage, Usage: &usage})
}

// streamChunks emits a start/chunk.../end run, splitting text on word
// boundaries so the client sees real incremental deltas.
func (s *session) streamChunks(ctx context.Context, emit func(protocol.Event) bool, start, chunk, end protocol.EventType, text string) bool {
	if !emit(protocol.Event{Type: start}) {
		return false
	}
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if !emit(protocol.Event{Type: chunk, Delta: w}) {
			return false
		}
	}
	return emit(protocol.Event{Type: end})
}

// runToolCall emits a confirmation-gated tool call and blocks on the user's
// confirm or cancel.
func (s *session) runToolCall(ctx context.Context, emit func(protocol.Event) bool, tools <-chan toolResolution, messageID string) bool {
	tc := &domain.ToolCall{
		ID:     uuid.New().String(),
		Name:   "lookup",
		Args:   `{"query":"scripted"}`,
		Status: domain.ToolWaitingConfirmation,
	}
	if !emit(protocol.Event{Type: protocol.EventToolCallRequest, MessageID: messageID, ToolCall: tc, Confirm: true}) {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case res := <-tools:
		if res.toolCallID != "" && res.toolCallID != tc.ID {
			slog.Warn("Tool resolution for unknown call", "got", res.toolCallID, "want", tc.ID)
		}
		done := *tc
		if res.confirmed {
			done.Status = domain.ToolCompleted
			done.Result = `{"answer":"scripted lookup result"}`
		} else {
			done.Status = domain.ToolCancelled
			done.Result = res.reason
		}
		return emit(protocol.Event{Type: protocol.EventToolCallResponse, MessageID: messageID, ToolCall: &done})
	}
}

// accumulateUsage folds this turn's rough token counts into the stored topic
// totals and returns the new totals.
func (s *session) accumulateUsage(promptLen, answerLen int) domain.TokenUsage {
	ctx := context.Background()
	usage, err := s.repo.GetTokenUsage(ctx, s.topicID)
	if err != nil {
		slog.Warn("Failed to load token usage", "error", err, "topic_id", s.topicID)
	}
	usage.Prompt += promptLen / 4
	usage.Completion += answerLen / 4
	usage.Total = usage.Prompt + usage.Completion
	if err := s.repo.SetTokenUsage(ctx, s.topicID, usage); err != nil {
		slog.Warn("Failed to store token usage", "error", err, "topic_id", s.topicID)
	}
	return usage
}

func (s *session) pause(ctx context.Context) bool {
	t := time.NewTimer(chunkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
