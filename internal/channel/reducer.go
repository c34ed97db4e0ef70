package channel

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chansync/internal/domain"
	"github.com/ashureev/chansync/internal/protocol"
)

// Effects are side effects the engine must perform after a reducer
// transition commits. The reducer itself only mutates the channel.
type Effects struct {
	// Notification, if set, is published on the side channel.
	Notification *Notification
	// AbortAcked means the backend acknowledged an abort; the fallback
	// timer for this topic must be cleared.
	AbortAcked bool
	// StreamTerminal means a generation reached a terminal event. Idle
	// non-primary transports are reclaimed after such transitions.
	StreamTerminal bool
}

// Apply is the event reducer: a total function from (channel, event) to a
// mutated channel, one case per protocol event type. The channel's derived
// responding flag is recomputed after every transition.
func Apply(ch *domain.Channel, ev protocol.Event, now time.Time) Effects {
	var eff Effects

	switch ev.Type {
	case protocol.EventProcessing, protocol.EventLoading:
		applyLoading(ch, ev, now)

	case protocol.EventStreamingStart:
		m := ensureStreamMessage(ch, ev, now)
		m.IsLoading = false
		m.IsStreaming = true
		m.Status = domain.StatusStreaming

	case protocol.EventStreamingChunk:
		m := ensureStreamMessage(ch, ev, now)
		m.IsLoading = false
		m.Content += ev.Delta
		if !m.Status.Terminal() {
			m.Status = domain.StatusStreaming
		}

	case protocol.EventStreamingEnd:
		applyStreamingEnd(ch, ev)
		eff.StreamTerminal = true

	case protocol.EventThinkingStart:
		m := ensureStreamMessage(ch, ev, now)
		m.IsLoading = false
		m.IsThinking = true
		if !m.Status.Terminal() && !m.IsStreaming {
			m.Status = domain.StatusThinking
		}

	case protocol.EventThinkingChunk:
		m := ensureStreamMessage(ch, ev, now)
		m.IsLoading = false
		m.Reasoning += ev.Delta
		if !m.Status.Terminal() && !m.IsStreaming {
			m.Status = domain.StatusThinking
		}

	case protocol.EventThinkingEnd:
		if m := ch.MessageByStream(ev.StreamID); m != nil {
			m.IsThinking = false
			if m.Status == domain.StatusThinking {
				if m.IsStreaming {
					m.Status = domain.StatusStreaming
				} else {
					m.Status = domain.StatusPending
				}
			}
		}

	case protocol.EventMessage:
		applyUpsert(ch, ev, now)

	case protocol.EventMessageAck:
		// No-op when the optimistic message was already reconciled away.
		if m := ch.MessageByClientID(ev.ClientID); m != nil {
			m.ID = ev.MessageID
			if m.Status == domain.StatusSending {
				m.Status = domain.StatusCompleted
			}
			eff.StreamTerminal = true
		}

	case protocol.EventMessageSaved:
		applyMessageSaved(ch, ev)

	case protocol.EventToolCallRequest:
		eff.Notification = applyToolCallRequest(ch, ev, now)

	case protocol.EventToolCallResponse:
		applyToolCallResponse(ch, ev)

	case protocol.EventError:
		eff.Notification = &Notification{Kind: NotifyError, TopicID: ch.TopicID, Text: ev.ErrorText}

	case protocol.EventInsufficientBal:
		eff.Notification = &Notification{Kind: NotifyInsufficientBalance, TopicID: ch.TopicID, Text: ev.ErrorText}

	case protocol.EventParallelLimit:
		eff.Notification = &Notification{Kind: NotifyParallelChatLimit, TopicID: ch.TopicID, Text: ev.ErrorText}

	case protocol.EventStreamAborted:
		applyStreamAborted(ch, ev, now)
		eff.AbortAcked = true
		eff.StreamTerminal = true

	case protocol.EventTopicUpdated:
		if ev.Topic != nil {
			if ev.Topic.Title != "" {
				ch.Title = ev.Topic.Title
			}
			if ev.Topic.Provider != "" {
				ch.Provider = ev.Topic.Provider
			}
			if ev.Topic.Model != "" {
				ch.Model = ev.Topic.Model
			}
		}

	case protocol.EventAgentStart:
		m := ensureStreamMessage(ch, ev, now)
		m.IsLoading = false
		m.Agent = &domain.AgentExecution{Status: domain.ExecRunning, StartedAt: now}

	case protocol.EventAgentEnd:
		if m := findAgentMessage(ch, ev); m != nil && m.Agent != nil {
			m.Agent.Finalize(domain.ExecCompleted, now)
			if !m.Status.Terminal() && !m.IsStreaming && !m.IsThinking {
				m.Status = domain.StatusCompleted
			}
		}
		eff.StreamTerminal = true

	case protocol.EventAgentError:
		if m := findAgentMessage(ch, ev); m != nil {
			if m.Agent != nil {
				m.Agent.Finalize(domain.ExecError, now)
				m.Agent.Error = ev.ErrorText
			}
			m.IsStreaming = false
			m.IsThinking = false
			m.IsLoading = false
			m.Status = domain.StatusFailed
		}
		eff.StreamTerminal = true

	case protocol.EventNodeStart:
		if m := findAgentMessage(ch, ev); m != nil && m.Agent != nil {
			if m.Agent.Phase(ev.Node) == nil {
				m.Agent.Phases = append(m.Agent.Phases, domain.ExecutionPhase{
					Name: ev.Node, Status: domain.ExecRunning, StartedAt: now,
				})
			}
		}

	case protocol.EventNodeEnd:
		if m := findAgentMessage(ch, ev); m != nil && m.Agent != nil {
			if p := m.Agent.Phase(ev.Node); p != nil && p.Status == domain.ExecRunning {
				p.Status = domain.ExecCompleted
				p.EndedAt = now
			}
		}

	case protocol.EventSubagentStart:
		if m := findAgentMessage(ch, ev); m != nil && m.Agent != nil {
			if m.Agent.Subagent(ev.Subagent) == nil {
				m.Agent.Subagents = append(m.Agent.Subagents, domain.SubagentExecution{
					Name: ev.Subagent, Status: domain.ExecRunning, StartedAt: now,
				})
			}
		}

	case protocol.EventSubagentEnd:
		if m := findAgentMessage(ch, ev); m != nil && m.Agent != nil {
			if sa := m.Agent.Subagent(ev.Subagent); sa != nil && sa.Status == domain.ExecRunning {
				sa.Status = domain.ExecCompleted
				sa.EndedAt = now
			}
		}

	case protocol.EventProgressUpdate:
		if m := findAgentMessage(ch, ev); m != nil {
			m.Progress = ev.Progress
		}

	case protocol.EventTokenUsage:
		// Monotonic overwrite, not an accumulator.
		if ev.Usage != nil {
			ch.Usage = *ev.Usage
		}

	case protocol.EventSearchCitations:
		if m := findAgentMessage(ch, ev); m != nil {
			m.Citations = ev.Citations
		}

	case protocol.EventGeneratedFiles:
		if m := findAgentMessage(ch, ev); m != nil {
			m.Files = ev.Files
		}

	default:
		slog.Debug("Ignoring unknown event type", "type", ev.Type, "topic_id", ch.TopicID)
	}

	ch.RecomputeResponding()
	return eff
}

// applyLoading ensures a loading placeholder exists for the upcoming turn.
func applyLoading(ch *domain.Channel, ev protocol.Event, now time.Time) {
	for _, m := range ch.Messages {
		if m.Role == domain.RoleAssistant && m.IsLoading && !m.Status.Terminal() {
			if m.StreamID == "" {
				m.StreamID = ev.StreamID
			}
			return
		}
	}
	ch.Messages = append(ch.Messages, &domain.Message{
		ClientID:  uuid.NewString(),
		Role:      domain.RoleAssistant,
		Status:    domain.StatusPending,
		IsLoading: true,
		StreamID:  ev.StreamID,
		CreatedAt: now,
	})
}

// ensureStreamMessage locates the message addressed by a stream event,
// adopting a loading placeholder or creating a new assistant message when
// none exists yet.
func ensureStreamMessage(ch *domain.Channel, ev protocol.Event, now time.Time) *domain.Message {
	if m := ch.MessageByStream(ev.StreamID); m != nil {
		return m
	}
	if m := ch.MessageByID(ev.MessageID); m != nil {
		if m.StreamID == "" {
			m.StreamID = ev.StreamID
		}
		return m
	}
	// Adopt the loading placeholder for this turn.
	for _, m := range ch.Messages {
		if m.Role == domain.RoleAssistant && m.IsLoading && !m.Status.Terminal() {
			m.StreamID = ev.StreamID
			return m
		}
	}
	m := &domain.Message{
		ID:        ev.MessageID,
		ClientID:  uuid.NewString(),
		Role:      domain.RoleAssistant,
		Status:    domain.StatusPending,
		StreamID:  ev.StreamID,
		CreatedAt: now,
	}
	ch.Messages = append(ch.Messages, m)
	return m
}

// applyStreamingEnd is authoritative: it finalizes content even when the
// coalescer had deltas pending (they are flushed before this event).
func applyStreamingEnd(ch *domain.Channel, ev protocol.Event) {
	m := ch.MessageByStream(ev.StreamID)
	if m == nil {
		m = ch.MessageByID(ev.MessageID)
	}
	if m == nil {
		return
	}
	m.IsStreaming = false
	m.IsLoading = false
	if ev.Message != nil && ev.Message.Content != "" {
		m.Content = ev.Message.Content
	}
	if ev.MessageID != "" {
		m.ID = ev.MessageID
	}
	agentRunning := m.Agent != nil && m.Agent.Status == domain.ExecRunning
	if !m.Status.Terminal() && !m.IsThinking && !agentRunning {
		m.Status = domain.StatusCompleted
	}
}

// applyUpsert handles complete message payloads (non-streamed turns or
// corrections).
func applyUpsert(ch *domain.Channel, ev protocol.Event, now time.Time) {
	if ev.Message == nil {
		return
	}
	in := ev.Message
	m := ch.MessageByID(in.ID)
	if m == nil {
		m = ch.MessageByClientID(in.ClientID)
	}
	if m == nil {
		cp := in.Clone()
		if cp.ClientID == "" {
			cp.ClientID = uuid.NewString()
		}
		if cp.Status == "" {
			cp.Status = domain.StatusCompleted
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		ch.Messages = append(ch.Messages, cp)
		return
	}
	if in.ID != "" {
		m.ID = in.ID
	}
	m.Content = in.Content
	if in.Reasoning != "" {
		m.Reasoning = in.Reasoning
	}
	if in.Status != "" {
		m.Status = in.Status
	}
	if m.Status.Terminal() {
		m.IsLoading = false
		m.IsStreaming = false
		m.IsThinking = false
	}
}

// applyMessageSaved confirms the persisted identity of a streamed message.
func applyMessageSaved(ch *domain.Channel, ev protocol.Event) {
	m := ch.MessageByStream(ev.StreamID)
	if m == nil && ev.ClientID != "" {
		m = ch.MessageByClientID(ev.ClientID)
	}
	if m == nil {
		m = ch.LastAssistant()
	}
	if m == nil || ev.MessageID == "" {
		return
	}
	m.ID = ev.MessageID
}

func applyToolCallRequest(ch *domain.Channel, ev protocol.Event, now time.Time) *Notification {
	if ev.ToolCall == nil {
		return nil
	}
	m := ensureStreamMessage(ch, ev, now)
	tc := *ev.ToolCall
	if ev.Confirm {
		tc.Status = domain.ToolWaitingConfirmation
	} else if tc.Status == "" {
		tc.Status = domain.ToolRunning
	}
	if existing := m.ToolCall(tc.ID); existing != nil {
		*existing = tc
	} else {
		m.ToolCalls = append(m.ToolCalls, tc)
	}
	if tc.Status == domain.ToolWaitingConfirmation {
		return &Notification{
			Kind:       NotifyToolConfirmation,
			TopicID:    ch.TopicID,
			Text:       tc.Name,
			ToolCallID: tc.ID,
		}
	}
	return nil
}

func applyToolCallResponse(ch *domain.Channel, ev protocol.Event) {
	if ev.ToolCall == nil {
		return
	}
	for _, m := range ch.Messages {
		tc := m.ToolCall(ev.ToolCall.ID)
		if tc == nil {
			continue
		}
		tc.Result = ev.ToolCall.Result
		if ev.ToolCall.Status != "" {
			tc.Status = ev.ToolCall.Status
		} else {
			tc.Status = domain.ToolCompleted
		}
		return
	}
}

// applyStreamAborted finalizes the addressed stream as cancelled.
func applyStreamAborted(ch *domain.Channel, ev protocol.Event, now time.Time) {
	finalize := func(m *domain.Message) {
		m.IsStreaming = false
		m.IsThinking = false
		m.IsLoading = false
		if !m.Status.Terminal() {
			m.Status = domain.StatusCancelled
		}
		if m.Agent != nil {
			m.Agent.Finalize(domain.ExecCancelled, now)
		}
		for i := range m.ToolCalls {
			if m.ToolCalls[i].Status == domain.ToolRunning || m.ToolCalls[i].Status == domain.ToolWaitingConfirmation {
				m.ToolCalls[i].Status = domain.ToolCancelled
			}
		}
	}

	if m := ch.MessageByStream(ev.StreamID); m != nil {
		finalize(m)
	} else {
		// No stream id: the whole in-flight generation is aborted.
		for _, m := range ch.Messages {
			if m.Role == domain.RoleAssistant && (!m.Status.Terminal() || (m.Agent != nil && m.Agent.Status == domain.ExecRunning)) {
				finalize(m)
			}
		}
	}
	ch.Aborting = false
}

// findAgentMessage resolves the message an agent/node/subagent event
// addresses: by stream, by id, falling back to the most recent assistant
// message.
func findAgentMessage(ch *domain.Channel, ev protocol.Event) *domain.Message {
	if m := ch.MessageByStream(ev.StreamID); m != nil {
		return m
	}
	if m := ch.MessageByID(ev.MessageID); m != nil {
		return m
	}
	return ch.LastAssistant()
}
