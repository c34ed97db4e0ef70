// Package protocol defines the wire events and commands exchanged with the
// chat backend over the persistent connection.
package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/ashureev/chansync/internal/domain"
)

// EventType discriminates inbound protocol events.
type EventType string

// Inbound event types. The reducer dispatches over this set exhaustively;
// adding a type here without a reducer case is a bug.
const (
	EventProcessing       EventType = "processing"
	EventLoading          EventType = "loading"
	EventStreamingStart   EventType = "streaming_start"
	EventStreamingChunk   EventType = "streaming_chunk"
	EventStreamingEnd     EventType = "streaming_end"
	EventThinkingStart    EventType = "thinking_start"
	EventThinkingChunk    EventType = "thinking_chunk"
	EventThinkingEnd      EventType = "thinking_end"
	EventMessage          EventType = "message"
	EventMessageAck       EventType = "message_ack"
	EventMessageSaved     EventType = "message_saved"
	EventToolCallRequest  EventType = "tool_call_request"
	EventToolCallResponse EventType = "tool_call_response"
	EventError            EventType = "error"
	EventInsufficientBal  EventType = "insufficient_balance"
	EventParallelLimit    EventType = "parallel_chat_limit"
	EventStreamAborted    EventType = "stream_aborted"
	EventTopicUpdated     EventType = "topic_updated"
	EventAgentStart       EventType = "agent_start"
	EventAgentEnd         EventType = "agent_end"
	EventAgentError       EventType = "agent_error"
	EventNodeStart        EventType = "node_start"
	EventNodeEnd          EventType = "node_end"
	EventSubagentStart    EventType = "subagent_start"
	EventSubagentEnd      EventType = "subagent_end"
	EventProgressUpdate   EventType = "progress_update"
	EventTokenUsage       EventType = "token_usage"
	EventSearchCitations  EventType = "search_citations"
	EventGeneratedFiles   EventType = "generated_files"
)

// TopicInfo carries topic metadata on topic_updated events.
type TopicInfo struct {
	TopicID  string `json:"topic_id"`
	Title    string `json:"title,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Event is an inbound protocol event. Type discriminates which of the
// optional fields are meaningful.
type Event struct {
	Type    EventType `json:"type"`
	TopicID string    `json:"topic_id"`

	// StreamID correlates chunk and stream lifecycle events.
	StreamID string `json:"stream_id,omitempty"`
	// MessageID addresses a message by its server id.
	MessageID string `json:"message_id,omitempty"`
	// ClientID addresses an optimistic message (message_ack).
	ClientID string `json:"client_id,omitempty"`

	// Delta is the incremental payload of streaming_chunk / thinking_chunk.
	Delta string `json:"delta,omitempty"`

	// Message is a complete message payload (message upserts and final
	// streaming_end corrections).
	Message *domain.Message `json:"message,omitempty"`

	ToolCall *domain.ToolCall `json:"tool_call,omitempty"`
	// Confirm is set on tool_call_request when the call must be explicitly
	// confirmed by the user before it proceeds.
	Confirm bool `json:"confirm,omitempty"`

	// Node and Subagent name the phase or nested run on agent events.
	Node     string `json:"node,omitempty"`
	Subagent string `json:"subagent,omitempty"`

	Progress string             `json:"progress,omitempty"`
	Usage    *domain.TokenUsage `json:"usage,omitempty"`

	Citations []domain.Citation      `json:"citations,omitempty"`
	Files     []domain.GeneratedFile `json:"files,omitempty"`

	Topic *TopicInfo `json:"topic,omitempty"`

	ErrorText string `json:"error,omitempty"`
}

// IsDelta reports whether the event is an incremental chunk. Delta events are
// buffered by the coalescer; everything else is structural and forces a
// flush before it is applied.
func (e Event) IsDelta() bool {
	return e.Type == EventStreamingChunk || e.Type == EventThinkingChunk
}

// DecodeEvent parses a wire frame into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return ev, nil
}

// EncodeEvent serializes an Event to a wire frame.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}
