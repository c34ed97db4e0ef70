// Package domain defines the entities synchronized between the local
// channel store and the backend.
package domain

import (
	"time"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	// RoleUser is a message authored by the person chatting.
	RoleUser MessageRole = "user"
	// RoleAssistant is a message authored by the agent.
	RoleAssistant MessageRole = "assistant"
	// RoleTool is a tool invocation result surfaced as a message.
	RoleTool MessageRole = "tool"
)

// MessageStatus tracks a message through its lifecycle.
type MessageStatus string

const (
	// StatusPending is a placeholder that has not started producing content.
	StatusPending MessageStatus = "pending"
	// StatusSending is an optimistic local message awaiting backend acknowledgment.
	StatusSending MessageStatus = "sending"
	// StatusStreaming is a message receiving incremental content chunks.
	StatusStreaming MessageStatus = "streaming"
	// StatusThinking is a message receiving incremental reasoning chunks.
	StatusThinking MessageStatus = "thinking"
	// StatusCompleted is a finished message.
	StatusCompleted MessageStatus = "completed"
	// StatusFailed is a message whose send or generation failed.
	StatusFailed MessageStatus = "failed"
	// StatusCancelled is a message whose generation was aborted.
	StatusCancelled MessageStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal messages never
// contribute to a channel's responding state.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Citation references a search result cited by an assistant message.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// GeneratedFile references a file produced during a turn.
type GeneratedFile struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message belongs to exactly one Channel. ID is the server-assigned
// identifier and may be empty until the backend confirms the message;
// ClientID is assigned at creation, always present, and never reused.
type Message struct {
	ID       string      `json:"id,omitempty"`
	ClientID string      `json:"client_id"`
	Role     MessageRole `json:"role"`
	Content  string      `json:"content"`

	// Reasoning holds thinking-channel content, streamed independently of
	// the main content stream.
	Reasoning string `json:"reasoning,omitempty"`

	Status      MessageStatus `json:"status"`
	IsLoading   bool          `json:"is_loading,omitempty"`
	IsStreaming bool          `json:"is_streaming,omitempty"`
	IsThinking  bool          `json:"is_thinking,omitempty"`

	// StreamID correlates chunk events with this message while a stream
	// is live. Empty for non-streamed messages.
	StreamID string `json:"stream_id,omitempty"`

	Progress  string          `json:"progress,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Agent     *AgentExecution `json:"agent,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`
	Files     []GeneratedFile `json:"files,omitempty"`

	FileIDs []string `json:"file_ids,omitempty"`
	Context string   `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RuntimeOnly reports whether the message carries live state that must not
// be dropped during reconciliation: a non-terminal status or an agent
// execution record.
func (m *Message) RuntimeOnly() bool {
	return !m.Status.Terminal() || m.Agent != nil
}

// ToolCall returns the tool call with the given id, or nil.
func (m *Message) ToolCall(id string) *ToolCall {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == id {
			return &m.ToolCalls[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Agent != nil {
		cp.Agent = m.Agent.Clone()
	}
	if m.ToolCalls != nil {
		cp.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Citations != nil {
		cp.Citations = append([]Citation(nil), m.Citations...)
	}
	if m.Files != nil {
		cp.Files = append([]GeneratedFile(nil), m.Files...)
	}
	if m.FileIDs != nil {
		cp.FileIDs = append([]string(nil), m.FileIDs...)
	}
	return &cp
}
