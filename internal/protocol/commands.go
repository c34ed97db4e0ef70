package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// CommandType discriminates outbound commands.
type CommandType string

// Outbound command types.
const (
	CommandSend            CommandType = "send"
	CommandRegenerate      CommandType = "regenerate"
	CommandToolCallConfirm CommandType = "tool_call_confirm"
	CommandToolCallCancel  CommandType = "tool_call_cancel"
	CommandAbort           CommandType = "abort"
)

// Command is an outbound frame sent to the backend.
type Command struct {
	Type    CommandType `json:"type"`
	TopicID string      `json:"topic_id"`

	// Send fields.
	Message  string   `json:"message,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	FileIDs  []string `json:"file_ids,omitempty"`
	Context  string   `json:"context,omitempty"`

	// Tool call confirm/cancel fields.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Reason is reported to the backend on tool_call_cancel.
	Reason string `json:"reason,omitempty"`
}

// DecodeCommand parses a wire frame into a Command.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("decode command: missing type")
	}
	return cmd, nil
}

// EncodeCommand serializes a Command to a wire frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return data, nil
}
