package domain

// TokenUsage is cumulative token accounting for a channel. Protocol
// token_usage events overwrite it wholesale; it is not an accumulator.
type TokenUsage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// Channel is the synchronization state for one conversation topic. It is
// owned exclusively by the channel store and mutated only through the
// reducer, submission pipeline, reconciliation, or abort controller.
type Channel struct {
	TopicID   string
	SessionID string
	Title     string

	Messages []*Message

	Connected bool
	// Responding is derived: true while any message or agent execution is
	// in a non-terminal state. Recomputed after every state transition.
	Responding bool
	Aborting   bool
	Error      string

	Provider  string
	Model     string
	Knowledge string

	Usage TokenUsage
}

// RecomputeResponding derives the responding flag from current message
// statuses and returns the new value.
func (c *Channel) RecomputeResponding() bool {
	responding := false
	for _, m := range c.Messages {
		if !m.Status.Terminal() {
			responding = true
			break
		}
		if m.Agent != nil && m.Agent.Status == ExecRunning {
			responding = true
			break
		}
	}
	c.Responding = responding
	if !responding {
		c.Aborting = false
	}
	return responding
}

// MessageByID returns the message with the given server id, or nil.
func (c *Channel) MessageByID(id string) *Message {
	if id == "" {
		return nil
	}
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// MessageByClientID returns the optimistic message with the given client
// correlation id, or nil.
func (c *Channel) MessageByClientID(clientID string) *Message {
	if clientID == "" {
		return nil
	}
	for _, m := range c.Messages {
		if m.ClientID == clientID {
			return m
		}
	}
	return nil
}

// MessageByStream returns the message correlated with the given stream id,
// or nil.
func (c *Channel) MessageByStream(streamID string) *Message {
	if streamID == "" {
		return nil
	}
	for _, m := range c.Messages {
		if m.StreamID == streamID {
			return m
		}
	}
	return nil
}

// LastAssistant returns the most recent assistant message, or nil.
func (c *Channel) LastAssistant() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i]
		}
	}
	return nil
}

// RemoveMessage removes a message from the sequence by client id. Returns
// the removed message, or nil if not present.
func (c *Channel) RemoveMessage(clientID string) *Message {
	for i, m := range c.Messages {
		if m.ClientID == clientID {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			return m
		}
	}
	return nil
}

// Snapshot returns a deep copy safe to hand to the presentation layer.
func (c *Channel) Snapshot() *Channel {
	cp := *c
	cp.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		cp.Messages[i] = m.Clone()
	}
	return &cp
}
