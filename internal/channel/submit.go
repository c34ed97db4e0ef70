package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chansync/internal/domain"
	"github.com/ashureev/chansync/internal/protocol"
)

// SendOptions carries optional send payload fields.
type SendOptions struct {
	FileIDs []string
	Context string
}

// Send performs an optimistic submit: it inserts a local message with a
// fresh client correlation id, marks the channel responding, and transmits
// the payload. A synchronous transmission failure marks the message failed
// (never removes it) so it can be retried. Returns the client id of the
// optimistic message.
func (e *Engine) Send(ctx context.Context, topicID, text string, opts SendOptions) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}

	conn, err := e.prepareSend(ctx, topicID)
	if err != nil {
		return "", err
	}

	clientID := uuid.NewString()
	if err := e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return ErrNoSuchTopic
		}
		if ch.Responding {
			return ErrChannelResponding
		}
		ch.Messages = append(ch.Messages, &domain.Message{
			ClientID:  clientID,
			Role:      domain.RoleUser,
			Content:   text,
			Status:    domain.StatusSending,
			FileIDs:   opts.FileIDs,
			Context:   opts.Context,
			CreatedAt: time.Now(),
		})
		ch.Responding = true
		e.resetWatchdog(topicID)
		e.fireUpdate(topicID)
		return nil
	}); err != nil {
		return "", err
	}

	cmd := protocol.Command{
		Type:     protocol.CommandSend,
		TopicID:  topicID,
		Message:  text,
		ClientID: clientID,
		FileIDs:  opts.FileIDs,
		Context:  opts.Context,
	}
	if err := conn.Send(ctx, cmd); err != nil {
		e.failSend(topicID, clientID)
		return clientID, fmt.Errorf("send message: %w", err)
	}
	return clientID, nil
}

// prepareSend validates channel state and returns a live transport,
// establishing one within the bounded connect wait if necessary.
func (e *Engine) prepareSend(ctx context.Context, topicID string) (Transport, error) {
	var conn Transport
	check := func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return ErrNoSuchTopic
		}
		if ch.Responding {
			return ErrChannelResponding
		}
		if e.uploads[topicID] > 0 {
			return ErrUploadsPending
		}
		conn = e.conns[topicID]
		return nil
	}
	if err := e.doWait(check); err != nil {
		return nil, err
	}
	if conn != nil {
		return conn, nil
	}

	e.Connect(ctx, topicID)
	if err := e.doWait(check); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// failSend marks the optimistic message failed and recomputes responding.
func (e *Engine) failSend(topicID, clientID string) {
	_ = e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return nil
		}
		if m := ch.MessageByClientID(clientID); m != nil {
			m.Status = domain.StatusFailed
		}
		ch.RecomputeResponding()
		if !ch.Responding {
			e.stopWatchdog(topicID)
		}
		e.fireUpdate(topicID)
		return nil
	})
}

// Retry re-sends a failed message as a fresh optimistic submit with the
// original content. The stale copy is removed only once its replacement is
// in the sequence: a retry that fails before the insert leaves the failed
// message in place so the content is never lost.
func (e *Engine) Retry(ctx context.Context, topicID, clientID string) (string, error) {
	var text string
	var opts SendOptions
	if err := e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return ErrNoSuchTopic
		}
		m := ch.MessageByClientID(clientID)
		if m == nil {
			return fmt.Errorf("message %s: %w", clientID, ErrNoSuchTopic)
		}
		if m.Status != domain.StatusFailed {
			return ErrNotRetryable
		}
		text = m.Content
		opts = SendOptions{FileIDs: m.FileIDs, Context: m.Context}
		return nil
	}); err != nil {
		return "", err
	}

	newID, err := e.Send(ctx, topicID, text, opts)
	if newID == "" {
		return "", err
	}
	// The replacement exists (possibly marked failed itself); the old copy
	// is now redundant.
	_ = e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return nil
		}
		ch.RemoveMessage(clientID)
		e.fireUpdate(topicID)
		return nil
	})
	return newID, err
}

// Regenerate asks the backend to redo the last assistant turn.
func (e *Engine) Regenerate(ctx context.Context, topicID string) error {
	conn, err := e.prepareSend(ctx, topicID)
	if err != nil {
		return err
	}
	if err := e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return ErrNoSuchTopic
		}
		ch.Messages = append(ch.Messages, &domain.Message{
			ClientID:  uuid.NewString(),
			Role:      domain.RoleAssistant,
			Status:    domain.StatusPending,
			IsLoading: true,
			CreatedAt: time.Now(),
		})
		ch.Responding = true
		e.resetWatchdog(topicID)
		e.fireUpdate(topicID)
		return nil
	}); err != nil {
		return err
	}
	if err := conn.Send(ctx, protocol.Command{Type: protocol.CommandRegenerate, TopicID: topicID}); err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}
	return nil
}

// ConfirmToolCall unblocks a tool call waiting on user confirmation.
func (e *Engine) ConfirmToolCall(ctx context.Context, topicID, toolCallID string) error {
	return e.resolveToolCall(ctx, topicID, toolCallID, true, "")
}

// CancelToolCall rejects a waiting tool call, reporting the reason to the
// backend.
func (e *Engine) CancelToolCall(ctx context.Context, topicID, toolCallID, reason string) error {
	return e.resolveToolCall(ctx, topicID, toolCallID, false, reason)
}

func (e *Engine) resolveToolCall(ctx context.Context, topicID, toolCallID string, confirm bool, reason string) error {
	var conn Transport
	if err := e.doWait(func() error {
		if e.store.Get(topicID) == nil {
			return ErrNoSuchTopic
		}
		conn = e.conns[topicID]
		if conn == nil {
			return ErrNotConnected
		}
		return nil
	}); err != nil {
		return err
	}

	cmd := protocol.Command{TopicID: topicID, ToolCallID: toolCallID}
	if confirm {
		cmd.Type = protocol.CommandToolCallConfirm
	} else {
		cmd.Type = protocol.CommandToolCallCancel
		cmd.Reason = reason
	}
	if err := conn.Send(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd.Type, err)
	}

	_ = e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return nil
		}
		for _, m := range ch.Messages {
			if tc := m.ToolCall(toolCallID); tc != nil {
				if confirm {
					tc.Status = domain.ToolRunning
				} else {
					tc.Status = domain.ToolCancelled
				}
				break
			}
		}
		e.fireUpdate(topicID)
		return nil
	})
	return nil
}

// EditMessage edits a persisted message through the REST collaborator and
// updates the local copy.
func (e *Engine) EditMessage(ctx context.Context, topicID, messageID, content string) error {
	if err := e.api.UpdateMessage(ctx, topicID, messageID, content); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return nil
		}
		if m := ch.MessageByID(messageID); m != nil {
			m.Content = content
		}
		e.fireUpdate(topicID)
		return nil
	})
}

// DeleteMessage removes a persisted message. This is the only path that
// removes a message: failure paths mark, never erase.
func (e *Engine) DeleteMessage(ctx context.Context, topicID, messageID string) error {
	if err := e.api.DeleteMessage(ctx, topicID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return nil
		}
		for i, m := range ch.Messages {
			if m.ID == messageID {
				ch.Messages = append(ch.Messages[:i], ch.Messages[i+1:]...)
				break
			}
		}
		ch.RecomputeResponding()
		e.fireUpdate(topicID)
		return nil
	})
}
