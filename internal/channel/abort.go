package channel

import (
	"context"
	"time"

	"github.com/ashureev/chansync/internal/domain"
	"github.com/ashureev/chansync/internal/protocol"
)

// Abort cancels the in-flight generation: it transmits the cancellation
// signal, optimistically marks the channel aborting, and arms a fallback
// timer that forces a local terminal reset if no stream_aborted
// acknowledgment arrives first.
func (e *Engine) Abort(ctx context.Context, topicID string) error {
	var conn Transport
	if err := e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return ErrNoSuchTopic
		}
		if !ch.Responding {
			return ErrChannelNotResponding
		}
		ch.Aborting = true
		conn = e.conns[topicID]
		e.armAbortTimer(topicID)
		e.fireUpdate(topicID)
		return nil
	}); err != nil {
		return err
	}

	if conn == nil {
		// Nothing to signal; the fallback timer will reset locally.
		return nil
	}
	if err := conn.Send(ctx, protocol.Command{Type: protocol.CommandAbort, TopicID: topicID}); err != nil {
		// The timer still fires and resets locally.
		e.log.Warn("Failed to transmit abort", "topic_id", topicID, "error", err)
	}
	return nil
}

// armAbortTimer runs on the engine goroutine.
func (e *Engine) armAbortTimer(topicID string) {
	if timer, ok := e.abortTimers[topicID]; ok {
		timer.Stop()
	}
	e.abortTimers[topicID] = time.AfterFunc(e.cfg.AbortTimeout, func() {
		e.do(func() { e.abortFallback(topicID) })
	})
}

// clearAbortTimer runs on the engine goroutine. Called when stream_aborted
// acknowledges the cancellation before the fallback window elapses.
func (e *Engine) clearAbortTimer(topicID string) {
	if timer, ok := e.abortTimers[topicID]; ok {
		timer.Stop()
		delete(e.abortTimers, topicID)
	}
}

// abortFallback forces the local terminal reset: loading placeholders
// become cancelled terminal messages (never deleted), streaming and
// thinking messages are finalized, running executions and their phases are
// cancelled, and unacknowledged sends are marked failed for retry.
func (e *Engine) abortFallback(topicID string) {
	delete(e.abortTimers, topicID)
	ch := e.store.Get(topicID)
	if ch == nil {
		return
	}
	if !ch.Aborting {
		return
	}
	e.log.Warn("Abort not acknowledged in time, forcing local reset", "topic_id", topicID, "timeout", e.cfg.AbortTimeout)

	now := time.Now()
	for _, m := range ch.Messages {
		if m.Agent != nil && m.Agent.Status == domain.ExecRunning {
			m.Agent.Finalize(domain.ExecCancelled, now)
		}
		if m.Status.Terminal() {
			continue
		}
		m.IsLoading = false
		m.IsStreaming = false
		m.IsThinking = false
		if m.Role == domain.RoleUser && m.Status == domain.StatusSending {
			m.Status = domain.StatusFailed
		} else {
			m.Status = domain.StatusCancelled
		}
		for i := range m.ToolCalls {
			if m.ToolCalls[i].Status == domain.ToolRunning || m.ToolCalls[i].Status == domain.ToolWaitingConfirmation {
				m.ToolCalls[i].Status = domain.ToolCancelled
			}
		}
	}

	ch.Aborting = false
	ch.RecomputeResponding()
	e.stopWatchdog(topicID)
	e.scheduleIdleReclaim(topicID)
	e.fireUpdate(topicID)
}
