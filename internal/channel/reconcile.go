package channel

import (
	"context"
	"fmt"

	"github.com/ashureev/chansync/internal/domain"
)

// Reconcile repairs divergence between backend-persisted history and the
// local channel after reconnect, cold activation, or detected staleness.
// It refuses to touch a responding channel: reconciling a live stream
// risks truncating it.
func (e *Engine) Reconcile(ctx context.Context, topicID string) error {
	return e.reconcile(ctx, topicID, false)
}

// reconcile fetches authoritative state off-loop and merges it on-loop.
// force bypasses the responding guard; only the stale watchdog and
// post-reconnect repair use it, both of which already know the local
// stream is dead or suspect.
func (e *Engine) reconcile(ctx context.Context, topicID string, force bool) error {
	key := "reconcile:" + topicID
	if !e.beginOp(key) {
		return fmt.Errorf("reconcile %s: %w", topicID, ErrOperationInFlight)
	}
	defer e.endOp(key)

	var guarded error
	_ = e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			guarded = ErrNoSuchTopic
			return nil
		}
		if !force && ch.Responding {
			guarded = ErrChannelResponding
		}
		return nil
	})
	if guarded != nil {
		return fmt.Errorf("reconcile %s: %w", topicID, guarded)
	}

	persisted, err := e.api.ListMessages(ctx, topicID)
	if err != nil {
		return fmt.Errorf("reconcile %s: fetch messages: %w", topicID, err)
	}
	usage, err := e.api.TokenStats(ctx, topicID)
	if err != nil {
		return fmt.Errorf("reconcile %s: fetch token stats: %w", topicID, err)
	}

	return e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			return fmt.Errorf("reconcile %s: %w", topicID, ErrNoSuchTopic)
		}
		// Re-check: a stream may have started while we were fetching.
		if !force && ch.Responding {
			return fmt.Errorf("reconcile %s: %w", topicID, ErrChannelResponding)
		}
		mergeHistory(ch, persisted)
		ch.Usage = usage
		ch.RecomputeResponding()
		if ch.Responding {
			e.resetWatchdog(topicID)
		} else {
			e.stopWatchdog(topicID)
		}
		e.fireUpdate(topicID)
		return nil
	})
}

// mergeHistory replaces the channel's message sequence with the persisted
// set, folding runtime-only local state onto persisted identities and
// appending genuinely new local messages.
func mergeHistory(ch *domain.Channel, persisted []*domain.Message) {
	merged := make([]*domain.Message, 0, len(persisted))
	byID := make(map[string]int, len(persisted))
	byClientID := make(map[string]int, len(persisted))
	for _, p := range persisted {
		cp := p.Clone()
		if cp.Status == "" {
			cp.Status = domain.StatusCompleted
		}
		merged = append(merged, cp)
		if cp.ID != "" {
			byID[cp.ID] = len(merged) - 1
		}
		if cp.ClientID != "" {
			byClientID[cp.ClientID] = len(merged) - 1
		}
	}

	folded := make(map[int]bool)

	// Pass 1: local messages with a persisted identity. Runtime fields
	// are carried over so a live stream's continuity survives the swap.
	var leftover []*domain.Message
	for _, local := range ch.Messages {
		idx, ok := -1, false
		if local.ID != "" {
			idx, ok = lookup(byID, local.ID)
		}
		if !ok && local.ClientID != "" {
			// The backend echoes the client correlation id when it has
			// one; prefer that over the positional heuristic below.
			idx, ok = lookup(byClientID, local.ClientID)
		}
		if ok {
			if local.RuntimeOnly() {
				transplantRuntime(merged[idx], local)
			}
			folded[idx] = true
			continue
		}
		leftover = append(leftover, local)
	}

	// Pass 2: runtime-only leftovers fold onto the most recent unmatched
	// persisted message of the same role. This is best-effort correlation;
	// with multiple concurrent assistant streams it can misattach.
	for _, local := range leftover {
		if local.RuntimeOnly() {
			if idx := latestUnmatched(merged, folded, local.Role); idx >= 0 {
				transplantRuntime(merged[idx], local)
				folded[idx] = true
				continue
			}
			merged = append(merged, local)
			continue
		}
		// Failed sends must survive so they can be retried; other terminal
		// local-only state is superseded by the persisted history.
		if local.Status == domain.StatusFailed {
			merged = append(merged, local)
		}
	}

	ch.Messages = merged
}

func lookup(m map[string]int, key string) (int, bool) {
	idx, ok := m[key]
	if !ok {
		return -1, false
	}
	return idx, true
}

func latestUnmatched(merged []*domain.Message, folded map[int]bool, role domain.MessageRole) int {
	for i := len(merged) - 1; i >= 0; i-- {
		if !folded[i] && merged[i].Role == role {
			return i
		}
	}
	return -1
}

// transplantRuntime moves the runtime-only fields of a local message onto
// a persisted message's stable identity.
func transplantRuntime(persisted, local *domain.Message) {
	persisted.StreamID = local.StreamID
	persisted.IsLoading = local.IsLoading
	persisted.IsStreaming = local.IsStreaming
	persisted.IsThinking = local.IsThinking
	// A send that matched a persisted identity was delivered: the persisted
	// status wins. Live assistant runtime states carry over.
	if !local.Status.Terminal() && local.Status != domain.StatusSending {
		persisted.Status = local.Status
	}
	if local.Agent != nil {
		persisted.Agent = local.Agent
	}
	if persisted.Content == "" {
		persisted.Content = local.Content
	}
	if persisted.Reasoning == "" {
		persisted.Reasoning = local.Reasoning
	}
	if len(local.ToolCalls) > 0 && len(persisted.ToolCalls) == 0 {
		persisted.ToolCalls = local.ToolCalls
	}
	persisted.Progress = local.Progress
}
