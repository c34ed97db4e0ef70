package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/chansync/internal/protocol"
	"github.com/ashureev/chansync/internal/transport"
)

// Activate ensures a channel exists for the topic, establishes its
// transport as primary, and reconciles against persisted history. A
// duplicate concurrent activation for the same topic is suppressed.
func (e *Engine) Activate(ctx context.Context, sessionID, topicID string) error {
	key := "activate:" + topicID
	if !e.beginOp(key) {
		return fmt.Errorf("activate %s: %w", topicID, ErrOperationInFlight)
	}
	defer e.endOp(key)

	if err := e.doWait(func() error {
		e.store.GetOrCreate(topicID, sessionID)
		return nil
	}); err != nil {
		return err
	}

	e.Connect(ctx, topicID)
	return e.reconcile(ctx, topicID, false)
}

// Connect ensures exactly one live transport for the topic and marks it
// primary, demoting other idle transports. An existing transport is
// promoted in place (its callback set is rebound) rather than reopened, so
// socket state is not lost. Transport failures are surfaced into the
// channel's error field, never returned.
func (e *Engine) Connect(ctx context.Context, topicID string) {
	var existing Transport
	_ = e.doWait(func() error {
		existing = e.conns[topicID]
		return nil
	})

	if existing != nil {
		existing.Rebind(e.callbacksFor(topicID, existing))
		_ = e.doWait(func() error {
			e.promote(topicID)
			return nil
		})
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectWait)
	defer cancel()

	var conn Transport
	err := func() error {
		var dialErr error
		conn, dialErr = e.dialTopic(dialCtx, topicID)
		return dialErr
	}()

	_ = e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil {
			if conn != nil {
				go closeQuiet(conn)
			}
			return nil
		}
		if err != nil {
			ch.Connected = false
			ch.Error = err.Error()
			e.log.Warn("Failed to connect topic", "topic_id", topicID, "error", err)
			e.fireUpdate(topicID)
			return nil
		}
		if prev, ok := e.conns[topicID]; ok && prev != conn {
			// A concurrent connect won; keep the registered one.
			go closeQuiet(conn)
			e.promote(topicID)
			return nil
		}
		e.conns[topicID] = conn
		e.promote(topicID)
		return nil
	})
}

// dialTopic opens the transport, then binds callbacks carrying the
// connection identity so a replaced socket's late events are ignored.
func (e *Engine) dialTopic(ctx context.Context, topicID string) (Transport, error) {
	conn, err := e.dial(ctx, topicID, transport.Callbacks{})
	if err != nil {
		return nil, err
	}
	conn.Rebind(e.callbacksFor(topicID, conn))
	return conn, nil
}

func (e *Engine) callbacksFor(topicID string, conn Transport) transport.Callbacks {
	return transport.Callbacks{
		OnEvent: func(ev protocol.Event) {
			e.do(func() { e.handleEvent(ev) })
		},
		OnClose: func(err error) {
			e.do(func() { e.transportClosed(topicID, conn, err) })
		},
	}
}

// promote marks the topic's transport primary and demotes the rest. Runs
// on the engine goroutine.
func (e *Engine) promote(topicID string) {
	e.primary = topicID
	if ch := e.store.Get(topicID); ch != nil {
		ch.Connected = true
		ch.Error = ""
		e.fireUpdate(topicID)
	}
	for other := range e.conns {
		if other != topicID {
			e.scheduleIdleReclaim(other)
		}
	}
}

// scheduleIdleReclaim closes a non-primary idle transport asynchronously,
// deferred one tick so the current transition commits first.
func (e *Engine) scheduleIdleReclaim(topicID string) {
	go e.do(func() { e.reclaimIdle(topicID) })
}

func (e *Engine) reclaimIdle(topicID string) {
	if topicID == e.primary {
		return
	}
	conn, ok := e.conns[topicID]
	if !ok {
		return
	}
	if ch := e.store.Get(topicID); ch != nil {
		if ch.Responding {
			return
		}
		ch.Connected = false
		e.fireUpdate(topicID)
	}
	delete(e.conns, topicID)
	e.stopWatchdog(topicID)
	go closeQuiet(conn)
	e.log.Debug("Reclaimed idle transport", "topic_id", topicID)
}

// transportClosed handles a read-loop exit. Runs on the engine goroutine.
// A nil error is a clean close initiated locally.
func (e *Engine) transportClosed(topicID string, conn Transport, err error) {
	if e.conns[topicID] != conn {
		return
	}
	delete(e.conns, topicID)

	ch := e.store.Get(topicID)
	if ch == nil {
		return
	}
	ch.Connected = false
	if err == nil {
		e.fireUpdate(topicID)
		return
	}
	ch.Error = err.Error()
	e.log.Warn("Transport dropped", "topic_id", topicID, "error", err)
	e.fireUpdate(topicID)

	if topicID == e.primary {
		go e.reconnect(topicID)
	}
}

// reconnect re-establishes the primary transport after a drop. If any
// message is left in a non-terminal state, the reconciliation service
// repairs the divergence.
func (e *Engine) reconnect(topicID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectWait)
	defer cancel()

	e.Connect(ctx, topicID)

	needsRepair := false
	_ = e.doWait(func() error {
		ch := e.store.Get(topicID)
		if ch == nil || !ch.Connected {
			return nil
		}
		for _, m := range ch.Messages {
			if !m.Status.Terminal() {
				needsRepair = true
				break
			}
		}
		return nil
	})
	if !needsRepair {
		return
	}
	e.log.Info("Reconciling after reconnect", "topic_id", topicID)
	if err := e.reconcile(ctx, topicID, true); err != nil {
		e.log.Warn("Post-reconnect reconciliation failed", "topic_id", topicID, "error", err)
	}
}

// DeleteTopic removes the topic from the backend and tears down its
// channel, transport, and timers.
func (e *Engine) DeleteTopic(ctx context.Context, topicID string) error {
	if err := e.api.DeleteTopic(ctx, topicID); err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	e.teardownTopic(topicID)
	return nil
}

// ClearSessionTopics removes every topic of a session from the backend and
// tears down their channels.
func (e *Engine) ClearSessionTopics(ctx context.Context, sessionID string) error {
	if err := e.api.ClearSessionTopics(ctx, sessionID); err != nil {
		return fmt.Errorf("clear session topics: %w", err)
	}
	var topics []string
	_ = e.doWait(func() error {
		topics = e.store.BySession(sessionID)
		return nil
	})
	for _, topicID := range topics {
		e.teardownTopic(topicID)
	}
	return nil
}

// teardownTopic releases the topic's transport and timers and drops its
// channel. Timers must not outlive the channel they would fire against.
func (e *Engine) teardownTopic(topicID string) {
	var conn Transport
	_ = e.doWait(func() error {
		if c, ok := e.conns[topicID]; ok {
			conn = c
			delete(e.conns, topicID)
		}
		if e.primary == topicID {
			e.primary = ""
		}
		e.stopWatchdog(topicID)
		e.clearAbortTimer(topicID)
		delete(e.uploads, topicID)
		e.store.Delete(topicID)
		return nil
	})
	if conn != nil {
		go closeQuiet(conn)
	}
}

func closeQuiet(t Transport) {
	_ = t.Close()
}

// resetWatchdog (re)arms the per-topic stale timer. Runs on the engine
// goroutine.
func (e *Engine) resetWatchdog(topicID string) {
	if timer, ok := e.watchdogs[topicID]; ok {
		timer.Stop()
	}
	e.watchdogs[topicID] = time.AfterFunc(e.cfg.StaleTimeout, func() {
		e.do(func() { e.watchdogFired(topicID) })
	})
}

func (e *Engine) stopWatchdog(topicID string) {
	if timer, ok := e.watchdogs[topicID]; ok {
		timer.Stop()
		delete(e.watchdogs, topicID)
	}
}

// watchdogFired forces reconciliation for a responding channel that saw no
// protocol activity within the stale timeout. Logged, not surfaced.
func (e *Engine) watchdogFired(topicID string) {
	delete(e.watchdogs, topicID)
	ch := e.store.Get(topicID)
	if ch == nil || !ch.Responding {
		return
	}
	e.log.Warn("Channel went stale, forcing reconciliation", "topic_id", topicID, "timeout", e.cfg.StaleTimeout)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectWait)
		defer cancel()
		if err := e.reconcile(ctx, topicID, true); err != nil {
			e.log.Warn("Stale reconciliation failed", "topic_id", topicID, "error", err)
		}
	}()
}
