package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chansync/internal/backend"
	"github.com/ashureev/chansync/internal/domain"
	"github.com/ashureev/chansync/internal/protocol"
	"github.com/ashureev/chansync/internal/transport"
)

// Transport is one live connection for a topic. Implemented by
// transport.Conn; faked in tests.
type Transport interface {
	Send(ctx context.Context, cmd protocol.Command) error
	Rebind(cb transport.Callbacks)
	Close() error
}

// Dialer opens a transport for a topic.
type Dialer func(ctx context.Context, topicID string, cb transport.Callbacks) (Transport, error)

// Config holds engine tunables.
type Config struct {
	// FlushInterval is the render cadence: pending chunk buffers are
	// flushed at this boundary.
	FlushInterval time.Duration
	// StaleTimeout forces reconciliation when a responding channel sees
	// no protocol activity for this long.
	StaleTimeout time.Duration
	// AbortTimeout is the fallback window after an abort before the
	// local terminal reset.
	AbortTimeout time.Duration
	// ConnectWait bounds how long a send waits for a connection.
	ConnectWait time.Duration
	// NotifyBuffer sizes the notification side channel.
	NotifyBuffer int
	// OnUpdate, if set, fires after state for a topic changed. It is
	// invoked from the engine goroutine and must not block.
	OnUpdate func(topicID string)
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Second
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = 5 * time.Second
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = 10 * time.Second
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = 64
	}
}

// Engine is the synchronization engine facade. All channel-store mutation
// is serialized through a single goroutine draining ops; public commands
// post closures onto it and blocking I/O (dialing, REST fetches) happens
// off-loop with results posted back.
type Engine struct {
	cfg  Config
	log  *slog.Logger
	api  backend.Client
	dial Dialer

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	store     *Store
	coalescer *Coalescer

	// Connection manager state. Exactly one transport is primary at any
	// time, globally.
	conns   map[string]Transport
	primary string

	// Per-topic timers, owned here and released on channel teardown.
	watchdogs   map[string]*time.Timer
	abortTimers map[string]*time.Timer

	// Pending-operation guard keys ("activate:<topic>", "reconcile:<topic>").
	inflight map[string]struct{}

	uploads map[string]int

	notifs chan Notification
}

// New creates an engine and starts its writer goroutine.
func New(cfg Config, api backend.Client, dial Dialer, log *slog.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		log:         log,
		api:         api,
		dial:        dial,
		ops:         make(chan func(), 256),
		done:        make(chan struct{}),
		store:       NewStore(),
		conns:       make(map[string]Transport),
		watchdogs:   make(map[string]*time.Timer),
		abortTimers: make(map[string]*time.Timer),
		inflight:    make(map[string]struct{}),
		uploads:     make(map[string]int),
		notifs:      make(chan Notification, cfg.NotifyBuffer),
	}
	e.coalescer = NewCoalescer(e.applyEvent)
	go e.loop()
	return e
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.ops:
			fn()
		case <-ticker.C:
			e.flushTick()
		}
	}
}

func (e *Engine) flushTick() {
	if e.coalescer.Pending() == 0 {
		return
	}
	e.coalescer.Flush()
}

// do posts an op onto the writer goroutine.
func (e *Engine) do(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

// doWait posts an op and waits for its result.
func (e *Engine) doWait(fn func() error) error {
	errc := make(chan error, 1)
	e.do(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrEngineClosed
	}
}

// Close releases all transports, clears all per-topic timers, and stops
// the writer goroutine. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		var conns []Transport
		_ = e.doWait(func() error {
			for topic, t := range e.conns {
				conns = append(conns, t)
				delete(e.conns, topic)
			}
			e.primary = ""
			for topic, timer := range e.watchdogs {
				timer.Stop()
				delete(e.watchdogs, topic)
			}
			for topic, timer := range e.abortTimers {
				timer.Stop()
				delete(e.abortTimers, topic)
			}
			return nil
		})
		close(e.done)
		for _, t := range conns {
			if err := t.Close(); err != nil {
				e.log.Debug("Failed to close transport", "error", err)
			}
		}
	})
}

// Notifications is the side channel of error/balance/limit/confirmation
// conditions for the presentation layer.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifs
}

// Snapshot returns a deep copy of a channel's state, or nil if the topic
// is unknown.
func (e *Engine) Snapshot(topicID string) *domain.Channel {
	var snap *domain.Channel
	_ = e.doWait(func() error {
		if ch := e.store.Get(topicID); ch != nil {
			snap = ch.Snapshot()
		}
		return nil
	})
	return snap
}

// Topics returns the topic ids of all active channels.
func (e *Engine) Topics() []string {
	var topics []string
	_ = e.doWait(func() error {
		topics = e.store.Topics()
		return nil
	})
	return topics
}

// BeginUpload marks an attachment upload in progress for a topic; sends
// are rejected until the matching EndUpload.
func (e *Engine) BeginUpload(topicID string) {
	e.do(func() { e.uploads[topicID]++ })
}

// EndUpload marks an attachment upload finished.
func (e *Engine) EndUpload(topicID string) {
	e.do(func() {
		if e.uploads[topicID] > 0 {
			e.uploads[topicID]--
		}
	})
}

// notify publishes without blocking; when the buffer is full the oldest
// entry is dropped.
func (e *Engine) notify(n Notification) {
	for {
		select {
		case e.notifs <- n:
			return
		default:
		}
		select {
		case old := <-e.notifs:
			e.log.Warn("Notification buffer full, dropping oldest", "kind", old.Kind, "topic_id", old.TopicID)
		default:
		}
	}
}

// beginOp records an in-flight operation key; false means a duplicate is
// already running.
func (e *Engine) beginOp(key string) bool {
	ok := false
	_ = e.doWait(func() error {
		if _, exists := e.inflight[key]; !exists {
			e.inflight[key] = struct{}{}
			ok = true
		}
		return nil
	})
	return ok
}

func (e *Engine) endOp(key string) {
	e.do(func() { delete(e.inflight, key) })
}

// handleEvent is the intake for one transport's inbound events. Runs on
// the engine goroutine.
func (e *Engine) handleEvent(ev protocol.Event) {
	e.coalescer.Offer(ev)
	// Any protocol activity on a responding channel feeds the watchdog.
	if ch := e.store.Get(ev.TopicID); ch != nil && ch.Responding {
		e.resetWatchdog(ev.TopicID)
	}
}

// applyEvent runs a reducer transition and performs its effects. Invoked
// by the coalescer for structural events and flushed chunk batches.
func (e *Engine) applyEvent(ev protocol.Event) {
	ch := e.store.Get(ev.TopicID)
	if ch == nil {
		e.log.Debug("Dropping event for unknown topic", "type", ev.Type, "topic_id", ev.TopicID)
		return
	}

	eff := Apply(ch, ev, time.Now())

	if eff.Notification != nil {
		e.notify(*eff.Notification)
	}
	if eff.AbortAcked {
		e.clearAbortTimer(ev.TopicID)
	}
	if ch.Responding {
		e.resetWatchdog(ev.TopicID)
	} else {
		e.stopWatchdog(ev.TopicID)
	}
	if eff.StreamTerminal {
		e.scheduleIdleReclaim(ev.TopicID)
	}
	e.fireUpdate(ev.TopicID)
}

func (e *Engine) fireUpdate(topicID string) {
	if e.cfg.OnUpdate != nil {
		e.cfg.OnUpdate(topicID)
	}
}
