package channel

import (
	"strings"

	"github.com/ashureev/chansync/internal/protocol"
)

// Coalescer buffers high-frequency chunk events per stream and flushes them
// in batches aligned to the render cadence. Any non-delta event forces a
// synchronous flush before it is applied, so a stream's terminal event can
// never be applied ahead of the content it terminates. It holds no state
// beyond the pending buffers and runs entirely on the engine goroutine.
type Coalescer struct {
	apply   func(protocol.Event)
	pending []*deltaBuffer
}

// deltaBuffer accumulates consecutive deltas for one (stream, kind) pair in
// arrival order.
type deltaBuffer struct {
	topicID  string
	streamID string
	kind     protocol.EventType
	buf      strings.Builder
}

// NewCoalescer creates a coalescer that delivers batched and structural
// events through apply.
func NewCoalescer(apply func(protocol.Event)) *Coalescer {
	return &Coalescer{apply: apply}
}

// Offer accepts an inbound event. Deltas are buffered; structural events
// flush all pending deltas for their topic first, then pass through.
func (c *Coalescer) Offer(ev protocol.Event) {
	if !ev.IsDelta() {
		c.FlushTopic(ev.TopicID)
		c.apply(ev)
		return
	}

	for _, b := range c.pending {
		if b.streamID == ev.StreamID && b.kind == ev.Type {
			b.buf.WriteString(ev.Delta)
			return
		}
	}
	b := &deltaBuffer{topicID: ev.TopicID, streamID: ev.StreamID, kind: ev.Type}
	b.buf.WriteString(ev.Delta)
	c.pending = append(c.pending, b)
}

// Flush applies all pending deltas in arrival order. Called at every
// render-frame boundary.
func (c *Coalescer) Flush() {
	if len(c.pending) == 0 {
		return
	}
	buffers := c.pending
	c.pending = nil
	for _, b := range buffers {
		c.apply(b.event())
	}
}

// FlushTopic applies pending deltas belonging to one topic, preserving
// arrival order among them.
func (c *Coalescer) FlushTopic(topicID string) {
	if len(c.pending) == 0 {
		return
	}
	var rest []*deltaBuffer
	var flush []*deltaBuffer
	for _, b := range c.pending {
		if b.topicID == topicID {
			flush = append(flush, b)
		} else {
			rest = append(rest, b)
		}
	}
	c.pending = rest
	for _, b := range flush {
		c.apply(b.event())
	}
}

// Pending reports how many stream buffers are waiting.
func (c *Coalescer) Pending() int {
	return len(c.pending)
}

func (b *deltaBuffer) event() protocol.Event {
	return protocol.Event{
		Type:     b.kind,
		TopicID:  b.topicID,
		StreamID: b.streamID,
		Delta:    b.buf.String(),
	}
}
