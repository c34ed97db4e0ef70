package channel

import (
	"testing"

	"github.com/ashureev/chansync/internal/protocol"
)

func collectCoalescer() (*Coalescer, *[]protocol.Event) {
	var applied []protocol.Event
	c := NewCoalescer(func(ev protocol.Event) {
		applied = append(applied, ev)
	})
	return c, &applied
}

func TestCoalescer_BatchesDeltas(t *testing.T) {
	c, applied := collectCoalescer()

	c.Offer(protocol.Event{Type: protocol.EventStreamingChunk, TopicID: "t1", StreamID: "s1", Delta: "a"})
	c.Offer(protocol.Event{Type: protocol.EventStreamingChunk, TopicID: "t1", StreamID: "s1", Delta: "b"})
	c.Offer(protocol.Event{Type: protocol.EventStreamingChunk, TopicID: "t1", StreamID: "s1", Delta: "c"})

	if len(*applied) != 0 {
		t.Fatalf("Expected deltas buffered, got %d applied", len(*applied))
	}
	if c.Pending() != 1 {
		t.Errorf("Expected 1 pending buffer, got %d", c.Pending())
	}

	c.Flush()
	if len(*applied) != 1 {
		t.Fatalf("Expected 1 batched event, got %d", len(*applied))
	}
	if (*applied)[0].Delta != "abc" {
		t.Errorf("Expected batched delta abc, got %q", (*applied)[0].Delta)
	}
	if c.Pending() != 0 {
		t.Errorf("Expected no pending buffers after flush, got %d", c.Pending())
	}
}

func TestCoalescer_StructuralEventFlushesFirst(t *testing.T) {
	c, applied := collectCoalescer()

	c.Offer(protocol.Event{Type: protocol.EventStreamingChunk, TopicID: "t1", StreamID: "s1", Delta: "tail"})
	c.Offer(protocol.Event{Type: protocol.EventStreamingEnd, TopicID: "t1", StreamID: "s1"})

	if len(*applied) != 2 {
		t.Fatalf("Expected flush then structural, got %d events", len(*applied))
	}
	if (*applied)[0].Type != protocol.EventStreamingChunk || (*applied)[0].Delta != "tail" {
		t.Errorf("Expected the buffered chunk first, got %+v", (*applied)[0])
	}
	if (*applied)[1].Type != protocol.EventStreamingEnd {
		t.Errorf("Expected streaming_end second, got %q", (*applied)[1].Type)
	}
}

func TestCoalescer_SeparatesKindsInArrivalOrder(t *testing.T) {
	c, applied := collectCoalescer()

	c.Offer(protocol.Event{Type: protocol.EventThinkingChunk, TopicID: "t1", StreamID: "s1", Delta: "think "})
	c.Offer(protocol.Event{Type: protocol.EventStreamingChunk, TopicID: "t1", StreamID: "s1", Delta: "say "})
	c.Offer(protocol.Event{Type: protocol.EventThinkingChunk, TopicID: "t1", StreamID: "s1", Delta: "more"})

	c.Flush()
	if len(*applied) != 2 {
		t.Fatalf("Expected one batch per kind, got %d", len(*applied))
	}
	if (*applied)[0].Type != protocol.EventThinkingChunk || (*applied)[0].Delta != "think more" {
		t.Errorf("Expected thinking batch first, got %+v", (*applied)[0])
	}
	if (*applied)[1].Type != protocol.EventStreamingChunk || (*applied)[1].Delta != "say " {
		t.Errorf("Expected streaming batch second, got %+v", (*applied)[1])
	}
}

func TestCoalescer_FlushTopicLeavesOthersBuffered(t *testing.T) {
	c, applied := collectCoalescer()

	c.Offer(protocol.Event{Type: protocol.EventStreamingChunk, TopicID: "t1", StreamID: "s1", Delta: "one"})
	c.Offer(protocol.Event{Type: protocol.EventStreamingChunk, TopicID: "t2", StreamID: "s2", Delta: "two"})

	// Structural event on t1 must not flush t2's buffer.
	c.Offer(protocol.Event{Type: protocol.EventMessageSaved, TopicID: "t1", StreamID: "s1", MessageID: "m1"})

	if len(*applied) != 2 {
		t.Fatalf("Expected t1 chunk + structural, got %d events", len(*applied))
	}
	for _, ev := range *applied {
		if ev.TopicID != "t1" {
			t.Errorf("Expected only t1 events applied, got topic %q", ev.TopicID)
		}
	}
	if c.Pending() != 1 {
		t.Errorf("Expected t2 buffer still pending, got %d", c.Pending())
	}

	c.Flush()
	last := (*applied)[len(*applied)-1]
	if last.TopicID != "t2" || last.Delta != "two" {
		t.Errorf("Expected t2 batch on final flush, got %+v", last)
	}
}
