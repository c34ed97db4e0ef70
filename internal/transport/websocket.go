// Package transport provides the WebSocket client transport for the chat
// protocol: dialing, the read loop, callback rebinding on promotion, and
// teardown.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/chansync/internal/protocol"
)

// Callbacks are invoked from the transport's read loop. Promotion rebinds
// the callback set in place instead of reopening the socket.
type Callbacks struct {
	// OnEvent delivers a decoded inbound event.
	OnEvent func(protocol.Event)
	// OnClose fires once when the read loop exits. err is nil on a clean
	// close initiated by Close.
	OnClose func(err error)
}

// Conn is one live connection for a topic.
type Conn struct {
	topicID string
	ws      *websocket.Conn

	mu sync.Mutex
	cb Callbacks

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Dial opens a connection for a topic and starts the read loop.
func Dial(ctx context.Context, url, topicID string, cb Callbacks) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	// Streamed history can exceed the library default.
	ws.SetReadLimit(1 << 22)

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		topicID: topicID,
		ws:      ws,
		cb:      cb,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(loopCtx)
	slog.Info("Transport connected", "topic_id", topicID, "url", url)
	return c, nil
}

// TopicID returns the topic this connection serves.
func (c *Conn) TopicID() string {
	return c.topicID
}

// Rebind replaces the callback set. Used when an existing background
// connection is promoted to primary so socket state is not lost.
func (c *Conn) Rebind(cb Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

// Send transmits an outbound command.
func (c *Conn) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write command %s: %w", cmd.Type, err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once; the read
// loop's OnClose fires with a nil error.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.ws.Close(websocket.StatusNormalClosure, "channel closed"); err != nil {
			slog.Debug("Failed to close websocket", "error", err, "topic_id", c.topicID)
		}
	})
	<-c.done
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			clean := ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure
			if clean {
				slog.Debug("Transport closed", "topic_id", c.topicID)
				err = nil
			} else if errors.Is(err, context.Canceled) {
				err = nil
			} else {
				slog.Warn("Transport read error", "error", err, "topic_id", c.topicID)
			}
			c.callbacks().fireClose(err)
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			slog.Warn("Dropping malformed event", "error", err, "topic_id", c.topicID)
			continue
		}
		if ev.TopicID == "" {
			ev.TopicID = c.topicID
		}
		c.callbacks().fireEvent(ev)
	}
}

func (c *Conn) callbacks() Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (cb Callbacks) fireEvent(ev protocol.Event) {
	if cb.OnEvent != nil {
		cb.OnEvent(ev)
	}
}

func (cb Callbacks) fireClose(err error) {
	if cb.OnClose != nil {
		cb.OnClose(err)
	}
}
