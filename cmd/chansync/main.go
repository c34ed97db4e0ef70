// chansync - terminal chat client built on the channel sync engine
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashureev/chansync/internal/backend"
	"github.com/ashureev/chansync/internal/channel"
	"github.com/ashureev/chansync/internal/config"
	"github.com/ashureev/chansync/internal/transport"
)

func main() {
	logLevel := slog.LevelWarn
	if os.Getenv("CHANSYNC_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	api := backend.NewHTTPClient(cfg.BackendURL)

	dial := func(ctx context.Context, topicID string, cb transport.Callbacks) (channel.Transport, error) {
		wsURL := cfg.WSURL + "?topic_id=" + url.QueryEscape(topicID)
		return transport.Dial(ctx, wsURL, topicID, cb)
	}

	ui := newPrinter(os.Stdout)
	engine := channel.New(channel.Config{
		FlushInterval: cfg.Sync.FlushInterval,
		StaleTimeout:  cfg.Sync.StaleTimeout,
		AbortTimeout:  cfg.Sync.AbortTimeout,
		ConnectWait:   cfg.Sync.ConnectWait,
		OnUpdate:      func(topicID string) { ui.requestRender(topicID) },
	}, api, dial, logger)
	defer engine.Close()

	ui.engine = engine
	go ui.renderLoop(ctx)
	go func() {
		for n := range engine.Notifications() {
			ui.printNotification(n)
		}
	}()

	topicID, err := pickTopic(ctx, api, cfg.SessionID)
	if err != nil {
		return err
	}
	if err := engine.Activate(ctx, cfg.SessionID, topicID); err != nil {
		return fmt.Errorf("activate topic: %w", err)
	}
	fmt.Printf("topic %s ready, type a message (/help for commands)\n", topicID)

	return inputLoop(ctx, engine, api, cfg.SessionID, topicID)
}

// pickTopic reuses the most recent topic for the session, creating one when
// none exist.
func pickTopic(ctx context.Context, api backend.Client, sessionID string) (string, error) {
	topics, err := api.ListTopics(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list topics: %w", err)
	}
	if len(topics) > 0 {
		return topics[0].ID, nil
	}
	topic, err := api.CreateTopic(ctx, sessionID, "New chat")
	if err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	return topic.ID, nil
}

func inputLoop(ctx context.Context, engine *channel.Engine, api backend.Client, sessionID, topicID string) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	lastClientID := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				clientID, err := engine.Send(ctx, topicID, line, channel.SendOptions{})
				if err != nil {
					fmt.Println("! send failed:", err)
					continue
				}
				lastClientID = clientID
				continue
			}

			cmd, arg, _ := strings.Cut(line, " ")
			arg = strings.TrimSpace(arg)
			switch cmd {
			case "/help":
				printHelp()
			case "/quit", "/exit":
				return nil
			case "/topics":
				topics, err := api.ListTopics(ctx, sessionID)
				if err != nil {
					fmt.Println("! list topics failed:", err)
					continue
				}
				for _, t := range topics {
					marker := " "
					if t.ID == topicID {
						marker = "*"
					}
					fmt.Printf("%s %s  %s\n", marker, t.ID, t.Title)
				}
			case "/new":
				title := arg
				if title == "" {
					title = "New chat"
				}
				topic, err := api.CreateTopic(ctx, sessionID, title)
				if err != nil {
					fmt.Println("! create topic failed:", err)
					continue
				}
				if err := engine.Activate(ctx, sessionID, topic.ID); err != nil {
					fmt.Println("! activate failed:", err)
					continue
				}
				topicID = topic.ID
				fmt.Println("switched to new topic", topicID)
			case "/switch":
				if arg == "" {
					fmt.Println("usage: /switch <topic-id>")
					continue
				}
				if err := engine.Activate(ctx, sessionID, arg); err != nil {
					fmt.Println("! switch failed:", err)
					continue
				}
				topicID = arg
				fmt.Println("switched to topic", topicID)
			case "/abort":
				if err := engine.Abort(ctx, topicID); err != nil {
					fmt.Println("! abort failed:", err)
				}
			case "/retry":
				if lastClientID == "" {
					fmt.Println("nothing to retry")
					continue
				}
				clientID, err := engine.Retry(ctx, topicID, lastClientID)
				if err != nil {
					fmt.Println("! retry failed:", err)
					continue
				}
				lastClientID = clientID
			case "/regen":
				if err := engine.Regenerate(ctx, topicID); err != nil {
					fmt.Println("! regenerate failed:", err)
				}
			case "/confirm":
				if err := engine.ConfirmToolCall(ctx, topicID, arg); err != nil {
					fmt.Println("! confirm failed:", err)
				}
			case "/cancel":
				if err := engine.CancelToolCall(ctx, topicID, arg, "cancelled from cli"); err != nil {
					fmt.Println("! cancel failed:", err)
				}
			case "/sync":
				if err := engine.Reconcile(ctx, topicID); err != nil {
					fmt.Println("! sync failed:", err)
				}
			default:
				fmt.Println("unknown command; /help for commands")
			}
		}
	}
}

func printHelp() {
	fmt.Print(`commands:
  /topics            list topics (* marks the active one)
  /new [title]       create and switch to a topic
  /switch <id>       switch the active topic
  /abort             abort the in-flight response
  /retry             retry the last failed send
  /regen             regenerate the last response
  /confirm <id>      confirm a pending tool call
  /cancel <id>       cancel a pending tool call
  /sync              force a history sync
  /quit              exit
`)
}

// printer renders streamed assistant output incrementally. It remembers how
// much of each message has been printed and writes only the suffix on each
// update, so chunk flushes appear as live typing.
type printer struct {
	engine *channel.Engine
	out    *os.File

	mu      sync.Mutex
	dirty   map[string]struct{}
	kick    chan struct{}
	printed map[string]int // message id -> rendered content length
	thought map[string]int // message id -> rendered reasoning length
}

func newPrinter(out *os.File) *printer {
	return &printer{
		out:     out,
		dirty:   make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
		printed: make(map[string]int),
		thought: make(map[string]int),
	}
}

// requestRender is invoked from the engine goroutine and must not block.
func (p *printer) requestRender(topicID string) {
	p.mu.Lock()
	p.dirty[topicID] = struct{}{}
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *printer) renderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		}
		p.mu.Lock()
		topics := make([]string, 0, len(p.dirty))
		for id := range p.dirty {
			topics = append(topics, id)
		}
		p.dirty = make(map[string]struct{})
		p.mu.Unlock()

		for _, id := range topics {
			p.render(id)
		}
	}
}

func (p *printer) render(topicID string) {
	ch := p.engine.Snapshot(topicID)
	if ch == nil {
		return
	}
	for _, msg := range ch.Messages {
		if msg.Role != "assistant" {
			continue
		}
		key := msg.ID
		if key == "" {
			key = msg.ClientID
		}
		if n := len(msg.Reasoning); n > p.thought[key] {
			fmt.Fprint(p.out, dim(msg.Reasoning[p.thought[key]:]))
			p.thought[key] = n
		}
		if n := len(msg.Content); n > p.printed[key] {
			fmt.Fprint(p.out, msg.Content[p.printed[key]:])
			p.printed[key] = n
		}
		if msg.Status.Terminal() && p.printed[key] == len(msg.Content) && len(msg.Content) > 0 {
			// Close the line once after the stream finishes.
			p.printed[key] = len(msg.Content) + 1
			fmt.Fprintln(p.out)
		}
	}
	if ch.Error != "" {
		fmt.Fprintln(p.out, "! connection:", ch.Error)
	}
}

func (p *printer) printNotification(n channel.Notification) {
	switch n.Kind {
	case channel.NotifyToolConfirmation:
		fmt.Fprintf(p.out, "? tool call %s wants to run: /confirm %s or /cancel %s\n", n.ToolCallID, n.ToolCallID, n.ToolCallID)
	default:
		fmt.Fprintf(p.out, "! %s: %s\n", n.Kind, n.Text)
	}
}

func dim(s string) string {
	return "\x1b[2m" + s + "\x1b[0m"
}
