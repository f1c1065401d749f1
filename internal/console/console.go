// Package console renders the widget in a terminal: a line-oriented REPL that
// submits what the user types and prints replies as bus events arrive.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"helpdesk/internal/bus"
	"helpdesk/internal/domain"
	"helpdesk/internal/widget"
)

type Config struct {
	Widget   *widget.Widget
	Bus      *bus.EventBus
	Identity domain.Identity // prefilled handoff identity
	Bell     bool
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
}

// onboarding steps while a handoff collects its identity
const (
	stepNone = iota
	stepEmail
	stepMessage
)

type Console struct {
	w        *widget.Widget
	bus      *bus.EventBus
	identity domain.Identity
	bell     bool
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer

	mu        sync.Mutex // serializes writes to out
	printed   map[string]bool
	streamed  bool
	thinking  bool
	thinkStop chan struct{}
	step      int
	handlers  [][2]string // event type, handler id
}

func New(cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		w:        cfg.Widget,
		bus:      cfg.Bus,
		identity: cfg.Identity,
		bell:     cfg.Bell,
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		printed:  make(map[string]bool),
	}
}

// Notify rings the terminal bell for replies from the other side.
func (c *Console) Notify(domain.Message) {
	if !c.bell {
		return
	}
	c.mu.Lock()
	fmt.Fprint(c.out, "\a")
	c.mu.Unlock()
}

// SetWidget attaches the widget the console drives. It must be called before Start.
func (c *Console) SetWidget(w *widget.Widget) { c.w = w }

// Start runs the REPL until the input ends, /quit is typed or ctx is cancelled.
func (c *Console) Start(ctx context.Context) error {
	c.on(bus.EventMessagesChanged, func(bus.Event) { c.renderMessages() })
	c.on(bus.EventStreamDelta, c.onDelta)
	c.on(bus.EventUnreadChanged, c.onUnread)
	c.on(bus.EventPhaseChanged, c.onPhase)
	defer c.detach()

	c.println("Support chat. Type a message and press Enter, /help for commands.")
	if c.w.Phase() == widget.PhaseOnboarding {
		c.beginOnboarding()
	}
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}
		c.handleLine(ctx, line)
		c.prompt()
	}
}

func (c *Console) on(eventType string, h bus.EventHandler) {
	c.handlers = append(c.handlers, [2]string{eventType, c.bus.On(eventType, h)})
}

func (c *Console) detach() {
	for _, h := range c.handlers {
		c.bus.Off(h[0], h[1])
	}
	c.handlers = nil
}

func (c *Console) handleLine(ctx context.Context, line string) {
	switch c.step {
	case stepEmail:
		if line == "" {
			return
		}
		c.identity.Email = line
		c.step = stepMessage
		return
	case stepMessage:
		if line == "" {
			return
		}
		c.createConversation(ctx, line)
		return
	}

	if line == "" {
		return
	}
	if strings.HasPrefix(line, "/") {
		c.command(ctx, line)
		return
	}
	if c.w.Phase() == widget.PhaseIdle {
		c.w.StartAssistant()
	}
	c.submit(ctx, line, nil)
}

func (c *Console) command(ctx context.Context, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		c.println("  /open            show the conversation and clear unread")
		c.println("  /close           collapse; replies are counted as unread")
		c.println("  /handoff [email] talk to a human agent")
		c.println("  /attach <path> [message]")
		c.println("  /reset           forget the current conversation")
		c.println("  /quit")
	case "/open":
		c.w.Open()
		c.println("(open)")
	case "/close":
		c.w.Collapse()
		c.println("(collapsed)")
	case "/handoff":
		if !c.w.RequestHandoff() {
			c.println("already talking to an agent")
			return
		}
		if arg != "" {
			c.identity.Email = arg
		}
		c.beginOnboarding()
	case "/attach":
		path, text, _ := strings.Cut(arg, " ")
		if path == "" {
			c.println("usage: /attach <path> [message]")
			return
		}
		upload, err := readUpload(path)
		if err != nil {
			c.println("cannot attach: " + err.Error())
			return
		}
		if c.w.Phase() == widget.PhaseIdle {
			c.w.StartAssistant()
		}
		c.submit(ctx, strings.TrimSpace(text), upload)
	case "/reset":
		c.w.Reset(ctx)
		c.mu.Lock()
		c.printed = make(map[string]bool)
		c.mu.Unlock()
		c.println("(conversation cleared)")
	default:
		c.println("unknown command " + cmd + ", try /help")
	}
}

func (c *Console) beginOnboarding() {
	if c.identity.Email == "" {
		c.println("To reach an agent, enter your email:")
		c.step = stepEmail
		return
	}
	c.println("Describe your problem for the agent (" + c.identity.Email + "):")
	c.step = stepMessage
}

func (c *Console) createConversation(ctx context.Context, message string) {
	err := c.w.CreateConversation(ctx, c.identity, message)
	switch {
	case err == nil:
		c.step = stepNone
		c.println("(an agent will reply here)")
	case errors.Is(err, domain.ErrEmailRequired):
		c.println("that email does not look right")
		c.identity.Email = ""
		c.step = stepEmail
	default:
		c.println("could not reach support: " + err.Error())
	}
}

func (c *Console) submit(ctx context.Context, text string, upload *domain.Upload) {
	assistant := c.w.Phase() == widget.PhaseAssistant
	if assistant {
		c.startThinking()
	}
	ok := c.w.Submit(ctx, text, upload)
	c.stopThinking()

	c.mu.Lock()
	if c.streamed {
		fmt.Fprintln(c.out)
		c.streamed = false
	}
	c.mu.Unlock()
	if !ok {
		c.println("(not sent)")
	}
}

func readUpload(path string) (*domain.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return &domain.Upload{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}

// --- Rendering ---

// renderMessages prints every message from the other side not shown yet.
// The user's own lines are already on screen.
func (c *Console) renderMessages() {
	msgs := c.w.Messages()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if c.printed[m.ID] {
			continue
		}
		if m.Sender.IsLocal() {
			c.printed[m.ID] = true
			continue
		}
		if m.Content == "" && len(m.Attachments) == 0 {
			continue // placeholder, filled by stream deltas
		}
		c.printed[m.ID] = true
		fmt.Fprintf(c.out, "\r\033[K%s> %s\n", m.Sender, m.Content)
		for _, a := range m.Attachments {
			fmt.Fprintf(c.out, "  [attachment] %s %s\n", a.Name, a.URL)
		}
	}
}

func (c *Console) onDelta(e bus.Event) {
	id, _ := e.Payload["id"].(string)
	delta, _ := e.Payload["delta"].(string)
	c.stopThinking()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.printed[id] {
		c.printed[id] = true
		fmt.Fprint(c.out, "\r\033[Kassistant> ")
	}
	fmt.Fprint(c.out, delta)
	c.streamed = true
}

func (c *Console) onUnread(e bus.Event) {
	n, _ := e.Payload["unread"].(int)
	if n == 0 {
		return
	}
	c.println(fmt.Sprintf("(%d unread)", n))
}

func (c *Console) onPhase(e bus.Event) {
	phase, _ := e.Payload["phase"].(string)
	if phase == widget.PhaseHuman.String() {
		c.println("(connected to support)")
	}
}

func (c *Console) println(s string) {
	c.mu.Lock()
	fmt.Fprintln(c.out, s)
	c.mu.Unlock()
}

func (c *Console) prompt() {
	c.mu.Lock()
	switch c.step {
	case stepEmail:
		fmt.Fprint(c.out, "Email> ")
	case stepMessage:
		fmt.Fprint(c.out, "Message> ")
	default:
		fmt.Fprint(c.out, "You> ")
	}
	c.mu.Unlock()
}

// --- Spinner ---

func (c *Console) startThinking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				select {
				case <-stop:
				default:
					fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				}
				c.mu.Unlock()
				i++
			}
		}
	}()
}

func (c *Console) stopThinking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	fmt.Fprint(c.out, "\r\033[K")
}
