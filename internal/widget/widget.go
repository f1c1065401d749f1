// Package widget is the client side of a support conversation: it keeps one
// active conversation locally, submits messages optimistically, reconciles
// against the server by polling or push, streams assistant replies and tracks
// unread activity while collapsed.
package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"helpdesk/internal/bus"
	"helpdesk/internal/domain"
	"helpdesk/internal/metrics"
	"helpdesk/internal/uistate"
)

// Phase is the widget's conversation state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOnboarding
	PhaseAssistant
	PhaseHuman
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOnboarding:
		return "onboarding"
	case PhaseAssistant:
		return "assistant"
	case PhaseHuman:
		return "human"
	default:
		return "unknown"
	}
}

const DefaultPollInterval = 2 * time.Second

// Subscriber delivers ticket snapshots pushed by the server. Subscribe blocks
// until ctx is cancelled or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, ticketID string, deliver func(ticketID string, msgs []domain.Message)) error
}

type Options struct {
	API          domain.SupportAPI
	UI           uistate.Store
	Notifier     domain.Notifier
	Sessions     domain.SessionStore
	SessionKey   string
	Push         Subscriber
	Bus          *bus.EventBus
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Client
	Now          func() time.Time
}

// Widget is safe for concurrent use. Network calls run without the lock held,
// so a poll may land while a submit is still in flight.
type Widget struct {
	api          domain.SupportAPI
	ui           uistate.Store
	notifier     domain.Notifier
	sessions     domain.SessionStore
	sessionKey   string
	push         Subscriber
	bus          *bus.EventBus
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *metrics.Client
	now          func() time.Time

	mu         sync.Mutex
	phase      Phase
	ticketID   string
	identity   domain.Identity
	messages   []domain.Message
	unread     int
	submitting bool
	lastLocal  int64
	generation uint64
	// baseline is set when a resumed conversation could not be fetched; the
	// next accepted list is history and raises no notification.
	baseline bool

	changed     chan struct{}
	unsubscribe func()
}

func New(opts Options) *Widget {
	if opts.UI == nil {
		opts.UI = uistate.NewMemory(uistate.State{Mode: uistate.ModeAssistant})
	}
	if opts.Notifier == nil {
		opts.Notifier = domain.NotifierFunc(func(domain.Message) {})
	}
	if opts.SessionKey == "" {
		opts.SessionKey = "default"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	w := &Widget{
		api:          opts.API,
		ui:           opts.UI,
		notifier:     opts.Notifier,
		sessions:     opts.Sessions,
		sessionKey:   opts.SessionKey,
		push:         opts.Push,
		bus:          opts.Bus,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		changed:      make(chan struct{}, 1),
	}
	w.unsubscribe = w.ui.Subscribe(w.onUIChange)
	return w
}

// Close detaches the widget from the UI store.
func (w *Widget) Close() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

func (w *Widget) onUIChange(s uistate.State) {
	if !s.Open {
		return
	}
	w.mu.Lock()
	cleared := w.unread != 0
	w.unread = 0
	w.mu.Unlock()
	if cleared {
		w.metrics.SetUnread(0)
		w.publishUnread(0)
	}
}

// --- Snapshots ---

func (w *Widget) Messages() []domain.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Message(nil), w.messages...)
}

func (w *Widget) Unread() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unread
}

func (w *Widget) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Widget) TicketID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticketID
}

func (w *Widget) Identity() domain.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

func (w *Widget) Submitting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.submitting
}

// --- Visibility ---

// Open expands the widget. Opening clears the unread counter.
func (w *Widget) Open() { w.ui.SetOpen(true) }

func (w *Widget) Collapse() { w.ui.SetOpen(false) }

func (w *Widget) IsOpen() bool { return w.ui.State().Open }

// --- Phase transitions ---

// StartAssistant moves an idle widget into an assistant conversation.
func (w *Widget) StartAssistant() bool {
	w.mu.Lock()
	if w.phase != PhaseIdle {
		w.mu.Unlock()
		return false
	}
	w.setPhaseLocked(PhaseAssistant)
	w.mu.Unlock()

	w.ui.SetMode(uistate.ModeAssistant)
	w.publishPhase(PhaseAssistant)
	return true
}

// RequestHandoff starts collecting the identity needed to reach a human.
func (w *Widget) RequestHandoff() bool {
	w.mu.Lock()
	if w.phase != PhaseIdle && w.phase != PhaseAssistant {
		w.mu.Unlock()
		return false
	}
	w.setPhaseLocked(PhaseOnboarding)
	w.mu.Unlock()

	w.publishPhase(PhaseOnboarding)
	return true
}

// CreateConversation opens a ticket for the collected identity and switches
// the widget to the human conversation seeded from the server's response.
// Invalid input never reaches the server.
func (w *Widget) CreateConversation(ctx context.Context, id domain.Identity, initialMessage string) error {
	if w.Phase() != PhaseOnboarding {
		return fmt.Errorf("create conversation: widget is %s, not onboarding", w.Phase())
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(id.Email))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEmailRequired, err)
	}
	id.Email = addr.Address
	id.Name = strings.TrimSpace(id.Name)
	initialMessage = strings.TrimSpace(initialMessage)
	if initialMessage == "" {
		return domain.ErrEmptyMessage
	}

	ticket, err := w.api.CreateTicket(ctx, domain.CreateTicketRequest{
		Email:          id.Email,
		Name:           id.Name,
		InitialMessage: initialMessage,
		Kind:           domain.KindChat,
	})
	if err != nil {
		w.logger.Warn("create conversation failed", "err", err)
		return err
	}

	w.mu.Lock()
	w.ticketID = ticket.ID
	w.baseline = false
	w.identity = id
	w.messages = append([]domain.Message(nil), ticket.Messages...)
	w.setPhaseLocked(PhaseHuman)
	count := len(w.messages)
	w.mu.Unlock()

	w.logger.Info("conversation created", "ticket", ticket.ID)
	w.saveSession(ctx)
	w.ui.SetMode(uistate.ModeHuman)
	w.publishPhase(PhaseHuman)
	w.publishMessages(ticket.ID, count)
	return nil
}

// Resume restores the conversation kept in the session store, if any.
func (w *Widget) Resume(ctx context.Context) (bool, error) {
	if w.sessions == nil {
		return false, nil
	}
	state, err := w.sessions.Load(ctx, w.sessionKey)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if state.TicketID == "" {
		return false, nil
	}

	// Messages already on the server were seen before the restart.
	var history []domain.Message
	ticket, err := w.api.GetTicket(ctx, state.TicketID)
	if err != nil {
		w.logger.Warn("load resumed conversation failed", "ticket", state.TicketID, "err", err)
	} else {
		history = append(history, ticket.Messages...)
	}

	w.mu.Lock()
	w.ticketID = state.TicketID
	w.identity = state.Identity
	w.messages = history
	w.baseline = err != nil
	w.setPhaseLocked(PhaseHuman)
	count := len(w.messages)
	w.mu.Unlock()

	w.logger.Info("conversation resumed", "ticket", state.TicketID, "messages", count)
	w.ui.SetMode(uistate.ModeHuman)
	w.publishPhase(PhaseHuman)
	w.publishMessages(state.TicketID, count)
	return true, nil
}

// Reset abandons the active conversation locally. Nothing is deleted on the server.
func (w *Widget) Reset(ctx context.Context) {
	w.mu.Lock()
	w.ticketID = ""
	w.messages = nil
	w.baseline = false
	w.unread = 0
	w.setPhaseLocked(PhaseIdle)
	w.mu.Unlock()

	if w.sessions != nil {
		if err := w.sessions.Clear(ctx, w.sessionKey); err != nil {
			w.logger.Warn("clear session failed", "err", err)
		}
	}
	w.ui.SetMode(uistate.ModeAssistant)
	w.metrics.SetUnread(0)
	w.publishPhase(PhaseIdle)
	w.publishMessages("", 0)
	w.publishUnread(0)
}

// setPhaseLocked changes phase and invalidates in-flight work for the old one.
func (w *Widget) setPhaseLocked(p Phase) {
	w.phase = p
	w.generation++
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *Widget) saveSession(ctx context.Context) {
	if w.sessions == nil {
		return
	}
	w.mu.Lock()
	state := domain.SessionState{
		Key:      w.sessionKey,
		TicketID: w.ticketID,
		Identity: w.identity,
		Mode:     string(uistate.ModeHuman),
	}
	w.mu.Unlock()
	if err := w.sessions.Save(ctx, state); err != nil {
		w.logger.Warn("save session failed", "err", err)
	}
}

// --- Submit ---

// Submit appends text (and an optional upload) to the conversation. It shows
// the message immediately, then sends exactly one request: an append in a
// human conversation or an assistant stream. Failures are logged; the
// optimistic message stays and nothing is retried. It reports whether the
// submission was accepted.
func (w *Widget) Submit(ctx context.Context, text string, upload *domain.Upload) bool {
	text = strings.TrimSpace(text)

	w.mu.Lock()
	if (text == "" && upload == nil) || w.submitting || (w.phase != PhaseAssistant && w.phase != PhaseHuman) {
		w.mu.Unlock()
		w.metrics.Submit(metrics.SubmitRejected)
		return false
	}
	local := domain.Message{
		ID:        w.nextLocalIDLocked(),
		TicketID:  w.ticketID,
		Sender:    domain.SenderUser,
		Content:   text,
		CreatedAt: w.now(),
	}
	if upload != nil {
		local.Attachments = []domain.Attachment{upload.Attachment()}
	}
	w.messages = append(w.messages, local)
	w.submitting = true
	phase, ticketID, count := w.phase, w.ticketID, len(w.messages)
	w.mu.Unlock()

	w.publishMessages(ticketID, count)

	defer func() {
		w.mu.Lock()
		w.submitting = false
		w.mu.Unlock()
	}()

	var err error
	switch phase {
	case PhaseHuman:
		err = w.api.AppendMessage(ctx, domain.AppendMessageRequest{
			TicketID: ticketID,
			Content:  text,
			Sender:   domain.SenderUser,
			Upload:   upload,
		})
		if err != nil {
			w.logger.Warn("append message failed", "ticket", ticketID, "err", err)
		}
	case PhaseAssistant:
		err = w.StreamAssistantReply(ctx)
	}

	if err != nil {
		w.metrics.Submit(metrics.SubmitFailed)
	} else {
		w.metrics.Submit(metrics.SubmitSent)
	}
	return true
}

// nextLocalIDLocked returns a time-derived id that is strictly increasing
// even when the clock stalls or steps back.
func (w *Widget) nextLocalIDLocked() string {
	n := w.now().UnixNano()
	if n <= w.lastLocal {
		n = w.lastLocal + 1
	}
	w.lastLocal = n
	return "local-" + strconv.FormatInt(n, 10)
}

// --- Events ---

func (w *Widget) publishMessages(ticketID string, count int) {
	w.bus.Emit(bus.Event{
		Type:    bus.EventMessagesChanged,
		Source:  "widget",
		Payload: map[string]any{"ticketId": ticketID, "count": count},
	})
}

func (w *Widget) publishUnread(n int) {
	w.bus.Emit(bus.Event{
		Type:    bus.EventUnreadChanged,
		Source:  "widget",
		Payload: map[string]any{"unread": n},
	})
}

func (w *Widget) publishPhase(p Phase) {
	w.bus.Emit(bus.Event{
		Type:    bus.EventPhaseChanged,
		Source:  "widget",
		Payload: map[string]any{"phase": p.String()},
	})
}
