package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"helpdesk/internal/bus"
	"helpdesk/internal/domain"
	"helpdesk/internal/uistate"
	"helpdesk/internal/widget"
)

type fakeAPI struct {
	mu      sync.Mutex
	ticket  *domain.Ticket
	creates []domain.CreateTicketRequest
	appends []domain.AppendMessageRequest
	seq     int
}

func (f *fakeAPI) nextID() string {
	f.seq++
	return fmt.Sprintf("m-%d", f.seq)
}

func (f *fakeAPI) ListTickets(context.Context) ([]domain.TicketSummary, error) { return nil, nil }

func (f *fakeAPI) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticket == nil || f.ticket.ID != id {
		return nil, domain.ErrNotFound
	}
	t := *f.ticket
	t.Messages = append([]domain.Message(nil), f.ticket.Messages...)
	return &t, nil
}

func (f *fakeAPI) CreateTicket(_ context.Context, req domain.CreateTicketRequest) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	f.ticket = &domain.Ticket{ID: "t-1", Email: req.Email, Status: domain.StatusOpen}
	f.ticket.Messages = []domain.Message{{ID: f.nextID(), TicketID: "t-1", Sender: domain.SenderUser, Content: req.InitialMessage}}
	t := *f.ticket
	t.Messages = append([]domain.Message(nil), f.ticket.Messages...)
	return &t, nil
}

func (f *fakeAPI) AppendMessage(_ context.Context, req domain.AppendMessageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, req)
	f.ticket.Messages = append(f.ticket.Messages, domain.Message{ID: f.nextID(), TicketID: req.TicketID, Sender: req.Sender, Content: req.Content})
	return nil
}

func (f *fakeAPI) UpdateStatus(context.Context, string, domain.TicketStatus) error { return nil }

func (f *fakeAPI) StreamChat(_ context.Context, _ []domain.ChatTurn, onText func(string)) error {
	for _, s := range []string{"Hi ", "there!"} {
		onText(s)
	}
	return nil
}

func (f *fakeAPI) agentReply(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticket.Messages = append(f.ticket.Messages, domain.Message{ID: f.nextID(), TicketID: f.ticket.ID, Sender: domain.SenderAgent, Content: text})
}

// syncBuffer is written by bus handlers and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	api *fakeAPI
	w   *widget.Widget
	con *Console
	out *syncBuffer
	in  *io.PipeWriter
	err chan error
}

func start(t *testing.T, identity domain.Identity) *harness {
	t.Helper()
	api := &fakeAPI{}
	eb := bus.NewEventBus(testLogger())
	out := &syncBuffer{}
	pr, pw := io.Pipe()

	h := &harness{api: api, out: out, in: pw, err: make(chan error, 1)}
	h.con = New(Config{Bus: eb, Identity: identity, Bell: true, Logger: testLogger(), In: pr, Out: out})
	h.w = widget.New(widget.Options{
		API:      api,
		UI:       uistate.NewMemory(uistate.State{Open: true}),
		Notifier: h.con,
		Bus:      eb,
		Logger:   testLogger(),
	})
	h.con.SetWidget(h.w)

	go func() { h.err <- h.con.Start(context.Background()) }()
	t.Cleanup(func() {
		pw.Close()
		<-h.err
		h.w.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if _, err := io.WriteString(h.in, l+"\n"); err != nil {
			t.Fatalf("write %q: %v", l, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitOutput(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(h.out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q:\n%s", want, h.out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsole_AssistantStream(t *testing.T) {
	h := start(t, domain.Identity{})
	h.send(t, "hello")
	h.waitOutput(t, "assistant> Hi there!")
	if h.w.Phase() != widget.PhaseAssistant {
		t.Fatalf("typing should start the assistant, phase is %s", h.w.Phase())
	}
}

func TestConsole_HandoffCollectsEmail(t *testing.T) {
	h := start(t, domain.Identity{})
	h.send(t, "/handoff")
	h.waitOutput(t, "enter your email")

	h.send(t, "not-an-email", "my order is late")
	h.waitOutput(t, "that email does not look right")
	if len(h.api.creates) != 0 {
		t.Fatal("invalid email must not reach the server")
	}

	h.send(t, "ada@example.com", "my order is late")
	h.waitOutput(t, "(connected to support)")
	waitFor(t, func() bool { return h.w.Phase() == widget.PhaseHuman })

	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	if len(h.api.creates) != 1 || h.api.creates[0].Email != "ada@example.com" {
		t.Fatalf("unexpected create calls %+v", h.api.creates)
	}
}

func TestConsole_RendersAgentReplyWhileCollapsed(t *testing.T) {
	h := start(t, domain.Identity{Email: "ada@example.com"})
	h.send(t, "/handoff", "help")
	waitFor(t, func() bool { return h.w.Phase() == widget.PhaseHuman })

	h.send(t, "/close")
	h.waitOutput(t, "(collapsed)")
	h.api.agentReply("On it")
	h.w.Poll(context.Background())

	h.waitOutput(t, "agent> On it")
	h.waitOutput(t, "(1 unread)")
	if !strings.Contains(h.out.String(), "\a") {
		t.Fatal("expected a bell for the agent reply")
	}

	h.send(t, "/open")
	waitFor(t, func() bool { return h.w.Unread() == 0 })
}

func TestConsole_Attach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipt.txt")
	os.WriteFile(path, []byte("order 42"), 0o644)

	h := start(t, domain.Identity{Email: "ada@example.com"})
	h.send(t, "/handoff", "help")
	waitFor(t, func() bool { return h.w.Phase() == widget.PhaseHuman })

	h.send(t, "/attach "+path+" here is the receipt")
	waitFor(t, func() bool {
		h.api.mu.Lock()
		defer h.api.mu.Unlock()
		return len(h.api.appends) == 1
	})
	req := h.api.appends[0]
	if req.Upload == nil || req.Upload.Name != "receipt.txt" || string(req.Upload.Data) != "order 42" {
		t.Fatalf("unexpected upload %+v", req.Upload)
	}
	if req.Content != "here is the receipt" || !strings.HasPrefix(req.Upload.ContentType, "text/plain") {
		t.Fatalf("unexpected request %+v", req)
	}

	h.send(t, "/attach /nonexistent/file")
	h.waitOutput(t, "cannot attach")
}

func TestConsole_Reset(t *testing.T) {
	h := start(t, domain.Identity{Email: "ada@example.com"})
	h.send(t, "/handoff", "help")
	waitFor(t, func() bool { return h.w.Phase() == widget.PhaseHuman })

	h.send(t, "/reset")
	h.waitOutput(t, "(conversation cleared)")
	if h.w.Phase() != widget.PhaseIdle || h.w.TicketID() != "" {
		t.Fatalf("reset should return to idle, got %s %q", h.w.Phase(), h.w.TicketID())
	}
}

func TestConsole_QuitStops(t *testing.T) {
	h := start(t, domain.Identity{})
	h.send(t, "/quit")
	select {
	case err := <-h.err:
		if err != nil {
			t.Fatalf("quit should stop cleanly, got %v", err)
		}
		h.err <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("console did not stop on /quit")
	}
}
