package widget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"helpdesk/internal/bus"
	"helpdesk/internal/client"
	"helpdesk/internal/domain"
	"helpdesk/internal/uistate"
)

// fakeAPI is an in-memory support backend that counts every call.
type fakeAPI struct {
	mu        sync.Mutex
	tickets   map[string]*domain.Ticket
	calls     map[string]int
	seq       int
	fail      error
	fragments []string
	block     chan struct{}
	onStream  func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{tickets: make(map[string]*domain.Ticket), calls: make(map[string]int)}
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeAPI) addLocked(ticketID string, sender domain.Sender, content string) {
	f.seq++
	t := f.tickets[ticketID]
	t.Messages = append(t.Messages, domain.Message{
		ID:       fmt.Sprintf("srv-%d", f.seq),
		TicketID: ticketID,
		Sender:   sender,
		Content:  content,
	})
}

func (f *fakeAPI) reply(ticketID string, sender domain.Sender, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(ticketID, sender, content)
}

func (f *fakeAPI) ListTickets(ctx context.Context) ([]domain.TicketSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	return nil, f.fail
}

func (f *fakeAPI) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get"]++
	if f.fail != nil {
		return nil, f.fail
	}
	t, ok := f.tickets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *t
	out.Messages = append([]domain.Message(nil), t.Messages...)
	return &out, nil
}

func (f *fakeAPI) CreateTicket(ctx context.Context, req domain.CreateTicketRequest) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if f.fail != nil {
		return nil, f.fail
	}
	id := fmt.Sprintf("t-%d", len(f.tickets)+1)
	f.tickets[id] = &domain.Ticket{ID: id, Email: req.Email, Status: domain.StatusOpen}
	f.addLocked(id, domain.SenderUser, req.InitialMessage)
	out := *f.tickets[id]
	out.Messages = append([]domain.Message(nil), f.tickets[id].Messages...)
	return &out, nil
}

func (f *fakeAPI) AppendMessage(ctx context.Context, req domain.AppendMessageRequest) error {
	f.mu.Lock()
	f.calls["append"]++
	block, fail := f.block, f.fail
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail != nil {
		return fail
	}
	f.reply(req.TicketID, req.Sender, req.Content)
	return nil
}

func (f *fakeAPI) UpdateStatus(ctx context.Context, id string, status domain.TicketStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["status"]++
	return f.fail
}

func (f *fakeAPI) StreamChat(ctx context.Context, turns []domain.ChatTurn, onText func(string)) error {
	f.mu.Lock()
	f.calls["stream"]++
	fragments, fail, hook := f.fragments, f.fail, f.onStream
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	for i, frag := range fragments {
		if i == 1 && hook != nil {
			hook()
		}
		onText(frag)
	}
	return nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []domain.Message
}

func (n *recordingNotifier) Notify(m domain.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, m)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

type memorySessions struct {
	mu    sync.Mutex
	state map[string]domain.SessionState
}

func newMemorySessions() *memorySessions {
	return &memorySessions{state: make(map[string]domain.SessionState)}
}

func (s *memorySessions) Load(ctx context.Context, key string) (*domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &st, nil
}

func (s *memorySessions) Save(ctx context.Context, st domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[st.Key] = st
	return nil
}

func (s *memorySessions) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return nil
}

func (s *memorySessions) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWidget(api domain.SupportAPI, opts Options) *Widget {
	opts.API = api
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	return New(opts)
}

// humanWidget returns a widget already in a human conversation on ticket t-1
// whose server copy holds the given messages.
func humanWidget(t *testing.T, api *fakeAPI, opts Options, initial ...string) *Widget {
	t.Helper()
	w := newTestWidget(api, opts)
	w.RequestHandoff()
	first := "hello"
	if len(initial) > 0 {
		first = initial[0]
	}
	if err := w.CreateConversation(context.Background(), domain.Identity{Email: "ada@example.com"}, first); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return w
}

// --- Submit ---

func TestSubmit_EmptyIsNoop(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{})
	before := w.Messages()
	callsBefore := api.total()

	for _, text := range []string{"", "   ", "\n\t"} {
		if w.Submit(context.Background(), text, nil) {
			t.Fatalf("submit(%q) should be rejected", text)
		}
	}

	if api.total() != callsBefore {
		t.Fatalf("empty submit issued %d requests", api.total()-callsBefore)
	}
	if got := w.Messages(); len(got) != len(before) {
		t.Fatalf("message list changed: %d -> %d", len(before), len(got))
	}
}

func TestSubmit_AttachmentOnlyIsAccepted(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{})

	ok := w.Submit(context.Background(), "", &domain.Upload{Name: "a.png", ContentType: "image/png", Data: []byte{1}})
	if !ok {
		t.Fatal("upload without text should be accepted")
	}
	msgs := w.Messages()
	tail := msgs[len(msgs)-1]
	if len(tail.Attachments) != 1 || tail.Attachments[0].Name != "a.png" {
		t.Fatalf("optimistic message lacks attachment: %+v", tail)
	}
}

func TestSubmit_RejectedOutsideConversation(t *testing.T) {
	api := newFakeAPI()
	w := newTestWidget(api, Options{})
	if w.Submit(context.Background(), "hi", nil) {
		t.Fatal("idle widget should reject submit")
	}
	w.RequestHandoff()
	if w.Submit(context.Background(), "hi", nil) {
		t.Fatal("onboarding widget should reject submit")
	}
	if api.total() != 0 {
		t.Fatal("no request expected")
	}
}

func TestSubmit_RejectedWhileInFlight(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{})

	release := make(chan struct{})
	api.mu.Lock()
	api.block = release
	api.mu.Unlock()

	done := make(chan bool)
	go func() { done <- w.Submit(context.Background(), "first", nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for !w.Submitting() {
		if time.Now().After(deadline) {
			t.Fatal("first submit never started")
		}
		time.Sleep(time.Millisecond)
	}

	if w.Submit(context.Background(), "second", nil) {
		t.Fatal("second submit should be rejected while the first is in flight")
	}
	close(release)
	if !<-done {
		t.Fatal("first submit should be accepted")
	}
	if api.count("append") != 1 {
		t.Fatalf("expected 1 append, got %d", api.count("append"))
	}
}

func TestSubmit_FailureKeepsOptimisticMessageWithoutRetry(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{})
	api.mu.Lock()
	api.fail = errors.New("connection refused")
	api.mu.Unlock()

	if !w.Submit(context.Background(), "are you there?", nil) {
		t.Fatal("submit should be accepted")
	}
	msgs := w.Messages()
	if msgs[len(msgs)-1].Content != "are you there?" {
		t.Fatal("optimistic message should not be rolled back")
	}
	if api.count("append") != 1 {
		t.Fatalf("expected exactly one attempt, got %d", api.count("append"))
	}
	if w.Submitting() {
		t.Fatal("submitting flag should be cleared after failure")
	}
}

func TestSubmit_ConvergesWithinPolls(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{})

	w.Submit(context.Background(), "my order is late", nil)
	contains := func(serverOnly bool) bool {
		for _, m := range w.Messages() {
			if m.Content == "my order is late" && (!serverOnly || !strings.HasPrefix(m.ID, "local-")) {
				return true
			}
		}
		return false
	}

	w.Poll(context.Background())
	if !contains(false) {
		t.Fatal("submitted message should stay visible while the server catches up")
	}

	api.reply("t-1", domain.SenderAgent, "looking into it")
	for i := 0; i < 3 && !contains(true); i++ {
		w.Poll(context.Background())
	}
	if !contains(true) {
		t.Fatalf("submitted message not confirmed after 3 polls: %+v", w.Messages())
	}
}

func TestLocalIDs_MonotonicWithStalledClock(t *testing.T) {
	api := newFakeAPI()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := humanWidget(t, api, Options{Now: func() time.Time { return fixed }})

	w.Submit(context.Background(), "one", nil)
	w.Submit(context.Background(), "two", nil)

	var ids []string
	for _, m := range w.Messages() {
		if strings.HasPrefix(m.ID, "local-") {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) != 2 || ids[0] >= ids[1] {
		t.Fatalf("local ids not increasing: %v", ids)
	}
}

// --- Reconciliation through the widget ---

func TestApply_StaleTicketDiscarded(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{})
	before := w.Messages()

	if w.Apply("t-other", []domain.Message{msg("a", domain.SenderAgent, "x"), msg("b", domain.SenderAgent, "y")}) {
		t.Fatal("response for another ticket must be discarded")
	}
	if len(w.Messages()) != len(before) {
		t.Fatal("message list changed")
	}
}

func TestPoll_FailureLeavesState(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{})
	before := w.Messages()
	api.mu.Lock()
	api.fail = errors.New("timeout")
	api.mu.Unlock()

	w.Poll(context.Background())
	if len(w.Messages()) != len(before) || w.Unread() != 0 {
		t.Fatal("failed poll must not change state")
	}
}

func TestUnread_CollapsedIncrementsPerTail(t *testing.T) {
	api := newFakeAPI()
	notifier := &recordingNotifier{}
	ui := uistate.NewMemory(uistate.State{Open: false})
	w := humanWidget(t, api, Options{UI: ui, Notifier: notifier})

	api.reply("t-1", domain.SenderAgent, "hi there")
	w.Poll(context.Background())
	if w.Unread() != 1 || notifier.count() != 1 {
		t.Fatalf("expected unread 1 and 1 notification, got %d/%d", w.Unread(), notifier.count())
	}

	w.Poll(context.Background())
	if w.Unread() != 1 {
		t.Fatalf("unchanged poll should not increment, got %d", w.Unread())
	}

	api.reply("t-1", domain.SenderAdmin, "one more thing")
	api.reply("t-1", domain.SenderAgent, "and another")
	w.Poll(context.Background())
	if w.Unread() != 2 {
		t.Fatalf("one tail transition should add exactly one, got %d", w.Unread())
	}

	api.reply("t-1", domain.SenderUser, "thanks")
	w.Poll(context.Background())
	if w.Unread() != 2 {
		t.Fatalf("local tail should not increment, got %d", w.Unread())
	}

	w.Open()
	if w.Unread() != 0 {
		t.Fatalf("opening should clear unread, got %d", w.Unread())
	}
}

func TestUnread_OpenNeverIncrements(t *testing.T) {
	api := newFakeAPI()
	notifier := &recordingNotifier{}
	w := humanWidget(t, api, Options{Notifier: notifier})
	w.Open()

	for i := 0; i < 3; i++ {
		api.reply("t-1", domain.SenderAgent, fmt.Sprintf("reply %d", i))
		w.Poll(context.Background())
	}
	if w.Unread() != 0 {
		t.Fatalf("open widget should never count unread, got %d", w.Unread())
	}
	if notifier.count() != 3 {
		t.Fatalf("notification should still play, got %d", notifier.count())
	}
}

func TestRefundScenario(t *testing.T) {
	api := newFakeAPI()
	w := newTestWidget(api, Options{})
	w.Open()

	// Server copy of an already-handed-off conversation with no messages yet.
	api.tickets["t-1"] = &domain.Ticket{ID: "t-1", Status: domain.StatusOpen}
	sessions := newMemorySessions()
	sessions.Save(context.Background(), domain.SessionState{Key: "default", TicketID: "t-1"})
	w.sessions = sessions
	if ok, err := w.Resume(context.Background()); !ok || err != nil {
		t.Fatalf("resume: %v %v", ok, err)
	}

	// Hold the append so the optimistic message is observable before the server has it.
	release := make(chan struct{})
	api.block = release
	done := make(chan struct{})
	go func() {
		w.Submit(context.Background(), "Is refund available?", nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(w.Messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("optimistic message never appeared")
		}
		time.Sleep(time.Millisecond)
	}
	shown := w.Messages()
	if len(shown) != 1 || shown[0].Sender != domain.SenderUser || shown[0].Content != "Is refund available?" {
		t.Fatalf("expected optimistic user message, got %+v", shown)
	}

	close(release)
	<-done
	api.reply("t-1", domain.SenderAgent, "Yes, within 14 days")

	w.Poll(context.Background())
	got := w.Messages()
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 messages, got %+v", got)
	}
	if got[0].Content != "Is refund available?" || got[0].Sender != domain.SenderUser || strings.HasPrefix(got[0].ID, "local-") {
		t.Fatalf("first entry should be the server-confirmed user message: %+v", got[0])
	}
	if got[1].Content != "Yes, within 14 days" || got[1].Sender != domain.SenderAgent {
		t.Fatalf("second entry should be the agent reply: %+v", got[1])
	}
	if w.Unread() != 0 {
		t.Fatalf("unread should stay 0 while open, got %d", w.Unread())
	}
}

func resumedWidget(t *testing.T, api *fakeAPI, notifier domain.Notifier) *Widget {
	t.Helper()
	sessions := newMemorySessions()
	sessions.Save(context.Background(), domain.SessionState{Key: "default", TicketID: "t-1"})
	w := newTestWidget(api, Options{
		UI:       uistate.NewMemory(uistate.State{Open: false}),
		Notifier: notifier,
		Sessions: sessions,
	})
	if ok, err := w.Resume(context.Background()); !ok || err != nil {
		t.Fatalf("resume: %v %v", ok, err)
	}
	return w
}

func TestResume_HistoryIsNotNew(t *testing.T) {
	api := newFakeAPI()
	api.tickets["t-1"] = &domain.Ticket{ID: "t-1", Status: domain.StatusAssigned}
	api.reply("t-1", domain.SenderUser, "hello")
	api.reply("t-1", domain.SenderAgent, "old reply already seen")
	notifier := &recordingNotifier{}

	w := resumedWidget(t, api, notifier)
	if len(w.Messages()) != 2 {
		t.Fatalf("resume should show the existing conversation, got %d messages", len(w.Messages()))
	}
	w.Poll(context.Background())
	if notifier.count() != 0 || w.Unread() != 0 {
		t.Fatalf("history must not notify: notified=%d unread=%d", notifier.count(), w.Unread())
	}

	api.reply("t-1", domain.SenderAgent, "new reply")
	w.Poll(context.Background())
	if notifier.count() != 1 || w.Unread() != 1 {
		t.Fatalf("new reply should notify once: notified=%d unread=%d", notifier.count(), w.Unread())
	}
}

func TestResume_FetchFailureStillTreatsHistoryAsSeen(t *testing.T) {
	api := newFakeAPI()
	api.tickets["t-1"] = &domain.Ticket{ID: "t-1", Status: domain.StatusAssigned}
	api.reply("t-1", domain.SenderUser, "hello")
	api.reply("t-1", domain.SenderAgent, "old reply already seen")
	api.fail = errors.New("connection refused")
	notifier := &recordingNotifier{}

	w := resumedWidget(t, api, notifier)
	if w.Phase() != PhaseHuman || len(w.Messages()) != 0 {
		t.Fatalf("expected empty human conversation, got %v with %d messages", w.Phase(), len(w.Messages()))
	}

	api.mu.Lock()
	api.fail = nil
	api.mu.Unlock()
	w.Poll(context.Background())
	if len(w.Messages()) != 2 || notifier.count() != 0 || w.Unread() != 0 {
		t.Fatalf("first list after resume is history: %d messages, notified=%d unread=%d",
			len(w.Messages()), notifier.count(), w.Unread())
	}

	api.reply("t-1", domain.SenderAgent, "new reply")
	w.Poll(context.Background())
	if notifier.count() != 1 || w.Unread() != 1 {
		t.Fatalf("new reply should notify once: notified=%d unread=%d", notifier.count(), w.Unread())
	}
}

// --- Streaming ---

func TestStream_AccumulatesIntoPlaceholder(t *testing.T) {
	api := newFakeAPI()
	api.fragments = []string{"Hel", "lo"}
	w := newTestWidget(api, Options{})
	w.StartAssistant()

	if !w.Submit(context.Background(), "hi", nil) {
		t.Fatal("submit rejected")
	}
	msgs := w.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user message plus one assistant entry, got %+v", msgs)
	}
	if msgs[1].Sender != domain.SenderAssistant || msgs[1].Content != "Hello" {
		t.Fatalf("expected assistant Hello, got %+v", msgs[1])
	}
	if api.count("stream") != 1 || api.count("append") != 0 {
		t.Fatal("assistant submit should issue exactly one stream request")
	}
}

func TestStream_OverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"message\":{\"content\":[{\"text\":\"Hel\"}]}}\n\n")
		io.WriteString(w, "data: garbage\n\n")
		io.WriteString(w, "data: {\"message\":{\"content\":[{\"text\":\"lo\"}]}}\n\n")
	}))
	defer srv.Close()

	c, err := client.New(client.Config{BaseURL: srv.URL, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	eb := bus.NewEventBus(testLogger())
	deltas := 0
	eb.On(bus.EventStreamDelta, func(bus.Event) { deltas++ })

	w := newTestWidget(c, Options{Bus: eb})
	w.StartAssistant()
	w.Submit(context.Background(), "hi", nil)

	msgs := w.Messages()
	if got := msgs[len(msgs)-1]; got.Content != "Hello" {
		t.Fatalf("expected Hello, got %q", got.Content)
	}
	if deltas != 2 {
		t.Fatalf("expected 2 stream events, got %d", deltas)
	}
}

func TestStream_CancelDiscardsRemainder(t *testing.T) {
	api := newFakeAPI()
	api.fragments = []string{"Hel", "lo", " world"}
	ctx, cancel := context.WithCancel(context.Background())
	api.onStream = cancel

	w := newTestWidget(api, Options{})
	w.StartAssistant()
	w.Submit(ctx, "hi", nil)

	msgs := w.Messages()
	if got := msgs[len(msgs)-1].Content; got != "Hel" {
		t.Fatalf("fragments after cancellation should be discarded, got %q", got)
	}
}

func TestStream_FailureDropsEmptyPlaceholder(t *testing.T) {
	api := newFakeAPI()
	api.fail = errors.New("unavailable")
	w := newTestWidget(api, Options{})
	w.StartAssistant()
	w.Submit(context.Background(), "hi", nil)

	msgs := w.Messages()
	if len(msgs) != 1 || msgs[0].Sender != domain.SenderUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}
}

func TestChatContext_MapsRoles(t *testing.T) {
	turns := chatContext([]domain.Message{
		msg("1", domain.SenderUser, "hi"),
		msg("2", domain.SenderAssistant, "hello"),
		msg("3", domain.SenderAgent, ""),
	})
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

// --- Handoff ---

func TestCreateConversation_RequiresEmail(t *testing.T) {
	api := newFakeAPI()
	w := newTestWidget(api, Options{})
	w.RequestHandoff()

	for _, email := range []string{"", "not-an-email"} {
		err := w.CreateConversation(context.Background(), domain.Identity{Name: "Ada", Email: email}, "help")
		if !errors.Is(err, domain.ErrEmailRequired) {
			t.Fatalf("email %q: expected ErrEmailRequired, got %v", email, err)
		}
	}
	if api.count("create") != 0 {
		t.Fatal("invalid identity must not reach the server")
	}
	if w.Phase() != PhaseOnboarding {
		t.Fatalf("expected onboarding, got %s", w.Phase())
	}
}

func TestCreateConversation_SeedsAndPersists(t *testing.T) {
	api := newFakeAPI()
	sessions := newMemorySessions()
	ui := uistate.NewMemory(uistate.State{Mode: uistate.ModeAssistant})
	w := newTestWidget(api, Options{Sessions: sessions, UI: ui})

	w.StartAssistant()
	w.Submit(context.Background(), "question for the bot", nil)
	if !w.RequestHandoff() {
		t.Fatal("handoff should be allowed from the assistant")
	}
	err := w.CreateConversation(context.Background(), domain.Identity{Email: "  ada@example.com "}, "I need a human")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if w.Phase() != PhaseHuman || w.TicketID() != "t-1" {
		t.Fatalf("expected human phase on t-1, got %s %q", w.Phase(), w.TicketID())
	}
	msgs := w.Messages()
	if len(msgs) != 1 || msgs[0].Content != "I need a human" {
		t.Fatalf("list should be seeded from the server response, got %+v", msgs)
	}
	if ui.State().Mode != uistate.ModeHuman {
		t.Fatal("ui mode should switch to human")
	}
	st, err := sessions.Load(context.Background(), "default")
	if err != nil || st.TicketID != "t-1" || st.Identity.Email != "ada@example.com" {
		t.Fatalf("session not saved: %+v %v", st, err)
	}
}

func TestResetClearsSession(t *testing.T) {
	api := newFakeAPI()
	sessions := newMemorySessions()
	w := humanWidget(t, api, Options{Sessions: sessions})

	w.Reset(context.Background())
	if w.Phase() != PhaseIdle || w.TicketID() != "" || len(w.Messages()) != 0 {
		t.Fatal("reset should return to idle with no conversation")
	}
	if _, err := sessions.Load(context.Background(), "default"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("session should be cleared, got %v", err)
	}
}

// --- Run loop ---

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

func TestRun_PollsUntilCancelled(t *testing.T) {
	api := newFakeAPI()
	w := humanWidget(t, api, Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()

	api.reply("t-1", domain.SenderAgent, "pong")
	waitFor(t, func() bool { return len(w.Messages()) == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	polls := api.count("get")
	time.Sleep(50 * time.Millisecond)
	if api.count("get") != polls {
		t.Fatal("polling continued after cancellation")
	}
}

func TestRun_IdleDoesNotPoll(t *testing.T) {
	api := newFakeAPI()
	w := newTestWidget(api, Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if api.count("get") != 0 {
		t.Fatalf("idle widget polled %d times", api.count("get"))
	}
}

type fakeSubscriber struct {
	mu         sync.Mutex
	subscribed []string
	err        error
	deliver    func(string, []domain.Message)
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, ticketID string, deliver func(string, []domain.Message)) error {
	s.mu.Lock()
	s.subscribed = append(s.subscribed, ticketID)
	s.deliver = deliver
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func TestRun_PushDeliversThroughReconciliation(t *testing.T) {
	api := newFakeAPI()
	sub := &fakeSubscriber{}
	w := humanWidget(t, api, Options{Push: sub, PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitFor(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.deliver != nil
	})
	sub.mu.Lock()
	deliver := sub.deliver
	sub.mu.Unlock()

	deliver("t-1", nil)
	if len(w.Messages()) != 1 {
		t.Fatal("shorter pushed snapshot should be discarded")
	}
	deliver("t-1", []domain.Message{msg("1", domain.SenderUser, "hello"), msg("2", domain.SenderAgent, "hi")})
	if len(w.Messages()) != 2 {
		t.Fatal("longer pushed snapshot should be accepted")
	}
	if api.count("get") != 0 {
		t.Fatal("push mode should not poll")
	}
}

func TestRun_PushFailureFallsBackToPolling(t *testing.T) {
	api := newFakeAPI()
	sub := &fakeSubscriber{err: errors.New("websocket: bad handshake")}
	w := humanWidget(t, api, Options{Push: sub, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	api.reply("t-1", domain.SenderAgent, "via polling")
	waitFor(t, func() bool { return len(w.Messages()) == 2 })
}

func TestEvents_Published(t *testing.T) {
	api := newFakeAPI()
	eb := bus.NewEventBus(testLogger())
	var mu sync.Mutex
	seen := map[string]int{}
	eb.On("*", func(e bus.Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	w := humanWidget(t, api, Options{Bus: eb})
	api.reply("t-1", domain.SenderAgent, "hi")
	w.Poll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if seen[bus.EventPhaseChanged] < 2 || seen[bus.EventMessagesChanged] < 2 || seen[bus.EventUnreadChanged] != 1 {
		t.Fatalf("unexpected events %v", seen)
	}
}
