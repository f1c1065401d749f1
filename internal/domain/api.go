package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyMessage      = errors.New("message has no content and no attachment")
	ErrEmailRequired     = errors.New("email is required")
	ErrTicketClosed      = errors.New("ticket is closed")
)

// SupportAPI is the server side of the support channel as seen by the widget.
type SupportAPI interface {
	ListTickets(ctx context.Context) ([]TicketSummary, error)
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	CreateTicket(ctx context.Context, req CreateTicketRequest) (*Ticket, error)
	AppendMessage(ctx context.Context, req AppendMessageRequest) error
	UpdateStatus(ctx context.Context, id string, status TicketStatus) error

	// StreamChat sends the conversation context to the assistant and calls onText
	// with every text fragment as it arrives. It returns when the stream ends.
	StreamChat(ctx context.Context, turns []ChatTurn, onText func(string)) error
}

// Notifier signals the user that a message from the other side arrived.
type Notifier interface {
	Notify(msg Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Message)

func (f NotifierFunc) Notify(msg Message) { f(msg) }

// SessionState is what the widget keeps across restarts.
type SessionState struct {
	Key      string
	TicketID string
	Identity Identity
	Mode     string
}

// SessionStore persists the active conversation of a widget instance.
type SessionStore interface {
	Load(ctx context.Context, key string) (*SessionState, error)
	Save(ctx context.Context, state SessionState) error
	Clear(ctx context.Context, key string) error
	Close() error
}

// Push frame types.
const (
	PushStatus   = "status"
	PushSnapshot = "snapshot"
)

// PushFrame is one WebSocket message on a ticket subscription. Snapshot frames
// carry the complete ticket so the receiver reconciles exactly as it would a
// polled response.
type PushFrame struct {
	Type    string  `json:"type"`
	Content string  `json:"content,omitempty"`
	Ticket  *Ticket `json:"ticket,omitempty"`
}
