package domain

import (
	"fmt"
	"time"
)

// TicketStatus is the lifecycle state of a conversation.
type TicketStatus string

const (
	StatusOpen     TicketStatus = "open"
	StatusAssigned TicketStatus = "assigned"
	StatusClosed   TicketStatus = "closed"
)

// ParseStatus converts a wire value into a TicketStatus.
func ParseStatus(s string) (TicketStatus, error) {
	switch TicketStatus(s) {
	case StatusOpen, StatusAssigned, StatusClosed:
		return TicketStatus(s), nil
	default:
		return "", fmt.Errorf("unknown ticket status %q", s)
	}
}

// CanTransition reports whether a ticket may move from one status to another.
// Status only moves forward: open -> assigned -> closed, or open -> closed.
func CanTransition(from, to TicketStatus) bool {
	switch from {
	case StatusOpen:
		return to == StatusAssigned || to == StatusClosed
	case StatusAssigned:
		return to == StatusClosed
	default:
		return false
	}
}

// TicketKind is the origin of a conversation: the floating chat or the ticket form.
type TicketKind string

const (
	KindChat   TicketKind = "chat"
	KindTicket TicketKind = "ticket"
)

// Ticket is a support conversation with its ordered messages.
type Ticket struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Email     string       `json:"email,omitempty"`
	Kind      TicketKind   `json:"type,omitempty"`
	Status    TicketStatus `json:"status"`
	Messages  []Message    `json:"messages"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// TicketSummary is one row of the conversation list.
type TicketSummary struct {
	ID        string          `json:"id"`
	Name      *string         `json:"name"`
	Email     *string         `json:"email"`
	Status    TicketStatus    `json:"status"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Messages  []LatestMessage `json:"messages"`
}

// LatestMessage carries only the content of the newest message in a list row.
type LatestMessage struct {
	Content string `json:"content"`
}

// Latest returns the content of the newest message, if any.
func (s TicketSummary) Latest() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Content
}

// Identity is the end user's contact information collected before a handoff.
type Identity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// CreateTicketRequest is the body of the create-conversation call.
type CreateTicketRequest struct {
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	InitialMessage string     `json:"initialMessage"`
	Kind           TicketKind `json:"type"`
}

// AppendMessageRequest is the body of the append-message call.
type AppendMessageRequest struct {
	TicketID string  `json:"ticketId"`
	Content  string  `json:"content"`
	Sender   Sender  `json:"sender"`
	Upload   *Upload `json:"-"`
}
