package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderAgent     Sender = "agent"
	SenderAdmin     Sender = "admin"
)

// ParseSender converts a wire value into a Sender. Unknown values are rejected.
func ParseSender(s string) (Sender, error) {
	switch Sender(s) {
	case SenderUser, SenderAssistant, SenderAgent, SenderAdmin:
		return Sender(s), nil
	default:
		return "", fmt.Errorf("unknown sender %q", s)
	}
}

// IsLocal reports whether messages from this sender originate at the widget's own user.
func (s Sender) IsLocal() bool {
	switch s {
	case SenderUser:
		return true
	case SenderAssistant, SenderAgent, SenderAdmin:
		return false
	default:
		return false
	}
}

// Role maps a sender to the role used in assistant chat context.
func (s Sender) Role() string {
	switch s {
	case SenderUser:
		return "user"
	case SenderAssistant, SenderAgent, SenderAdmin:
		return "assistant"
	default:
		return "user"
	}
}

// UnmarshalJSON rejects senders outside the closed set.
func (s *Sender) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSender(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Upload is a file the user attaches to an outbound message.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Attachment returns the local view of an upload, before the server assigns a URL.
func (u *Upload) Attachment() Attachment {
	return Attachment{Name: u.Name, Type: u.ContentType}
}

type Message struct {
	ID          string       `json:"id"`
	TicketID    string       `json:"ticketId"`
	Sender      Sender       `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ChatTurn is one entry of the context sent to the assistant stream.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
