// Package alert tells support agents about new customer activity.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Kind of alert.
const (
	KindTicketCreated = "ticket.created"
	KindCustomerReply = "ticket.reply"
)

type Alert struct {
	Kind     string
	TicketID string
	Name     string
	Email    string
	Content  string
}

// Text renders the alert as a short plain-text notice.
func (a Alert) Text() string {
	var sb strings.Builder
	switch a.Kind {
	case KindTicketCreated:
		sb.WriteString("New support conversation")
	case KindCustomerReply:
		sb.WriteString("Customer replied")
	default:
		sb.WriteString(a.Kind)
	}
	fmt.Fprintf(&sb, " %s", a.TicketID)
	if a.Email != "" {
		if a.Name != "" {
			fmt.Fprintf(&sb, " from %s <%s>", a.Name, a.Email)
		} else {
			fmt.Fprintf(&sb, " from %s", a.Email)
		}
	}
	if a.Content != "" {
		sb.WriteString("\n\n")
		sb.WriteString(a.Content)
	}
	return sb.String()
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Log writes alerts to the logger. It is the fallback when no bot is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Alert(ctx context.Context, a Alert) error {
	l.Logger.Info("support alert", "kind", a.Kind, "ticket", a.TicketID, "email", a.Email)
	return nil
}

// Multi fans an alert out to several alerters and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []string
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("alert: %s", strings.Join(errs, "; "))
	}
	return nil
}
