package widget

import "helpdesk/internal/domain"

// Outcome is the result of reconciling a fetched message list.
type Outcome struct {
	Accepted bool
	Messages []domain.Message
	// Notify is set when the accepted list ends in a new message from the
	// other side of the conversation.
	Notify bool
	Tail   domain.Message
}

// Reconcile applies the monotonic-length rule: a fetched list replaces the
// displayed one only when it is strictly longer. Same-length and shorter lists
// are stale and discarded.
func Reconcile(current, fetched []domain.Message) Outcome {
	if len(fetched) <= len(current) {
		return Outcome{Messages: current}
	}

	out := Outcome{
		Accepted: true,
		Messages: append([]domain.Message(nil), fetched...),
		Tail:     fetched[len(fetched)-1],
	}
	if out.Tail.Sender.IsLocal() {
		return out
	}
	if len(current) > 0 && current[len(current)-1].ID == out.Tail.ID {
		return out
	}
	out.Notify = true
	return out
}
