package widget

import (
	"context"
	"strings"

	"helpdesk/internal/bus"
	"helpdesk/internal/domain"
)

// chatContext converts the displayed conversation into assistant turns.
// Attachments are not forwarded; only text reaches the assistant.
func chatContext(msgs []domain.Message) []domain.ChatTurn {
	turns := make([]domain.ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		turns = append(turns, domain.ChatTurn{Role: m.Sender.Role(), Content: m.Content})
	}
	return turns
}

// StreamAssistantReply sends the conversation to the assistant and grows a
// single placeholder message as fragments arrive. Fragments that arrive after
// ctx is cancelled or the conversation changed are discarded.
func (w *Widget) StreamAssistantReply(ctx context.Context) error {
	w.mu.Lock()
	turns := chatContext(w.messages)
	placeholder := domain.Message{
		ID:        w.nextLocalIDLocked(),
		TicketID:  w.ticketID,
		Sender:    domain.SenderAssistant,
		CreatedAt: w.now(),
	}
	w.messages = append(w.messages, placeholder)
	gen, ticketID, count := w.generation, w.ticketID, len(w.messages)
	w.mu.Unlock()

	w.publishMessages(ticketID, count)

	err := w.api.StreamChat(ctx, turns, func(text string) {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		if w.generation != gen {
			w.mu.Unlock()
			return
		}
		content, ok := w.appendToLocked(placeholder.ID, text)
		w.mu.Unlock()
		if !ok {
			return
		}
		w.bus.Emit(bus.Event{
			Type:    bus.EventStreamDelta,
			Source:  "widget",
			Payload: map[string]any{"id": placeholder.ID, "delta": text, "content": content},
		})
	})
	if err != nil {
		w.logger.Warn("assistant stream failed", "err", err)
		w.dropEmptyPlaceholder(gen, placeholder.ID)
	}
	return err
}

func (w *Widget) appendToLocked(id, text string) (string, bool) {
	for i := len(w.messages) - 1; i >= 0; i-- {
		if w.messages[i].ID == id {
			w.messages[i].Content += text
			return w.messages[i].Content, true
		}
	}
	return "", false
}

// dropEmptyPlaceholder removes a placeholder that never received text.
func (w *Widget) dropEmptyPlaceholder(gen uint64, id string) {
	w.mu.Lock()
	if w.generation != gen {
		w.mu.Unlock()
		return
	}
	removed := false
	for i := len(w.messages) - 1; i >= 0; i-- {
		if w.messages[i].ID == id && w.messages[i].Content == "" {
			w.messages = append(w.messages[:i:i], w.messages[i+1:]...)
			removed = true
			break
		}
	}
	ticketID, count := w.ticketID, len(w.messages)
	w.mu.Unlock()
	if removed {
		w.publishMessages(ticketID, count)
	}
}
