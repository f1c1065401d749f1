package widget

import (
	"context"
	"time"

	"helpdesk/internal/domain"
	"helpdesk/internal/metrics"
)

// Poll fetches the active ticket and reconciles it. It does nothing outside a
// human conversation. Failures are logged; the next tick is the only retry.
func (w *Widget) Poll(ctx context.Context) {
	w.mu.Lock()
	phase, ticketID := w.phase, w.ticketID
	w.mu.Unlock()
	if phase != PhaseHuman || ticketID == "" {
		return
	}

	ticket, err := w.api.GetTicket(ctx, ticketID)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("poll failed", "ticket", ticketID, "err", err)
		}
		w.metrics.Poll(metrics.PollFailed)
		return
	}
	w.Apply(ticketID, ticket.Messages)
}

// Apply reconciles a fetched message list for ticketID against the displayed
// one. Polling and push both land here. It reports whether the list was
// replaced.
func (w *Widget) Apply(ticketID string, fetched []domain.Message) bool {
	w.mu.Lock()
	if ticketID != w.ticketID || w.phase != PhaseHuman {
		w.mu.Unlock()
		w.metrics.Poll(metrics.PollStale)
		return false
	}
	out := Reconcile(w.messages, fetched)
	if !out.Accepted {
		w.mu.Unlock()
		w.metrics.Poll(metrics.PollDiscarded)
		return false
	}
	w.messages = out.Messages
	if w.baseline {
		out.Notify = false
		w.baseline = false
	}
	unreadChanged := false
	if out.Notify && !w.ui.State().Open {
		w.unread++
		unreadChanged = true
	}
	unread, count := w.unread, len(w.messages)
	w.mu.Unlock()

	w.metrics.Poll(metrics.PollAccepted)
	w.publishMessages(ticketID, count)
	if out.Notify {
		w.notifier.Notify(out.Tail)
	}
	if unreadChanged {
		w.metrics.SetUnread(unread)
		w.publishUnread(unread)
	}
	return true
}

// Run keeps the active conversation in sync until ctx is cancelled. With a
// push subscriber it consumes pushed snapshots and falls back to polling when
// the subscription ends with an error. The poll timer restarts whenever the
// phase or conversation changes.
func (w *Widget) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var (
		cancelPush context.CancelFunc
		pushErr    chan error
		pushing    bool
	)
	stopPush := func() {
		if cancelPush != nil {
			cancelPush()
			cancelPush = nil
		}
		pushErr = nil
		pushing = false
	}
	defer stopPush()

	startPush := func() {
		stopPush()
		if w.push == nil {
			return
		}
		w.mu.Lock()
		phase, ticketID := w.phase, w.ticketID
		w.mu.Unlock()
		if phase != PhaseHuman || ticketID == "" {
			return
		}
		pctx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		deliver := func(id string, msgs []domain.Message) { w.Apply(id, msgs) }
		go func() { errCh <- w.push.Subscribe(pctx, ticketID, deliver) }()
		cancelPush, pushErr, pushing = cancel, errCh, true
	}

	startPush()
	if !pushing {
		w.Poll(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.changed:
			ticker.Reset(w.pollInterval)
			startPush()
			if !pushing {
				w.Poll(ctx)
			}
		case err := <-pushErr:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("push subscription ended, falling back to polling", "err", err)
			cancelPush()
			cancelPush, pushErr, pushing = nil, nil, false
			w.Poll(ctx)
		case <-ticker.C:
			if !pushing {
				w.Poll(ctx)
			}
		}
	}
}
