// Package inbox polls the conversation list for the agent side.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"helpdesk/internal/bus"
	"helpdesk/internal/domain"

	"github.com/dustin/go-humanize"
)

const DefaultInterval = 5 * time.Second

type Options struct {
	API      domain.SupportAPI
	Interval time.Duration
	Bus      *bus.EventBus
	Logger   *slog.Logger
}

// Poller keeps the latest conversation list, newest activity first.
type Poller struct {
	api      domain.SupportAPI
	interval time.Duration
	bus      *bus.EventBus
	logger   *slog.Logger

	mu      sync.RWMutex
	tickets []domain.TicketSummary
}

func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{api: opts.API, interval: opts.Interval, bus: opts.Bus, logger: opts.Logger}
}

func (p *Poller) Tickets() []domain.TicketSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.TicketSummary(nil), p.tickets...)
}

// Refresh fetches the list once. It reports whether anything changed.
func (p *Poller) Refresh(ctx context.Context) (bool, error) {
	list, err := p.api.ListTickets(ctx)
	if err != nil {
		return false, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })

	p.mu.Lock()
	changed := !sameList(p.tickets, list)
	if changed {
		p.tickets = list
	}
	p.mu.Unlock()

	if changed {
		p.bus.Emit(bus.Event{
			Type:    bus.EventInboxChanged,
			Source:  "inbox",
			Payload: map[string]any{"count": len(list)},
		})
	}
	return changed, nil
}

// Run refreshes on every interval until ctx is cancelled. Failures are logged
// and the next tick tries again.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("inbox refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func sameList(a, b []domain.TicketSummary) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Status != b[i].Status ||
			!a[i].UpdatedAt.Equal(b[i].UpdatedAt) || a[i].Latest() != b[i].Latest() {
			return false
		}
	}
	return true
}

// Format renders one list row relative to now.
func Format(s domain.TicketSummary, now time.Time) string {
	who := "(anonymous)"
	switch {
	case s.Name != nil && *s.Name != "" && s.Email != nil:
		who = fmt.Sprintf("%s <%s>", *s.Name, *s.Email)
	case s.Email != nil:
		who = *s.Email
	case s.Name != nil && *s.Name != "":
		who = *s.Name
	}
	latest := strings.ReplaceAll(s.Latest(), "\n", " ")
	if r := []rune(latest); len(r) > 60 {
		latest = string(r[:57]) + "..."
	}
	return fmt.Sprintf("%-36s  %-8s  %-32s  %-16s  %s",
		s.ID, s.Status, who, humanize.RelTime(s.UpdatedAt, now, "ago", "from now"), latest)
}
