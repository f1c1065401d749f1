// Package push subscribes to ticket snapshots over WebSocket.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"helpdesk/internal/domain"

	"github.com/gorilla/websocket"
)

type Config struct {
	// URLFor returns the WebSocket URL of a ticket's subscription.
	URLFor func(ticketID string) string
	Header http.Header
	Logger *slog.Logger
	// PingInterval keeps idle connections alive (default 30s).
	PingInterval time.Duration
}

// Subscriber implements widget.Subscriber on top of gorilla/websocket.
type Subscriber struct {
	urlFor       func(string) string
	header       http.Header
	dialer       *websocket.Dialer
	logger       *slog.Logger
	pingInterval time.Duration
}

func New(cfg Config) *Subscriber {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Subscriber{
		urlFor: cfg.URLFor,
		header: cfg.Header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:       cfg.Logger,
		pingInterval: cfg.PingInterval,
	}
}

// Subscribe streams snapshots of ticketID to deliver until ctx is cancelled
// (returns nil) or the connection fails (returns the error).
func (s *Subscriber) Subscribe(ctx context.Context, ticketID string, deliver func(string, []domain.Message)) error {
	url := s.urlFor(ticketID)
	conn, resp, err := s.dialer.DialContext(ctx, url, s.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	s.logger.Info("push subscription open", "ticket", ticketID)

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					s.logger.Debug("push ping failed", "err", err)
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return fmt.Errorf("push subscription closed by server")
			}
			return fmt.Errorf("push read: %w", err)
		}

		var frame domain.PushFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("invalid push frame", "err", err)
			continue
		}
		switch frame.Type {
		case domain.PushSnapshot:
			if frame.Ticket != nil {
				deliver(frame.Ticket.ID, frame.Ticket.Messages)
			}
		case domain.PushStatus:
			s.logger.Debug("push status", "ticket", ticketID, "content", frame.Content)
		}
	}
}
