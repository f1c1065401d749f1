package backend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"helpdesk/internal/domain"
	"helpdesk/internal/metrics"

	"github.com/gorilla/websocket"
)

const pushWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub pushes ticket snapshots to WebSocket subscribers.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Server

	mu   sync.RWMutex
	subs map[string]map[*pushClient]struct{}
}

type pushClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *pushClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewHub(logger *slog.Logger, m *metrics.Server) *Hub {
	return &Hub{logger: logger, metrics: m, subs: make(map[string]map[*pushClient]struct{})}
}

// Serve upgrades the request and streams snapshots of ticketID until the
// client disconnects. The client is registered before load runs, so an append
// racing the connect is either in the first snapshot or published after it.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ticketID string, load func() (*domain.Ticket, error)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	c := &pushClient{conn: conn}

	h.mu.Lock()
	if h.subs[ticketID] == nil {
		h.subs[ticketID] = make(map[*pushClient]struct{})
	}
	h.subs[ticketID][c] = struct{}{}
	h.mu.Unlock()
	h.metrics.PushConnected(1)
	h.logger.Info("push client connected", "ticket", ticketID, "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.subs[ticketID], c)
		if len(h.subs[ticketID]) == 0 {
			delete(h.subs, ticketID)
		}
		h.mu.Unlock()
		conn.Close()
		h.metrics.PushConnected(-1)
		h.logger.Info("push client disconnected", "ticket", ticketID)
	}()

	if data, err := json.Marshal(domain.PushFrame{Type: domain.PushStatus, Content: "connected"}); err == nil {
		c.send(data)
	}
	ticket, err := load()
	if err != nil {
		h.logger.Warn("load snapshot failed", "ticket", ticketID, "err", err)
		return
	}
	if data, err := json.Marshal(domain.PushFrame{Type: domain.PushSnapshot, Ticket: ticket}); err == nil {
		c.send(data)
	}

	// Clients only listen; reading drives ping/pong and close handling.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("push read error", "err", err)
			}
			return
		}
	}
}

// Publish sends a snapshot of ticket to its subscribers.
func (h *Hub) Publish(ticket *domain.Ticket) {
	h.mu.RLock()
	clients := make([]*pushClient, 0, len(h.subs[ticket.ID]))
	for c := range h.subs[ticket.ID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(domain.PushFrame{Type: domain.PushSnapshot, Ticket: ticket})
	if err != nil {
		h.logger.Error("marshal snapshot failed", "err", err)
		return
	}
	for _, c := range clients {
		if err := c.send(data); err != nil {
			h.logger.Debug("push write failed", "ticket", ticket.ID, "err", err)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for c := range set {
			c.mu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			c.mu.Unlock()
			c.conn.Close()
		}
		delete(h.subs, id)
	}
}
