package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"helpdesk/internal/domain"

	"github.com/gorilla/websocket"
)

func TestHub_AppendDuringConnectIsDelivered(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	defer hub.Close()

	older := &domain.Ticket{ID: "t-1", Messages: []domain.Message{{ID: "m1", Sender: domain.SenderUser, Content: "hi"}}}
	newer := &domain.Ticket{ID: "t-1", Messages: append(append([]domain.Message(nil), older.Messages...),
		domain.Message{ID: "m2", Sender: domain.SenderAgent, Content: "hello"})}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "t-1", func() (*domain.Ticket, error) {
			// An append commits and publishes while the snapshot is loading.
			hub.Publish(newer)
			return older, nil
		})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	longest := 0
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 3; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		var f domain.PushFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.Type == domain.PushSnapshot && len(f.Ticket.Messages) > longest {
			longest = len(f.Ticket.Messages)
		}
	}
	if longest != 2 {
		t.Fatalf("subscriber never saw the concurrent append, longest snapshot %d", longest)
	}
}
