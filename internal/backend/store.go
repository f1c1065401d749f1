package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"helpdesk/internal/domain"
	"helpdesk/internal/storage"

	"github.com/google/uuid"
)

var migrations = []storage.Migration{
	{
		Version:     1,
		Description: "base schema: tickets, messages, attachments",
		SQL: `
		CREATE TABLE IF NOT EXISTS tickets (
			id          TEXT PRIMARY KEY,
			name        TEXT,
			email       TEXT,
			kind        TEXT NOT NULL DEFAULT 'chat',
			status      TEXT NOT NULL DEFAULT 'open',
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tickets_updated ON tickets(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			ticket_id   TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
			sender      TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_ticket ON messages(ticket_id, seq);

		CREATE TABLE IF NOT EXISTS attachments (
			id          TEXT PRIMARY KEY,
			message_id  TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			url         TEXT NOT NULL,
			mime_type   TEXT DEFAULT '',
			created_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
		`,
	},
}

// Store persists tickets and their messages in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, migrations, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateTicket opens a ticket and records its first user message, if any.
func (s *Store) CreateTicket(ctx context.Context, req domain.CreateTicketRequest) (*domain.Ticket, error) {
	if strings.TrimSpace(req.Email) == "" {
		return nil, domain.ErrEmailRequired
	}
	if req.Kind == "" {
		req.Kind = domain.KindChat
	}
	now := s.now()
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tickets (id, name, email, kind, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, nullable(req.Name), nullable(req.Email), string(req.Kind), string(domain.StatusOpen), now, now,
	); err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	if content := strings.TrimSpace(req.InitialMessage); content != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, ticket_id, sender, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), id, string(domain.SenderUser), content, now,
		); err != nil {
			return nil, fmt.Errorf("insert initial message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("ticket created", "ticket", id, "kind", req.Kind)
	return s.GetTicket(ctx, id)
}

func (s *Store) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	var (
		t           domain.Ticket
		name, email sql.NullString
		kind        string
		status      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, kind, status, created_at, updated_at FROM tickets WHERE id = ?`, id,
	).Scan(&t.ID, &name, &email, &kind, &status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	t.Name, t.Email = name.String, email.String
	t.Kind = domain.TicketKind(kind)
	t.Status = domain.TicketStatus(status)

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Messages = msgs
	return &t, nil
}

func (s *Store) messages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, content, created_at FROM messages WHERE ticket_id = ? ORDER BY seq`, ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	index := make(map[string]int)
	for rows.Next() {
		m := domain.Message{TicketID: ticketID}
		var sender string
		if err := rows.Scan(&m.ID, &sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Sender, err = domain.ParseSender(sender); err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		index[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT a.message_id, a.name, a.url, a.mime_type
		 FROM attachments a JOIN messages m ON m.id = a.message_id
		 WHERE m.ticket_id = ? ORDER BY a.created_at, a.id`, ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var msgID string
		var a domain.Attachment
		if err := arows.Scan(&msgID, &a.Name, &a.URL, &a.Type); err != nil {
			return nil, err
		}
		if i, ok := index[msgID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
	return msgs, arows.Err()
}

// ListTickets returns every ticket with only its latest message, most
// recently updated first.
func (s *Store) ListTickets(ctx context.Context) ([]domain.TicketSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.email, t.status, t.updated_at,
			(SELECT m.content FROM messages m WHERE m.ticket_id = t.id ORDER BY m.seq DESC LIMIT 1)
		FROM tickets t
		ORDER BY t.updated_at DESC, t.id`)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	out := []domain.TicketSummary{}
	for rows.Next() {
		var (
			sum                 domain.TicketSummary
			name, email, latest sql.NullString
			status              string
		)
		if err := rows.Scan(&sum.ID, &name, &email, &status, &sum.UpdatedAt, &latest); err != nil {
			return nil, err
		}
		sum.Status = domain.TicketStatus(status)
		if name.Valid {
			sum.Name = &name.String
		}
		if email.Valid {
			sum.Email = &email.String
		}
		sum.Messages = []domain.LatestMessage{}
		if latest.Valid {
			sum.Messages = append(sum.Messages, domain.LatestMessage{Content: latest.String})
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessage adds a message to a ticket. A staff reply on an open ticket
// assigns it. Closed tickets take no more messages.
func (s *Store) AppendMessage(ctx context.Context, ticketID string, sender domain.Sender, content string, attachments []domain.Attachment) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return nil, domain.ErrEmptyMessage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = ?`, ticketID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if domain.TicketStatus(status) == domain.StatusClosed {
		return nil, domain.ErrTicketClosed
	}

	now := s.now()
	msg := &domain.Message{
		ID:          uuid.NewString(),
		TicketID:    ticketID,
		Sender:      sender,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, ticket_id, sender, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, ticketID, string(sender), content, now,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	for _, a := range attachments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachments (id, message_id, name, url, mime_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), msg.ID, a.Name, a.URL, a.Type, now,
		); err != nil {
			return nil, fmt.Errorf("insert attachment: %w", err)
		}
	}

	newStatus := domain.TicketStatus(status)
	if !sender.IsLocal() && sender != domain.SenderAssistant && newStatus == domain.StatusOpen {
		newStatus = domain.StatusAssigned
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`, string(newStatus), now, ticketID,
	); err != nil {
		return nil, fmt.Errorf("touch ticket: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateStatus moves a ticket forward in its lifecycle.
func (s *Store) UpdateStatus(ctx context.Context, id string, to domain.TicketStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !domain.CanTransition(domain.TicketStatus(from), to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`, string(to), s.now(), id,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("ticket status changed", "ticket", id, "from", from, "to", to)
	return nil
}

// Count returns the number of tickets.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets`).Scan(&n)
	return n, err
}
