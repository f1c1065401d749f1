// Package session keeps the widget's active conversation across restarts.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"helpdesk/internal/domain"
	"helpdesk/internal/storage"
)

var migrations = []storage.Migration{
	{
		Version:     1,
		Description: "widget sessions",
		SQL: `
		CREATE TABLE IF NOT EXISTS sessions (
			key         TEXT PRIMARY KEY,
			ticket_id   TEXT NOT NULL,
			name        TEXT DEFAULT '',
			email       TEXT DEFAULT '',
			mode        TEXT DEFAULT '',
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
}

// SQLiteStore implements domain.SessionStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.SessionStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, migrations, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Load returns domain.ErrNotFound when nothing is stored under key.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*domain.SessionState, error) {
	st := domain.SessionState{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT ticket_id, name, email, mode FROM sessions WHERE key = ?`, key,
	).Scan(&st.TicketID, &st.Identity.Name, &st.Identity.Email, &st.Mode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	return &st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, st domain.SessionState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, ticket_id, name, email, mode, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			ticket_id = excluded.ticket_id,
			name = excluded.name,
			email = excluded.email,
			mode = excluded.mode,
			updated_at = excluded.updated_at`,
		st.Key, st.TicketID, st.Identity.Name, st.Identity.Email, st.Mode, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.Key, err)
	}
	s.logger.Debug("session saved", "key", st.Key, "ticket", st.TicketID)
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear session %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
