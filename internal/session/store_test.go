package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"helpdesk/internal/domain"
)

func newTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestStore_SaveLoadClear(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "session.db"))
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Load(ctx, "default"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	want := domain.SessionState{
		Key:      "default",
		TicketID: "t-1",
		Identity: domain.Identity{Name: "Ada", Email: "ada@example.com"},
		Mode:     "human",
	}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	want.TicketID = "t-2"
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := s.Load(ctx, "default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *got != want {
		t.Fatalf("got %+v, want %+v", *got, want)
	}

	if err := s.Clear(ctx, "default"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.Load(ctx, "default"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	ctx := context.Background()

	s := newTestStore(t, path)
	if err := s.Save(ctx, domain.SessionState{Key: "k", TicketID: "t-9"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s = newTestStore(t, path)
	defer s.Close()
	got, err := s.Load(ctx, "k")
	if err != nil || got.TicketID != "t-9" {
		t.Fatalf("expected t-9 after reopen, got %+v %v", got, err)
	}
}
