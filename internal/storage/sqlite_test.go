package storage

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testMigrations = []Migration{
	{Version: 1, Description: "items", SQL: `CREATE TABLE items (id TEXT PRIMARY KEY);`},
	{Version: 2, Description: "item names", SQL: `
		ALTER TABLE items ADD COLUMN name TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_items_name ON items(name);
	`},
}

func TestMigrate_FreshDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if v, _ := SchemaVersion(db); v != 0 {
		t.Fatalf("fresh database should be version 0, got %d", v)
	}
	if err := Migrate(db, testMigrations, testLogger()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := SchemaVersion(db)
	if err != nil || v != 2 {
		t.Fatalf("expected version 2, got %d (%v)", v, err)
	}
	if _, err := db.Exec(`INSERT INTO items (id, name) VALUES ('a', 'b')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(db, testMigrations, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func TestMigrate_BadStatementRollsBack(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	bad := append(testMigrations[:1:1], Migration{Version: 2, SQL: "CREATE TABLE broken ("})
	if err := Migrate(db, bad, testLogger()); err == nil {
		t.Fatal("expected error")
	}
	if v, _ := SchemaVersion(db); v != 1 {
		t.Fatalf("failed migration should not be recorded, got version %d", v)
	}
}
