// Package storage opens the trust ledger database and wires up its
// repositories. SQLite runs in WAL mode; all writers share the single
// *sql.DB handle, and the UNIQUE constraint on content_hash is the
// serialization point for concurrent inserts of the same payload.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/clipberry/clipberry/internal/storage/devices"
	"github.com/clipberry/clipberry/internal/storage/items"
	"github.com/clipberry/clipberry/internal/storage/migrations"
)

// Ledger bundles the open database handle with its repositories.
type Ledger struct {
	DB      *sql.DB
	Items   items.Repository
	Devices devices.Repository
}

// RunMigrations applies all embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens (creating if necessary) the ledger database at dsn,
// switches it to WAL journaling and applies migrations.
func InitDatabase(ctx context.Context, dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	return &Ledger{
		DB:      db,
		Items:   items.NewSQLiteRepository(db),
		Devices: devices.NewSQLiteRepository(db),
	}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.DB.Close()
}
