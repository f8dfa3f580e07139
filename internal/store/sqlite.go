// Package store implements the device-local record store: an embedded SQLite
// database holding the synchronized domain tables plus the sync bookkeeping
// (pending-operation queue, per-table cursors, conflict audit trail).
//
// Every exported mutation executes inside a single transaction so a domain
// change and its queue entry are always committed together; a change that is
// durable but not queued would be silently lost from synchronization.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/workix/fieldsync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local store.
type SQLiteStore struct {
	db *sql.DB
}

// syncTables is the set of table names the engine will touch. Table names are
// interpolated into SQL, so everything outside this set is rejected.
var syncTables = func() map[string]struct{} {
	m := make(map[string]struct{}, len(types.TableNames))
	for _, name := range types.TableNames {
		m[name] = struct{}{}
	}
	return m
}()

// NewSQLiteStore opens (or creates) the database at dbPath, applies pragmas,
// and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The engine is a single-process writer; one connection avoids
	// SQLITE_BUSY between the coordinator and UI-facing writes.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// checkTable validates a table name against the synchronized set.
func checkTable(table string) error {
	if _, ok := syncTables[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
