package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	fieldsync "github.com/workix/fieldsync/internal/sync"
	"github.com/workix/fieldsync/internal/types"
)

// selectRecordSQL lists the columns every synchronized table shares.
const selectRecordCols = "id, revision, base_revision, last_modified_at, last_modified_by, synced, deleted, payload"

// Get returns the record with the given id, including tombstones. Callers
// that only want live records must check Deleted.
func (s *SQLiteStore) Get(ctx context.Context, table, id string) (*types.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return getRecord(ctx, s.db, table, id)
}

func getRecord(ctx context.Context, q querier, table, id string) (*types.Record, error) {
	row := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectRecordCols, table), id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// Upsert writes a local create or edit. In one transaction it bumps the
// revision, stamps the modification metadata, marks the record dirty, and
// coalesces a matching entry into the sync queue.
func (s *SQLiteStore) Upsert(ctx context.Context, table, id string, payload json.RawMessage, actor string) (*types.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	rec := types.Record{
		ID:             id,
		Revision:       1,
		LastModifiedAt: now,
		LastModifiedBy: actor,
		Payload:        payload,
	}
	op := fieldsync.OpInsert

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecord(ctx, tx, table, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			rec.Revision = existing.Revision + 1
			rec.BaseRevision = existing.BaseRevision
			// A record the server has never acknowledged is still an
			// insert no matter how often it is edited locally.
			if existing.BaseRevision > 0 {
				op = fieldsync.OpUpdate
			}
		}

		if err := writeRecord(ctx, tx, table, &rec); err != nil {
			return err
		}

		return enqueueTx(ctx, tx, &fieldsync.QueueEntry{
			TableName:    table,
			RecordID:     id,
			Operation:    op,
			Payload:      payload,
			BaseRevision: rec.BaseRevision,
			Revision:     rec.Revision,
			EnqueuedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SoftDelete tombstones a record and queues the deletion. A record the
// server has never seen and that has no in-flight push is removed outright
// together with its pending queue entry; the server has nothing to confirm.
func (s *SQLiteStore) SoftDelete(ctx context.Context, table, id, actor string) error {
	if err := checkTable(table); err != nil {
		return err
	}

	now := time.Now().UnixMilli()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecord(ctx, tx, table, id)
		if err != nil {
			return err
		}

		if existing.BaseRevision == 0 {
			inFlight, err := hasInFlightEntry(ctx, tx, table, id)
			if err != nil {
				return err
			}
			if !inFlight {
				if err := purgeRecord(ctx, tx, table, id); err != nil {
					return err
				}
				return dropQueueEntries(ctx, tx, table, id, fieldsync.StatusPending)
			}
		}

		rec := types.Record{
			ID:             id,
			Revision:       existing.Revision + 1,
			BaseRevision:   existing.BaseRevision,
			LastModifiedAt: now,
			LastModifiedBy: actor,
			Deleted:        true,
			Payload:        existing.Payload,
		}
		if err := writeRecord(ctx, tx, table, &rec); err != nil {
			return err
		}

		return enqueueTx(ctx, tx, &fieldsync.QueueEntry{
			TableName:    table,
			RecordID:     id,
			Operation:    fieldsync.OpDelete,
			Payload:      existing.Payload,
			BaseRevision: rec.BaseRevision,
			Revision:     rec.Revision,
			EnqueuedAt:   now,
		})
	})
}

// ListDirty returns all records with unsynchronized local changes, oldest
// modification first.
func (s *SQLiteStore) ListDirty(ctx context.Context, table string) ([]types.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return s.listRecords(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE synced = 0 ORDER BY last_modified_at ASC, id ASC", selectRecordCols, table))
}

// ListSince returns records modified after the given cursor, in deterministic
// (last_modified_at, id) order.
func (s *SQLiteStore) ListSince(ctx context.Context, table string, cursor int64) ([]types.Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return s.listRecords(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE last_modified_at > ? ORDER BY last_modified_at ASC, id ASC", selectRecordCols, table),
		cursor)
}

func (s *SQLiteStore) listRecords(ctx context.Context, query string, args ...any) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// writeRecord inserts or replaces a record row.
func writeRecord(ctx context.Context, q querier, table string, rec *types.Record) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, revision, base_revision, last_modified_at, last_modified_by, synced, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			base_revision = excluded.base_revision,
			last_modified_at = excluded.last_modified_at,
			last_modified_by = excluded.last_modified_by,
			synced = excluded.synced,
			deleted = excluded.deleted,
			payload = excluded.payload
	`, table),
		rec.ID, rec.Revision, rec.BaseRevision, rec.LastModifiedAt, rec.LastModifiedBy,
		boolToInt(rec.Synced), boolToInt(rec.Deleted), string(rec.Payload))
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func purgeRecord(ctx context.Context, q querier, table, id string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
		return fmt.Errorf("purge record: %w", err)
	}
	return nil
}

// scanRecord scans a row into a Record, converting SQLite integers to bools.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var synced, deleted int
	var payload string

	err := scanner.Scan(
		&rec.ID,
		&rec.Revision,
		&rec.BaseRevision,
		&rec.LastModifiedAt,
		&rec.LastModifiedBy,
		&synced,
		&deleted,
		&payload,
	)
	if err != nil {
		return nil, err
	}

	rec.Synced = synced != 0
	rec.Deleted = deleted != 0
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
