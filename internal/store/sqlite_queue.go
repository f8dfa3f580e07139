package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	fieldsync "github.com/workix/fieldsync/internal/sync"
)

const selectQueueCols = "id, table_name, record_id, operation, payload, base_revision, revision, enqueued_at, retry_count, last_error, status"

// enqueueTx writes a queue entry inside an existing transaction, coalescing
// with any outstanding pending entry for the same record. An in-flight entry
// is left alone and the new entry is queued behind it, so at most one pending
// or in-flight entry exists per (table, record) pair plus at most one pending
// follow-up behind an in-flight one.
func enqueueTx(ctx context.Context, tx *sql.Tx, entry *fieldsync.QueueEntry) error {
	var id int64
	var operation, status string
	err := tx.QueryRowContext(ctx, `
		SELECT id, operation, status FROM sync_queue
		WHERE table_name = ? AND record_id = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1
	`, entry.TableName, entry.RecordID, fieldsync.StatusPending, fieldsync.StatusInFlight).Scan(&id, &operation, &status)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return insertQueueEntry(ctx, tx, entry)
	case err != nil:
		return fmt.Errorf("find queue entry: %w", err)
	}

	if status == fieldsync.StatusInFlight {
		return insertQueueEntry(ctx, tx, entry)
	}

	// Coalesce into the pending entry. An insert that the server has never
	// seen stays an insert regardless of later edits; a delete supersedes
	// whatever came before it. The entry keeps its queue position but gets
	// a fresh retry budget for the new snapshot.
	op := entry.Operation
	if operation == fieldsync.OpInsert && op == fieldsync.OpUpdate {
		op = fieldsync.OpInsert
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET operation = ?, payload = ?, base_revision = ?, revision = ?,
		    retry_count = 0, last_error = '', status = ?
		WHERE id = ?
	`, op, string(entry.Payload), entry.BaseRevision, entry.Revision, fieldsync.StatusPending, id)
	if err != nil {
		return fmt.Errorf("coalesce queue entry: %w", err)
	}
	return nil
}

func insertQueueEntry(ctx context.Context, q querier, entry *fieldsync.QueueEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, record_id, operation, payload, base_revision, revision, enqueued_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.TableName, entry.RecordID, entry.Operation, string(entry.Payload),
		entry.BaseRevision, entry.Revision, entry.EnqueuedAt, fieldsync.StatusPending)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

func hasInFlightEntry(ctx context.Context, q querier, table, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE table_name = ? AND record_id = ? AND status = ?
	`, table, id, fieldsync.StatusInFlight).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count in-flight entries: %w", err)
	}
	return n > 0, nil
}

func dropQueueEntries(ctx context.Context, q querier, table, id, status string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE table_name = ? AND record_id = ? AND status = ?
	`, table, id, status)
	if err != nil {
		return fmt.Errorf("drop queue entries: %w", err)
	}
	return nil
}

// NextBatch returns up to limit pending entries in FIFO order.
func (s *SQLiteStore) NextBatch(ctx context.Context, limit int) ([]fieldsync.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_queue
		WHERE status = ?
		ORDER BY enqueued_at ASC, id ASC
		LIMIT ?
	`, selectQueueCols), fieldsync.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	return scanQueueEntries(rows)
}

// MarkInFlight transitions the given entries from pending to in-flight.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, ids []int64) error {
	return s.updateQueueStatus(ctx, ids, fieldsync.StatusPending, fieldsync.StatusInFlight)
}

// ResetInFlight returns any in-flight entries to pending. Called on startup:
// entries stranded in-flight by a crash mid-push must be retried, and the
// server's idempotent upsert semantics make the re-send safe.
func (s *SQLiteStore) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ? WHERE status = ?
	`, fieldsync.StatusPending, fieldsync.StatusInFlight)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) updateQueueStatus(ctx context.Context, ids []int64, from, to string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?
			`, to, id, from); err != nil {
				return fmt.Errorf("update queue entry %d: %w", id, err)
			}
		}
		return nil
	})
}

// RequeueBatch records a transient failure for the given entries: the retry
// count increments and the entry returns to pending, or transitions to the
// terminal failed status once maxAttempts is exceeded. Returns how many
// entries went terminal.
func (s *SQLiteStore) RequeueBatch(ctx context.Context, ids []int64, cause string, maxAttempts int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var terminal int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE sync_queue
				SET retry_count = retry_count + 1,
				    last_error = ?,
				    status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END
				WHERE id = ?
			`, cause, maxAttempts, fieldsync.StatusFailed, fieldsync.StatusPending, id)
			if err != nil {
				return fmt.Errorf("requeue entry %d: %w", id, err)
			}

			var status string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&status); err != nil {
				return fmt.Errorf("read entry %d status: %w", id, err)
			}
			if status == fieldsync.StatusFailed {
				terminal++
			}
		}
		return nil
	})
	return terminal, err
}

// RejectEntry marks an entry terminally failed with the server-supplied
// reason. Rejections are business-rule failures and are never retried
// automatically; the operator requeues them explicitly if appropriate.
func (s *SQLiteStore) RejectEntry(ctx context.Context, id int64, reason string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var table string
		if err := tx.QueryRowContext(ctx, `SELECT table_name FROM sync_queue WHERE id = ?`, id).Scan(&table); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read queue entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET status = ?, last_error = ? WHERE id = ?
		`, fieldsync.StatusFailed, reason, id); err != nil {
			return fmt.Errorf("reject queue entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_metadata SET last_error = ? WHERE table_name = ?
		`, reason, table); err != nil {
			return fmt.Errorf("record table error: %w", err)
		}
		return nil
	})
}

// AckPush applies a server acceptance for one queue entry: the record flips
// to synced on the server-assigned revision (or is physically purged for a
// confirmed delete), the queue entry is removed, and the push bookkeeping is
// updated, all in one commit, so a crash cannot leave the queue and the data
// disagreeing about what the server has acknowledged.
func (s *SQLiteStore) AckPush(ctx context.Context, entry fieldsync.QueueEntry, serverRevision, ackedAt int64) error {
	if err := checkTable(entry.TableName); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if entry.Operation == fieldsync.OpDelete {
			if err := purgeRecord(ctx, tx, entry.TableName, entry.RecordID); err != nil {
				return err
			}
		} else {
			// Flip synced only when no newer local edit exists; a
			// follow-up edit raced the push and must stay dirty.
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE %s SET synced = 1, revision = ?, base_revision = ?
				WHERE id = ? AND revision = ?
			`, entry.TableName), serverRevision, serverRevision, entry.RecordID, entry.Revision)
			if err != nil {
				return fmt.Errorf("mark record synced: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				// The record moved on locally. Its base still advances:
				// the newer edit is now derived from the acknowledged
				// server revision, as is its pending queue entry.
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
					UPDATE %s SET base_revision = ? WHERE id = ?
				`, entry.TableName), serverRevision, entry.RecordID); err != nil {
					return fmt.Errorf("advance base revision: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE sync_queue SET base_revision = ?
					WHERE table_name = ? AND record_id = ? AND status = ?
				`, serverRevision, entry.TableName, entry.RecordID, fieldsync.StatusPending); err != nil {
					return fmt.Errorf("advance queue base revision: %w", err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
			return fmt.Errorf("complete queue entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_metadata
			SET total_synced = total_synced + 1, last_push_cursor = ?, last_error = ''
			WHERE table_name = ?
		`, ackedAt, entry.TableName); err != nil {
			return fmt.Errorf("update push bookkeeping: %w", err)
		}
		return nil
	})
}

// ListFailed returns all terminally failed entries for the operator surface.
func (s *SQLiteStore) ListFailed(ctx context.Context) ([]fieldsync.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_queue WHERE status = ? ORDER BY enqueued_at ASC, id ASC
	`, selectQueueCols), fieldsync.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query failed entries: %w", err)
	}
	defer rows.Close()

	return scanQueueEntries(rows)
}

// RequeueFailed returns a terminally failed entry to pending with a fresh
// retry budget.
func (s *SQLiteStore) RequeueFailed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, retry_count = 0, last_error = ''
		WHERE id = ? AND status = ?
	`, fieldsync.StatusPending, id, fieldsync.StatusFailed)
	if err != nil {
		return fmt.Errorf("requeue failed entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueueDepth returns the number of pending and failed entries.
func (s *SQLiteStore) QueueDepth(ctx context.Context) (pending, failed int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN (?, ?) THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM sync_queue
	`, fieldsync.StatusPending, fieldsync.StatusInFlight, fieldsync.StatusFailed).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count queue entries: %w", err)
	}
	return pending, failed, nil
}

func scanQueueEntries(rows *sql.Rows) ([]fieldsync.QueueEntry, error) {
	var entries []fieldsync.QueueEntry
	for rows.Next() {
		var e fieldsync.QueueEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &e.Operation, &payload,
			&e.BaseRevision, &e.Revision, &e.EnqueuedAt, &e.RetryCount, &e.LastError, &e.Status); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		if payload != "" {
			e.Payload = []byte(payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
