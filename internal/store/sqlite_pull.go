package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	fieldsync "github.com/workix/fieldsync/internal/sync"
	"github.com/workix/fieldsync/internal/types"
)

// PullBatchResult summarizes one applied pull batch.
type PullBatchResult struct {
	Applied   int
	Skipped   int
	Conflicts int
}

// ApplyPullBatch applies a batch of resolved remote records and advances the
// table's pull cursor, all in one transaction. A crash before commit leaves
// the cursor untouched, so the next cycle re-pulls the same batch; the
// resolver's revision comparison makes the re-application a no-op.
func (s *SQLiteStore) ApplyPullBatch(ctx context.Context, table string, resolutions []fieldsync.Resolution, nextCursor int64) (*PullBatchResult, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	var result PullBatchResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, res := range resolutions {
			if err := s.applyResolution(ctx, tx, table, res, &result); err != nil {
				return fmt.Errorf("apply %s/%s: %w", table, res.Remote.ID, err)
			}
		}

		// The cursor only moves forward, and only together with the batch.
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_metadata
			SET last_pull_cursor = ?, total_conflicts = total_conflicts + ?
			WHERE table_name = ? AND last_pull_cursor < ?
		`, nextCursor, result.Conflicts, table, nextCursor); err != nil {
			return fmt.Errorf("advance pull cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *SQLiteStore) applyResolution(ctx context.Context, tx *sql.Tx, table string, res fieldsync.Resolution, result *PullBatchResult) error {
	remote := res.Remote

	switch res.Action {
	case fieldsync.ActionSkip:
		result.Skipped++
		return nil

	case fieldsync.ActionApplyRemote:
		result.Applied++
		return applyRemoteRecord(ctx, tx, table, remote)

	case fieldsync.ActionApplyRemoteDropLocal:
		if err := dropQueueEntries(ctx, tx, table, remote.ID, fieldsync.StatusPending); err != nil {
			return err
		}
		if err := applyRemoteRecord(ctx, tx, table, remote); err != nil {
			return err
		}
		result.Applied++
		result.Conflicts++
		return insertConflict(ctx, tx, table, res.Conflict)

	case fieldsync.ActionKeepLocal:
		result.Conflicts++
		return insertConflict(ctx, tx, table, res.Conflict)

	case fieldsync.ActionRebaseLocal:
		local, err := getRecord(ctx, tx, table, remote.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		// The remote version lands in the store; the local change is
		// re-enqueued on top of it as a fresh mutation so the operator's
		// work is resubmitted rather than dropped.
		rebased := types.Record{
			ID:             remote.ID,
			Revision:       remote.Revision + 1,
			BaseRevision:   remote.Revision,
			LastModifiedAt: remote.LastModifiedAt,
			LastModifiedBy: remote.LastModifiedBy,
			Deleted:        remote.Deleted,
			Payload:        remote.Payload,
		}
		if err := writeRecord(ctx, tx, table, &rebased); err != nil {
			return err
		}

		op := fieldsync.OpUpdate
		payload := res.Conflict.LocalPayload
		if local != nil && local.Deleted {
			op = fieldsync.OpDelete
		}
		if err := enqueueTx(ctx, tx, &fieldsync.QueueEntry{
			TableName:    table,
			RecordID:     remote.ID,
			Operation:    op,
			Payload:      payload,
			BaseRevision: remote.Revision,
			Revision:     rebased.Revision,
			EnqueuedAt:   time.Now().UnixMilli(),
		}); err != nil {
			return err
		}

		result.Applied++
		result.Conflicts++
		return insertConflict(ctx, tx, table, res.Conflict)

	default:
		return fmt.Errorf("unknown resolution action %d", res.Action)
	}
}

// applyRemoteRecord writes a pulled record as the acknowledged server state.
// A remote tombstone is a server-confirmed deletion, so the row is purged
// rather than retained.
func applyRemoteRecord(ctx context.Context, tx *sql.Tx, table string, remote types.Record) error {
	if remote.Deleted {
		return purgeRecord(ctx, tx, table, remote.ID)
	}

	rec := types.Record{
		ID:             remote.ID,
		Revision:       remote.Revision,
		BaseRevision:   remote.Revision,
		LastModifiedAt: remote.LastModifiedAt,
		LastModifiedBy: remote.LastModifiedBy,
		Synced:         true,
		Payload:        remote.Payload,
	}
	return writeRecord(ctx, tx, table, &rec)
}

func insertConflict(ctx context.Context, tx *sql.Tx, table string, c *fieldsync.ConflictRecord) error {
	if c == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conflict_log (table_name, record_id, kind, winner, local_revision, remote_revision, local_payload, remote_payload, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, table, c.RecordID, c.Kind, c.Winner, c.LocalRevision, c.RemoteRevision,
		string(c.LocalPayload), string(c.RemotePayload), c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert conflict record: %w", err)
	}
	return nil
}

// ListConflicts returns the most recent conflict audit entries, newest first.
func (s *SQLiteStore) ListConflicts(ctx context.Context, limit int) ([]fieldsync.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, kind, winner, local_revision, remote_revision, local_payload, remote_payload, resolved_at
		FROM conflict_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conflict log: %w", err)
	}
	defer rows.Close()

	var conflicts []fieldsync.ConflictRecord
	for rows.Next() {
		var c fieldsync.ConflictRecord
		var localPayload, remotePayload string
		if err := rows.Scan(&c.ID, &c.TableName, &c.RecordID, &c.Kind, &c.Winner,
			&c.LocalRevision, &c.RemoteRevision, &localPayload, &remotePayload, &c.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict record: %w", err)
		}
		if localPayload != "" {
			c.LocalPayload = []byte(localPayload)
		}
		if remotePayload != "" {
			c.RemotePayload = []byte(remotePayload)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
