package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	fieldsync "github.com/workix/fieldsync/internal/sync"
	"github.com/workix/fieldsync/internal/types"
)

// GetTableMetadata returns the sync bookkeeping row for one table.
func (s *SQLiteStore) GetTableMetadata(ctx context.Context, table string) (*fieldsync.TableMetadata, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	var m fieldsync.TableMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT table_name, last_pull_cursor, last_push_cursor, total_synced, total_conflicts, last_error
		FROM sync_metadata WHERE table_name = ?
	`, table).Scan(&m.TableName, &m.LastPullCursor, &m.LastPushCursor, &m.TotalSynced, &m.TotalConflicts, &m.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync metadata for %s: %w", table, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync metadata: %w", err)
	}
	return &m, nil
}

// SetTableError records a table-level sync error for the status surface.
// Pass an empty string to clear it.
func (s *SQLiteStore) SetTableError(ctx context.Context, table, cause string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sync_metadata SET last_error = ? WHERE table_name = ?
	`, cause, table); err != nil {
		return fmt.Errorf("set table error: %w", err)
	}
	return nil
}

// TableStatuses aggregates per-table counts for the status surface.
func (s *SQLiteStore) TableStatuses(ctx context.Context) ([]types.TableStatus, error) {
	statuses := make([]types.TableStatus, 0, len(types.TableNames))
	for _, table := range types.TableNames {
		meta, err := s.GetTableMetadata(ctx, table)
		if err != nil {
			return nil, err
		}

		var total, unsynced int64
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT
				COUNT(CASE WHEN deleted = 0 THEN 1 END),
				COUNT(CASE WHEN synced = 0 THEN 1 END)
			FROM %s
		`, table)).Scan(&total, &unsynced)
		if err != nil {
			return nil, fmt.Errorf("count %s records: %w", table, err)
		}

		statuses = append(statuses, types.TableStatus{
			Table:          table,
			Total:          total,
			Unsynced:       unsynced,
			LastPullCursor: meta.LastPullCursor,
			LastPushCursor: meta.LastPushCursor,
			TotalSynced:    meta.TotalSynced,
			TotalConflicts: meta.TotalConflicts,
			LastError:      meta.LastError,
		})
	}
	return statuses, nil
}
