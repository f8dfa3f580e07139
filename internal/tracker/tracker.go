// Package tracker is the thin wrapper every domain-level write path goes
// through. It generates record IDs, serializes payloads, routes the write
// through the store's transactional upsert/soft-delete (which stamps the
// revision and queues the change), and emits change events for the UI
// layer's read-cache invalidation. It never touches the network.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/workix/fieldsync/internal/store"
	"github.com/workix/fieldsync/internal/types"
)

// Event kinds emitted on record changes.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Event describes one local record change.
type Event struct {
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"`
	Revision int64  `json:"revision"`
}

// Tracker stamps and records local mutations.
type Tracker struct {
	store *store.SQLiteStore
	actor string

	mu   sync.Mutex
	subs []chan Event
}

// New creates a Tracker writing on behalf of actor (the device user id).
func New(s *store.SQLiteStore, actor string) *Tracker {
	return &Tracker{store: s, actor: actor}
}

// Subscribe returns a channel receiving change events. Slow subscribers drop
// events rather than blocking the write path.
func (t *Tracker) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("change event dropped",
				"component", "tracker",
				"table", ev.Table,
				"record_id", ev.RecordID,
			)
		}
	}
}

// Save creates or updates a record in the given table. An empty id creates a
// new record with a client-generated ULID so creation works offline without a
// server round-trip. Returns the stored record with its stamped metadata.
func Save[T any](ctx context.Context, t *Tracker, table types.Table[T], id string, v T) (*types.Record, error) {
	created := id == ""
	if created {
		id = ulid.Make().String()
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", table.Name, err)
	}

	rec, err := t.store.Upsert(ctx, table.Name, id, payload, t.actor)
	if err != nil {
		return nil, err
	}

	kind := EventUpdated
	if created {
		kind = EventCreated
	}
	t.emit(Event{Table: table.Name, RecordID: id, Kind: kind, Revision: rec.Revision})
	return rec, nil
}

// Delete tombstones a record. The row is physically removed only once the
// server confirms the deletion.
func Delete[T any](ctx context.Context, t *Tracker, table types.Table[T], id string) error {
	if err := t.store.SoftDelete(ctx, table.Name, id, t.actor); err != nil {
		return err
	}
	t.emit(Event{Table: table.Name, RecordID: id, Kind: EventDeleted})
	return nil
}

// Get reads a record and unmarshals its payload. Tombstoned records report
// ErrNotFound to domain readers.
func Get[T any](ctx context.Context, t *Tracker, table types.Table[T], id string) (*types.Record, T, error) {
	var v T
	rec, err := t.store.Get(ctx, table.Name, id)
	if err != nil {
		return nil, v, err
	}
	if rec.Deleted {
		return nil, v, store.ErrNotFound
	}
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return nil, v, fmt.Errorf("unmarshal %s payload: %w", table.Name, err)
	}
	return rec, v, nil
}
