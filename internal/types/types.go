// Package types defines the record envelope shared by the store, the sync
// engine, and the loopback API, plus the domain payloads synchronized by the
// field client.
package types

import "encoding/json"

// Record is a synchronized row: an opaque domain payload plus the
// synchronization metadata the engine needs for conflict detection and
// push/pull bookkeeping. All timestamps are epoch milliseconds.
type Record struct {
	ID string `json:"id"`

	// Revision increments on every local mutation and is replaced by the
	// server-assigned revision once the server acknowledges a push.
	Revision int64 `json:"revision"`

	// BaseRevision is the last server revision this record's local state was
	// derived from. Zero for records created offline that the server has
	// never seen.
	BaseRevision int64 `json:"base_revision"`

	LastModifiedAt int64  `json:"last_modified_at"`
	LastModifiedBy string `json:"last_modified_by"`

	// Synced is true only when the server has acknowledged Revision.
	Synced bool `json:"synced"`

	// Deleted marks a tombstone. The row is physically removed only after
	// the server confirms the deletion.
	Deleted bool `json:"deleted"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dirty reports whether the record has unsynchronized local changes.
func (r *Record) Dirty() bool {
	return !r.Synced
}

// Table binds a synchronized table name to its payload type so callers get
// typed access while the engine itself stays payload-agnostic.
type Table[T any] struct {
	Name string
}

// Synchronized tables. The engine treats these uniformly; the type parameter
// only matters to callers marshaling and unmarshaling payloads.
var (
	WorkOrders = Table[WorkOrder]{Name: "work_orders"}
	Activities = Table[Activity]{Name: "activities"}
)

// TableNames lists every synchronized table in sync order. Work orders sync
// before their activities so pulled activities never reference an unknown
// work order.
var TableNames = []string{WorkOrders.Name, Activities.Name}

// WorkOrder is the domain payload for the work_orders table.
type WorkOrder struct {
	WorkOrderNumber string  `json:"work_order_number"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Priority        string  `json:"priority"`
	Status          string  `json:"status"`
	WorkType        string  `json:"work_type,omitempty"`
	Category        string  `json:"category,omitempty"`
	AssignedTo      string  `json:"assigned_to,omitempty"`
	CreatedBy       string  `json:"created_by,omitempty"`
	SiteID          string  `json:"site_id,omitempty"`
	BuildingID      string  `json:"building_id,omitempty"`
	FloorID         string  `json:"floor_id,omitempty"`
	SpaceID         string  `json:"space_id,omitempty"`
	AssetID         string  `json:"asset_id,omitempty"`
	EstimatedHours  float64 `json:"estimated_hours,omitempty"`
	ActualHours     float64 `json:"actual_hours,omitempty"`
	ScheduledStart  int64   `json:"scheduled_start,omitempty"`
	ScheduledEnd    int64   `json:"scheduled_end,omitempty"`
	ActualStart     int64   `json:"actual_start,omitempty"`
	ActualEnd       int64   `json:"actual_end,omitempty"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// Activity is the domain payload for the activities table.
type Activity struct {
	WorkOrderID  string `json:"work_order_id"`
	ActivityType string `json:"activity_type"`
	Description  string `json:"description"`
	CreatedBy    string `json:"created_by,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// TableStatus summarizes one synchronized table for the status surface.
type TableStatus struct {
	Table          string `json:"table"`
	Total          int64  `json:"total"`
	Unsynced       int64  `json:"unsynced"`
	LastPullCursor int64  `json:"last_pull_cursor"`
	LastPushCursor int64  `json:"last_push_cursor"`
	TotalSynced    int64  `json:"total_synced"`
	TotalConflicts int64  `json:"total_conflicts"`
	LastError      string `json:"last_error,omitempty"`
}

// SyncStatus is the full status payload returned by the loopback API and the
// status CLI command.
type SyncStatus struct {
	State        string        `json:"state"`
	LastSyncAt   int64         `json:"last_sync_at"`
	LastError    string        `json:"last_error,omitempty"`
	PendingQueue int64         `json:"pending_queue"`
	FailedQueue  int64         `json:"failed_queue"`
	Tables       []TableStatus `json:"tables"`
}

// HealthResponse is returned by the loopback health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
