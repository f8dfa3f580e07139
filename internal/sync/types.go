// Package sync holds the types shared between the local store, the sync
// coordinator, and the remote gateway, plus the conflict resolution policy.
package sync

import "encoding/json"

// Queue entry operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Queue entry statuses. Completed entries are removed rather than kept, so
// only pending, in_flight, and failed appear in the table.
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusFailed   = "failed"
)

// QueueEntry is one pending push operation. Payload is the domain payload
// snapshot taken at enqueue time; Revision and BaseRevision are the local and
// last-acknowledged-server revisions of that snapshot.
type QueueEntry struct {
	ID           int64           `json:"id"`
	TableName    string          `json:"table_name"`
	RecordID     string          `json:"record_id"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BaseRevision int64           `json:"base_revision"`
	Revision     int64           `json:"revision"`
	EnqueuedAt   int64           `json:"enqueued_at"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
	Status       string          `json:"status"`
}

// TableMetadata is the sync_metadata row for one synchronized table.
type TableMetadata struct {
	TableName      string `json:"table_name"`
	LastPullCursor int64  `json:"last_pull_cursor"`
	LastPushCursor int64  `json:"last_push_cursor"`
	TotalSynced    int64  `json:"total_synced"`
	TotalConflicts int64  `json:"total_conflicts"`
	LastError      string `json:"last_error,omitempty"`
}

// Conflict kinds recorded in the audit trail.
const (
	ConflictConcurrent = "concurrent" // same base revision, last write wins
	ConflictDivergent  = "divergent"  // different base revisions, local change resubmitted
)

// Conflict winners.
const (
	WinnerLocal  = "local"
	WinnerRemote = "remote"
)

// ConflictRecord is one audit-trail row. Both payloads are retained so the
// losing side is never silently discarded.
type ConflictRecord struct {
	ID             int64           `json:"id"`
	TableName      string          `json:"table_name"`
	RecordID       string          `json:"record_id"`
	Kind           string          `json:"kind"`
	Winner         string          `json:"winner"`
	LocalRevision  int64           `json:"local_revision"`
	RemoteRevision int64           `json:"remote_revision"`
	LocalPayload   json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload  json.RawMessage `json:"remote_payload,omitempty"`
	ResolvedAt     int64           `json:"resolved_at"`
}
