package sync

import (
	"time"

	"github.com/workix/fieldsync/internal/types"
)

// Action is the outcome of resolving a pulled remote record against the
// local copy.
type Action int

const (
	// ActionSkip means the remote change is already incorporated locally.
	// Re-pulling the same batch after a crash lands here, which is what
	// makes the pull phase idempotent.
	ActionSkip Action = iota

	// ActionApplyRemote overwrites the local copy (or inserts it) and marks
	// it synced. Taken when the local copy has no unsynced changes.
	ActionApplyRemote

	// ActionApplyRemoteDropLocal overwrites a dirty local copy because the
	// remote write is newer, and drops the pending queue entry. The local
	// payload is retained in the conflict audit trail.
	ActionApplyRemoteDropLocal

	// ActionKeepLocal keeps the dirty local copy because the local write is
	// newer. The remote payload is retained in the audit trail and the
	// local change stays queued for push.
	ActionKeepLocal

	// ActionRebaseLocal handles divergent edits: the local change is
	// re-enqueued as a new operation on top of the remote revision so the
	// operator's work is resubmitted rather than silently dropped.
	ActionRebaseLocal
)

// Resolution is the resolver's decision for one pulled record. Conflict is
// non-nil whenever the decision must be recorded in the audit trail.
type Resolution struct {
	Action   Action
	Remote   types.Record
	Conflict *ConflictRecord
}

// Resolve decides how a pulled remote record reconciles with the local copy.
// local is nil when the record does not exist locally.
//
// Policy, in order: remote changes already seen are skipped; a clean local
// copy is overwritten; concurrent edits from the same base revision resolve
// by last-write-wins with the server winning ties; divergent edits apply the
// remote version and resubmit the local change on top of it.
func Resolve(local *types.Record, remote types.Record) Resolution {
	if local == nil {
		return Resolution{Action: ActionApplyRemote, Remote: remote}
	}

	if remote.Revision <= local.BaseRevision {
		return Resolution{Action: ActionSkip, Remote: remote}
	}

	if local.Synced {
		return Resolution{Action: ActionApplyRemote, Remote: remote}
	}

	now := time.Now().UnixMilli()
	// TableName is filled in by the store when the batch is applied.
	conflict := &ConflictRecord{
		RecordID:       remote.ID,
		LocalRevision:  local.Revision,
		RemoteRevision: remote.Revision,
		LocalPayload:   local.Payload,
		RemotePayload:  remote.Payload,
		ResolvedAt:     now,
	}

	if local.BaseRevision == remote.BaseRevision {
		conflict.Kind = ConflictConcurrent
		// Server arbitrates ties, so the remote side wins on equal
		// timestamps.
		if remote.LastModifiedAt >= local.LastModifiedAt {
			conflict.Winner = WinnerRemote
			return Resolution{Action: ActionApplyRemoteDropLocal, Remote: remote, Conflict: conflict}
		}
		conflict.Winner = WinnerLocal
		return Resolution{Action: ActionKeepLocal, Remote: remote, Conflict: conflict}
	}

	conflict.Kind = ConflictDivergent
	conflict.Winner = WinnerRemote
	return Resolution{Action: ActionRebaseLocal, Remote: remote, Conflict: conflict}
}
