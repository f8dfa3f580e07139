package sync

import (
	"encoding/json"
	"testing"

	"github.com/workix/fieldsync/internal/types"
)

func remoteRecord(rev, base, modifiedAt int64) types.Record {
	return types.Record{
		ID:             "rec-1",
		Revision:       rev,
		BaseRevision:   base,
		LastModifiedAt: modifiedAt,
		LastModifiedBy: "server",
		Payload:        json.RawMessage(`{"v":"remote"}`),
	}
}

func TestResolve_NoLocalCopy(t *testing.T) {
	// Given: No local copy of the record
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving the pulled record
	res := Resolve(nil, remote)

	// Then: The remote record is applied
	if res.Action != ActionApplyRemote {
		t.Errorf("expected ActionApplyRemote, got %d", res.Action)
	}
	if res.Conflict != nil {
		t.Error("expected no conflict for new record")
	}
}

func TestResolve_AlreadySeen(t *testing.T) {
	// Given: A local copy already derived from the remote revision
	local := &types.Record{ID: "rec-1", Revision: 4, BaseRevision: 3, Synced: false}
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving the pulled record
	res := Resolve(local, remote)

	// Then: The record is skipped; re-pulling a batch is a no-op
	if res.Action != ActionSkip {
		t.Errorf("expected ActionSkip, got %d", res.Action)
	}
}

func TestResolve_CleanLocalCopy(t *testing.T) {
	// Given: A local copy with no unsynced changes
	local := &types.Record{ID: "rec-1", Revision: 2, BaseRevision: 2, Synced: true}
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving the pulled record
	res := Resolve(local, remote)

	// Then: The remote record is applied without conflict
	if res.Action != ActionApplyRemote {
		t.Errorf("expected ActionApplyRemote, got %d", res.Action)
	}
	if res.Conflict != nil {
		t.Error("expected no conflict for clean local copy")
	}
}

func TestResolve_ConcurrentRemoteNewer(t *testing.T) {
	// Given: Both sides edited from the same base, remote write is newer
	local := &types.Record{
		ID: "rec-1", Revision: 3, BaseRevision: 2,
		LastModifiedAt: 900, Payload: json.RawMessage(`{"v":"local"}`),
	}
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving the pulled record
	res := Resolve(local, remote)

	// Then: Remote wins; local change is dropped and audited
	if res.Action != ActionApplyRemoteDropLocal {
		t.Errorf("expected ActionApplyRemoteDropLocal, got %d", res.Action)
	}
	if res.Conflict == nil {
		t.Fatal("expected conflict record")
	}
	if res.Conflict.Kind != ConflictConcurrent {
		t.Errorf("expected kind %q, got %q", ConflictConcurrent, res.Conflict.Kind)
	}
	if res.Conflict.Winner != WinnerRemote {
		t.Errorf("expected winner %q, got %q", WinnerRemote, res.Conflict.Winner)
	}
	if string(res.Conflict.LocalPayload) != `{"v":"local"}` {
		t.Errorf("losing payload not retained: %s", res.Conflict.LocalPayload)
	}
}

func TestResolve_ConcurrentLocalNewer(t *testing.T) {
	// Given: Both sides edited from the same base, local write is newer
	local := &types.Record{
		ID: "rec-1", Revision: 3, BaseRevision: 2,
		LastModifiedAt: 1100, Payload: json.RawMessage(`{"v":"local"}`),
	}
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving the pulled record
	res := Resolve(local, remote)

	// Then: Local wins and stays queued; remote payload is audited
	if res.Action != ActionKeepLocal {
		t.Errorf("expected ActionKeepLocal, got %d", res.Action)
	}
	if res.Conflict == nil {
		t.Fatal("expected conflict record")
	}
	if res.Conflict.Winner != WinnerLocal {
		t.Errorf("expected winner %q, got %q", WinnerLocal, res.Conflict.Winner)
	}
	if string(res.Conflict.RemotePayload) != `{"v":"remote"}` {
		t.Errorf("losing payload not retained: %s", res.Conflict.RemotePayload)
	}
}

func TestResolve_ConcurrentTieRemoteWins(t *testing.T) {
	// Given: Concurrent edits with identical modification timestamps
	local := &types.Record{
		ID: "rec-1", Revision: 3, BaseRevision: 2,
		LastModifiedAt: 1000,
	}
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving the pulled record
	res := Resolve(local, remote)

	// Then: The server arbitrates ties; remote wins
	if res.Action != ActionApplyRemoteDropLocal {
		t.Errorf("expected ActionApplyRemoteDropLocal on tie, got %d", res.Action)
	}
}

func TestResolve_DivergentEdits(t *testing.T) {
	// Given: The local edit is based on an older server revision than the
	// remote change
	local := &types.Record{
		ID: "rec-1", Revision: 2, BaseRevision: 1,
		LastModifiedAt: 2000, Payload: json.RawMessage(`{"v":"local"}`),
	}
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving the pulled record
	res := Resolve(local, remote)

	// Then: The local change is rebased onto the remote revision and
	// resubmitted, never silently dropped
	if res.Action != ActionRebaseLocal {
		t.Errorf("expected ActionRebaseLocal, got %d", res.Action)
	}
	if res.Conflict == nil {
		t.Fatal("expected conflict record")
	}
	if res.Conflict.Kind != ConflictDivergent {
		t.Errorf("expected kind %q, got %q", ConflictDivergent, res.Conflict.Kind)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	// Given: The same local and remote states
	local := &types.Record{
		ID: "rec-1", Revision: 3, BaseRevision: 2,
		LastModifiedAt: 900,
	}
	remote := remoteRecord(3, 2, 1000)

	// When: Resolving repeatedly
	first := Resolve(local, remote)

	// Then: Every resolution reaches the same decision
	for i := 0; i < 10; i++ {
		res := Resolve(local, remote)
		if res.Action != first.Action {
			t.Fatalf("resolution not deterministic: run %d got %d, want %d", i, res.Action, first.Action)
		}
	}
}
