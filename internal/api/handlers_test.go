package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/workix/fieldsync/internal/store"
	"github.com/workix/fieldsync/internal/sync"
	"github.com/workix/fieldsync/internal/types"
)

type fakeQueueStore struct {
	failed    []sync.QueueEntry
	conflicts []sync.ConflictRecord
	requeued  []int64
	missing   bool
}

func (f *fakeQueueStore) ListFailed(ctx context.Context) ([]sync.QueueEntry, error) {
	return f.failed, nil
}

func (f *fakeQueueStore) RequeueFailed(ctx context.Context, id int64) error {
	if f.missing {
		return store.ErrNotFound
	}
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeQueueStore) ListConflicts(ctx context.Context, limit int) ([]sync.ConflictRecord, error) {
	if limit < len(f.conflicts) {
		return f.conflicts[:limit], nil
	}
	return f.conflicts, nil
}

type fakeSyncer struct {
	status    *types.SyncStatus
	triggered bool
	busy      bool
}

func (f *fakeSyncer) Status(ctx context.Context) (*types.SyncStatus, error) {
	return f.status, nil
}

func (f *fakeSyncer) TriggerSync() bool {
	if f.busy {
		return false
	}
	f.triggered = true
	return true
}

func newTestServer(t *testing.T, qs QueueStore, syncer Syncer, apiKey string) *httptest.Server {
	t.Helper()
	h := NewHandler(qs, syncer, apiKey, "test")
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPI_Health(t *testing.T) {
	srv := newTestServer(t, &fakeQueueStore{}, &fakeSyncer{}, "")

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health types.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if health.Status != "healthy" || health.Version != "test" {
		t.Errorf("unexpected health response: %+v", health)
	}
}

func TestAPI_SyncStatus(t *testing.T) {
	// Given: A coordinator reporting idle with queue depths
	syncer := &fakeSyncer{status: &types.SyncStatus{
		State:        "idle",
		PendingQueue: 3,
		FailedQueue:  1,
	}}
	srv := newTestServer(t, &fakeQueueStore{}, syncer, "")

	// When: Querying status
	resp, err := http.Get(srv.URL + "/api/v1/sync/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// Then: The status surfaces as JSON
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status types.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.State != "idle" || status.PendingQueue != 3 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestAPI_TriggerSync(t *testing.T) {
	syncer := &fakeSyncer{}
	srv := newTestServer(t, &fakeQueueStore{}, syncer, "")

	// When: Triggering a sync
	resp, err := http.Post(srv.URL+"/api/v1/sync/trigger", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// Then: The cycle is scheduled
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if !syncer.triggered {
		t.Error("expected trigger to reach the coordinator")
	}
}

func TestAPI_TriggerSyncWhileBusy(t *testing.T) {
	srv := newTestServer(t, &fakeQueueStore{}, &fakeSyncer{busy: true}, "")

	resp, err := http.Post(srv.URL+"/api/v1/sync/trigger", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// Then: The overlap is rejected with a problem document
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %s", ct)
	}
}

func TestAPI_ListFailed(t *testing.T) {
	qs := &fakeQueueStore{failed: []sync.QueueEntry{
		{ID: 7, TableName: "work_orders", RecordID: "wo-1", Status: sync.StatusFailed, LastError: "rejected"},
	}}
	srv := newTestServer(t, qs, &fakeSyncer{}, "")

	resp, err := http.Get(srv.URL + "/api/v1/sync/queue/failed")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Entries []sync.QueueEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].ID != 7 {
		t.Errorf("unexpected entries: %+v", body.Entries)
	}
}

func TestAPI_RequeueFailed(t *testing.T) {
	qs := &fakeQueueStore{}
	srv := newTestServer(t, qs, &fakeSyncer{}, "")

	resp, err := http.Post(srv.URL+"/api/v1/sync/queue/42/requeue", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(qs.requeued) != 1 || qs.requeued[0] != 42 {
		t.Errorf("expected entry 42 requeued, got %v", qs.requeued)
	}
}

func TestAPI_RequeueFailedMissingEntry(t *testing.T) {
	srv := newTestServer(t, &fakeQueueStore{missing: true}, &fakeSyncer{}, "")

	resp, err := http.Post(srv.URL+"/api/v1/sync/queue/42/requeue", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPI_RequeueFailedBadID(t *testing.T) {
	srv := newTestServer(t, &fakeQueueStore{}, &fakeSyncer{}, "")

	resp, err := http.Post(srv.URL+"/api/v1/sync/queue/not-a-number/requeue", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPI_ListConflicts(t *testing.T) {
	qs := &fakeQueueStore{conflicts: []sync.ConflictRecord{
		{ID: 1, TableName: "work_orders", RecordID: "wo-1", Kind: sync.ConflictConcurrent, Winner: sync.WinnerRemote},
	}}
	srv := newTestServer(t, qs, &fakeSyncer{}, "")

	resp, err := http.Get(srv.URL + "/api/v1/conflicts")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Conflicts []sync.ConflictRecord `json:"conflicts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(body.Conflicts) != 1 || body.Conflicts[0].Winner != sync.WinnerRemote {
		t.Errorf("unexpected conflicts: %+v", body.Conflicts)
	}
}

func TestAPI_ListConflictsBadLimit(t *testing.T) {
	srv := newTestServer(t, &fakeQueueStore{}, &fakeSyncer{}, "")

	resp, err := http.Get(srv.URL + "/api/v1/conflicts?limit=abc")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPI_AuthRequiredWhenKeySet(t *testing.T) {
	// Given: An API key configured
	srv := newTestServer(t, &fakeQueueStore{}, &fakeSyncer{status: &types.SyncStatus{}}, "secret")

	// When: Querying status without credentials
	resp, err := http.Get(srv.URL + "/api/v1/sync/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	// Then: The request is rejected
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// And: Health stays public
	resp, err = http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected public health endpoint, got %d", resp.StatusCode)
	}

	// And: The right bearer token is accepted
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sync/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with valid key, got %d", resp.StatusCode)
	}
}
