// Package worker runs the background sync coordinator: the single task per
// device that drains the push queue against the remote gateway, pulls and
// reconciles server changes, and owns the engine's externally visible state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workix/fieldsync/internal/gateway"
	"github.com/workix/fieldsync/internal/store"
	fieldsync "github.com/workix/fieldsync/internal/sync"
	"github.com/workix/fieldsync/internal/types"
)

// Coordinator states.
const (
	StateIdle    = "idle"
	StateOffline = "offline"
	StatePulling = "pulling"
	StatePushing = "pushing"
	StateError   = "error"
)

// ErrSyncInProgress is returned when a cycle is requested while another is
// still running; the re-entrancy guard rejects the overlap.
var ErrSyncInProgress = errors.New("sync cycle already in progress")

// SyncStore defines the store operations the coordinator needs.
// Implemented by store.SQLiteStore.
type SyncStore interface {
	Get(ctx context.Context, table, id string) (*types.Record, error)
	ApplyPullBatch(ctx context.Context, table string, resolutions []fieldsync.Resolution, nextCursor int64) (*store.PullBatchResult, error)
	NextBatch(ctx context.Context, limit int) ([]fieldsync.QueueEntry, error)
	MarkInFlight(ctx context.Context, ids []int64) error
	ResetInFlight(ctx context.Context) (int64, error)
	RequeueBatch(ctx context.Context, ids []int64, cause string, maxAttempts int) (int64, error)
	RejectEntry(ctx context.Context, id int64, reason string) error
	AckPush(ctx context.Context, entry fieldsync.QueueEntry, serverRevision, ackedAt int64) error
	GetTableMetadata(ctx context.Context, table string) (*fieldsync.TableMetadata, error)
	SetTableError(ctx context.Context, table, cause string) error
	TableStatuses(ctx context.Context) ([]types.TableStatus, error)
	QueueDepth(ctx context.Context) (pending, failed int64, err error)
}

// Options configures a Coordinator.
type Options struct {
	Tables      []string
	Interval    time.Duration // timer-driven cycle interval
	RetryDelay  time.Duration // time spent in Error before returning to Idle
	BatchSize   int           // pull page size and push batch size
	MaxAttempts int           // transient retries per queue entry
}

// Coordinator orchestrates sync cycles. Only one cycle is ever active; a
// timer tick or manual trigger arriving mid-cycle is rejected by the
// re-entrancy guard.
type Coordinator struct {
	store SyncStore
	gw    gateway.Gateway
	opts  Options

	trigger    chan struct{}
	inProgress atomic.Bool

	mu         sync.Mutex
	state      string
	lastError  string
	lastSyncAt int64
	erroredAt  time.Time
}

// New creates a Coordinator. It does not start the background loop; call Run.
func New(s SyncStore, gw gateway.Gateway, opts Options) *Coordinator {
	if len(opts.Tables) == 0 {
		opts.Tables = types.TableNames
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Coordinator{
		store:   s,
		gw:      gw,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		state:   StateIdle,
	}
}

// Run starts the coordinator loop. It blocks until ctx is cancelled.
//
// Entries stranded in-flight by a crash are reset to pending before the
// first cycle, and an initial cycle runs immediately so work queued while
// the process was down is not delayed a full interval.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.opts.Interval.String(),
		"batch_size", c.opts.BatchSize,
		"max_attempts", c.opts.MaxAttempts,
	)

	if n, err := c.store.ResetInFlight(ctx); err != nil {
		slog.Error("failed to reset in-flight entries",
			"component", "worker",
			"worker", "sync-coordinator",
			"error", err,
		)
	} else if n > 0 {
		slog.Warn("reset stranded in-flight entries",
			"component", "worker",
			"worker", "sync-coordinator",
			"entries", n,
		)
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.cycle(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			if c.inErrorBackoff() {
				continue
			}
			c.cycle(ctx, "timer")
		case <-c.trigger:
			c.cycle(ctx, "manual")
		}
	}
}

// TriggerSync requests an on-demand cycle. Returns false when a cycle is
// already running or a trigger is already queued.
func (c *Coordinator) TriggerSync() bool {
	if c.inProgress.Load() {
		return false
	}
	select {
	case c.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// State returns the coordinator's current state. An expired Error state
// reads as Idle; the configured retry delay has elapsed and the next tick
// will sync again. The read never changes the stored state.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateError && time.Since(c.erroredAt) >= c.opts.RetryDelay {
		return StateIdle
	}
	return c.state
}

// Status assembles the full status surface: coordinator state plus the
// store's per-table bookkeeping and queue depths.
func (c *Coordinator) Status(ctx context.Context) (*types.SyncStatus, error) {
	tables, err := c.store.TableStatuses(ctx)
	if err != nil {
		return nil, err
	}
	pending, failed, err := c.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	lastError := c.lastError
	lastSyncAt := c.lastSyncAt
	c.mu.Unlock()

	return &types.SyncStatus{
		State:        c.State(),
		LastSyncAt:   lastSyncAt,
		LastError:    lastError,
		PendingQueue: pending,
		FailedQueue:  failed,
		Tables:       tables,
	}, nil
}

func (c *Coordinator) inErrorBackoff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateError && time.Since(c.erroredAt) < c.opts.RetryDelay
}

func (c *Coordinator) setState(state string) {
	c.mu.Lock()
	c.state = state
	if state == StateError {
		c.erroredAt = time.Now()
	}
	c.mu.Unlock()
}

func (c *Coordinator) cycle(ctx context.Context, reason string) {
	err := c.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		slog.Debug("sync cycle skipped",
			"component", "worker",
			"worker", "sync-coordinator",
			"reason", reason,
		)
	case errors.Is(err, context.Canceled):
	default:
		slog.Error("sync cycle failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"reason", reason,
			"error", err,
		)
	}
}

// RunOnce executes a single sync cycle: connectivity check, pull phase, push
// phase, bookkeeping. Queued work survives every failure path; only server
// rejections are terminal for their entries.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	if !c.inProgress.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer c.inProgress.Store(false)

	status, err := c.gw.Status(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("connectivity check: %w", err))
	}
	if !status.Reachable {
		c.setState(StateOffline)
		slog.Info("sync skipped, server unreachable",
			"component", "worker",
			"worker", "sync-coordinator",
		)
		return nil
	}

	c.setState(StatePulling)
	for _, table := range c.opts.Tables {
		if err := c.pullTable(ctx, table); err != nil {
			return c.fail(fmt.Errorf("pull %s: %w", table, err))
		}
	}

	c.setState(StatePushing)
	if err := c.pushQueue(ctx); err != nil {
		return c.fail(fmt.Errorf("push: %w", err))
	}

	c.mu.Lock()
	c.state = StateIdle
	c.lastError = ""
	c.lastSyncAt = time.Now().UnixMilli()
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	c.state = StateError
	c.erroredAt = time.Now()
	c.lastError = err.Error()
	c.mu.Unlock()
	return err
}

// pullTable pages through remote changes since the table's cursor. Each page
// is resolved against local state and applied in one transaction together
// with the cursor advance; cancellation is honored between pages, never
// mid-transaction.
func (c *Coordinator) pullTable(ctx context.Context, table string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		meta, err := c.store.GetTableMetadata(ctx, table)
		if err != nil {
			return err
		}

		page, err := c.gw.Pull(ctx, table, meta.LastPullCursor, c.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			return nil
		}

		resolutions := make([]fieldsync.Resolution, 0, len(page.Records))
		for _, remote := range page.Records {
			local, err := c.store.Get(ctx, table, remote.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			resolutions = append(resolutions, fieldsync.Resolve(local, remote))
		}

		result, err := c.store.ApplyPullBatch(ctx, table, resolutions, page.NextCursor)
		if err != nil {
			return err
		}

		slog.Info("pull batch applied",
			"component", "worker",
			"worker", "sync-coordinator",
			"table", table,
			"applied", result.Applied,
			"skipped", result.Skipped,
			"conflicts", result.Conflicts,
			"cursor", page.NextCursor,
		)

		if !page.HasMore {
			return nil
		}
	}
}

// pushQueue drains the queue in FIFO batches. Entries are grouped into
// consecutive same-table runs so cross-table ordering is preserved, and a
// record never appears twice in one run.
func (c *Coordinator) pushQueue(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := c.store.NextBatch(ctx, c.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, run := range splitRuns(batch) {
			if err := c.pushRun(ctx, run); err != nil {
				return err
			}
		}
	}
}

// splitRuns groups a FIFO batch into pushable runs: each run targets one
// table and contains each record at most once.
func splitRuns(batch []fieldsync.QueueEntry) [][]fieldsync.QueueEntry {
	var runs [][]fieldsync.QueueEntry
	var run []fieldsync.QueueEntry
	seen := map[string]struct{}{}

	flush := func() {
		if len(run) > 0 {
			runs = append(runs, run)
			run = nil
			seen = map[string]struct{}{}
		}
	}

	for _, entry := range batch {
		_, dup := seen[entry.RecordID]
		if len(run) > 0 && (run[0].TableName != entry.TableName || dup) {
			flush()
		}
		seen[entry.RecordID] = struct{}{}
		run = append(run, entry)
	}
	flush()
	return runs
}

func (c *Coordinator) pushRun(ctx context.Context, run []fieldsync.QueueEntry) error {
	table := run[0].TableName
	ids := make([]int64, len(run))
	items := make([]gateway.PushItem, len(run))
	byRecord := make(map[string]fieldsync.QueueEntry, len(run))
	for i, entry := range run {
		ids[i] = entry.ID
		items[i] = gateway.PushItem{
			ID:           entry.RecordID,
			Operation:    entry.Operation,
			Payload:      entry.Payload,
			BaseRevision: entry.BaseRevision,
		}
		byRecord[entry.RecordID] = entry
	}

	if err := c.store.MarkInFlight(ctx, ids); err != nil {
		return err
	}

	resp, err := c.gw.Push(ctx, table, items)
	if err != nil {
		if gateway.Transient(err) {
			terminal, reqErr := c.store.RequeueBatch(ctx, ids, err.Error(), c.opts.MaxAttempts)
			if reqErr != nil {
				return reqErr
			}
			if terminal > 0 {
				slog.Warn("queue entries exhausted retries",
					"component", "worker",
					"worker", "sync-coordinator",
					"table", table,
					"entries", terminal,
				)
			}
			_ = c.store.SetTableError(ctx, table, err.Error())
			return err
		}
		// A non-transient batch failure means the server refused the
		// request outright; every entry in it is terminal.
		for _, id := range ids {
			if rejErr := c.store.RejectEntry(ctx, id, err.Error()); rejErr != nil {
				return rejErr
			}
		}
		return err
	}

	now := time.Now().UnixMilli()
	acked := make(map[string]struct{}, len(resp.Results))
	for _, res := range resp.Results {
		entry, ok := byRecord[res.ID]
		if !ok {
			slog.Warn("push result for unknown record",
				"component", "worker",
				"worker", "sync-coordinator",
				"table", table,
				"record_id", res.ID,
			)
			continue
		}
		acked[res.ID] = struct{}{}

		switch res.Status {
		case gateway.ResultAccepted:
			if err := c.store.AckPush(ctx, entry, res.ServerRevision, now); err != nil {
				return err
			}
		case gateway.ResultRejected:
			slog.Warn("push rejected by server",
				"component", "worker",
				"worker", "sync-coordinator",
				"table", table,
				"record_id", res.ID,
				"reason", res.Reason,
			)
			if err := c.store.RejectEntry(ctx, entry.ID, res.Reason); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown push result status %q for %s", res.Status, res.ID)
		}
	}

	// Entries the server did not answer for go back to pending; treat the
	// partial response as a transient fault.
	var unanswered []int64
	for _, entry := range run {
		if _, ok := acked[entry.RecordID]; !ok {
			unanswered = append(unanswered, entry.ID)
		}
	}
	if len(unanswered) > 0 {
		if _, err := c.store.RequeueBatch(ctx, unanswered, "no result in push response", c.opts.MaxAttempts); err != nil {
			return err
		}
		return fmt.Errorf("push response missing %d results for %s", len(unanswered), table)
	}
	return nil
}
