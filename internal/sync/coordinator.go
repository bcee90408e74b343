// Package sync is the generic reconciliation engine between the embedded
// local store and the remote server store. One pass pulls the authoritative
// server state, then pushes locally-dirty records, resolving version races
// server-wins. The engine is constructed with its store, transport and
// notification sink; it owns no globals and never blocks its caller on
// contention.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/marcus/tempo/internal/models"
)

// DefaultBulkThreshold is the dirty-batch size at which a collection is
// pushed through the bulk-sync endpoint instead of per-record upserts.
const DefaultBulkThreshold = 10

// Options configures a Coordinator. Zero values get sensible defaults.
type Options struct {
	Notifier      Notifier
	Collections   []string
	Logger        *slog.Logger
	BulkThreshold int
}

// Coordinator runs one complete, mutually exclusive synchronization pass
// per call and reports the outcome.
type Coordinator struct {
	store     LocalStore
	transport Transport
	notifier  Notifier
	colls     []string
	log       *slog.Logger
	bulkAt    int

	// mu is the single-flight guard: at most one in-flight pass per
	// coordinator. Acquired with TryLock so contenders return immediately.
	mu gosync.Mutex

	stateMu  gosync.Mutex
	status   Status
	lastSync time.Time
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(store LocalStore, transport Transport, opts Options) *Coordinator {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if len(opts.Collections) == 0 {
		opts.Collections = models.Collections()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BulkThreshold <= 0 {
		opts.BulkThreshold = DefaultBulkThreshold
	}
	return &Coordinator{
		store:     store,
		transport: transport,
		notifier:  opts.Notifier,
		colls:     opts.Collections,
		log:       opts.Logger,
		bulkAt:    opts.BulkThreshold,
		status:    StatusIdle,
	}
}

// Status returns the coordinator's current state.
func (c *Coordinator) Status() Status {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.status
}

// LastSyncTime returns when the last pass finished (zero if never).
func (c *Coordinator) LastSyncTime() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastSync
}

func (c *Coordinator) setStatus(s Status) {
	c.stateMu.Lock()
	c.status = s
	c.stateMu.Unlock()
}

// SyncAll runs one full pass: pull every collection, then push every
// collection's dirty records. If a pass is already in flight the call
// returns immediately with ErrSyncInProgress in the summary; it never
// queues or blocks. The guard is released on every exit path, panics
// included.
func (c *Coordinator) SyncAll(ctx context.Context, force bool) (bool, Summary) {
	summary := Summary{
		StartedAt:   time.Now().UTC(),
		Collections: make(map[string]CollectionStats),
	}

	if !c.mu.TryLock() {
		summary.Status = StatusSyncing
		summary.Err = ErrSyncInProgress
		summary.FinishedAt = time.Now().UTC()
		return false, summary
	}
	defer c.mu.Unlock()

	c.setStatus(StatusSyncing)
	c.notifier.SyncStarted()

	ok := c.runPass(ctx, force, &summary)

	summary.FinishedAt = time.Now().UTC()
	_, _, conflicts, _ := summary.Totals()
	switch {
	case !ok:
		summary.Status = StatusError
	case conflicts > 0:
		summary.Status = StatusConflict
	default:
		summary.Status = StatusSuccess
	}

	c.stateMu.Lock()
	c.status = summary.Status
	c.lastSync = summary.FinishedAt
	c.stateMu.Unlock()

	c.notifier.SyncCompleted(ok, summary.Message())
	return ok, summary
}

// runPass executes both phases. Anything unexpected is caught here and
// converted to a failure result so the background worker survives.
func (c *Coordinator) runPass(ctx context.Context, force bool, summary *Summary) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("sync pass panicked", "panic", r)
			summary.Err = fmt.Errorf("sync pass: %v", r)
			ok = false
		}
	}()

	// Phase 1: pull. A failing collection is logged and skipped; push
	// still proceeds so local edits are not held hostage by a bad read.
	for _, coll := range c.colls {
		if err := c.pullCollection(ctx, coll, summary); err != nil {
			c.log.Warn("pull failed", "collection", coll, "err", err)
			summary.PullErrors = append(summary.PullErrors, fmt.Sprintf("%s: %v", coll, err))
		}
	}

	// Phase 2: push. Per-record failures are isolated; a record that
	// fails stays dirty and is retried on the next pass.
	ok = true
	for _, coll := range c.colls {
		if err := c.pushCollection(ctx, coll, force, summary); err != nil {
			c.log.Warn("push failed", "collection", coll, "err", err)
			ok = false
		}
	}

	_, _, _, failures := summary.Totals()
	return ok && failures == 0
}

// pullCollection fetches the authoritative server set and overwrites local
// rows where the server copy is newer-or-equal or locally absent. Rows
// already in sync (clean, same version) are left untouched so a pass with
// no changes mutates nothing.
func (c *Coordinator) pullCollection(ctx context.Context, coll string, summary *Summary) error {
	items, err := c.transport.FetchAll(ctx, coll)
	if err != nil {
		return err
	}

	stats := summary.Collections[coll]
	now := time.Now().UTC()
	for _, item := range items {
		remote, err := PeekMeta(item)
		if err != nil {
			c.log.Warn("skipping malformed server record", "collection", coll, "err", err)
			continue
		}

		local, err := c.store.Get(ctx, coll, remote.ID)
		if err != nil {
			c.log.Warn("read local record", "collection", coll, "id", remote.ID, "err", err)
			continue
		}
		if local != nil && !local.Meta().Dirty() && local.Meta().Version == remote.Version {
			continue // already in sync
		}
		if !ServerWinsPull(local, remote) {
			continue // local is strictly newer; it will be pushed in phase 2
		}

		if err := c.store.ApplyRemote(ctx, coll, item, now); err != nil {
			c.log.Warn("apply server record", "collection", coll, "id", remote.ID, "err", err)
			continue
		}
		stats.Pulled++
	}
	summary.Collections[coll] = stats
	return nil
}

// pushCollection uploads the collection's dirty records. Soft-deleted
// records go through the version-checked delete endpoint so the deletion
// propagates; everything else is an idempotent upsert. Batches at or above
// the bulk threshold use the bulk-sync endpoint in one round trip.
func (c *Coordinator) pushCollection(ctx context.Context, coll string, force bool, summary *Summary) error {
	dirty, err := c.store.GetDirty(ctx, coll)
	if err != nil {
		return fmt.Errorf("get dirty: %w", err)
	}

	stats := summary.Collections[coll]
	stats.Dirty = len(dirty)
	summary.Collections[coll] = stats

	if len(dirty) == 0 && !force {
		return nil // already synced
	}

	if len(dirty) >= c.bulkAt {
		return c.pushBulk(ctx, coll, dirty, summary)
	}

	for _, rec := range dirty {
		c.pushOne(ctx, coll, rec, summary)
	}
	return nil
}

// pushOne uploads a single record and settles its outcome: mark synced on
// success, resolve server-wins on conflict, leave dirty on anything else.
func (c *Coordinator) pushOne(ctx context.Context, coll string, rec models.Syncable, summary *Summary) {
	m := rec.Meta()
	stats := summary.Collections[coll]
	defer func() { summary.Collections[coll] = stats }()

	var (
		resp json.RawMessage
		err  error
	)
	if m.Deleted() {
		resp, err = c.transport.Delete(ctx, coll, m.ID, m.Version)
	} else {
		resp, err = c.transport.Upsert(ctx, coll, rec)
	}

	switch {
	case err == nil:
		// The server may have bumped the version; take its copy when it
		// returned one, otherwise just flip the dirty flag.
		now := time.Now().UTC()
		if len(resp) > 0 {
			applyErr := c.store.ApplyRemote(ctx, coll, resp, now)
			if applyErr == nil {
				stats.Pushed++
				return
			}
			c.log.Warn("apply upsert response", "collection", coll, "id", m.ID, "err", applyErr)
		}
		if err := c.store.MarkSynced(ctx, coll, m.ID, now); err != nil {
			c.log.Warn("mark synced", "collection", coll, "id", m.ID, "err", err)
			stats.Failures++
			return
		}
		stats.Pushed++

	default:
		if ce, isConflict := IsConflict(err); isConflict {
			if resolveErr := c.resolveConflict(ctx, coll, rec, ce); resolveErr != nil {
				c.log.Warn("resolve conflict", "collection", coll, "id", m.ID, "err", resolveErr)
				stats.Failures++
				return
			}
			stats.Conflicts++
			return
		}

		// A 404 on a delete means the record was soft-deleted before it
		// ever reached the server. The deletion already holds there, so
		// settle it locally instead of retrying forever.
		if m.Deleted() && IsNotFound(err) {
			if err := c.store.MarkSynced(ctx, coll, m.ID, time.Now().UTC()); err != nil {
				c.log.Warn("mark synced", "collection", coll, "id", m.ID, "err", err)
				stats.Failures++
				return
			}
			stats.Pushed++
			return
		}

		// NetworkError, ValidationError, auth expiry: the record stays
		// dirty and is retried on the next pass.
		if errors.Is(err, ErrAuthExpired) {
			c.log.Warn("push unauthorized", "collection", coll, "id", m.ID)
		} else {
			c.log.Warn("push record", "collection", coll, "id", m.ID, "err", err)
		}
		stats.Failures++
	}
}

// resolveConflict applies the server-wins policy: the 409 payload replaces
// the local record wholesale and a conflict notification fires. Legacy
// servers send 409s with only a bare-string detail; the winning copy is
// then fetched in an extra round trip so the record still converges.
func (c *Coordinator) resolveConflict(ctx context.Context, coll string, rec models.Syncable, ce *ConflictError) error {
	serverData := ce.ServerData
	if len(serverData) == 0 {
		item, err := c.fetchServerCopy(ctx, coll, rec.Meta().ID)
		if err != nil {
			return fmt.Errorf("conflict without server data: %w", err)
		}
		serverData = item
		if meta, err := PeekMeta(item); err == nil && ce.ServerVersion == 0 {
			ce.ServerVersion = meta.Version
		}
	}

	localData, err := json.Marshal(rec)
	if err != nil {
		localData = nil // best effort; the overwrite still proceeds
	}

	if err := c.store.ApplyRemote(ctx, coll, serverData, time.Now().UTC()); err != nil {
		return fmt.Errorf("apply server copy: %w", err)
	}

	c.notifier.ConflictDetected(ConflictEvent{
		Collection:    coll,
		RecordID:      rec.Meta().ID,
		LocalVersion:  ce.LocalVersion,
		ServerVersion: ce.ServerVersion,
		LocalData:     localData,
		ServerData:    serverData,
	})
	return nil
}

// fetchServerCopy retrieves the server's current copy of one record.
func (c *Coordinator) fetchServerCopy(ctx context.Context, coll, id string) (json.RawMessage, error) {
	items, err := c.transport.FetchAll(ctx, coll)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if meta, err := PeekMeta(item); err == nil && meta.ID == id {
			return item, nil
		}
	}
	return nil, fmt.Errorf("record %s not on server", id)
}

// pushBulk uploads a dirty batch in one round trip and settles each item
// from the per-item results.
func (c *Coordinator) pushBulk(ctx context.Context, coll string, dirty []models.Syncable, summary *Summary) error {
	byID := make(map[string]models.Syncable, len(dirty))
	for _, rec := range dirty {
		byID[rec.Meta().ID] = rec
	}

	result, err := c.transport.BulkSync(ctx, coll, dirty)
	if err != nil {
		// Whole-batch failure: everything stays dirty for the next pass.
		stats := summary.Collections[coll]
		stats.Failures += len(dirty)
		summary.Collections[coll] = stats
		return nil
	}

	stats := summary.Collections[coll]
	now := time.Now().UTC()

	for _, id := range result.Synced {
		if err := c.store.MarkSynced(ctx, coll, id, now); err != nil {
			c.log.Warn("mark synced", "collection", coll, "id", id, "err", err)
			stats.Failures++
			continue
		}
		stats.Pushed++
	}

	for _, bc := range result.Conflicts {
		rec, ok := byID[bc.ID]
		if !ok {
			stats.Failures++
			continue
		}
		ce := &ConflictError{
			Collection:    coll,
			RecordID:      bc.ID,
			Detail:        "bulk version conflict",
			LocalVersion:  bc.LocalVersion,
			ServerVersion: bc.ServerVersion,
			ServerData:    bc.ServerData,
		}
		if err := c.resolveConflict(ctx, coll, rec, ce); err != nil {
			c.log.Warn("resolve bulk conflict", "collection", coll, "id", bc.ID, "err", err)
			stats.Failures++
			continue
		}
		stats.Conflicts++
	}

	for _, bf := range result.Failed {
		c.log.Warn("bulk item rejected", "collection", coll, "id", bf.ID, "reason", bf.Reason)
		stats.Failures++
	}

	summary.Collections[coll] = stats
	return nil
}
