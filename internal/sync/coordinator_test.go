package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/marcus/tempo/internal/models"
)

// fakeStore is an in-memory LocalStore for one collection.
type fakeStore struct {
	mu      gosync.Mutex
	recs    map[string]models.Syncable
	applied int
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]models.Syncable)}
}

func (f *fakeStore) Get(ctx context.Context, collection, id string) (models.Syncable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[id], nil
}

func (f *fakeStore) GetDirty(ctx context.Context, collection string) ([]models.Syncable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dirty []models.Syncable
	for _, rec := range f.recs {
		if rec.Meta().Dirty() {
			dirty = append(dirty, rec)
		}
	}
	return dirty, nil
}

func (f *fakeStore) ApplyRemote(ctx context.Context, collection string, data json.RawMessage, syncedAt time.Time) error {
	rec := models.New(collection)
	if rec == nil {
		return fmt.Errorf("unknown collection %q", collection)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return err
	}
	m := rec.Meta()
	m.Synced = true
	m.SyncedAt = &syncedAt

	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[m.ID] = rec
	f.applied++
	return nil
}

func (f *fakeStore) MarkSynced(ctx context.Context, collection, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	m := rec.Meta()
	m.Synced = true
	m.SyncedAt = &at
	return nil
}

func (f *fakeStore) put(rec models.Syncable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.Meta().ID] = rec
}

func (f *fakeStore) get(id string) models.Syncable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[id]
}

func (f *fakeStore) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

// fakeTransport serves canned payloads and records what was pushed.
type fakeTransport struct {
	mu         gosync.Mutex
	server     []json.RawMessage
	fetchErr   error
	upsertErr  map[string]error
	deleteErr  map[string]error
	bulkResult *BulkResult

	upserts      []string
	deletes      []string
	bulkCalls    int
	fetchStarted chan struct{}
	fetchRelease chan struct{}
	panicOnFetch bool
}

func (f *fakeTransport) FetchAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	if f.fetchStarted != nil {
		close(f.fetchStarted)
		f.fetchStarted = nil
	}
	if f.fetchRelease != nil {
		<-f.fetchRelease
	}
	if f.panicOnFetch {
		panic("transport blew up")
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.server, nil
}

func (f *fakeTransport) Upsert(ctx context.Context, collection string, rec models.Syncable) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := rec.Meta().ID
	f.upserts = append(f.upserts, id)
	if err := f.upsertErr[id]; err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func (f *fakeTransport) Delete(ctx context.Context, collection, id string, version int64) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	if err := f.deleteErr[id]; err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeTransport) BulkSync(ctx context.Context, collection string, recs []models.Syncable) (*BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	if f.bulkResult != nil {
		return f.bulkResult, nil
	}
	result := &BulkResult{}
	for _, rec := range recs {
		result.Synced = append(result.Synced, rec.Meta().ID)
	}
	return result, nil
}

// recordingNotifier captures lifecycle callbacks.
type recordingNotifier struct {
	mu        gosync.Mutex
	started   int
	completed int
	conflicts []ConflictEvent
}

func (n *recordingNotifier) SyncStarted() {
	n.mu.Lock()
	n.started++
	n.mu.Unlock()
}

func (n *recordingNotifier) SyncCompleted(bool, string) {
	n.mu.Lock()
	n.completed++
	n.mu.Unlock()
}

func (n *recordingNotifier) ConflictDetected(ev ConflictEvent) {
	n.mu.Lock()
	n.conflicts = append(n.conflicts, ev)
	n.mu.Unlock()
}

func newTask(t *testing.T, id, title string, version int64, updatedAt time.Time) *models.Task {
	t.Helper()
	return &models.Task{
		SyncMeta: models.SyncMeta{
			ID:        id,
			OwnerID:   "alice",
			Version:   version,
			CreatedAt: updatedAt.Add(-time.Hour),
			UpdatedAt: updatedAt,
		},
		Title: title,
	}
}

func taskJSON(t *testing.T, task *models.Task) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return data
}

func newTestCoordinator(store LocalStore, transport Transport, notifier Notifier) *Coordinator {
	return NewCoordinator(store, transport, Options{
		Notifier:    notifier,
		Collections: []string{models.CollectionTasks},
	})
}

func TestSyncAllPullsServerRecords(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	remote := newTask(t, "t1", "from server", 3, now)
	tr := &fakeTransport{server: []json.RawMessage{taskJSON(t, remote)}}

	coord := newTestCoordinator(st, tr, nil)
	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("sync failed: %v", sum.Err)
	}

	got := st.get("t1")
	if got == nil {
		t.Fatal("server record was not inserted locally")
	}
	if got.(*models.Task).Title != "from server" {
		t.Errorf("title = %q, want %q", got.(*models.Task).Title, "from server")
	}
	if got.Meta().Dirty() {
		t.Error("pulled record should be clean")
	}
	if sum.Collections[models.CollectionTasks].Pulled != 1 {
		t.Errorf("pulled = %d, want 1", sum.Collections[models.CollectionTasks].Pulled)
	}
	if sum.Status != StatusSuccess {
		t.Errorf("status = %s, want %s", sum.Status, StatusSuccess)
	}
}

func TestSyncAllPushesDirtyRecords(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.put(newTask(t, "t1", "local edit", 2, now))
	tr := &fakeTransport{}

	coord := newTestCoordinator(st, tr, nil)
	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("sync failed: %v", sum.Err)
	}

	if len(tr.upserts) != 1 || tr.upserts[0] != "t1" {
		t.Fatalf("upserts = %v, want [t1]", tr.upserts)
	}
	if st.get("t1").Meta().Dirty() {
		t.Error("pushed record should be clean")
	}
	if got := sum.Collections[models.CollectionTasks].Pushed; got != 1 {
		t.Errorf("pushed = %d, want 1", got)
	}
}

func TestSecondPassIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	remote := newTask(t, "t1", "stable", 3, now)
	tr := &fakeTransport{server: []json.RawMessage{taskJSON(t, remote)}}

	coord := newTestCoordinator(st, tr, nil)
	if ok, sum := coord.SyncAll(context.Background(), false); !ok {
		t.Fatalf("first pass failed: %v", sum.Err)
	}
	applied := st.applyCount()

	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("second pass failed: %v", sum.Err)
	}
	if st.applyCount() != applied {
		t.Errorf("second pass re-applied server data: %d -> %d", applied, st.applyCount())
	}
	if got := sum.Collections[models.CollectionTasks].Pulled; got != 0 {
		t.Errorf("second pass pulled = %d, want 0", got)
	}
	if sum.Message() != "already synced" {
		t.Errorf("message = %q, want %q", sum.Message(), "already synced")
	}
}

func TestPullKeepsStrictlyNewerLocal(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	local := newTask(t, "t1", "newer local", 2, now)
	st.put(local)

	stale := newTask(t, "t1", "stale server", 5, now.Add(-time.Hour))
	tr := &fakeTransport{server: []json.RawMessage{taskJSON(t, stale)}}

	coord := newTestCoordinator(st, tr, nil)
	if ok, sum := coord.SyncAll(context.Background(), false); !ok {
		t.Fatalf("sync failed: %v", sum.Err)
	}

	got := st.get("t1").(*models.Task)
	if got.Title != "newer local" {
		t.Errorf("stale server data overwrote newer local edit: title = %q", got.Title)
	}
	// The local edit went out in the push phase instead.
	if len(tr.upserts) != 1 {
		t.Errorf("upserts = %v, want the local edit pushed", tr.upserts)
	}
}

func TestPullOverwritesOlderLocal(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.put(newTask(t, "t1", "old local", 1, now.Add(-time.Hour)))

	remote := newTask(t, "t1", "newer server", 4, now)
	tr := &fakeTransport{server: []json.RawMessage{taskJSON(t, remote)}}

	coord := newTestCoordinator(st, tr, nil)
	if ok, sum := coord.SyncAll(context.Background(), false); !ok {
		t.Fatalf("sync failed: %v", sum.Err)
	}

	got := st.get("t1").(*models.Task)
	if got.Title != "newer server" {
		t.Errorf("title = %q, want server copy", got.Title)
	}
	if got.Version != 4 {
		t.Errorf("version = %d, want the server's 4", got.Version)
	}
}

func TestConflictResolvesServerWins(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.put(newTask(t, "t1", "mine", 2, now))

	serverCopy := newTask(t, "t1", "theirs", 5, now.Add(time.Minute))
	tr := &fakeTransport{
		upsertErr: map[string]error{
			"t1": &ConflictError{
				Collection:    models.CollectionTasks,
				RecordID:      "t1",
				LocalVersion:  2,
				ServerVersion: 5,
				ServerData:    taskJSON(t, serverCopy),
			},
		},
	}
	notifier := &recordingNotifier{}

	coord := newTestCoordinator(st, tr, notifier)
	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("conflict pass should still succeed: %v", sum.Err)
	}

	got := st.get("t1").(*models.Task)
	if got.Title != "theirs" {
		t.Errorf("title = %q, want the server copy", got.Title)
	}
	if got.Version != 5 {
		t.Errorf("version = %d, want the server's 5", got.Version)
	}
	if got.Meta().Dirty() {
		t.Error("resolved record should be clean")
	}
	if sum.Status != StatusConflict {
		t.Errorf("status = %s, want %s", sum.Status, StatusConflict)
	}
	if len(notifier.conflicts) != 1 {
		t.Fatalf("conflict events = %d, want 1", len(notifier.conflicts))
	}
	ev := notifier.conflicts[0]
	if ev.LocalVersion != 2 || ev.ServerVersion != 5 {
		t.Errorf("event versions = %d/%d, want 2/5", ev.LocalVersion, ev.ServerVersion)
	}
}

func TestPushFailureLeavesRecordDirty(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.put(newTask(t, "t1", "unlucky", 1, now))
	tr := &fakeTransport{
		upsertErr: map[string]error{
			"t1": &NetworkError{Op: "upsert", Err: errors.New("connection refused")},
		},
	}

	coord := newTestCoordinator(st, tr, nil)
	ok, sum := coord.SyncAll(context.Background(), false)
	if ok {
		t.Fatal("pass with push failures should not report success")
	}
	if sum.Status != StatusError {
		t.Errorf("status = %s, want %s", sum.Status, StatusError)
	}
	if !st.get("t1").Meta().Dirty() {
		t.Error("failed record must stay dirty for the next pass")
	}
	if got := sum.Collections[models.CollectionTasks].Failures; got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestPullErrorDoesNotBlockPush(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.put(newTask(t, "t1", "still goes out", 1, now))
	tr := &fakeTransport{fetchErr: &NetworkError{Op: "fetch", Err: errors.New("boom")}}

	coord := newTestCoordinator(st, tr, nil)
	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("pull failure alone should not fail the pass: %v", sum.Err)
	}
	if len(sum.PullErrors) != 1 {
		t.Errorf("pull errors = %v, want one entry", sum.PullErrors)
	}
	if len(tr.upserts) != 1 {
		t.Errorf("upserts = %v, want the dirty record pushed anyway", tr.upserts)
	}
}

func TestDeletedRecordPushesThroughDelete(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	task := newTask(t, "t1", "doomed", 1, now)
	task.SoftDelete(now)
	st.put(task)
	tr := &fakeTransport{}

	coord := newTestCoordinator(st, tr, nil)
	if ok, sum := coord.SyncAll(context.Background(), false); !ok {
		t.Fatalf("sync failed: %v", sum.Err)
	}

	if len(tr.deletes) != 1 || tr.deletes[0] != "t1" {
		t.Fatalf("deletes = %v, want [t1]", tr.deletes)
	}
	if len(tr.upserts) != 0 {
		t.Errorf("upserts = %v, deleted records must not be upserted", tr.upserts)
	}
}

func TestDeleteBeforeFirstSyncSettlesOnNotFound(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	task := newTask(t, "t1", "never uploaded", 1, now)
	task.SoftDelete(now)
	st.put(task)
	tr := &fakeTransport{
		deleteErr: map[string]error{
			"t1": &ValidationError{Status: 404, Message: "record not found"},
		},
	}

	coord := newTestCoordinator(st, tr, nil)
	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("deleting an unknown record should settle, not fail: %v", sum.Err)
	}
	if sum.Status != StatusSuccess {
		t.Errorf("status = %s, want %s", sum.Status, StatusSuccess)
	}
	if st.get("t1").Meta().Dirty() {
		t.Error("tombstone must be clean after the server confirmed it has no copy")
	}

	// The next pass has nothing left to do for it.
	if ok, sum := coord.SyncAll(context.Background(), false); !ok {
		t.Fatalf("second pass failed: %v", sum.Err)
	}
	if len(tr.deletes) != 1 {
		t.Errorf("deletes = %v, want exactly one attempt", tr.deletes)
	}
}

func TestLegacyConflictFetchesServerCopy(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.put(newTask(t, "t1", "mine", 2, now))

	// The server's stored copy is older by wall clock, so the pull phase
	// keeps the local edit and the push phase runs into the 409.
	serverCopy := newTask(t, "t1", "theirs", 5, now.Add(-time.Minute))
	tr := &fakeTransport{
		server: []json.RawMessage{taskJSON(t, serverCopy)},
		upsertErr: map[string]error{
			"t1": &ConflictError{
				Collection:   models.CollectionTasks,
				RecordID:     "t1",
				LocalVersion: 2,
				Detail:       "version conflict",
			},
		},
	}
	notifier := &recordingNotifier{}

	coord := newTestCoordinator(st, tr, notifier)
	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("data-less conflict should still resolve: %v", sum.Err)
	}
	if sum.Status != StatusConflict {
		t.Errorf("status = %s, want %s", sum.Status, StatusConflict)
	}

	got := st.get("t1").(*models.Task)
	if got.Title != "theirs" {
		t.Errorf("title = %q, want the fetched server copy", got.Title)
	}
	if got.Version != 5 {
		t.Errorf("version = %d, want the server's 5", got.Version)
	}
	if got.Meta().Dirty() {
		t.Error("resolved record should be clean")
	}
	if len(notifier.conflicts) != 1 {
		t.Fatalf("conflict events = %d, want 1", len(notifier.conflicts))
	}
	if ev := notifier.conflicts[0]; ev.ServerVersion != 5 {
		t.Errorf("event server version = %d, want 5 from the fetched copy", ev.ServerVersion)
	}
}

func TestLargeBatchUsesBulkSync(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	for i := 0; i < DefaultBulkThreshold; i++ {
		st.put(newTask(t, fmt.Sprintf("t%d", i), "bulk", 1, now))
	}
	tr := &fakeTransport{}

	coord := newTestCoordinator(st, tr, nil)
	ok, sum := coord.SyncAll(context.Background(), false)
	if !ok {
		t.Fatalf("sync failed: %v", sum.Err)
	}
	if tr.bulkCalls != 1 {
		t.Errorf("bulk calls = %d, want 1", tr.bulkCalls)
	}
	if len(tr.upserts) != 0 {
		t.Errorf("upserts = %v, want none for a bulk batch", tr.upserts)
	}
	if got := sum.Collections[models.CollectionTasks].Pushed; got != DefaultBulkThreshold {
		t.Errorf("pushed = %d, want %d", got, DefaultBulkThreshold)
	}
}

func TestConcurrentSyncReturnsInProgress(t *testing.T) {
	st := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	tr := &fakeTransport{fetchStarted: started, fetchRelease: release}

	coord := newTestCoordinator(st, tr, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.SyncAll(context.Background(), false)
	}()

	<-started
	ok, sum := coord.SyncAll(context.Background(), false)
	if ok {
		t.Error("concurrent call should not succeed")
	}
	if !errors.Is(sum.Err, ErrSyncInProgress) {
		t.Errorf("err = %v, want ErrSyncInProgress", sum.Err)
	}

	close(release)
	<-done

	if coord.Status() == StatusSyncing {
		t.Error("coordinator stuck in syncing state")
	}
}

func TestLockReleasedAfterPanic(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{panicOnFetch: true}
	notifier := &recordingNotifier{}

	coord := newTestCoordinator(st, tr, notifier)
	ok, sum := coord.SyncAll(context.Background(), false)
	if ok {
		t.Fatal("panicking pass should report failure")
	}
	if sum.Err == nil {
		t.Fatal("panicking pass should surface an error")
	}
	if notifier.completed != 1 {
		t.Errorf("completed notifications = %d, want 1 even after a panic", notifier.completed)
	}

	// The single-flight guard must be free again.
	tr.panicOnFetch = false
	if ok, sum := coord.SyncAll(context.Background(), false); !ok {
		t.Fatalf("pass after panic should succeed: %v", sum.Err)
	}
}

func TestForcePushesWithEmptyDirtySet(t *testing.T) {
	st := newFakeStore()
	tr := &fakeTransport{}

	coord := newTestCoordinator(st, tr, nil)
	ok, sum := coord.SyncAll(context.Background(), true)
	if !ok {
		t.Fatalf("forced pass failed: %v", sum.Err)
	}
	if sum.Status != StatusSuccess {
		t.Errorf("status = %s, want %s", sum.Status, StatusSuccess)
	}
}
