package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marcus/tempo/internal/models"
)

// Status is the coordinator's externally visible state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

// LocalStore is the narrow contract the engine needs from the embedded
// database. The concrete store is business-specific; the engine only sees
// dirty-record queries and mark-synced mutations.
type LocalStore interface {
	Get(ctx context.Context, collection, id string) (models.Syncable, error)
	GetDirty(ctx context.Context, collection string) ([]models.Syncable, error)
	ApplyRemote(ctx context.Context, collection string, data json.RawMessage, syncedAt time.Time) error
	MarkSynced(ctx context.Context, collection, id string, at time.Time) error
}

// Transport performs the authenticated HTTP calls against the sync API.
// Implementations return *ConflictError for version races, *NetworkError
// for connection-level failures and *ValidationError for rejected
// payloads; they never panic into the coordinator.
type Transport interface {
	FetchAll(ctx context.Context, collection string) ([]json.RawMessage, error)
	Upsert(ctx context.Context, collection string, rec models.Syncable) (json.RawMessage, error)
	Delete(ctx context.Context, collection, id string, version int64) (json.RawMessage, error)
	BulkSync(ctx context.Context, collection string, recs []models.Syncable) (*BulkResult, error)
}

// BulkResult is the outcome of a bulk-sync round trip, item by item.
type BulkResult struct {
	Synced    []string       // ids confirmed stored
	Conflicts []BulkConflict // ids that raced; server copy attached
	Failed    []BulkFailure  // ids the server refused
}

// BulkConflict is one conflicting item from a bulk-sync response.
type BulkConflict struct {
	ID            string          `json:"id"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion int64           `json:"server_version"`
	ServerData    json.RawMessage `json:"server_data"`
}

// BulkFailure is one rejected item from a bulk-sync response.
type BulkFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// CollectionStats counts what happened to one collection during a pass.
type CollectionStats struct {
	Pulled    int // records overwritten or inserted from server data
	Pushed    int // dirty records confirmed stored on the server
	Conflicts int // pushes resolved server-wins
	Failures  int // pushes that left the record dirty for retry
	Dirty     int // dirty records found at the start of the push phase
}

// Summary is the outcome of one full sync pass.
type Summary struct {
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      Status
	Collections map[string]CollectionStats
	PullErrors  []string // per-collection pull failures; do not flip overall success
	Err         error
}

// Totals sums the per-collection counters.
func (s *Summary) Totals() (pulled, pushed, conflicts, failures int) {
	for _, cs := range s.Collections {
		pulled += cs.Pulled
		pushed += cs.Pushed
		conflicts += cs.Conflicts
		failures += cs.Failures
	}
	return
}

// Message renders a human-readable outcome like "topics: 3/5 pushed".
func (s *Summary) Message() string {
	if s.Err != nil {
		return s.Err.Error()
	}

	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		cs := s.Collections[name]
		if cs.Dirty == 0 && cs.Pulled == 0 {
			continue
		}
		part := fmt.Sprintf("%s: %d/%d pushed", name, cs.Pushed, cs.Dirty)
		if cs.Pulled > 0 {
			part += fmt.Sprintf(", %d pulled", cs.Pulled)
		}
		if cs.Conflicts > 0 {
			part += fmt.Sprintf(", %d conflicts", cs.Conflicts)
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "already synced"
	}
	return strings.Join(parts, "; ")
}
