package models

import (
	"time"

	"github.com/google/uuid"
)

// Collection names for the syncable record sets.
const (
	CollectionTopics   = "topics"
	CollectionSessions = "sessions"
	CollectionHabits   = "habits"
	CollectionTasks    = "tasks"
)

// Collections lists every syncable collection in a stable order.
func Collections() []string {
	return []string{CollectionTopics, CollectionSessions, CollectionHabits, CollectionTasks}
}

// SyncMeta carries the sync bookkeeping fields shared by every record.
// ID is assigned client-side at creation and doubles as the server's
// upsert idempotency key. Version never decreases; a record overwritten
// from server data takes the server's Version verbatim.
type SyncMeta struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
	Synced    bool       `json:"is_synced"`
}

// Meta returns the embedded sync metadata. Returning the pointer lets the
// sync engine flip dirty state without knowing the concrete record type.
func (m *SyncMeta) Meta() *SyncMeta { return m }

// Deleted reports whether the record carries a soft-delete marker.
func (m *SyncMeta) Deleted() bool { return m.DeletedAt != nil }

// Dirty reports whether the record has local changes not yet confirmed
// on the server: never synced, explicitly flagged, or updated since the
// last confirmed upload.
func (m *SyncMeta) Dirty() bool {
	if !m.Synced || m.SyncedAt == nil {
		return true
	}
	return m.UpdatedAt.After(*m.SyncedAt)
}

// EffectiveTime is the timestamp used for last-write-wins comparison
// during pull: UpdatedAt when present, CreatedAt as the fallback.
func (m *SyncMeta) EffectiveTime() time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

// Touch marks the record as locally mutated: bumps UpdatedAt and Version
// and clears the synced flag so the record re-enters the dirty set.
func (m *SyncMeta) Touch(now time.Time) {
	m.UpdatedAt = now
	m.Version++
	m.Synced = false
}

// SoftDelete marks the record deleted. Deletion is a mutation like any
// other and propagates through sync until both sides agree.
func (m *SyncMeta) SoftDelete(now time.Time) {
	m.DeletedAt = &now
	m.Touch(now)
}

// NewMeta initializes metadata for a record created locally (dirty).
func NewMeta(ownerID string, now time.Time) SyncMeta {
	return SyncMeta{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Syncable is the contract every syncable record satisfies. The sync
// engine depends only on this interface; concrete schemas stay in the
// business modules.
type Syncable interface {
	Meta() *SyncMeta
	Collection() string
}

// Topic groups pomodoro sessions under a user-defined subject.
type Topic struct {
	SyncMeta
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

func (t *Topic) Collection() string { return CollectionTopics }

// Session is one completed (or abandoned) pomodoro work interval.
type Session struct {
	SyncMeta
	TopicID     string    `json:"topic_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	DurationSec int       `json:"duration_sec"`
	Completed   bool      `json:"completed"`
	Note        string    `json:"note,omitempty"`
}

func (s *Session) Collection() string { return CollectionSessions }

// Habit is a recurring practice tracked by daily ticks.
type Habit struct {
	SyncMeta
	Name       string   `json:"name"`
	Schedule   string   `json:"schedule,omitempty"` // "daily" or comma list of weekdays
	TickedDays []string `json:"ticked_days,omitempty"`
	Streak     int      `json:"streak"`
}

func (h *Habit) Collection() string { return CollectionHabits }

// Task is a one-off todo item.
type Task struct {
	SyncMeta
	Title    string     `json:"title"`
	Detail   string     `json:"detail,omitempty"`
	Done     bool       `json:"done"`
	DoneAt   *time.Time `json:"done_at,omitempty"`
	DueAt    *time.Time `json:"due_at,omitempty"`
	Priority int        `json:"priority,omitempty"`
}

func (t *Task) Collection() string { return CollectionTasks }

// New returns an empty record of the given collection's concrete type,
// or nil when the collection is unknown. Used to decode server payloads.
func New(collection string) Syncable {
	switch collection {
	case CollectionTopics:
		return &Topic{}
	case CollectionSessions:
		return &Session{}
	case CollectionHabits:
		return &Habit{}
	case CollectionTasks:
		return &Task{}
	default:
		return nil
	}
}
