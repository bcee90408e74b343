package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/tempo/internal/models"
)

// Conflict resolution is wholesale last-write-wins; records are never
// merged field by field.
//
// Two distinct paths decide a winner:
//
//   - Pull: no explicit conflict signal, just two present copies. The
//     effective timestamps (updated_at, falling back to created_at) are
//     compared directly and the more recent side wins, server on ties.
//   - Push 409: the server is the single arbiter. Its returned payload
//     wins unconditionally and the client never re-submits its own
//     version, which avoids ping-pong retries between racing clients.

// RemoteMeta is the sync metadata peeked out of a server payload without
// decoding the full record.
type RemoteMeta struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// EffectiveTime mirrors models.SyncMeta.EffectiveTime for server payloads.
func (r *RemoteMeta) EffectiveTime() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// PeekMeta extracts the metadata fields from a raw server record.
func PeekMeta(data json.RawMessage) (*RemoteMeta, error) {
	var m RemoteMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode record meta: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("server record missing id")
	}
	return &m, nil
}

// ServerWinsPull decides the pull-phase overwrite: true when the server
// copy should replace the local one. A missing local record always loses;
// otherwise the server wins on a greater-or-equal effective timestamp, so
// only a strictly newer local edit survives to be pushed in phase 2.
func ServerWinsPull(local models.Syncable, remote *RemoteMeta) bool {
	if local == nil {
		return true
	}
	return !remote.EffectiveTime().Before(local.Meta().EffectiveTime())
}
