// Package serverdb is the tempo-sync server's store: the authoritative
// copy of every owner's records plus the refresh tokens the auth layer
// hands out. Upserts are idempotent by record id; version races are
// detected here and surfaced as ErrVersionConflict.
package serverdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const serverSchema = `
CREATE TABLE IF NOT EXISTS records (
    collection  TEXT NOT NULL,
    id          TEXT NOT NULL,
    owner_id    TEXT NOT NULL,
    version     INTEGER NOT NULL DEFAULT 1,
    payload     JSON NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    deleted_at  TEXT,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_server_records_owner ON records(collection, owner_id);

CREATE TABLE IF NOT EXISTS refresh_tokens (
    token       TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    expires_at  TEXT NOT NULL,
    revoked     INTEGER NOT NULL DEFAULT 0
);
`

// ErrVersionConflict signals that an incoming write raced with a newer
// stored version. The caller turns it into a 409 with the stored copy.
var ErrVersionConflict = errors.New("version conflict")

// ServerDB wraps the server database connection.
type ServerDB struct {
	conn *sql.DB
}

// Open opens the server database, creating file and schema as needed.
func Open(dbPath string) (*ServerDB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(serverSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &ServerDB{conn: conn}, nil
}

// Ping checks the database connection is alive.
func (db *ServerDB) Ping() error { return db.conn.Ping() }

// Close checkpoints the WAL and closes the connection.
func (db *ServerDB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// StoredRecord is one row of the server's record table.
type StoredRecord struct {
	Collection string
	ID         string
	OwnerID    string
	Version    int64
	Payload    json.RawMessage
}

// recordMeta is the envelope peeked out of an incoming payload.
type recordMeta struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at"`
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// Get returns the stored record, or nil when absent.
func (db *ServerDB) Get(collection, id string) (*StoredRecord, error) {
	row := db.conn.QueryRow(
		`SELECT collection, id, owner_id, version, payload FROM records WHERE collection = ? AND id = ?`,
		collection, id)

	var r StoredRecord
	var payload string
	if err := row.Scan(&r.Collection, &r.ID, &r.OwnerID, &r.Version, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

// ListByOwner returns all of an owner's records in a collection,
// soft-deleted ones included so deletions propagate to other devices.
func (db *ServerDB) ListByOwner(collection, ownerID string) ([]json.RawMessage, error) {
	rows, err := db.conn.Query(
		`SELECT payload FROM records WHERE collection = ? AND owner_id = ? ORDER BY updated_at DESC`,
		collection, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, rows.Err()
}

// Upsert stores an incoming record keyed by its client-assigned id.
//
// An incoming version lower than the stored one means the writer based its
// edit on a stale copy: ErrVersionConflict is returned together with the
// stored record so the client can resolve server-wins. Otherwise the write
// is accepted and the incoming version is stored verbatim; the client has
// already bumped it for every mutation. Re-sending the same version and
// payload is a no-op upsert, keeping retries idempotent.
func (db *ServerDB) Upsert(collection, ownerID string, payload json.RawMessage) (*StoredRecord, error) {
	meta, err := peekMeta(payload)
	if err != nil {
		return nil, err
	}
	if meta.OwnerID != "" && meta.OwnerID != ownerID {
		return nil, fmt.Errorf("record owner %q does not match authenticated owner", meta.OwnerID)
	}

	existing, err := db.Get(collection, meta.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.OwnerID != ownerID {
			return nil, fmt.Errorf("record %s belongs to another owner", meta.ID)
		}
		if meta.Version < existing.Version {
			return existing, ErrVersionConflict
		}
	}

	_, err = db.conn.Exec(`
		INSERT INTO records (collection, id, owner_id, version, payload, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			version=excluded.version, payload=excluded.payload,
			updated_at=excluded.updated_at, deleted_at=excluded.deleted_at`,
		collection, meta.ID, ownerID, meta.Version, string(payload),
		fmtTime(meta.CreatedAt), fmtTime(meta.UpdatedAt), fmtTimePtr(meta.DeletedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert %s/%s: %w", collection, meta.ID, err)
	}

	return db.Get(collection, meta.ID)
}

// Delete applies a version-checked soft delete: the stored payload gets a
// deleted_at stamp and a version bump. A stale incoming version conflicts
// the same way an upsert does.
func (db *ServerDB) Delete(collection, ownerID, id string, version int64, at time.Time) (*StoredRecord, error) {
	existing, err := db.Get(collection, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if existing.OwnerID != ownerID {
		return nil, fmt.Errorf("record %s belongs to another owner", id)
	}
	if version < existing.Version {
		return existing, ErrVersionConflict
	}

	var fields map[string]any
	if err := json.Unmarshal(existing.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decode stored %s/%s: %w", collection, id, err)
	}
	at = at.UTC()
	newVersion := version + 1
	fields["deleted_at"] = at.Format(time.RFC3339Nano)
	fields["updated_at"] = at.Format(time.RFC3339Nano)
	fields["version"] = newVersion
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode tombstone %s/%s: %w", collection, id, err)
	}

	_, err = db.conn.Exec(
		`UPDATE records SET version = ?, payload = ?, updated_at = ?, deleted_at = ? WHERE collection = ? AND id = ?`,
		newVersion, string(payload), fmtTime(at), fmtTime(at), collection, id)
	if err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}

	return db.Get(collection, id)
}

func peekMeta(payload json.RawMessage) (*recordMeta, error) {
	var m recordMeta
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("record missing id")
	}
	if m.Version < 1 {
		return nil, fmt.Errorf("record version must be positive")
	}
	return &m, nil
}
