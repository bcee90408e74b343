package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/tempo/internal/models"
)

// Put writes a record, overwriting any existing row with the same id.
// The caller is responsible for the record's dirty state; local mutations
// go through Save, which bumps version and clears the synced flag first.
func (s *Store) Put(ctx context.Context, rec models.Syncable) error {
	m := rec.Meta()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", rec.Collection(), m.ID, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO records (collection, id, owner_id, version, payload, created_at, updated_at, deleted_at, synced_at, is_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			owner_id=excluded.owner_id, version=excluded.version, payload=excluded.payload,
			created_at=excluded.created_at, updated_at=excluded.updated_at, deleted_at=excluded.deleted_at,
			synced_at=excluded.synced_at, is_synced=excluded.is_synced`,
		rec.Collection(), m.ID, m.OwnerID, m.Version, payload,
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt), fmtTimePtr(m.DeletedAt),
		fmtTimePtr(m.SyncedAt), boolToInt(m.Synced),
	)
	if err != nil {
		return fmt.Errorf("put %s %s: %w", rec.Collection(), m.ID, err)
	}
	return nil
}

// Save applies a local mutation: bumps UpdatedAt and Version, clears the
// synced flag, and persists. Every write path of the CLI goes through here
// so the dirty set stays exactly the set of locally-changed records.
func (s *Store) Save(ctx context.Context, rec models.Syncable) error {
	rec.Meta().Touch(time.Now().UTC())
	return s.Put(ctx, rec)
}

// SoftDelete marks a record deleted and re-enters it into the dirty set
// so the deletion propagates on the next push.
func (s *Store) SoftDelete(ctx context.Context, collection, id string) error {
	rec, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%s %s: not found", collection, id)
	}
	rec.Meta().SoftDelete(time.Now().UTC())
	return s.Put(ctx, rec)
}

// Get returns the record with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, collection, id string) (models.Syncable, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE collection = ? AND id = ?`, collection, id)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s %s: %w", collection, id, err)
	}
	return decodeRecord(collection, payload)
}

// List returns all records in a collection. Soft-deleted rows are skipped
// unless includeDeleted is set; they still exist and still sync.
func (s *Store) List(ctx context.Context, collection string, includeDeleted bool) ([]models.Syncable, error) {
	q := `SELECT payload FROM records WHERE collection = ?`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	q += ` ORDER BY updated_at DESC`
	return s.queryRecords(ctx, collection, q, collection)
}

// GetDirty returns the records created or mutated locally since their last
// confirmed upload. These are exactly the push candidates.
func (s *Store) GetDirty(ctx context.Context, collection string) ([]models.Syncable, error) {
	return s.queryRecords(ctx, collection,
		`SELECT payload FROM records WHERE collection = ? AND is_synced = 0 ORDER BY updated_at ASC`,
		collection)
}

// CountDirty returns the number of dirty records per collection.
func (s *Store) CountDirty(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT collection, COUNT(*) FROM records WHERE is_synced = 0 GROUP BY collection`)
	if err != nil {
		return nil, fmt.Errorf("count dirty: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return nil, fmt.Errorf("scan dirty count: %w", err)
		}
		counts[c] = n
	}
	return counts, rows.Err()
}

// MarkSynced records that the server confirmed the record: sets synced_at
// and the redundant is_synced flag, in both the columns and the payload.
func (s *Store) MarkSynced(ctx context.Context, collection, id string, at time.Time) error {
	rec, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("mark synced %s %s: not found", collection, id)
	}

	at = at.UTC()
	m := rec.Meta()
	m.SyncedAt = &at
	m.Synced = true
	return s.Put(ctx, rec)
}

// ApplyRemote overwrites (or inserts) the local row with the server's
// representation. The server's version is taken verbatim and the record is
// stored clean: pulled data is by definition already on the server.
func (s *Store) ApplyRemote(ctx context.Context, collection string, data json.RawMessage, syncedAt time.Time) error {
	rec, err := decodeRecord(collection, data)
	if err != nil {
		return err
	}

	syncedAt = syncedAt.UTC()
	m := rec.Meta()
	m.SyncedAt = &syncedAt
	m.Synced = true
	return s.Put(ctx, rec)
}

func (s *Store) queryRecords(ctx context.Context, collection, query string, args ...any) ([]models.Syncable, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var recs []models.Syncable
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		rec, err := decodeRecord(collection, payload)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// decodeRecord unmarshals a payload into the collection's concrete type.
func decodeRecord(collection string, payload []byte) (models.Syncable, error) {
	rec := models.New(collection)
	if rec == nil {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", collection, err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
