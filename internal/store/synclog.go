package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Conflict is a row from the sync_conflicts table: a local record that was
// overwritten by the server's copy during conflict resolution.
type Conflict struct {
	ID            int64
	Collection    string
	RecordID      string
	LocalVersion  int64
	ServerVersion int64
	LocalData     json.RawMessage
	ServerData    json.RawMessage
	ResolvedAt    time.Time
}

// SaveConflict records a server-wins overwrite so the user can inspect
// what their local edit was replaced with.
func (s *Store) SaveConflict(ctx context.Context, c Conflict) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_conflicts (collection, record_id, local_version, server_version, local_data, server_data, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Collection, c.RecordID, c.LocalVersion, c.ServerVersion,
		string(c.LocalData), string(c.ServerData), fmtTime(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// RecentConflicts returns recorded conflicts, most recent first.
func (s *Store) RecentConflicts(ctx context.Context, limit int) ([]Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, collection, record_id, local_version, server_version,
		       COALESCE(local_data, 'null'), COALESCE(server_data, 'null'), resolved_at
		FROM sync_conflicts
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		var local, server, ts string
		if err := rows.Scan(&c.ID, &c.Collection, &c.RecordID, &c.LocalVersion, &c.ServerVersion, &local, &server, &ts); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.LocalData = json.RawMessage(local)
		c.ServerData = json.RawMessage(server)
		if c.ResolvedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// SyncPass is a row from the sync_history table: one completed sync pass.
type SyncPass struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Pushed     int
	Pulled     int
	Conflicts  int
	Failures   int
	Message    string
}

// RecordSyncPass appends a completed pass to the history log.
func (s *Store) RecordSyncPass(ctx context.Context, p SyncPass) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_history (started_at, finished_at, status, pushed, pulled, conflicts, failures, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(p.StartedAt), fmtTime(p.FinishedAt), p.Status,
		p.Pushed, p.Pulled, p.Conflicts, p.Failures, p.Message,
	)
	if err != nil {
		return fmt.Errorf("record sync pass: %w", err)
	}
	return nil
}

// LastSyncPass returns the most recent pass, or nil when none exist.
func (s *Store) LastSyncPass(ctx context.Context) (*SyncPass, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, pushed, pulled, conflicts, failures, message
		FROM sync_history
		ORDER BY id DESC
		LIMIT 1`)

	var p SyncPass
	var started, finished string
	err := row.Scan(&p.ID, &started, &finished, &p.Status, &p.Pushed, &p.Pulled, &p.Conflicts, &p.Failures, &p.Message)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last sync pass: %w", err)
	}
	if p.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if p.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	return &p, nil
}
