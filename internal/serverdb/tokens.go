package serverdb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshToken is one row of the refresh_tokens table.
type RefreshToken struct {
	Token     string
	OwnerID   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// CreateRefreshToken mints and stores an opaque refresh token.
func (db *ServerDB) CreateRefreshToken(ownerID string, ttl time.Duration) (*RefreshToken, error) {
	now := time.Now().UTC()
	rt := &RefreshToken{
		Token:     uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := db.conn.Exec(
		`INSERT INTO refresh_tokens (token, owner_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		rt.Token, rt.OwnerID, fmtTime(rt.CreatedAt), fmtTime(rt.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}
	return rt, nil
}

// LookupRefreshToken returns the owner of a live token, or "" when the
// token is unknown, revoked or expired.
func (db *ServerDB) LookupRefreshToken(token string) (string, error) {
	row := db.conn.QueryRow(
		`SELECT owner_id, expires_at, revoked FROM refresh_tokens WHERE token = ?`, token)

	var ownerID, expires string
	var revoked int
	if err := row.Scan(&ownerID, &expires, &revoked); err != nil {
		return "", nil // unknown token is not an error, just a failed refresh
	}
	if revoked != 0 {
		return "", nil
	}
	exp, err := time.Parse(time.RFC3339Nano, expires)
	if err != nil || time.Now().After(exp) {
		return "", nil
	}
	return ownerID, nil
}

// RevokeRefreshTokens revokes all of an owner's tokens (logout).
func (db *ServerDB) RevokeRefreshTokens(ownerID string) error {
	_, err := db.conn.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE owner_id = ?`, ownerID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}
