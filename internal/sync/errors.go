package sync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the engine.
var (
	// ErrSyncInProgress is returned when SyncAll is invoked while another
	// pass on the same coordinator has not finished. The caller is never
	// queued; it gets this immediately.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrAuthExpired means the access token was rejected and could not be
	// refreshed. The host has to re-authenticate the user.
	ErrAuthExpired = errors.New("authentication expired")
)

// ConflictError is the typed form of a 409 from the server: the record's
// version raced with another writer. It carries the server's current copy
// so the resolver can apply it without another round trip.
type ConflictError struct {
	Collection    string
	RecordID      string
	Detail        string
	LocalVersion  int64
	ServerVersion int64
	ServerData    json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: local v%d vs server v%d: %s",
		e.Collection, e.RecordID, e.LocalVersion, e.ServerVersion, e.Detail)
}

// NetworkError wraps connection, DNS and timeout failures. Always
// retryable: the record stays dirty and is retried on the next pass.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a non-409 4xx: the server refused the payload. The
// record stays dirty and the failure is operator-visible, but there is no
// point hammering the server with automatic retries beyond the normal
// periodic cycle.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err says the server has never stored the
// record. Matters for deletes: a tombstone for an id the server never saw
// is already settled.
func IsNotFound(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Status == 404
}

// IsConflict reports whether err is a version conflict and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
