package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
)

// APIError represents a structured error returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}

// conflictDetail is the 409 response body: { "detail": {...} }. Clients
// that predate the structured shape read detail as a bare string, so the
// inner object keeps a human-readable detail field.
type conflictDetail struct {
	Detail        string          `json:"detail"`
	ServerData    json.RawMessage `json:"server_data"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion int64           `json:"server_version"`
}

// writeConflict writes the structured 409 version-conflict response.
func writeConflict(w http.ResponseWriter, detail string, serverData json.RawMessage, localVersion, serverVersion int64) {
	writeJSON(w, http.StatusConflict, map[string]conflictDetail{
		"detail": {
			Detail:        detail,
			ServerData:    serverData,
			LocalVersion:  localVersion,
			ServerVersion: serverVersion,
		},
	})
}
