package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus/tempo/internal/models"
	"github.com/marcus/tempo/internal/serverdb"
)

// maxRecordBytes bounds a single record payload; bulk requests get a
// multiple of it.
const maxRecordBytes = 1 << 20

var validCollections = func() map[string]bool {
	m := make(map[string]bool)
	for _, c := range models.Collections() {
		m[c] = true
	}
	return m
}()

// collectionFrom validates the {collection} path value. Unknown
// collections 404 instead of creating arbitrary server-side tables.
func collectionFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	coll := r.PathValue("collection")
	if !validCollections[coll] {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown collection")
		return "", false
	}
	return coll, true
}

// handleUpsert handles POST /api/{collection}: idempotent upsert-by-id
// with version race detection.
func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	coll, ok := collectionFrom(w, r)
	if !ok {
		return
	}
	ownerID := ownerFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRecordBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	stored, err := s.store.Upsert(coll, ownerID, body)
	if errors.Is(err, serverdb.ErrVersionConflict) {
		var incoming struct {
			Version int64 `json:"version"`
		}
		json.Unmarshal(body, &incoming)
		writeConflict(w, "stored version is newer", stored.Payload, incoming.Version, stored.Version)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, json.RawMessage(stored.Payload))
}

// handleFetchAll handles GET /api/{collection}/all: the owner's full
// authoritative set, soft-deleted records included. An optional ?type=
// filter matches a record's "type" field when the schema has one.
func (s *Server) handleFetchAll(w http.ResponseWriter, r *http.Request) {
	coll, ok := collectionFrom(w, r)
	if !ok {
		return
	}
	ownerID := ownerFromContext(r.Context())

	items, err := s.store.ListByOwner(coll, ownerID)
	if err != nil {
		logFor(r.Context()).Error("list records", "collection", coll, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "list records")
		return
	}

	if typ := r.URL.Query().Get("type"); typ != "" {
		items = filterByType(items, typ)
	}
	if items == nil {
		items = []json.RawMessage{}
	}

	writeJSON(w, http.StatusOK, map[string][]json.RawMessage{coll: items})
}

func filterByType(items []json.RawMessage, typ string) []json.RawMessage {
	var out []json.RawMessage
	for _, item := range items {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(item, &probe) == nil && probe.Type == typ {
			out = append(out, item)
		}
	}
	return out
}

// handleDelete handles DELETE /api/{collection}/{id}: version-checked
// soft delete. The tombstone still syncs so the deletion propagates.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	coll, ok := collectionFrom(w, r)
	if !ok {
		return
	}
	ownerID := ownerFromContext(r.Context())
	id := r.PathValue("id")

	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "version query parameter is required")
		return
	}

	stored, err := s.store.Delete(coll, ownerID, id, version, time.Now())
	if errors.Is(err, serverdb.ErrVersionConflict) {
		writeConflict(w, "stored version is newer", stored.Payload, version, stored.Version)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if stored == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "record not found")
		return
	}

	writeJSON(w, http.StatusOK, json.RawMessage(stored.Payload))
}

// bulkSyncRequest is the JSON body for POST /api/{collection}/bulk-sync.
type bulkSyncRequest struct {
	Items []json.RawMessage `json:"items"`
}

// bulkSyncResponse reports the outcome per item.
type bulkSyncResponse struct {
	Synced    []string           `json:"synced"`
	Conflicts []bulkConflictItem `json:"conflicts"`
	Failed    []bulkFailedItem   `json:"failed"`
}

type bulkConflictItem struct {
	ID            string          `json:"id"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion int64           `json:"server_version"`
	ServerData    json.RawMessage `json:"server_data"`
}

type bulkFailedItem struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// handleBulkSync handles POST /api/{collection}/bulk-sync: a batch of
// upserts in one round trip. Item outcomes are independent; one bad
// record does not fail the batch.
func (s *Server) handleBulkSync(w http.ResponseWriter, r *http.Request) {
	coll, ok := collectionFrom(w, r)
	if !ok {
		return
	}
	ownerID := ownerFromContext(r.Context())

	var req bulkSyncRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*maxRecordBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	resp := bulkSyncResponse{
		Synced:    []string{},
		Conflicts: []bulkConflictItem{},
		Failed:    []bulkFailedItem{},
	}

	for _, item := range req.Items {
		var probe struct {
			ID      string `json:"id"`
			Version int64  `json:"version"`
		}
		if err := json.Unmarshal(item, &probe); err != nil || probe.ID == "" {
			resp.Failed = append(resp.Failed, bulkFailedItem{ID: probe.ID, Reason: "missing id"})
			continue
		}

		stored, err := s.store.Upsert(coll, ownerID, item)
		if errors.Is(err, serverdb.ErrVersionConflict) {
			resp.Conflicts = append(resp.Conflicts, bulkConflictItem{
				ID:            probe.ID,
				LocalVersion:  probe.Version,
				ServerVersion: stored.Version,
				ServerData:    stored.Payload,
			})
			continue
		}
		if err != nil {
			resp.Failed = append(resp.Failed, bulkFailedItem{ID: probe.ID, Reason: err.Error()})
			continue
		}
		resp.Synced = append(resp.Synced, stored.ID)
	}

	writeJSON(w, http.StatusOK, resp)
}
