package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/tempo/internal/serverdb"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Config{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, store)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func login(t *testing.T, ts *httptest.Server, ownerID string) (access, refresh string) {
	t.Helper()
	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/auth/token", "",
		map[string]string{"owner_id": ownerID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token endpoint: %d %s", resp.StatusCode, body)
	}
	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return tr.AccessToken, tr.RefreshToken
}

func taskPayload(id string, version int64, title string) map[string]any {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return map[string]any{
		"id":         id,
		"owner_id":   "alice",
		"version":    version,
		"title":      title,
		"created_at": now,
		"updated_at": now,
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, "GET", ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}

func TestSyncSurfaceRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, "GET", ts.URL+"/api/tasks/all", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, "GET", ts.URL+"/api/tasks/all", "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestUpsertAndFetchAll(t *testing.T) {
	ts := newTestServer(t)
	access, _ := login(t, ts, "alice")

	resp, body := doJSON(t, "POST", ts.URL+"/api/tasks", access, taskPayload("t1", 1, "hello"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, "GET", ts.URL+"/api/tasks/all", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch all: %d %s", resp.StatusCode, body)
	}
	var fetched map[string][]json.RawMessage
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fetched["tasks"]) != 1 {
		t.Errorf("got %d tasks, want 1", len(fetched["tasks"]))
	}
}

func TestFetchAllScopedToOwner(t *testing.T) {
	ts := newTestServer(t)
	aliceTok, _ := login(t, ts, "alice")
	bobTok, _ := login(t, ts, "bob")

	resp, body := doJSON(t, "POST", ts.URL+"/api/tasks", aliceTok, taskPayload("t1", 1, "private"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert: %d %s", resp.StatusCode, body)
	}

	_, body = doJSON(t, "GET", ts.URL+"/api/tasks/all", bobTok, nil)
	var fetched map[string][]json.RawMessage
	json.Unmarshal(body, &fetched)
	if len(fetched["tasks"]) != 0 {
		t.Errorf("bob sees %d of alice's tasks", len(fetched["tasks"]))
	}
}

func TestUpsertConflictShape(t *testing.T) {
	ts := newTestServer(t)
	access, _ := login(t, ts, "alice")

	if resp, body := doJSON(t, "POST", ts.URL+"/api/tasks", access, taskPayload("t1", 5, "current")); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed: %d %s", resp.StatusCode, body)
	}

	resp, body := doJSON(t, "POST", ts.URL+"/api/tasks", access, taskPayload("t1", 2, "stale"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body %s", resp.StatusCode, body)
	}

	var wrapper struct {
		Detail struct {
			Detail        string          `json:"detail"`
			ServerData    json.RawMessage `json:"server_data"`
			LocalVersion  int64           `json:"local_version"`
			ServerVersion int64           `json:"server_version"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		t.Fatalf("decode 409 body: %v", err)
	}
	if wrapper.Detail.LocalVersion != 2 || wrapper.Detail.ServerVersion != 5 {
		t.Errorf("versions = %d/%d, want 2/5", wrapper.Detail.LocalVersion, wrapper.Detail.ServerVersion)
	}
	var server struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(wrapper.Detail.ServerData, &server); err != nil {
		t.Fatalf("decode server_data: %v", err)
	}
	if server.Title != "current" {
		t.Errorf("server_data title = %q, want the stored copy", server.Title)
	}
}

func TestDeleteFlow(t *testing.T) {
	ts := newTestServer(t)
	access, _ := login(t, ts, "alice")

	if resp, body := doJSON(t, "POST", ts.URL+"/api/tasks", access, taskPayload("t1", 2, "doomed")); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed: %d %s", resp.StatusCode, body)
	}

	// Version is mandatory.
	resp, _ := doJSON(t, "DELETE", ts.URL+"/api/tasks/t1", access, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing version: status = %d, want 400", resp.StatusCode)
	}

	// Stale version conflicts.
	resp, _ = doJSON(t, "DELETE", ts.URL+"/api/tasks/t1?version=1", access, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stale version: status = %d, want 409", resp.StatusCode)
	}

	resp, body := doJSON(t, "DELETE", ts.URL+"/api/tasks/t1?version=2", access, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d %s", resp.StatusCode, body)
	}
	var tombstone struct {
		Version   int64  `json:"version"`
		DeletedAt string `json:"deleted_at"`
	}
	if err := json.Unmarshal(body, &tombstone); err != nil {
		t.Fatalf("decode tombstone: %v", err)
	}
	if tombstone.DeletedAt == "" {
		t.Error("tombstone missing deleted_at")
	}
	if tombstone.Version != 3 {
		t.Errorf("version = %d, want the bump to 3", tombstone.Version)
	}

	resp, _ = doJSON(t, "DELETE", ts.URL+"/api/tasks/ghost?version=1", access, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownCollection404(t *testing.T) {
	ts := newTestServer(t)
	access, _ := login(t, ts, "alice")

	resp, _ := doJSON(t, "GET", ts.URL+"/api/widgets/all", access, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unknown collection", resp.StatusCode)
	}
}

func TestBulkSyncMixedOutcomes(t *testing.T) {
	ts := newTestServer(t)
	access, _ := login(t, ts, "alice")

	if resp, body := doJSON(t, "POST", ts.URL+"/api/tasks", access, taskPayload("t2", 9, "ahead")); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed: %d %s", resp.StatusCode, body)
	}

	items := []map[string]any{
		taskPayload("t1", 1, "fine"),
		taskPayload("t2", 3, "stale"),
		{"version": 1, "title": "no id"},
	}
	resp, body := doJSON(t, "POST", ts.URL+"/api/tasks/bulk-sync", access,
		map[string]any{"items": items})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk sync: %d %s", resp.StatusCode, body)
	}

	var result struct {
		Synced    []string `json:"synced"`
		Conflicts []struct {
			ID            string `json:"id"`
			ServerVersion int64  `json:"server_version"`
		} `json:"conflicts"`
		Failed []struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		} `json:"failed"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Synced) != 1 || result.Synced[0] != "t1" {
		t.Errorf("synced = %v, want [t1]", result.Synced)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].ServerVersion != 9 {
		t.Errorf("conflicts = %+v", result.Conflicts)
	}
	if len(result.Failed) != 1 {
		t.Errorf("failed = %+v", result.Failed)
	}
}

func TestRefreshFlow(t *testing.T) {
	ts := newTestServer(t)
	_, refresh := login(t, ts, "alice")

	resp, body := doJSON(t, "POST", ts.URL+"/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": refresh})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %s", resp.StatusCode, body)
	}
	var rr struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &rr); err != nil || rr.AccessToken == "" {
		t.Fatalf("refresh response = %s", body)
	}

	// The fresh access token works against the sync surface.
	resp, _ = doJSON(t, "GET", ts.URL+"/api/tasks/all", rr.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("refreshed token rejected: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": "bogus"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bogus refresh token: status = %d, want 401", resp.StatusCode)
	}
}

func TestDevSecretEnforced(t *testing.T) {
	store, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Config{
		JWTSecret:       "test-secret",
		DevSecret:       "hunter2",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/auth/token", "",
		map[string]string{"owner_id": "alice", "secret": "wrong"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong secret: status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/auth/token", "",
		map[string]string{"owner_id": "alice", "secret": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("right secret: status = %d, want 200", resp.StatusCode)
	}
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	store, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer(Config{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  -time.Minute, // issued already expired
		RefreshTokenTTL: time.Hour,
	}, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	var access string
	{
		resp, body := doJSON(t, "POST", ts.URL+"/api/v1/auth/token", "",
			map[string]string{"owner_id": "alice"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("token endpoint: %d %s", resp.StatusCode, body)
		}
		var tr struct {
			AccessToken string `json:"access_token"`
		}
		json.Unmarshal(body, &tr)
		access = tr.AccessToken
	}

	resp, _ := doJSON(t, "GET", ts.URL+"/api/tasks/all", access, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expired token: status = %d, want 401", resp.StatusCode)
	}
}

func TestInvalidUpsertBodyRejected(t *testing.T) {
	ts := newTestServer(t)
	access, _ := login(t, ts, "alice")

	req, _ := http.NewRequest("POST", ts.URL+"/api/tasks", bytes.NewReader([]byte(`{"id":`)))
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for truncated json", resp.StatusCode)
	}
}
