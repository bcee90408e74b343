// Package syncclient is the HTTP transport for the tempo sync API. It
// attaches the current access token to every call, transparently exchanges
// an expired access token exactly once per call, and converts version
// conflicts and network failures into the engine's typed errors.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	gosync "sync"
	"time"

	"github.com/marcus/tempo/internal/models"
	"github.com/marcus/tempo/internal/sync"
)

// DefaultTimeout bounds every call; bulk calls get a longer multiple.
const (
	DefaultTimeout = 10 * time.Second
	bulkMultiplier = 3
)

// Client talks to the tempo-sync server.
type Client struct {
	BaseURL string

	// OnTokenRefresh is invoked after a successful access-token refresh
	// so the host can persist the new token.
	OnTokenRefresh func(accessToken string)

	HTTP     *http.Client
	BulkHTTP *http.Client

	mu           gosync.Mutex
	accessToken  string
	refreshToken string
}

// New creates a client with the given credentials. refreshToken may be
// empty; a 401 is then returned as-is instead of triggering a refresh.
func New(baseURL, accessToken, refreshToken string) *Client {
	return &Client{
		BaseURL:      baseURL,
		HTTP:         &http.Client{Timeout: DefaultTimeout},
		BulkHTTP:     &http.Client{Timeout: bulkMultiplier * DefaultTimeout},
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}
}

// SetTokens replaces both credentials, e.g. after a fresh login.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = access
	c.refreshToken = refresh
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// --- Auth types ---

// TokenResponse is the response from POST /api/v1/auth/token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	OwnerID      string `json:"owner_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck verifies server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, c.HTTP, "GET", "/healthz", nil, &resp, false, ""); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login obtains an access/refresh token pair from the dev token endpoint.
func (c *Client) Login(ctx context.Context, ownerID, secret string) (*TokenResponse, error) {
	body := map[string]string{"owner_id": ownerID, "secret": secret}
	var resp TokenResponse
	if err := c.doRequest(ctx, c.HTTP, "POST", "/api/v1/auth/token", body, &resp, false, ""); err != nil {
		return nil, err
	}
	c.SetTokens(resp.AccessToken, resp.RefreshToken)
	return &resp, nil
}

// --- Sync transport (implements sync.Transport) ---

// fetchAllResponse is { "<collection>": [record, ...] }.
type fetchAllResponse map[string][]json.RawMessage

// FetchAll retrieves the full authoritative record set for a collection.
func (c *Client) FetchAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	var resp fetchAllResponse
	path := fmt.Sprintf("/api/%s/all", url.PathEscape(collection))
	if err := c.doRequest(ctx, c.HTTP, "GET", path, nil, &resp, true, collection); err != nil {
		return nil, err
	}
	return resp[collection], nil
}

// Upsert uploads one record; the response is the stored representation.
// A 409 comes back as *sync.ConflictError carrying the server's copy.
func (c *Client) Upsert(ctx context.Context, collection string, rec models.Syncable) (json.RawMessage, error) {
	var resp json.RawMessage
	path := "/api/" + url.PathEscape(collection)
	if err := c.doRequest(ctx, c.HTTP, "POST", path, rec, &resp, true, collection); err != nil {
		return nil, decorateConflict(err, rec.Meta().ID, rec.Meta().Version)
	}
	return resp, nil
}

// Delete soft-deletes a record with a version check. The same conflict
// shape as upsert applies when the version raced.
func (c *Client) Delete(ctx context.Context, collection, id string, version int64) (json.RawMessage, error) {
	var resp json.RawMessage
	path := fmt.Sprintf("/api/%s/%s?version=%s",
		url.PathEscape(collection), url.PathEscape(id), strconv.FormatInt(version, 10))
	if err := c.doRequest(ctx, c.HTTP, "DELETE", path, nil, &resp, true, collection); err != nil {
		return nil, decorateConflict(err, id, version)
	}
	return resp, nil
}

type bulkSyncRequest struct {
	Items []json.RawMessage `json:"items"`
}

// BulkSync uploads a dirty batch in one round trip, with a longer timeout.
func (c *Client) BulkSync(ctx context.Context, collection string, recs []models.Syncable) (*sync.BulkResult, error) {
	req := bulkSyncRequest{Items: make([]json.RawMessage, 0, len(recs))}
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal %s record: %w", collection, err)
		}
		req.Items = append(req.Items, data)
	}

	var resp struct {
		Synced    []string            `json:"synced"`
		Conflicts []sync.BulkConflict `json:"conflicts"`
		Failed    []sync.BulkFailure  `json:"failed"`
	}
	path := fmt.Sprintf("/api/%s/bulk-sync", url.PathEscape(collection))
	if err := c.doRequest(ctx, c.BulkHTTP, "POST", path, req, &resp, true, collection); err != nil {
		return nil, err
	}
	return &sync.BulkResult{Synced: resp.Synced, Conflicts: resp.Conflicts, Failed: resp.Failed}, nil
}

// --- HTTP plumbing ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// conflictDetail is the 409 body: { "detail": {...} }, or in legacy
// responses a bare string detail.
type conflictDetail struct {
	Detail        string          `json:"detail"`
	ServerData    json.RawMessage `json:"server_data"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion int64           `json:"server_version"`
}

func (c *Client) doRequest(ctx context.Context, hc *http.Client, method, path string, body, result any, auth bool, collection string) error {
	return c.attempt(ctx, hc, method, path, body, result, auth, collection, false)
}

func (c *Client) attempt(ctx context.Context, hc *http.Client, method, path string, body, result any, auth bool, collection string, isRetry bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if tok := c.AccessToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: uniform retryable
		// failure, never an uncaught exception to the coordinator.
		return &sync.NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &sync.NetworkError{Op: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if auth && !isRetry && c.tryRefresh(ctx) {
			return c.attempt(ctx, hc, method, path, body, result, auth, collection, true)
		}
		return fmt.Errorf("%w: %s", sync.ErrAuthExpired, apiMessage(respBody))

	case resp.StatusCode == http.StatusConflict:
		return parseConflict(collection, respBody)

	case resp.StatusCode >= 500:
		return &sync.NetworkError{
			Op:  method + " " + path,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiMessage(respBody)),
		}

	case resp.StatusCode >= 400:
		return &sync.ValidationError{Status: resp.StatusCode, Message: apiMessage(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// tryRefresh exchanges the refresh token for a new access token. Returns
// false when no refresh token is configured or the exchange fails; the
// caller then surfaces the original 401.
func (c *Client) tryRefresh(ctx context.Context) bool {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return false
	}

	data, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/auth/refresh", bytes.NewReader(data))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil || rr.AccessToken == "" {
		return false
	}

	c.mu.Lock()
	c.accessToken = rr.AccessToken
	cb := c.OnTokenRefresh
	c.mu.Unlock()

	if cb != nil {
		cb(rr.AccessToken)
	}
	return true
}

// parseConflict builds the typed conflict error from a 409 body. Both the
// structured { detail: {...} } shape and the legacy bare-string detail are
// accepted.
func parseConflict(collection string, body []byte) error {
	ce := &sync.ConflictError{Collection: collection, Detail: "version conflict"}

	var wrapper struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Detail) > 0 {
		var structured conflictDetail
		if err := json.Unmarshal(wrapper.Detail, &structured); err == nil && len(structured.ServerData) > 0 {
			ce.Detail = structured.Detail
			ce.ServerData = structured.ServerData
			ce.LocalVersion = structured.LocalVersion
			ce.ServerVersion = structured.ServerVersion
			return ce
		}
		var legacy string
		if err := json.Unmarshal(wrapper.Detail, &legacy); err == nil && legacy != "" {
			ce.Detail = legacy
		}
	}
	return ce
}

// decorateConflict fills in the record identity the server response may
// not have echoed back.
func decorateConflict(err error, id string, localVersion int64) error {
	if ce, ok := sync.IsConflict(err); ok {
		if ce.RecordID == "" {
			ce.RecordID = id
		}
		if ce.LocalVersion == 0 {
			ce.LocalVersion = localVersion
		}
	}
	return err
}

// apiMessage extracts a readable message from an error body.
func apiMessage(body []byte) string {
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		return ae.Message
	}
	if len(body) == 0 {
		return "(empty body)"
	}
	return string(body)
}
