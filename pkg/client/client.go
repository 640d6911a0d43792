// Package client is the Go SDK for the opsync daemon's HTTP API.
//
// # Quick start
//
//	c := client.New("http://127.0.0.1:7420")
//
//	// Record an edit while offline
//	op, err := c.Enqueue(ctx, client.KindInsert, []byte(`{"row":7}`))
//
//	// Drain now (the daemon also drains on its own once online)
//	res, ran, err := c.Sync(ctx)
//
//	// Inspect and recover dead letters
//	ops, err := c.Operations(ctx)
//	n, err := c.RetryAllFailed(ctx)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the opsync server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opsync: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
// A Sync that times out only loses its result; the drain keeps running on
// the server.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the opsync API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client for the daemon at baseURL.
//
//	c := client.New("http://127.0.0.1:7420")
//	c := client.New("http://127.0.0.1:7420", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Kind is the category of an edit.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindUpdate Kind = "update"
)

// Operation is a queued or failed edit as reported by the server.
type Operation struct {
	ID         uint64
	Kind       Kind
	Status     string // "pending" | "syncing" | "failed"
	RetryCount int
	EnqueuedAt time.Time
	LastError  string

	// Payload holds the opaque payload bytes. JSON payloads are returned
	// verbatim; anything else was decoded from payload_b64.
	Payload []byte
}

// Operations is the response of GET /operations.
type Operations struct {
	Queued []*Operation
	Failed []*Operation
}

// Counts summarises the queue by status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Status is the daemon's queue status.
type Status struct {
	SessionID    string
	DeviceID     string
	Online       bool
	Syncing      bool
	Queued       []*Operation
	Failed       []*Operation
	LastSyncTime time.Time // zero when no drain has completed
	SyncProgress float64
	Counts       Counts
}

// SyncResult summarises one drain pass.
type SyncResult struct {
	ID           string        `json:"id"`
	AllSucceeded bool          `json:"all_succeeded"`
	Total        int           `json:"total"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status    string
	DeviceID  string
	SessionID string
	Online    bool
	Queued    int
	Failed    int
	Uptime    time.Duration
	Version   string
}

// ─── Operations ───────────────────────────────────────────────────────────────

// Enqueue records an edit. JSON payloads are sent verbatim; any other bytes
// are sent base64-encoded.
func (c *Client) Enqueue(ctx context.Context, kind Kind, payload []byte) (*Operation, error) {
	req := enqueuePayload{Kind: string(kind)}
	if len(payload) > 0 {
		if json.Valid(payload) {
			req.Payload = json.RawMessage(payload)
		} else {
			req.PayloadB64 = payload
		}
	}

	var resp wireOperation
	if err := c.do(ctx, http.MethodPost, "/operations", req, &resp); err != nil {
		return nil, err
	}
	return resp.toOperation(), nil
}

// Operations lists the queued operations in FIFO order and the failed set.
func (c *Client) Operations(ctx context.Context) (*Operations, error) {
	var resp struct {
		Queued []wireOperation `json:"queued"`
		Failed []wireOperation `json:"failed"`
	}
	if err := c.do(ctx, http.MethodGet, "/operations", nil, &resp); err != nil {
		return nil, err
	}
	return &Operations{
		Queued: toOperations(resp.Queued),
		Failed: toOperations(resp.Failed),
	}, nil
}

// Get returns one queued or failed operation. A missing id yields an error
// for which IsNotFound is true.
func (c *Client) Get(ctx context.Context, id uint64) (*Operation, error) {
	var resp wireOperation
	path := "/operations/" + strconv.FormatUint(id, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toOperation(), nil
}

// Clear drops every queued and failed operation. It cannot be undone.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/operations", nil, nil)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// RetryFailed moves the failed operation id back to the end of the queue with
// a fresh retry budget.
func (c *Client) RetryFailed(ctx context.Context, id uint64) error {
	path := fmt.Sprintf("/operations/failed/%d/retry", id)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// RetryAllFailed re-queues the whole failed set and returns how many
// operations moved.
func (c *Client) RetryAllFailed(ctx context.Context) (int, error) {
	var resp struct {
		Retried int `json:"retried"`
	}
	if err := c.do(ctx, http.MethodPost, "/operations/failed/retry", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Retried, nil
}

// ─── Sync control ─────────────────────────────────────────────────────────────

// Sync asks the daemon to drain now. ran is false, with a nil error, when the
// daemon is offline or a drain is already running.
func (c *Client) Sync(ctx context.Context) (res *SyncResult, ran bool, err error) {
	var resp struct {
		Ran    bool        `json:"ran"`
		Result *SyncResult `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/sync", nil, &resp); err != nil {
		if IsConflict(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return resp.Result, resp.Ran, nil
}

// SetConnectivity sets the daemon's connectivity when it uses the manual
// source. It returns the connectivity the daemon now reports.
func (c *Client) SetConnectivity(ctx context.Context, online bool) (bool, error) {
	var resp struct {
		Online bool `json:"online"`
	}
	if err := c.do(ctx, http.MethodPut, "/connectivity", map[string]bool{"online": online}, &resp); err != nil {
		return false, err
	}
	return resp.Online, nil
}

// ─── Observability ────────────────────────────────────────────────────────────

// Status returns the daemon's queue status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp struct {
		SessionID    string          `json:"session_id"`
		DeviceID     string          `json:"device_id"`
		Online       bool            `json:"is_online"`
		Syncing      bool            `json:"is_syncing"`
		Queued       []wireOperation `json:"queued"`
		Failed       []wireOperation `json:"failed"`
		LastSyncTime *time.Time      `json:"last_sync_time"`
		SyncProgress float64         `json:"sync_progress"`
		Counts       Counts          `json:"counts"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	s := &Status{
		SessionID:    resp.SessionID,
		DeviceID:     resp.DeviceID,
		Online:       resp.Online,
		Syncing:      resp.Syncing,
		Queued:       toOperations(resp.Queued),
		Failed:       toOperations(resp.Failed),
		SyncProgress: resp.SyncProgress,
		Counts:       resp.Counts,
	}
	if resp.LastSyncTime != nil {
		s.LastSyncTime = *resp.LastSyncTime
	}
	return s, nil
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status    string `json:"status"`
		DeviceID  string `json:"device_id"`
		SessionID string `json:"session_id"`
		Online    bool   `json:"online"`
		Queued    int    `json:"queued"`
		Failed    int    `json:"failed"`
		UptimeMs  int64  `json:"uptime_ms"`
		Version   string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:    resp.Status,
		DeviceID:  resp.DeviceID,
		SessionID: resp.SessionID,
		Online:    resp.Online,
		Queued:    resp.Queued,
		Failed:    resp.Failed,
		Uptime:    time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:   resp.Version,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("opsync: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("opsync: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opsync: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("opsync: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("opsync: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type enqueuePayload struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadB64 []byte          `json:"payload_b64,omitempty"`
}

type wireOperation struct {
	ID         uint64          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	EnqueuedAt int64           `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
	PayloadB64 []byte          `json:"payload_b64"`
	LastError  string          `json:"last_error"`
}

func (w *wireOperation) toOperation() *Operation {
	op := &Operation{
		ID:         w.ID,
		Kind:       Kind(w.Kind),
		Status:     w.Status,
		RetryCount: w.RetryCount,
		EnqueuedAt: time.UnixMilli(w.EnqueuedAt).UTC(),
		LastError:  w.LastError,
	}
	switch {
	case len(w.PayloadB64) > 0:
		op.Payload = w.PayloadB64
	case len(w.Payload) > 0:
		op.Payload = []byte(w.Payload)
	}
	return op
}

func toOperations(ws []wireOperation) []*Operation {
	out := make([]*Operation, 0, len(ws))
	for i := range ws {
		out = append(out, ws[i].toOperation())
	}
	return out
}
