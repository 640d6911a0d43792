package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snehjoshi/opsync/internal/types"
)

const (
	// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret
	// is configured.
	SignatureHeader = "X-Opsync-Signature"
	// DeviceHeader carries the sending device's id.
	DeviceHeader = "X-Opsync-Device"

	defaultTimeout = 10 * time.Second
)

// ErrRejected is wrapped by HTTPApplier when the endpoint answers with a
// non-2xx status.
var ErrRejected = errors.New("remote: operation rejected")

// applyRequest is the JSON body POSTed for every operation. Payload is
// forwarded verbatim when it is valid JSON and base64-encoded otherwise.
type applyRequest struct {
	ID         uint64          `json:"id"`
	Kind       types.Kind      `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadB64 []byte          `json:"payload_b64,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"`
	DeviceID   string          `json:"device_id,omitempty"`
}

// HTTPApplier applies operations by POSTing them to a fixed URL.
type HTTPApplier struct {
	url      string
	secret   string
	deviceID string
	client   *http.Client
}

// HTTPOption configures an HTTPApplier.
type HTTPOption func(*HTTPApplier)

// WithSecret signs every request body with HMAC-SHA256 using secret.
func WithSecret(secret string) HTTPOption {
	return func(a *HTTPApplier) { a.secret = secret }
}

// WithDeviceID stamps every request with the sending device's id.
func WithDeviceID(id string) HTTPOption {
	return func(a *HTTPApplier) { a.deviceID = id }
}

// WithHTTPClient replaces the default client (10 s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPApplier) { a.client = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(a *HTTPApplier) {
		if d > 0 {
			a.client = &http.Client{Timeout: d}
		}
	}
}

// NewHTTPApplier returns an Applier that POSTs operations to url.
func NewHTTPApplier(url string, opts ...HTTPOption) *HTTPApplier {
	a := &HTTPApplier{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

var _ Applier = (*HTTPApplier)(nil)

// Apply POSTs op and returns nil only for a 2xx response.
func (a *HTTPApplier) Apply(ctx context.Context, op *types.Operation) error {
	p := applyRequest{
		ID:         op.ID,
		Kind:       op.Kind,
		EnqueuedAt: op.EnqueuedAt.UnixMilli(),
		DeviceID:   a.deviceID,
	}
	if json.Valid(op.Payload) {
		p.Payload = op.Payload
	} else if len(op.Payload) > 0 {
		p.PayloadB64 = op.Payload
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("remote: marshal op %d: %w", op.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.deviceID != "" {
		req.Header.Set(DeviceHeader, a.deviceID)
	}
	if a.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(a.secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: POST %s: %w", a.url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: op %d: endpoint returned %d", ErrRejected, op.ID, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
