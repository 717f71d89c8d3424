// Package transport is the HTTP client for the remote record store.
// It implements engine.Transport; every failure surfaces as a tagged
// *engine.TransportError so the orchestrator can map it to retryable
// vs fatal without inspecting wire details.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/jbickell/chatsync/internal/engine"
	"github.com/jbickell/chatsync/internal/record"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client
	// when no custom client is provided. The transport is the only
	// place a timeout applies to a sync run.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxResponseBytes = 8 * 1024 * 1024
)

const (
	deltaEndpoint  = "/sync/delta"
	pushEndpoint   = "/sync/push"
	deleteEndpoint = "/sync/delete"
)

// Client talks to the remote record store's sync API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
	deviceID   string
	logger     *slog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	AuthToken  string
	DeviceID   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the auth token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// New creates a Client. If opts.HTTPClient is nil, a client with a
// 30-second timeout and same-host redirect policy is used.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    opts.BaseURL,
		authToken:  opts.AuthToken,
		deviceID:   opts.DeviceID,
		logger:     opts.Logger,
	}
}

// FetchDelta requests all remote changes since the given cursor.
func (c *Client) FetchDelta(ctx context.Context, cursor string) (engine.Delta, error) {
	req := map[string]string{
		"device_id": c.deviceID,
		"cursor":    cursor,
	}

	body, err := c.post(ctx, deltaEndpoint, req)
	if err != nil {
		return engine.Delta{}, err
	}

	var delta engine.Delta

	if raw := gjson.GetBytes(body, "records"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), &delta.Records); err != nil {
			return engine.Delta{}, &engine.TransportError{
				Kind: engine.ErrorServer,
				Op:   "fetch_delta",
				Err:  fmt.Errorf("decoding records: %w", err),
			}
		}
	}

	delta.NewCursor = gjson.GetBytes(body, "cursor").Str

	c.logger.Debug("delta fetched",
		slog.Int("records", len(delta.Records)),
		slog.String("cursor", delta.NewCursor),
	)

	return delta, nil
}

// PushBatch uploads a batch of records and returns the per-record
// outcomes reported by the server.
func (c *Client) PushBatch(ctx context.Context, recs []record.Record) ([]engine.PushOutcome, error) {
	req := map[string]any{
		"device_id": c.deviceID,
		"records":   recs,
	}

	body, err := c.post(ctx, pushEndpoint, req)
	if err != nil {
		return nil, err
	}

	var outcomes []engine.PushOutcome

	if raw := gjson.GetBytes(body, "outcomes"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), &outcomes); err != nil {
			return nil, &engine.TransportError{
				Kind: engine.ErrorServer,
				Op:   "push_batch",
				Err:  fmt.Errorf("decoding outcomes: %w", err),
			}
		}
	}

	// A server that acknowledges the batch without per-record outcomes
	// accepted everything.
	if outcomes == nil {
		outcomes = make([]engine.PushOutcome, len(recs))
		for i, rec := range recs {
			outcomes[i] = engine.PushOutcome{RecordID: rec.ID, OK: true}
		}
	}

	return outcomes, nil
}

// DeleteRemote tombstones a record on the remote store for this device.
func (c *Client) DeleteRemote(ctx context.Context, id string) error {
	req := map[string]string{
		"device_id": c.deviceID,
		"record_id": id,
	}

	_, err := c.post(ctx, deleteEndpoint, req)

	return err
}

// post sends a JSON POST request and returns the raw response body.
// All failures come back as *engine.TransportError.
func (c *Client) post(ctx context.Context, endpoint string, body any) ([]byte, error) {
	op := endpoint[1:]

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &engine.TransportError{Kind: engine.ErrorServer, Op: op, Err: fmt.Errorf("marshalling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &engine.TransportError{Kind: engine.ErrorServer, Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")

	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, connection refused, DNS failures.
		return nil, &engine.TransportError{
			Kind: engine.ErrorNetwork,
			Op:   op,
			Err:  fmt.Errorf("sending request to %s: %w", endpoint, err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &engine.TransportError{
			Kind: engine.ErrorNetwork,
			Op:   op,
			Err:  fmt.Errorf("reading response from %s: %w", endpoint, err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &engine.TransportError{
			Kind: classifyStatus(resp.StatusCode),
			Op:   op,
			Err:  fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(respBody)),
		}
	}

	// Errors can also arrive as 200 with an error field in the body.
	if msg := gjson.GetBytes(respBody, "error").Str; msg != "" {
		return nil, &engine.TransportError{
			Kind: engine.ErrorServer,
			Op:   op,
			Err:  fmt.Errorf("%s: %s", endpoint, msg),
		}
	}

	return respBody, nil
}

// classifyStatus maps an HTTP status code onto the error taxonomy.
func classifyStatus(code int) engine.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return engine.ErrorAuth
	case code == http.StatusTooManyRequests:
		return engine.ErrorRateLimit
	case code >= 500:
		return engine.ErrorServer
	default:
		return engine.ErrorServer
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
