package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbickell/chatsync/internal/engine"
	"github.com/jbickell/chatsync/internal/record"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return New(Options{
		BaseURL:    srv.URL,
		AuthToken:  "token-1",
		DeviceID:   "device-a",
		HTTPClient: srv.Client(),
		Logger:     quietLogger,
	})
}

// --- request shape ---

func TestPost_SetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchDelta(context.Background(), "")
	require.NoError(t, err)
}

func TestFetchDelta_SendsDeviceAndCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/delta", r.URL.Path)

		body, _ := io.ReadAll(r.Body)

		var req map[string]string
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "device-a", req["device_id"])
		assert.Equal(t, "cursor-5", req["cursor"])

		w.Write([]byte(`{"records":[],"cursor":"cursor-6"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)

	delta, err := c.FetchDelta(context.Background(), "cursor-5")
	require.NoError(t, err)
	assert.Empty(t, delta.Records)
	assert.Equal(t, "cursor-6", delta.NewCursor)
}

// --- response decoding ---

func TestFetchDelta_DecodesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"records": [
				{"id":"msg-1","type":"message","session_id":"s1","content":"hello","version":2}
			],
			"cursor": "cursor-7"
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)

	delta, err := c.FetchDelta(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, delta.Records, 1)
	assert.Equal(t, "msg-1", delta.Records[0].ID)
	assert.Equal(t, record.TypeMessage, delta.Records[0].Type)
	assert.Equal(t, int64(2), delta.Records[0].Version)
}

func TestPushBatch_DecodesOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/push", r.URL.Path)
		w.Write([]byte(`{"outcomes":[
			{"record_id":"msg-1","ok":true},
			{"record_id":"msg-2","ok":false,"error":"version too old"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)

	outcomes, err := c.PushBatch(context.Background(), []record.Record{{ID: "msg-1"}, {ID: "msg-2"}})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].OK)
	assert.False(t, outcomes[1].OK)
	assert.Equal(t, "version too old", outcomes[1].Error)
}

func TestPushBatch_NoOutcomes_MeansAllAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)

	outcomes, err := c.PushBatch(context.Background(), []record.Record{{ID: "msg-1"}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].OK)
	assert.Equal(t, "msg-1", outcomes[0].RecordID)
}

func TestDeleteRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/delete", r.URL.Path)

		body, _ := io.ReadAll(r.Body)

		var req map[string]string
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "msg-1", req["record_id"])

		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.DeleteRemote(context.Background(), "msg-1"))
}

// --- error taxonomy ---

func TestPost_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   engine.ErrorKind
	}{
		{http.StatusUnauthorized, engine.ErrorAuth},
		{http.StatusForbidden, engine.ErrorAuth},
		{http.StatusTooManyRequests, engine.ErrorRateLimit},
		{http.StatusInternalServerError, engine.ErrorServer},
		{http.StatusBadGateway, engine.ErrorServer},
		{http.StatusBadRequest, engine.ErrorServer},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`server says no`))
		}))

		c := newTestClient(srv)

		_, err := c.FetchDelta(context.Background(), "")
		require.Error(t, err, "status %d", tc.status)

		te, ok := engine.AsTransport(err)
		require.True(t, ok, "status %d should produce a TransportError", tc.status)
		assert.Equal(t, tc.kind, te.Kind, "status %d", tc.status)

		srv.Close()
	}
}

func TestPost_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(Options{BaseURL: srv.URL, DeviceID: "device-a", Logger: quietLogger})

	_, err := c.FetchDelta(context.Background(), "")
	require.Error(t, err)

	te, ok := engine.AsTransport(err)
	require.True(t, ok)
	assert.Equal(t, engine.ErrorNetwork, te.Kind)
	assert.True(t, te.Retryable())
}

func TestPost_ErrorBodyWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"cursor expired"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)

	_, err := c.FetchDelta(context.Background(), "stale")
	require.Error(t, err)

	te, ok := engine.AsTransport(err)
	require.True(t, ok)
	assert.Equal(t, engine.ErrorServer, te.Kind)
	assert.Contains(t, te.Error(), "cursor expired")
}

func TestPost_AuthNotRetryable(t *testing.T) {
	te := &engine.TransportError{Kind: engine.ErrorAuth, Op: "push_batch"}
	assert.False(t, te.Retryable())
}

// --- redirect policy ---

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodPost, "https://sync.example.com/sync/delta", nil)

	sameHost, _ := http.NewRequest(http.MethodPost, "https://sync.example.com/other", nil)
	assert.NoError(t, sameHostRedirectPolicy(sameHost, []*http.Request{orig}))

	otherHost, _ := http.NewRequest(http.MethodPost, "https://evil.example.org/steal", nil)
	assert.Error(t, sameHostRedirectPolicy(otherHost, []*http.Request{orig}))

	var via []*http.Request
	for i := 0; i < maxRedirects; i++ {
		via = append(via, orig)
	}

	assert.Error(t, sameHostRedirectPolicy(sameHost, via))
}

// --- body sanitization ---

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeResponseBody([]byte("plain text")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Equal(t, "line\nbreak", sanitizeResponseBody([]byte("line\nbreak")))

	long := strings.Repeat("x", 1000)
	assert.Len(t, sanitizeResponseBody([]byte(long)), 256)
}

// --- timeouts ---

func TestDefaultClient_HasTimeout(t *testing.T) {
	c := New(Options{BaseURL: "https://sync.example.com", Logger: quietLogger})
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
	assert.NotNil(t, c.httpClient.CheckRedirect)
}
