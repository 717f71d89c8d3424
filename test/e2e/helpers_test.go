package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jbickell/chatsync/internal/config"
	"github.com/jbickell/chatsync/internal/engine"
	"github.com/jbickell/chatsync/internal/localstore"
	"github.com/jbickell/chatsync/internal/queue"
	"github.com/jbickell/chatsync/internal/record"
	"github.com/jbickell/chatsync/internal/registry"
	"github.com/jbickell/chatsync/internal/state"
	"github.com/jbickell/chatsync/internal/transport"
)

const (
	testDeviceID = "e2e-device"
	testToken    = "e2e-token"
)

// fakeRemote is an in-memory remote store speaking the sync HTTP
// protocol. Tests seed its delta and inspect what got pushed.
type fakeRemote struct {
	mu sync.Mutex

	delta      []record.Record
	nextCursor string

	pushed  []record.Record
	deleted []string

	rejectIDs map[string]string
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/delta", f.handleDelta)
	mux.HandleFunc("/sync/push", f.handlePush)
	mux.HandleFunc("/sync/delete", f.handleDelete)

	return mux
}

func (f *fakeRemote) handleDelta(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := map[string]any{
		"records": f.delta,
		"cursor":  f.nextCursor,
	}
	f.delta = nil

	json.NewEncoder(w).Encode(resp)
}

func (f *fakeRemote) handlePush(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var recs []record.Record
	if raw := gjson.GetBytes(body, "records"); raw.Exists() {
		json.Unmarshal([]byte(raw.Raw), &recs)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	outcomes := make([]map[string]any, 0, len(recs))

	for _, rec := range recs {
		if reason, bad := f.rejectIDs[rec.ID]; bad {
			outcomes = append(outcomes, map[string]any{"record_id": rec.ID, "ok": false, "error": reason})
			continue
		}

		f.pushed = append(f.pushed, rec)
		outcomes = append(outcomes, map[string]any{"record_id": rec.ID, "ok": true})
	}

	json.NewEncoder(w).Encode(map[string]any{"outcomes": outcomes})
}

func (f *fakeRemote) handleDelete(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.deleted = append(f.deleted, gjson.GetBytes(body, "record_id").Str)
	f.mu.Unlock()

	w.Write([]byte(`{}`))
}

func (f *fakeRemote) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, len(f.pushed))
	for i, rec := range f.pushed {
		ids[i] = rec.ID
	}

	return ids
}

// harness wires the full stack: SQLite local store, bbolt state, real
// HTTP transport against the fake remote, and the engine on top.
type harness struct {
	Engine   *engine.Engine
	Store    *localstore.Store
	Queue    *queue.Queue
	Registry *registry.Registry
	State    *state.State
	Remote   *fakeRemote
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	remote := &fakeRemote{nextCursor: "cursor-1"}
	server := httptest.NewServer(remote.handler())
	t.Cleanup(server.Close)

	dir := t.TempDir()

	appState, err := state.LoadAt(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { appState.Close() })

	q := queue.New(appState, logger, 0)
	devices := registry.New(appState, logger)

	_, err = devices.Register(testDeviceID, "e2e box", "linux")
	require.NoError(t, err)

	store, err := localstore.Open(filepath.Join(dir, "chat.db"), q, testDeviceID, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := transport.New(transport.Options{
		BaseURL:   server.URL,
		AuthToken: testToken,
		DeviceID:  testDeviceID,
		Logger:    logger,
	})

	cfg := &config.Config{
		IsEnabled:      true,
		SyncInterval:   300 * time.Second,
		BatchSize:      50,
		MaxRetries:     3,
		ConflictPolicy: "last-writer-wins",
		RetentionDays:  30,
		RemoteURL:      server.URL,
		AuthToken:      testToken,
		DeviceID:       testDeviceID,
		DeviceName:     "e2e box",
		Platform:       "linux",
		Environment:    "development",
	}

	eng := engine.New(engine.Options{
		Config:    cfg,
		Store:     store,
		Transport: client,
		Queue:     q,
		Registry:  devices,
		State:     appState,
		Logger:    logger,
	})

	return &harness{
		Engine:   eng,
		Store:    store,
		Queue:    q,
		Registry: devices,
		State:    appState,
		Remote:   remote,
	}
}

func newMessage(id, content string, at time.Time) record.Record {
	return record.Record{
		ID:        id,
		Type:      record.TypeMessage,
		SessionID: "session-1",
		Content:   content,
		// Save will advance these via Touch.
		LastModified: at,
	}
}

// remoteMessage builds a record as the remote store would serve it:
// versioned, hashed, and not dirty.
func remoteMessage(id, content string, at time.Time) record.Record {
	rec := record.Record{
		ID:           id,
		Type:         record.TypeMessage,
		SessionID:    "session-1",
		Content:      content,
		LastModified: at,
		Version:      1,
	}
	rec.Fingerprint()

	return rec
}

func requireQueueLen(t *testing.T, q *queue.Queue, want int) {
	t.Helper()

	n, err := q.Len()
	require.NoError(t, err)
	require.Equal(t, want, n, fmt.Sprintf("expected %d live queue items", want))
}
