// Package engine drives the end-to-end sync run: a strict phase state
// machine over the queue, registry, resolver, local store, and remote
// transport, with progress snapshots and an observer event stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbickell/chatsync/internal/config"
	"github.com/jbickell/chatsync/internal/queue"
	"github.com/jbickell/chatsync/internal/record"
	"github.com/jbickell/chatsync/internal/registry"
	"github.com/jbickell/chatsync/internal/state"
)

//go:generate mockgen -source=engine.go -destination=mocks_test.go -package=engine

// LocalStore is the device-local record store. The engine never
// persists raw records itself; it reads pending changes and writes
// resolved outcomes through this boundary.
type LocalStore interface {
	LoadPending(ctx context.Context, recType record.Type) ([]record.Record, error)
	ApplyResolved(ctx context.Context, rec record.Record) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// Delta is the remote changes since a cursor, plus the cursor to
// record once the run's push has been acknowledged.
type Delta struct {
	Records   []record.Record
	NewCursor string
}

// PushOutcome is the per-record result of a batch push.
type PushOutcome struct {
	RecordID string `json:"record_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Transport is the remote record store boundary. Failures surface as
// *TransportError so the engine can map them to retryable vs fatal.
type Transport interface {
	FetchDelta(ctx context.Context, cursor string) (Delta, error)
	PushBatch(ctx context.Context, recs []record.Record) ([]PushOutcome, error)
	DeleteRemote(ctx context.Context, id string) error
}

// Options collects the engine's collaborators.
type Options struct {
	Config    *config.Config
	Store     LocalStore
	Transport Transport
	Queue     *queue.Queue
	Registry  *registry.Registry
	State     *state.State
	Logger    *slog.Logger
}

// Engine owns sync orchestration. One Engine serves one device; at
// most one sync run is active at a time.
type Engine struct {
	store     LocalStore
	transport Transport
	queue     *queue.Queue
	registry  *registry.Registry
	st        *state.State
	logger    *slog.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	// runInProgress is the mutual-exclusion flag for sync runs. A
	// second trigger while a run is active is coalesced into a no-op.
	runInProgress atomic.Bool

	// cancelRequested asks the active run to stop at the next phase
	// boundary. Cleared when a new run starts.
	cancelRequested atomic.Bool

	progressMu sync.RWMutex
	progress   Progress

	events *broadcaster

	// requestCh carries coalesced sync triggers to the Run loop.
	requestCh chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an Engine from its collaborators.
func New(opts Options) *Engine {
	return &Engine{
		store:     opts.Store,
		transport: opts.Transport,
		queue:     opts.Queue,
		registry:  opts.Registry,
		st:        opts.State,
		logger:    opts.Logger,
		cfg:       opts.Config,
		events:    newBroadcaster(),
		requestCh: make(chan struct{}, 1),
		progress:  Progress{Phase: PhaseIdle},
		now:       time.Now,
	}
}

// RequestSync schedules a sync run. Fire-and-forget: if a run is
// already active or already scheduled, the trigger is coalesced.
func (e *Engine) RequestSync() {
	select {
	case e.requestCh <- struct{}{}:
	default:
	}
}

// CancelSync asks the active run to stop at the next phase boundary.
// Still-pending queue items from the run are marked cancelled;
// completed phase work is not rolled back. No-op when no run is active.
func (e *Engine) CancelSync() {
	if e.runInProgress.Load() {
		e.cancelRequested.Store(true)
	}
}

// UpdateConfiguration replaces the active configuration after
// validating it. The next run picks up the new policy; the active run,
// if any, finishes under its own snapshot.
func (e *Engine) UpdateConfiguration(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("updating configuration: %w", err)
	}

	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.logger.Info("configuration updated",
		slog.Duration("interval", cfg.SyncInterval),
		slog.Int("batch_size", cfg.BatchSize),
		slog.String("policy", cfg.ConflictPolicy),
	)

	return nil
}

// Progress returns a snapshot of the current (or most recent) run.
// Never blocks on the run itself.
func (e *Engine) Progress() Progress {
	e.progressMu.RLock()
	defer e.progressMu.RUnlock()

	return e.progress
}

// Subscribe returns a channel of sync events and a cancel function.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// config returns the current configuration snapshot.
func (e *Engine) configSnapshot() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()

	return e.cfg
}

// SyncNow runs one sync to completion. Returns ErrRunInProgress when a
// run is already active (the trigger is coalesced, not queued), and
// ErrSyncDisabled when configuration has sync turned off. Per-item
// failures do not surface here; only whole-run failures do.
func (e *Engine) SyncNow(ctx context.Context) error {
	cfg := e.configSnapshot()
	if !cfg.IsEnabled {
		return ErrSyncDisabled
	}

	if !e.runInProgress.CompareAndSwap(false, true) {
		e.logger.Debug("sync trigger coalesced, run already active")
		return ErrRunInProgress
	}
	defer e.runInProgress.Store(false)

	e.cancelRequested.Store(false)

	r := &syncRun{
		e:      e,
		cfg:    cfg,
		logger: e.logger,
	}

	return r.execute(ctx)
}

// Run is the engine's trigger loop: an interval ticker plus coalesced
// explicit requests. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.configSnapshot()

	if cfg.SyncOnAppLaunch {
		e.RequestSync()
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if !e.configSnapshot().BackgroundSyncEnabled {
				continue
			}

			e.syncAndLog(ctx)

		case <-e.requestCh:
			e.syncAndLog(ctx)
		}

		// Interval may have been changed via UpdateConfiguration.
		if next := e.configSnapshot().SyncInterval; next != cfg.SyncInterval {
			cfg = e.configSnapshot()
			ticker.Reset(cfg.SyncInterval)
		}
	}
}

func (e *Engine) syncAndLog(ctx context.Context) {
	err := e.SyncNow(ctx)
	if err == nil || errors.Is(err, ErrRunInProgress) || errors.Is(err, ErrSyncDisabled) {
		return
	}

	e.logger.Error("sync run failed", slog.String("error", err.Error()))
}

func (e *Engine) setProgress(update func(*Progress)) {
	e.progressMu.Lock()
	update(&e.progress)
	e.progressMu.Unlock()
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	e.events.publish(ev)
}
