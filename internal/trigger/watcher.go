// Package trigger turns local-database mutations into sync requests.
// It watches the local store's directory with fsnotify and asks the
// engine for a run once writes settle, so offline edits sync shortly
// after they happen instead of waiting for the next interval.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval is how often the watcher checks for settled
	// writes. SQLite touches the database and its journal several
	// times per transaction; batching those into one sync request
	// keeps the engine from being triggered mid-write.
	debounceInterval = 500 * time.Millisecond

	// settleAfter is how long a path must stay quiet before its
	// changes count as settled.
	settleAfter = 300 * time.Millisecond
)

// syncRequester is the subset of the engine the watcher needs.
// Extracted for testability.
type syncRequester interface {
	RequestSync()
}

// Watcher requests a sync run whenever the local database changes.
type Watcher struct {
	dbPath    string
	requester syncRequester
	logger    *slog.Logger
}

// NewWatcher creates a watcher over the directory containing dbPath.
func NewWatcher(dbPath string, requester syncRequester, logger *slog.Logger) *Watcher {
	return &Watcher{
		dbPath:    dbPath,
		requester: requester,
		logger:    logger,
	}
}

// Watch blocks until the context is cancelled, requesting a sync each
// time writes to the local database settle.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.dbPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("mutation watcher started", slog.String("dir", dir))

	// Debounce: batch rapid writes into a single sync request.
	var lastWrite time.Time

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !w.relevant(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				lastWrite = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if lastWrite.IsZero() || time.Since(lastWrite) < settleAfter {
				continue
			}

			lastWrite = time.Time{}

			w.logger.Debug("local mutation settled, requesting sync")
			w.requester.RequestSync()
		}
	}
}

// relevant reports whether the event path belongs to the local
// database. SQLite writes through journal and WAL side files, so any
// path sharing the database's base name counts.
func (w *Watcher) relevant(path string) bool {
	base := filepath.Base(w.dbPath)

	name := filepath.Base(path)
	if len(name) < len(base) {
		return false
	}

	return name[:len(base)] == base
}
