package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jbickell/chatsync/internal/config"
	"github.com/jbickell/chatsync/internal/engine"
	"github.com/jbickell/chatsync/internal/localstore"
	"github.com/jbickell/chatsync/internal/logging"
	"github.com/jbickell/chatsync/internal/queue"
	"github.com/jbickell/chatsync/internal/registry"
	"github.com/jbickell/chatsync/internal/state"
	"github.com/jbickell/chatsync/internal/transport"
	"github.com/jbickell/chatsync/internal/trigger"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("device_id", cfg.DeviceID),
		slog.Bool("sync", cfg.IsEnabled),
		slog.Duration("interval", cfg.SyncInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	q := queue.New(appState, logging.ForComponent(logger, "queue"), cfg.MaxRetries)
	devices := registry.New(appState, logging.ForComponent(logger, "registry"))

	// Register this device before the first run so the engine has a
	// cursor row to read.
	if _, err := devices.Register(cfg.DeviceID, cfg.DeviceName, cfg.Platform); err != nil {
		return fmt.Errorf("registering device: %w", err)
	}

	localPath, err := localDBPath(cfg)
	if err != nil {
		return err
	}

	store, err := localstore.Open(localPath, q, cfg.DeviceID, logging.ForComponent(logger, "localstore"))
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer store.Close()

	client := transport.New(transport.Options{
		BaseURL:   cfg.RemoteURL,
		AuthToken: cfg.AuthToken,
		DeviceID:  cfg.DeviceID,
		Logger:    logging.ForComponent(logger, "transport"),
	})

	eng := engine.New(engine.Options{
		Config:    cfg,
		Store:     store,
		Transport: client,
		Queue:     q,
		Registry:  devices,
		State:     appState,
		Logger:    logging.ForComponent(logger, "engine"),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	// Other processes write the chat database directly, so watch it
	// and request a run when edits settle.
	if cfg.IsEnabled && cfg.SyncOnNetworkChange {
		watcher := trigger.NewWatcher(localPath, eng, logging.ForComponent(logger, "trigger"))
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	// The host app signals SIGUSR1 when it returns to the foreground.
	if cfg.IsEnabled && cfg.SyncOnAppForeground {
		resume := trigger.NewResume(eng, logging.ForComponent(logger, "trigger"))
		g.Go(func() error {
			return resume.Watch(gctx)
		})
	}

	return g.Wait()
}

// openState opens the durable state database, honouring the configured
// override path.
func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StateDBPath != "" {
		return state.LoadAt(cfg.StateDBPath)
	}

	return state.Load()
}

// localDBPath resolves the local chat database location, defaulting to
// ~/.chatsync/chat.db next to the state database.
func localDBPath(cfg *config.Config) (string, error) {
	if cfg.LocalDBPath != "" {
		return cfg.LocalDBPath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "chat.db"), nil
}
