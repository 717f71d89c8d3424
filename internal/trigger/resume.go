package trigger

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Resume requests a sync run when the process receives SIGUSR1. A
// headless daemon has no foreground event of its own, so the host app
// signals the process when it comes back to the foreground.
type Resume struct {
	requester syncRequester
	logger    *slog.Logger

	// notify and stop are swappable for tests.
	notify func(ch chan<- os.Signal)
	stop   func(ch chan<- os.Signal)
}

// NewResume creates a foreground trigger for the given requester.
func NewResume(requester syncRequester, logger *slog.Logger) *Resume {
	return &Resume{
		requester: requester,
		logger:    logger,
		notify: func(ch chan<- os.Signal) {
			signal.Notify(ch, syscall.SIGUSR1)
		},
		stop: func(ch chan<- os.Signal) {
			signal.Stop(ch)
		},
	}
}

// Watch blocks until the context is cancelled, requesting a sync for
// each SIGUSR1 received.
func (r *Resume) Watch(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	r.notify(ch)
	defer r.stop(ch)

	r.logger.Info("foreground trigger started", slog.String("signal", "SIGUSR1"))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ch:
			r.logger.Debug("foreground signal received, requesting sync")
			r.requester.RequestSync()
		}
	}
}
