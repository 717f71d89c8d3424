package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure. Network, server, and
// rate-limit failures are retryable; auth failures need operator
// intervention before a retry can succeed.
type ErrorKind string

const (
	ErrorNetwork   ErrorKind = "network"
	ErrorAuth      ErrorKind = "auth"
	ErrorServer    ErrorKind = "server"
	ErrorRateLimit ErrorKind = "rate-limit"
)

// TransportError is the tagged error surfaced by a Transport. The
// orchestrator maps the kind to retryable vs fatal; callers match it
// with errors.As.
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying without
// external intervention.
func (e *TransportError) Retryable() bool {
	return e.Kind != ErrorAuth
}

// AsTransport unwraps err to a TransportError if one is in the chain.
func AsTransport(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}

	return nil, false
}

// ErrSyncDisabled is returned by a sync request when configuration has
// sync turned off.
var ErrSyncDisabled = errors.New("sync is disabled")

// ErrRunInProgress marks a trigger coalesced into an active run.
var ErrRunInProgress = errors.New("sync run already in progress")

// FatalConfigError aborts a run at the initializing phase. It is the
// only non-transport condition that fails a whole run.
type FatalConfigError struct {
	Reason string
}

func (e *FatalConfigError) Error() string {
	return "fatal configuration error: " + e.Reason
}
