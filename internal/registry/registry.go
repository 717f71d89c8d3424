// Package registry tracks every device known to the account: its
// opaque remote sync cursor, last successful sync time, and in-flight
// operation ids. Exactly one state record exists per device id; the
// orchestrator is the only caller allowed to advance cursors, and only
// after the remote push of a run has been acknowledged.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jbickell/chatsync/internal/state"
)

// Registry is the durable device registry.
type Registry struct {
	st     *state.State
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New creates a registry over the given durable state.
func New(st *state.State, logger *slog.Logger) *Registry {
	return &Registry{
		st:     st,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates or refreshes a device entry. Re-registering an
// existing device updates its name and platform but preserves the
// cursor and timestamps.
func (r *Registry) Register(deviceID, deviceName, platform string) (state.DeviceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.st.GetDevice(deviceID)
	if err != nil {
		return state.DeviceState{}, fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	now := r.now()

	if existing != nil {
		existing.DeviceName = deviceName
		existing.Platform = platform
		existing.UpdatedAt = now

		if err := r.st.PutDevice(*existing); err != nil {
			return state.DeviceState{}, fmt.Errorf("updating device %s: %w", deviceID, err)
		}

		return *existing, nil
	}

	d := state.DeviceState{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Platform:   platform,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := r.st.PutDevice(d); err != nil {
		return state.DeviceState{}, fmt.Errorf("registering device %s: %w", deviceID, err)
	}

	r.logger.Info("device registered",
		slog.String("device_id", deviceID),
		slog.String("name", deviceName),
		slog.String("platform", platform),
	)

	return d, nil
}

// Unregister removes a device entry. Unknown ids are a no-op.
func (r *Registry) Unregister(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.st.DeleteDevice(deviceID)
}

// CursorFor returns the device's sync token, or empty string when the
// device is unknown or has never completed a sync.
func (r *Registry) CursorFor(deviceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.st.GetDevice(deviceID)
	if err != nil {
		return "", fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	if d == nil {
		return "", nil
	}

	return d.SyncToken, nil
}

// RecordCursor advances the device's sync token and last-sync time.
// This is the only mutator of SyncToken and LastSyncDate, and must be
// called only after the remote push has been acknowledged, never
// speculatively, so that a failed push cannot drift the cursor. An
// empty newToken keeps the stored token: some servers omit the cursor
// on an empty delta, and a clean run still counts as a sync.
func (r *Registry) RecordCursor(deviceID, newToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.st.GetDevice(deviceID)
	if err != nil {
		return fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	if d == nil {
		return fmt.Errorf("device %s not registered", deviceID)
	}

	now := r.now()
	if newToken != "" {
		d.SyncToken = newToken
	}
	d.LastSyncDate = &now
	d.UpdatedAt = now

	if err := r.st.PutDevice(*d); err != nil {
		return fmt.Errorf("recording cursor for %s: %w", deviceID, err)
	}

	return nil
}

// SetOperations replaces the device's pending and failed operation id
// sets. Called by the orchestrator at the end of a run.
func (r *Registry) SetOperations(deviceID string, pending, failed []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.st.GetDevice(deviceID)
	if err != nil {
		return fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	if d == nil {
		return fmt.Errorf("device %s not registered", deviceID)
	}

	d.PendingOperationIDs = pending
	d.FailedOperationIDs = failed
	d.UpdatedAt = r.now()

	return r.st.PutDevice(*d)
}

// Get returns a device's state, or nil when unknown.
func (r *Registry) Get(deviceID string) (*state.DeviceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.st.GetDevice(deviceID)
}

// All returns every known device.
func (r *Registry) All() ([]state.DeviceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.st.AllDevices()
}
