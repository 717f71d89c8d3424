// Package state wraps a bbolt database for all durable sync-core state:
// the sync queue, the dead-letter set, the device registry, and the
// retention-pruned conflict and operation logs. The queue and registry
// are the only parts of the core that must survive process restarts.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	queueBucket       = []byte("queue")
	deadLetterBucket  = []byte("dead_letter")
	devicesBucket     = []byte("devices")
	conflictLogBucket = []byte("conflict_log")
	opLogBucket       = []byte("op_log")
)

// QueueItem is the durable, serializable form of a sync operation
// awaiting dispatch. Payload is the record snapshot serialized at
// enqueue time; it is deliberately not re-read at dispatch time so the
// operation reflects the state that triggered it.
type QueueItem struct {
	ID            string     `json:"id"`
	Operation     string     `json:"operation"`
	RecordType    string     `json:"record_type"`
	RecordID      string     `json:"record_id,omitempty"`
	Payload       []byte     `json:"payload,omitempty"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// DeviceState is the per-device sync bookkeeping: the opaque remote
// cursor, the last successful sync time, and in-flight operation ids.
type DeviceState struct {
	DeviceID            string     `json:"device_id"`
	DeviceName          string     `json:"device_name"`
	Platform            string     `json:"platform"`
	LastSyncDate        *time.Time `json:"last_sync_date,omitempty"`
	SyncToken           string     `json:"sync_token,omitempty"`
	PendingOperationIDs []string   `json:"pending_operation_ids,omitempty"`
	FailedOperationIDs  []string   `json:"failed_operation_ids,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ConflictLogEntry records a resolved conflict for the retention window.
type ConflictLogEntry struct {
	ID         string    `json:"id"`
	RecordType string    `json:"record_type"`
	RecordID   string    `json:"record_id"`
	Strategy   string    `json:"strategy"`
	ClientWon  bool      `json:"client_won"`
	ServerWon  bool      `json:"server_won"`
	Merged     bool      `json:"merged"`
	Summary    string    `json:"summary,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// OpLogEntry records a completed operation for the retention window.
type OpLogEntry struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	RecordType  string    `json:"record_type"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// State wraps a bbolt database for all persistent sync-core state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chatsync/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{queueBucket, deadLetterBucket, devicesBucket, conflictLogBucket, opLogBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// --- queue items ---

// PutQueueItem persists a queue item, overwriting any existing entry.
func (s *State) PutQueueItem(item QueueItem) error {
	return s.putJSON(queueBucket, item.ID, item)
}

// GetQueueItem returns a queue item by id, or nil if not found.
func (s *State) GetQueueItem(id string) (*QueueItem, error) {
	var item *QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		item = &QueueItem{}

		return json.Unmarshal(v, item)
	})

	return item, err
}

// DeleteQueueItem removes a queue item by id. Missing ids are a no-op.
func (s *State) DeleteQueueItem(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(id))
	})
}

// AllQueueItems returns every item currently in the queue, unordered.
func (s *State) AllQueueItems() ([]QueueItem, error) {
	var items []QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

// MoveToDeadLetter atomically moves a queue item into the dead-letter
// set. The item must already carry its final attempt bookkeeping.
func (s *State) MoveToDeadLetter(item QueueItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		if err := tx.Bucket(deadLetterBucket).Put([]byte(item.ID), data); err != nil {
			return err
		}

		return tx.Bucket(queueBucket).Delete([]byte(item.ID))
	})
}

// DeadLetterItems returns every dead-lettered item, unordered.
func (s *State) DeadLetterItems() ([]QueueItem, error) {
	var items []QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deadLetterBucket).ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

// DeleteDeadLetter removes a dead-lettered item by id.
func (s *State) DeleteDeadLetter(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deadLetterBucket).Delete([]byte(id))
	})
}

// --- devices ---

// PutDevice persists a device state, overwriting any existing entry.
func (s *State) PutDevice(d DeviceState) error {
	return s.putJSON(devicesBucket, d.DeviceID, d)
}

// GetDevice returns a device state by id, or nil if not found.
func (s *State) GetDevice(deviceID string) (*DeviceState, error) {
	var d *DeviceState

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(devicesBucket).Get([]byte(deviceID))
		if v == nil {
			return nil
		}

		d = &DeviceState{}

		return json.Unmarshal(v, d)
	})

	return d, err
}

// DeleteDevice removes a device state by id. Missing ids are a no-op.
func (s *State) DeleteDevice(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).Delete([]byte(deviceID))
	})
}

// AllDevices returns every known device state, unordered.
func (s *State) AllDevices() ([]DeviceState, error) {
	var devices []DeviceState

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(k, v []byte) error {
			var d DeviceState
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			devices = append(devices, d)

			return nil
		})
	})

	return devices, err
}

// --- conflict log ---

// AppendConflictLog persists a resolved-conflict entry.
func (s *State) AppendConflictLog(e ConflictLogEntry) error {
	return s.putJSON(conflictLogBucket, e.ID, e)
}

// ConflictLog returns all retained conflict entries, unordered.
func (s *State) ConflictLog() ([]ConflictLogEntry, error) {
	var entries []ConflictLogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictLogBucket).ForEach(func(k, v []byte) error {
			var e ConflictLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			entries = append(entries, e)

			return nil
		})
	})

	return entries, err
}

// PruneConflictLog deletes conflict entries resolved before the cutoff.
// Returns the number of entries removed.
func (s *State) PruneConflictLog(cutoff time.Time) (int, error) {
	return s.pruneBucket(conflictLogBucket, func(v []byte) (bool, error) {
		var e ConflictLogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return false, err
		}

		return e.ResolvedAt.Before(cutoff), nil
	})
}

// --- operation log ---

// AppendOpLog persists a completed-operation entry.
func (s *State) AppendOpLog(e OpLogEntry) error {
	return s.putJSON(opLogBucket, e.ID, e)
}

// OpLog returns all retained operation entries, unordered.
func (s *State) OpLog() ([]OpLogEntry, error) {
	var entries []OpLogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opLogBucket).ForEach(func(k, v []byte) error {
			var e OpLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			entries = append(entries, e)

			return nil
		})
	})

	return entries, err
}

// PruneOpLog deletes operation entries completed before the cutoff.
// Returns the number of entries removed.
func (s *State) PruneOpLog(cutoff time.Time) (int, error) {
	return s.pruneBucket(opLogBucket, func(v []byte) (bool, error) {
		var e OpLogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return false, err
		}

		return e.CompletedAt.Before(cutoff), nil
	})
}

// pruneBucket deletes every entry for which stale returns true and
// reports how many were removed.
func (s *State) pruneBucket(bucket []byte, stale func(v []byte) (bool, error)) (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)

		var keys [][]byte

		err := b.ForEach(func(k, v []byte) error {
			old, err := stale(v)
			if err != nil {
				return err
			}

			if old {
				key := make([]byte, len(k))
				copy(key, k)
				keys = append(keys, key)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		pruned = len(keys)

		return nil
	})

	return pruned, err
}

func (s *State) putJSON(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}

		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current
		// directory where the database might end up with wrong
		// permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".chatsync", "state.db")
}
