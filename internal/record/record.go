// Package record defines the syncable record model shared by the queue,
// resolver, and engine, together with the content hasher used for
// duplicate detection.
package record

import (
	"sort"
	"time"
)

// Type discriminates the kinds of records the sync core handles.
type Type string

const (
	TypeMessage     Type = "message"
	TypeSettings    Type = "settings"
	TypeDeviceState Type = "device-state"
)

// Record is a syncable unit of data: a chat message, a per-project
// settings object, or a device-state marker. The per-device sets
// (ReadBy, DeletedBy) are ack markers, not global state: a device id in
// DeletedBy tombstones the record for that device only.
type Record struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	SessionID    string     `json:"session_id"`
	Content      string     `json:"content"`
	LastModified time.Time  `json:"last_modified"`
	Version      int64      `json:"version"`
	ReadBy       []string   `json:"read_by,omitempty"`
	DeletedBy    []string   `json:"deleted_by,omitempty"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
	NeedsSync    bool       `json:"needs_sync"`

	// ContentHash memoizes Hash(). Empty until computed.
	ContentHash string `json:"content_hash,omitempty"`
}

// Metadata is the sync bookkeeping for one record, kept in a side table
// keyed by record id rather than embedded in the domain entity. The
// local store owns persistence; the sync core owns mutation.
type Metadata struct {
	RecordID    string     `json:"record_id"`
	RecordType  Type       `json:"record_type"`
	Version     int64      `json:"version"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	NeedsSync   bool       `json:"needs_sync"`
	ContentHash string     `json:"content_hash,omitempty"`
}

// Fingerprint returns the record's content hash, computing and memoizing
// it on first use.
func (r *Record) Fingerprint() string {
	if r.ContentHash == "" {
		r.ContentHash = Hash(*r)
	}

	return r.ContentHash
}

// Touch records a local mutation: the version advances, the modification
// time moves forward, the dirty flag is set, and the memoized hash is
// invalidated.
func (r *Record) Touch(now time.Time) {
	r.Version++
	r.LastModified = now
	r.NeedsSync = true
	r.ContentHash = ""
}

// MarkSynced records an acknowledged push at the given time.
func (r *Record) MarkSynced(at time.Time) {
	t := at
	r.SyncedAt = &t
	r.NeedsSync = false
}

// DeletedFor reports whether the record is tombstoned for the device.
func (r *Record) DeletedFor(deviceID string) bool {
	return containsString(r.DeletedBy, deviceID)
}

// ReadFor reports whether the record is acknowledged read by the device.
func (r *Record) ReadFor(deviceID string) bool {
	return containsString(r.ReadBy, deviceID)
}

// UnionDeviceSets returns the sorted union of two device-id sets.
// Ack sets grow monotonically and commute, so union order is irrelevant;
// sorting keeps the result deterministic.
func UnionDeviceSets(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		seen[id] = struct{}{}
	}

	for _, id := range b {
		seen[id] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}

	return false
}
