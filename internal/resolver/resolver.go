// Package resolver detects and resolves divergent versions of the same
// logical record. Resolution is a pure function of its inputs: applying
// the outcome to the record store is the orchestrator's job, and
// resolving the same pair twice under the same policy yields an
// identical result.
package resolver

import (
	"fmt"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/jbickell/chatsync/internal/record"
)

// Policy selects the resolution strategy.
type Policy string

const (
	PolicyLastWriterWins Policy = "last-writer-wins"
	PolicyMerge          Policy = "merge"
	PolicyManual         Policy = "manual"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyLastWriterWins, PolicyMerge, PolicyManual:
		return true
	}

	return false
}

// Conflict pairs a local and remote snapshot of the same record that
// disagree. Created during conflict resolution and discarded once
// resolved; only the resulting log entry is persisted.
type Conflict struct {
	RecordType record.Type
	RecordID   string
	Local      record.Record
	Remote     record.Record
	DetectedAt time.Time
	Summary    string
	Resolution *Resolution
	ResolvedAt *time.Time
}

// Resolution is the outcome of resolving one conflict. ClientWon,
// ServerWon, and Merged are mutually exclusive; Deferred marks a
// manual-policy conflict awaiting external resolution.
type Resolution struct {
	Strategy  Policy
	Resolved  record.Record
	ClientWon bool
	ServerWon bool
	Merged    bool
	Deferred  bool
	Timestamp time.Time
}

// Detect reports whether two snapshots of the same record id are in
// real conflict: both sides mutated independently since the last common
// sync point and their content hashes differ. Identical hashes are
// convergence, not conflict, and short-circuit to "already consistent".
func Detect(local, remote record.Record) bool {
	if local.ID != remote.ID {
		return false
	}

	if record.Hash(local) == record.Hash(remote) {
		return false
	}

	// Only the remote side changed: clean apply, no conflict.
	if !local.NeedsSync {
		return false
	}

	// Local has unsynced changes. The remote counts as independently
	// mutated when we have never synced this record, or when it moved
	// past our last acknowledged point.
	if local.SyncedAt == nil {
		return true
	}

	return remote.LastModified.After(*local.SyncedAt) || remote.Version > local.Version
}

// Resolve produces the resolution for a conflicting pair under the
// given policy. The caller supplies the resolution time so repeated
// calls are bit-identical.
func Resolve(local, remote record.Record, policy Policy, at time.Time) (Resolution, error) {
	switch policy {
	case PolicyManual:
		// Deferred: the operation stays conflicted until a resolution
		// is supplied externally.
		return Resolution{Strategy: PolicyManual, Deferred: true, Timestamp: at}, nil

	case PolicyLastWriterWins:
		res := lastWriterWins(local, remote)
		res.Timestamp = at

		return res, nil

	case PolicyMerge:
		// Primary content still resolves last-writer-wins; only the
		// per-device ack sets are merged. Those sets grow monotonically
		// and commute, so a union is always safe regardless of which
		// side wins the content.
		res := lastWriterWins(local, remote)
		res.Resolved.ReadBy = record.UnionDeviceSets(local.ReadBy, remote.ReadBy)
		res.Resolved.DeletedBy = record.UnionDeviceSets(local.DeletedBy, remote.DeletedBy)
		res.Strategy = PolicyMerge
		res.ClientWon = false
		res.ServerWon = false
		res.Merged = true
		res.Timestamp = at

		return res, nil
	}

	return Resolution{}, fmt.Errorf("unknown conflict policy %q", policy)
}

// lastWriterWins picks the snapshot with the strictly later
// modification time; ties fall to the higher version, then to the local
// snapshot. The final tie-break is arbitrary but fixed so repeated
// resolution attempts agree.
func lastWriterWins(local, remote record.Record) Resolution {
	switch {
	case remote.LastModified.After(local.LastModified):
		return Resolution{Strategy: PolicyLastWriterWins, Resolved: remote, ServerWon: true}
	case local.LastModified.After(remote.LastModified):
		return Resolution{Strategy: PolicyLastWriterWins, Resolved: local, ClientWon: true}
	case remote.Version > local.Version:
		return Resolution{Strategy: PolicyLastWriterWins, Resolved: remote, ServerWon: true}
	default:
		return Resolution{Strategy: PolicyLastWriterWins, Resolved: local, ClientWon: true}
	}
}

// Summarize builds a short human-readable description of how two
// snapshots diverged, for the conflict log and conflict events. Never
// includes record content itself.
func Summarize(local, remote record.Record) string {
	if local.Content == remote.Content {
		return fmt.Sprintf("content identical; metadata diverged (local v%d, remote v%d)",
			local.Version, remote.Version)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(local.Content, remote.Content, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var inserted, deleted, edits int

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len(d.Text)
			edits++
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
			edits++
		}
	}

	return fmt.Sprintf("content diverged: %d edits (+%d/-%d chars); local v%d@%s, remote v%d@%s",
		edits, inserted, deleted,
		local.Version, local.LastModified.UTC().Format(time.RFC3339),
		remote.Version, remote.LastModified.UTC().Format(time.RFC3339),
	)
}
