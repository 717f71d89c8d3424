// Package localstore is the device-local record store on SQLite. It
// implements the engine's LocalStore boundary and enqueues a sync
// operation for every local mutation, so changes made while offline
// are picked up by the next run.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jbickell/chatsync/internal/queue"
	"github.com/jbickell/chatsync/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	content       TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	version       INTEGER NOT NULL,
	read_by       TEXT,
	deleted_by    TEXT,
	synced_at     TEXT,
	needs_sync    INTEGER NOT NULL DEFAULT 0,
	content_hash  TEXT
);

CREATE TABLE IF NOT EXISTS project_settings (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	content       TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	version       INTEGER NOT NULL,
	read_by       TEXT,
	deleted_by    TEXT,
	synced_at     TEXT,
	needs_sync    INTEGER NOT NULL DEFAULT 0,
	content_hash  TEXT
);

CREATE TABLE IF NOT EXISTS sync_metadata (
	record_id    TEXT PRIMARY KEY,
	record_type  TEXT NOT NULL,
	version      INTEGER NOT NULL,
	synced_at    TEXT,
	needs_sync   INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_dirty ON messages(needs_sync);
CREATE INDEX IF NOT EXISTS idx_settings_dirty ON project_settings(needs_sync);
`

// Store keeps messages and project settings in SQLite, with sync
// bookkeeping in an explicit side table rather than hidden fields on
// the domain rows.
type Store struct {
	db     *sql.DB
	queue  *queue.Queue
	logger *slog.Logger

	deviceID string

	now func() time.Time
}

// Open opens (creating if needed) the local database at path and
// applies the schema. The queue receives one operation per local
// mutation; passing nil disables enqueueing, which is only useful in
// tests.
func Open(path string, q *queue.Queue, deviceID string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening local database: %w", err)
	}

	// SQLite serializes writers; one connection avoids lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{
		db:       db,
		queue:    q,
		logger:   logger,
		deviceID: deviceID,
		now:      time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func tableFor(recType record.Type) (string, bool) {
	switch recType {
	case record.TypeMessage:
		return "messages", true
	case record.TypeSettings:
		return "project_settings", true
	default:
		return "", false
	}
}

// --- engine.LocalStore ---

// LoadPending returns the records of recType with local changes not
// yet confirmed by the remote store. Device-state records live in the
// registry, not here, so that type always returns empty.
func (s *Store) LoadPending(ctx context.Context, recType record.Type) ([]record.Record, error) {
	table, ok := tableFor(recType)
	if !ok {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, content, last_modified, version, read_by, deleted_by, synced_at, needs_sync, content_hash
		 FROM `+table+` WHERE needs_sync = 1 ORDER BY last_modified ASC`)
	if err != nil {
		return nil, fmt.Errorf("loading pending %s: %w", recType, err)
	}
	defer rows.Close()

	var recs []record.Record

	for rows.Next() {
		rec, err := scanRecord(rows, recType)
		if err != nil {
			return nil, err
		}

		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending %s: %w", recType, err)
	}

	return recs, nil
}

// ApplyResolved upserts a record decided by the sync run, keeping its
// dirty flag as the resolution set it. Device-state records are owned
// by the registry and skipped here.
func (s *Store) ApplyResolved(ctx context.Context, rec record.Record) error {
	table, ok := tableFor(rec.Type)
	if !ok {
		return nil
	}

	return s.upsert(ctx, table, rec)
}

// MarkSynced clears the dirty flag and records the confirmed push time
// on both domain tables and the metadata side table.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	stamp := at.UTC().Format(time.RFC3339Nano)

	for _, table := range []string{"messages", "project_settings"} {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE `+table+` SET needs_sync = 0, synced_at = ? WHERE id = ?`, stamp, id); err != nil {
			return fmt.Errorf("marking %s synced: %w", id, err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_metadata SET needs_sync = 0, synced_at = ? WHERE record_id = ?`, stamp, id); err != nil {
		return fmt.Errorf("marking %s metadata synced: %w", id, err)
	}

	return nil
}

// --- local mutations ---

// Save writes a local edit: the version advances, the record turns
// dirty, and a save operation lands on the queue.
func (s *Store) Save(ctx context.Context, rec record.Record) (record.Record, error) {
	table, ok := tableFor(rec.Type)
	if !ok {
		return record.Record{}, fmt.Errorf("record type %q is not locally stored", rec.Type)
	}

	rec.Touch(s.now())
	rec.Fingerprint()

	if err := s.upsert(ctx, table, rec); err != nil {
		return record.Record{}, err
	}

	if err := s.enqueue(queue.OpSave, rec, priorityFor(rec.Type)); err != nil {
		return record.Record{}, err
	}

	return rec, nil
}

// Tombstone marks the record deleted for this device and queues the
// deletion. The record is never removed globally.
func (s *Store) Tombstone(ctx context.Context, recType record.Type, id string) error {
	rec, err := s.Get(ctx, recType, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("record %s not found", id)
	}

	rec.DeletedBy = record.UnionDeviceSets(rec.DeletedBy, []string{s.deviceID})
	rec.Touch(s.now())
	rec.Fingerprint()

	table, _ := tableFor(recType)
	if err := s.upsert(ctx, table, *rec); err != nil {
		return err
	}

	return s.enqueue(queue.OpDelete, *rec, queue.PriorityHigh)
}

// MarkRead adds this device to the record's read set. Ack sets are
// commutative, so this syncs at low priority.
func (s *Store) MarkRead(ctx context.Context, recType record.Type, id string) error {
	rec, err := s.Get(ctx, recType, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("record %s not found", id)
	}

	if rec.ReadFor(s.deviceID) {
		return nil
	}

	rec.ReadBy = record.UnionDeviceSets(rec.ReadBy, []string{s.deviceID})
	rec.NeedsSync = true

	table, _ := tableFor(recType)
	if err := s.upsert(ctx, table, *rec); err != nil {
		return err
	}

	return s.enqueue(queue.OpUpdate, *rec, queue.PriorityLow)
}

// Get returns one record, or nil when absent.
func (s *Store) Get(ctx context.Context, recType record.Type, id string) (*record.Record, error) {
	table, ok := tableFor(recType)
	if !ok {
		return nil, fmt.Errorf("record type %q is not locally stored", recType)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, content, last_modified, version, read_by, deleted_by, synced_at, needs_sync, content_hash
		 FROM `+table+` WHERE id = ?`, id)

	rec, err := scanRecord(row, recType)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Metadata returns the sync bookkeeping row for a record, or nil.
func (s *Store) Metadata(ctx context.Context, id string) (*record.Metadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_id, record_type, version, synced_at, needs_sync, content_hash
		 FROM sync_metadata WHERE record_id = ?`, id)

	var (
		md       record.Metadata
		syncedAt sql.NullString
		dirty    int
	)

	err := row.Scan(&md.RecordID, &md.RecordType, &md.Version, &syncedAt, &dirty, &md.ContentHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading metadata for %s: %w", id, err)
	}

	md.NeedsSync = dirty == 1

	if syncedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, syncedAt.String)
		if perr != nil {
			return nil, fmt.Errorf("parsing synced_at for %s: %w", id, perr)
		}

		md.SyncedAt = &t
	}

	return &md, nil
}

// --- internals ---

func (s *Store) upsert(ctx context.Context, table string, rec record.Record) error {
	readBy, err := json.Marshal(rec.ReadBy)
	if err != nil {
		return fmt.Errorf("encoding read set: %w", err)
	}

	deletedBy, err := json.Marshal(rec.DeletedBy)
	if err != nil {
		return fmt.Errorf("encoding tombstone set: %w", err)
	}

	var syncedAt any
	if rec.SyncedAt != nil {
		syncedAt = rec.SyncedAt.UTC().Format(time.RFC3339Nano)
	}

	dirty := 0
	if rec.NeedsSync {
		dirty = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, session_id, content, last_modified, version, read_by, deleted_by, synced_at, needs_sync, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			content = excluded.content,
			last_modified = excluded.last_modified,
			version = excluded.version,
			read_by = excluded.read_by,
			deleted_by = excluded.deleted_by,
			synced_at = excluded.synced_at,
			needs_sync = excluded.needs_sync,
			content_hash = excluded.content_hash`,
		rec.ID, rec.SessionID, rec.Content,
		rec.LastModified.UTC().Format(time.RFC3339Nano),
		rec.Version, string(readBy), string(deletedBy),
		syncedAt, dirty, rec.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("upserting %s into %s: %w", rec.ID, table, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (record_id, record_type, version, synced_at, needs_sync, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			record_type = excluded.record_type,
			version = excluded.version,
			synced_at = excluded.synced_at,
			needs_sync = excluded.needs_sync,
			content_hash = excluded.content_hash`,
		rec.ID, string(rec.Type), rec.Version, syncedAt, dirty, rec.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("upserting metadata for %s: %w", rec.ID, err)
	}

	return nil
}

func (s *Store) enqueue(op queue.Operation, rec record.Record, pri queue.Priority) error {
	if s.queue == nil {
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding queue payload: %w", err)
	}

	item, err := s.queue.Enqueue(op, rec.Type, rec.ID, payload, pri)
	if err != nil {
		return fmt.Errorf("enqueueing %s for %s: %w", op, rec.ID, err)
	}

	s.logger.Debug("local mutation queued",
		slog.String("op", string(op)),
		slog.String("record", rec.ID),
		slog.String("item", item.ID),
	)

	return nil
}

// priorityFor picks the queue band for a record type. Messages are the
// user-visible payload; settings can wait.
func priorityFor(recType record.Type) queue.Priority {
	if recType == record.TypeMessage {
		return queue.PriorityNormal
	}

	return queue.PriorityLow
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, recType record.Type) (record.Record, error) {
	var (
		rec          record.Record
		lastModified string
		readBy       sql.NullString
		deletedBy    sql.NullString
		syncedAt     sql.NullString
		dirty        int
		hash         sql.NullString
	)

	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Content, &lastModified,
		&rec.Version, &readBy, &deletedBy, &syncedAt, &dirty, &hash)
	if err != nil {
		return record.Record{}, err
	}

	rec.Type = recType
	rec.NeedsSync = dirty == 1
	rec.ContentHash = hash.String

	rec.LastModified, err = time.Parse(time.RFC3339Nano, lastModified)
	if err != nil {
		return record.Record{}, fmt.Errorf("parsing last_modified for %s: %w", rec.ID, err)
	}

	if syncedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, syncedAt.String)
		if err != nil {
			return record.Record{}, fmt.Errorf("parsing synced_at for %s: %w", rec.ID, err)
		}

		rec.SyncedAt = &t
	}

	if readBy.Valid && readBy.String != "null" {
		if err := json.Unmarshal([]byte(readBy.String), &rec.ReadBy); err != nil {
			return record.Record{}, fmt.Errorf("decoding read set for %s: %w", rec.ID, err)
		}
	}

	if deletedBy.Valid && deletedBy.String != "null" {
		if err := json.Unmarshal([]byte(deletedBy.String), &rec.DeletedBy); err != nil {
			return record.Record{}, fmt.Errorf("decoding tombstone set for %s: %w", rec.ID, err)
		}
	}

	return rec, nil
}
