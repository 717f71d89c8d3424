package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jbickell/chatsync/internal/config"
	"github.com/jbickell/chatsync/internal/queue"
	"github.com/jbickell/chatsync/internal/record"
	"github.com/jbickell/chatsync/internal/resolver"
	"github.com/jbickell/chatsync/internal/state"
)

// uploadUnit pairs a record to push with the queue item that asked for
// it. Item is nil for resolver-driven writes that have no queue entry.
type uploadUnit struct {
	item *state.QueueItem
	rec  record.Record
}

// syncRun holds the working state of one sync run. A run executes the
// phases in strict order; all state here is owned by the single run
// goroutine.
type syncRun struct {
	e      *Engine
	cfg    *config.Config
	logger *slog.Logger

	phase     Phase
	startedAt time.Time

	due            []state.QueueItem
	itemByRecordID map[string]*state.QueueItem
	delta          Delta
	fetched        bool

	// seenHashes dedupes records within the run by content fingerprint.
	seenHashes map[string]struct{}

	conflicts []resolver.Conflict
	uploads   []uploadUnit

	retriedIDs    []string
	deadLetterIDs []string
}

// execute drives the phase machine. Returns an error only for
// whole-run failures (fetch-phase transport error, fatal configuration);
// per-item failures are absorbed into progress counters.
func (r *syncRun) execute(ctx context.Context) error {
	r.startedAt = r.e.now()
	r.seenHashes = make(map[string]struct{})
	r.itemByRecordID = make(map[string]*state.QueueItem)
	r.phase = PhaseInitializing

	for {
		if err := r.enterPhase(ctx); err != nil {
			r.failRun(err)
			return err
		}

		next, ok := r.phase.next()
		if !ok {
			break
		}

		// Cancellation is cooperative and only honored between phases,
		// never mid-batch. Completed phase work is not rolled back.
		if r.e.cancelRequested.Load() {
			r.cancelRun()
			return nil
		}

		r.phase = next
		r.setPhase(next)
	}

	r.completeRun()

	return nil
}

// enterPhase runs the entry action for the current phase.
func (r *syncRun) enterPhase(ctx context.Context) error {
	switch r.phase {
	case PhaseInitializing:
		return r.initialize()
	case PhaseFetchingChanges:
		return r.fetchChanges(ctx)
	case PhaseProcessingMessages:
		return r.processType(ctx, record.TypeMessage)
	case PhaseProcessingSessions:
		return r.processType(ctx, record.TypeSettings)
	case PhaseProcessingDevices:
		return r.processDevices(ctx)
	case PhaseResolvingConflicts:
		return r.resolveConflicts(ctx)
	case PhaseUploadingChanges:
		return r.uploadChanges(ctx)
	case PhaseFinalizingSync:
		return r.finalize()
	default:
		return fmt.Errorf("no entry action for phase %s", r.phase)
	}
}

// initialize snapshots the due queue and seeds progress. TotalItems
// starts as due count plus a remote-delta placeholder; the fetch phase
// replaces the placeholder with the real delta size.
func (r *syncRun) initialize() error {
	if r.cfg.RemoteURL == "" {
		return &FatalConfigError{Reason: "remote endpoint is not configured"}
	}

	due, err := r.e.queue.Due(r.startedAt)
	if err != nil {
		return &FatalConfigError{Reason: "sync queue is unreadable: " + err.Error()}
	}

	r.due = due

	for i := range r.due {
		if r.due[i].RecordID != "" {
			r.itemByRecordID[r.due[i].RecordID] = &r.due[i]
		}
	}

	total := len(due) + r.cfg.BatchSize // placeholder until fetch returns

	r.e.setProgress(func(p *Progress) {
		*p = Progress{
			Phase:      PhaseInitializing,
			TotalItems: total,
			StartTime:  r.startedAt,
		}
	})

	r.logger.Info("sync run started",
		slog.Int("due_items", len(due)),
		slog.String("policy", r.cfg.ConflictPolicy),
	)
	r.e.publish(Event{Kind: EventSyncStarted, AffectedItems: len(due)})

	return nil
}

// fetchChanges pulls the remote delta since this device's cursor. A
// transport failure here fails the whole run, leaving the queue and
// every cursor untouched.
func (r *syncRun) fetchChanges(ctx context.Context) error {
	cursor, err := r.e.registry.CursorFor(r.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("loading device cursor: %w", err)
	}

	delta, err := r.e.transport.FetchDelta(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetching remote changes: %w", err)
	}

	r.delta = delta
	r.fetched = true

	r.e.setProgress(func(p *Progress) {
		p.TotalItems = len(r.due) + len(delta.Records)
	})

	r.logger.Info("remote delta fetched",
		slog.Int("records", len(delta.Records)),
		slog.String("cursor", cursor),
	)

	// Bulk fetch operations are satisfied by the fetch itself.
	for i := range r.due {
		switch queue.Operation(r.due[i].Operation) {
		case queue.OpFetch, queue.OpFullSync, queue.OpIncrementalSync:
			r.finishItem(&r.due[i])
		}
	}

	return nil
}

// processType classifies one record type's remote and local changes:
// duplicates are dropped, clean records applied or staged for upload,
// and diverged pairs collected for the conflict phase.
func (r *syncRun) processType(ctx context.Context, recType record.Type) error {
	locals, err := r.e.store.LoadPending(ctx, recType)
	if err != nil {
		// An unreadable local store is a per-type problem: remote
		// records still apply, local uploads for the type are skipped.
		r.logger.Warn("loading pending local records",
			slog.String("type", string(recType)),
			slog.String("error", err.Error()),
		)
	}

	localByID := make(map[string]record.Record, len(locals))
	for _, l := range locals {
		localByID[l.ID] = l
	}

	for _, remote := range r.delta.Records {
		if remote.Type != recType {
			continue
		}

		r.processRemote(ctx, remote, localByID)
	}

	// Due local operations for this type become uploads unless a
	// conflict for the same record was just detected.
	conflicted := make(map[string]struct{}, len(r.conflicts))
	for _, c := range r.conflicts {
		conflicted[c.RecordID] = struct{}{}
	}

	for i := range r.due {
		item := &r.due[i]
		if record.Type(item.RecordType) != recType {
			continue
		}

		// Earlier phases may already have settled this item, for
		// example the convergence path. Finishing it twice would
		// double-count progress and duplicate the operation log entry.
		switch queue.Status(item.Status) {
		case queue.StatusCancelled, queue.StatusCompleted:
			continue
		}

		switch queue.Operation(item.Operation) {
		case queue.OpFetch, queue.OpFullSync, queue.OpIncrementalSync:
			continue // handled at fetch time
		}

		if _, ok := conflicted[item.RecordID]; ok {
			continue // resolution decides this item's fate
		}

		rec, err := decodePayload(item)
		if err != nil {
			r.itemFailed(item, fmt.Errorf("decoding payload: %w", err))
			continue
		}

		// A snapshot identical to one already seen this run is a
		// duplicate: complete the item without re-uploading.
		h := rec.Fingerprint()
		if _, dup := r.seenHashes[h]; dup && queue.Operation(item.Operation) != queue.OpDelete {
			r.finishItem(item)
			continue
		}

		r.seenHashes[h] = struct{}{}
		r.uploads = append(r.uploads, uploadUnit{item: item, rec: rec})
	}

	return nil
}

// processRemote handles one fetched record: dedup, convergence check,
// conflict detection, or clean apply.
func (r *syncRun) processRemote(ctx context.Context, remote record.Record, localByID map[string]record.Record) {
	h := remote.Fingerprint()
	if _, dup := r.seenHashes[h]; dup {
		r.completeOne(remote.ID)
		return
	}

	r.seenHashes[h] = struct{}{}

	local, ok := localByID[remote.ID]
	if !ok {
		r.applyRemote(ctx, remote)
		return
	}

	if local.Fingerprint() == h {
		// Both sides hold the same content. Convergence, not conflict:
		// clear the dirty flag and retire any queue item for it.
		if err := r.e.store.MarkSynced(ctx, local.ID, r.e.now()); err != nil {
			r.logger.Warn("marking converged record synced",
				slog.String("id", local.ID),
				slog.String("error", err.Error()),
			)
		}

		if item, found := r.itemByRecordID[local.ID]; found {
			// The remote record and the local operation converged on
			// the same content: one unit of work, settled here.
			r.e.setProgress(func(p *Progress) { p.TotalItems-- })
			r.finishItem(item)
		} else {
			r.completeOne(local.ID)
		}

		return
	}

	if resolver.Detect(local, remote) {
		c := resolver.Conflict{
			RecordType: remote.Type,
			RecordID:   remote.ID,
			Local:      local,
			Remote:     remote,
			DetectedAt: r.e.now(),
			Summary:    resolver.Summarize(local, remote),
		}
		r.conflicts = append(r.conflicts, c)

		// A conflict joins a remote record and a local operation into
		// one unit of work; counting both would overstate the total.
		if _, found := r.itemByRecordID[remote.ID]; found {
			r.e.setProgress(func(p *Progress) { p.TotalItems-- })
		}

		r.logger.Info("conflict detected",
			slog.String("id", remote.ID),
			slog.String("type", string(remote.Type)),
		)
		r.e.publish(Event{Kind: EventConflictDetected, RecordID: remote.ID, Reason: c.Summary})

		return
	}

	r.applyRemote(ctx, remote)
}

func (r *syncRun) applyRemote(ctx context.Context, remote record.Record) {
	if err := r.e.store.ApplyResolved(ctx, remote); err != nil {
		r.logger.Warn("applying remote record",
			slog.String("id", remote.ID),
			slog.String("error", err.Error()),
		)
		r.failOne(remote.ID)

		return
	}

	r.completeOne(remote.ID)
}

// processDevices applies device-state records to the registry and then
// classifies the type like any other.
func (r *syncRun) processDevices(ctx context.Context) error {
	for _, remote := range r.delta.Records {
		if remote.Type != record.TypeDeviceState {
			continue
		}

		var ds struct {
			DeviceID   string `json:"device_id"`
			DeviceName string `json:"device_name"`
			Platform   string `json:"platform"`
		}

		if err := json.Unmarshal([]byte(remote.Content), &ds); err != nil || ds.DeviceID == "" {
			r.logger.Warn("undecodable device-state record", slog.String("id", remote.ID))
			continue
		}

		known, err := r.e.registry.Get(ds.DeviceID)
		if err != nil {
			r.logger.Warn("looking up device", slog.String("device", ds.DeviceID), slog.String("error", err.Error()))
			continue
		}

		if _, err := r.e.registry.Register(ds.DeviceID, ds.DeviceName, ds.Platform); err != nil {
			r.logger.Warn("registering device", slog.String("device", ds.DeviceID), slog.String("error", err.Error()))
			continue
		}

		if known == nil {
			r.e.publish(Event{Kind: EventDeviceRegistered, DeviceID: ds.DeviceID})
		}
	}

	return r.processType(ctx, record.TypeDeviceState)
}

// resolveConflicts runs the resolver over every detected conflict.
// Manual-policy conflicts leave their operation conflicted and count as
// failed items; they never fail the run.
func (r *syncRun) resolveConflicts(ctx context.Context) error {
	policy := r.cfg.Policy()

	for i := range r.conflicts {
		c := &r.conflicts[i]

		res, err := resolver.Resolve(c.Local, c.Remote, policy, r.e.now())
		if err != nil {
			r.logger.Warn("resolving conflict",
				slog.String("id", c.RecordID),
				slog.String("error", err.Error()),
			)
			r.failOne(c.RecordID)

			continue
		}

		c.Resolution = &res

		if res.Deferred {
			// Manual policy: surface the conflict, leave the operation
			// conflicted, and move on. Retry happens once a resolution
			// is supplied externally.
			if item, ok := r.itemByRecordID[c.RecordID]; ok {
				if err := r.e.queue.MarkConflicted(item.ID, c.Summary); err != nil {
					r.logger.Warn("marking item conflicted",
						slog.String("item", item.ID),
						slog.String("error", err.Error()),
					)
				}
			}

			r.failOne(c.RecordID)
			r.logger.Info("conflict deferred for manual resolution", slog.String("id", c.RecordID))

			continue
		}

		if err := r.e.store.ApplyResolved(ctx, res.Resolved); err != nil {
			r.logger.Warn("applying resolution",
				slog.String("id", c.RecordID),
				slog.String("error", err.Error()),
			)
			r.failOne(c.RecordID)

			continue
		}

		now := r.e.now()
		c.ResolvedAt = &now

		r.logConflict(c, res)
		r.e.publish(Event{Kind: EventConflictResolved, RecordID: c.RecordID, Reason: string(res.Strategy)})

		if res.ClientWon || res.Merged {
			// The surviving content includes local changes; it still
			// needs to reach the remote store.
			r.uploads = append(r.uploads, uploadUnit{item: r.itemByRecordID[c.RecordID], rec: res.Resolved})
			continue
		}

		// Server won: the local operation that raised the conflict is
		// moot, retire it.
		if item, ok := r.itemByRecordID[c.RecordID]; ok {
			r.finishItem(item)
		} else {
			r.completeOne(c.RecordID)
		}
	}

	return nil
}

func (r *syncRun) logConflict(c *resolver.Conflict, res resolver.Resolution) {
	entry := state.ConflictLogEntry{
		ID:         uuid.NewString(),
		RecordType: string(c.RecordType),
		RecordID:   c.RecordID,
		Strategy:   string(res.Strategy),
		ClientWon:  res.ClientWon,
		ServerWon:  res.ServerWon,
		Merged:     res.Merged,
		Summary:    c.Summary,
		ResolvedAt: res.Timestamp,
	}
	if err := r.e.st.AppendConflictLog(entry); err != nil {
		r.logger.Warn("appending conflict log", slog.String("error", err.Error()))
	}
}

// uploadChanges pushes staged records in batches. A failed batch marks
// its items failed (retryable per queue policy) and moves on; partial
// success is expected and reported, never a run failure.
func (r *syncRun) uploadChanges(ctx context.Context) error {
	var deletes, pushes []uploadUnit

	for _, u := range r.uploads {
		if u.item != nil && queue.Operation(u.item.Operation) == queue.OpDelete {
			deletes = append(deletes, u)
		} else {
			pushes = append(pushes, u)
		}
	}

	for _, u := range deletes {
		r.markDispatched(u.item)

		if err := r.e.transport.DeleteRemote(ctx, u.rec.ID); err != nil {
			r.itemFailed(u.item, err)
			continue
		}

		r.finishUnit(ctx, u)
	}

	for start := 0; start < len(pushes); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(pushes))
		batch := pushes[start:end]

		recs := make([]record.Record, len(batch))
		for i, u := range batch {
			recs[i] = u.rec
			r.markDispatched(u.item)
		}

		outcomes, err := r.e.transport.PushBatch(ctx, recs)
		if err != nil {
			r.logger.Warn("batch push failed",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)

			for _, u := range batch {
				r.itemFailed(u.item, err)
			}

			continue
		}

		outcomeByID := make(map[string]PushOutcome, len(outcomes))
		for _, o := range outcomes {
			outcomeByID[o.RecordID] = o
		}

		for _, u := range batch {
			o, ok := outcomeByID[u.rec.ID]
			if !ok || !o.OK {
				reason := "record rejected by remote store"
				if o.Error != "" {
					reason = o.Error
				}

				r.itemFailed(u.item, fmt.Errorf("%s", reason))

				continue
			}

			r.finishUnit(ctx, u)
		}
	}

	return nil
}

// finalize advances the cursor and prunes aged log entries. Reached
// only when the fetch succeeded, so the new cursor is trustworthy.
func (r *syncRun) finalize() error {
	now := r.e.now()

	// LastSyncDate advances on every successful run; the token only
	// moves when the server returned one.
	if r.fetched {
		if err := r.e.registry.RecordCursor(r.cfg.DeviceID, r.delta.NewCursor); err != nil {
			r.logger.Warn("recording cursor", slog.String("error", err.Error()))
		}
	}

	if err := r.e.registry.SetOperations(r.cfg.DeviceID, r.retriedIDs, r.deadLetterIDs); err != nil {
		r.logger.Warn("recording operation ids", slog.String("error", err.Error()))
	}

	cutoff := now.Add(-r.cfg.Retention())

	conflicts, err := r.e.st.PruneConflictLog(cutoff)
	if err != nil {
		r.logger.Warn("pruning conflict log", slog.String("error", err.Error()))
	}

	ops, err := r.e.st.PruneOpLog(cutoff)
	if err != nil {
		r.logger.Warn("pruning operation log", slog.String("error", err.Error()))
	}

	if conflicts > 0 || ops > 0 {
		r.logger.Debug("pruned aged log entries",
			slog.Int("conflicts", conflicts),
			slog.Int("operations", ops),
		)
	}

	return nil
}

func (r *syncRun) completeRun() {
	end := r.e.now()

	var snapshot Progress

	r.e.setProgress(func(p *Progress) {
		p.Phase = PhaseCompleted
		p.EndTime = &end
		p.EstimatedTimeRemaining = 0
		snapshot = *p
	})

	r.logger.Info("sync run completed",
		slog.Int("completed", snapshot.CompletedItems),
		slog.Int("failed", snapshot.FailedItems),
		slog.Duration("elapsed", end.Sub(r.startedAt)),
	)
	r.e.publish(Event{Kind: EventSyncCompleted, AffectedItems: snapshot.CompletedItems})
}

// failRun ends the run in the failed phase. Queue items and cursors
// keep their pre-run state.
func (r *syncRun) failRun(cause error) {
	end := r.e.now()

	reason := "sync could not start: invalid configuration"
	if _, ok := AsTransport(cause); ok {
		reason = "remote store is unreachable"
	}

	var affected int

	r.e.setProgress(func(p *Progress) {
		p.Phase = PhaseFailed
		p.EndTime = &end
		affected = p.TotalItems - p.CompletedItems
	})

	r.logger.Error("sync run failed",
		slog.String("phase", string(r.phase)),
		slog.String("error", cause.Error()),
	)
	r.e.publish(Event{Kind: EventSyncFailed, Reason: reason, AffectedItems: affected})
}

// cancelRun stops the run between phases: still-pending items from
// this run are marked cancelled, completed work stands.
func (r *syncRun) cancelRun() {
	end := r.e.now()

	for i := range r.due {
		item := &r.due[i]
		if queue.Status(item.Status) != queue.StatusPending {
			continue
		}

		if err := r.e.queue.Cancel(item.ID); err != nil {
			r.logger.Warn("cancelling item", slog.String("item", item.ID), slog.String("error", err.Error()))
		} else {
			item.Status = string(queue.StatusCancelled)
		}
	}

	r.e.setProgress(func(p *Progress) {
		p.EndTime = &end
	})

	r.logger.Info("sync run cancelled", slog.String("phase", string(r.phase)))
	r.e.publish(Event{Kind: EventSyncFailed, Reason: "sync cancelled", AffectedItems: len(r.due)})
}

// --- per-item bookkeeping ---

func (r *syncRun) markDispatched(item *state.QueueItem) {
	if item == nil {
		return
	}

	if err := r.e.queue.MarkInProgress(item.ID); err != nil {
		r.logger.Warn("marking item in progress", slog.String("item", item.ID), slog.String("error", err.Error()))
	} else {
		item.Status = string(queue.StatusInProgress)
	}
}

// finishUnit records a successful upload: queue bookkeeping, the local
// dirty flag, and the operation log.
func (r *syncRun) finishUnit(ctx context.Context, u uploadUnit) {
	if err := r.e.store.MarkSynced(ctx, u.rec.ID, r.e.now()); err != nil {
		r.logger.Warn("marking record synced",
			slog.String("id", u.rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if u.item != nil {
		r.finishItem(u.item)
	} else {
		r.completeOne(u.rec.ID)
	}
}

// finishItem completes and drains a queue item.
func (r *syncRun) finishItem(item *state.QueueItem) {
	if err := r.e.queue.RecordSuccess(item.ID); err != nil {
		r.logger.Warn("recording success", slog.String("item", item.ID), slog.String("error", err.Error()))
	}

	entry := state.OpLogEntry{
		ID:          item.ID,
		Operation:   item.Operation,
		RecordType:  item.RecordType,
		Status:      string(queue.StatusCompleted),
		CompletedAt: r.e.now(),
	}
	if err := r.e.st.AppendOpLog(entry); err != nil {
		r.logger.Warn("appending operation log", slog.String("error", err.Error()))
	}

	if err := r.e.queue.Drain(item.ID); err != nil {
		r.logger.Warn("draining item", slog.String("item", item.ID), slog.String("error", err.Error()))
	}

	item.Status = string(queue.StatusCompleted)
	r.completeOne(item.RecordID)
}

// itemFailed records a failed attempt. Dead-lettered items are fatal
// for that item only; rescheduled items surface through the
// operationRetried event.
func (r *syncRun) itemFailed(item *state.QueueItem, cause error) {
	if item == nil {
		r.failOne("")
		return
	}

	deadLettered, err := r.e.queue.RecordFailure(item.ID, cause)
	if err != nil {
		r.logger.Warn("recording failure", slog.String("item", item.ID), slog.String("error", err.Error()))
	}

	if deadLettered {
		r.deadLetterIDs = append(r.deadLetterIDs, item.ID)
		r.logger.Warn("operation dead-lettered",
			slog.String("item", item.ID),
			slog.String("record", item.RecordID),
		)
	} else {
		r.retriedIDs = append(r.retriedIDs, item.ID)
		r.e.publish(Event{Kind: EventOperationRetried, RecordID: item.RecordID, Reason: cause.Error()})
	}

	r.failOne(item.RecordID)
}

func (r *syncRun) completeOne(label string) {
	r.bumpProgress(label, true)
}

func (r *syncRun) failOne(label string) {
	r.bumpProgress(label, false)
}

func (r *syncRun) bumpProgress(label string, completed bool) {
	now := r.e.now()

	r.e.setProgress(func(p *Progress) {
		if completed {
			p.CompletedItems++
		} else {
			p.FailedItems++
		}

		p.CurrentItem = label

		done := p.CompletedItems + p.FailedItems
		if done > 0 && done < p.TotalItems {
			elapsed := now.Sub(p.StartTime)
			p.EstimatedTimeRemaining = elapsed / time.Duration(done) * time.Duration(p.TotalItems-done)
		} else {
			p.EstimatedTimeRemaining = 0
		}
	})
}

func (r *syncRun) setPhase(ph Phase) {
	r.e.setProgress(func(p *Progress) {
		p.Phase = ph
	})
}

func decodePayload(item *state.QueueItem) (record.Record, error) {
	var rec record.Record
	if err := json.Unmarshal(item.Payload, &rec); err != nil {
		return record.Record{}, err
	}

	return rec, nil
}
