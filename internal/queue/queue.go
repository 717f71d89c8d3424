// Package queue implements the durable, priority-ordered, retryable
// sync queue. Items are persisted through the state package so pending
// work survives process restarts; all scheduling policy (ordering,
// retry delays, dead-lettering) lives here.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jbickell/chatsync/internal/record"
	"github.com/jbickell/chatsync/internal/state"
)

// Operation is the kind of remote effect a queue item intends.
type Operation string

const (
	OpSave            Operation = "save"
	OpFetch           Operation = "fetch"
	OpDelete          Operation = "delete"
	OpUpdate          Operation = "update"
	OpFullSync        Operation = "full-sync"
	OpIncrementalSync Operation = "incremental-sync"
)

// Status is the lifecycle state of a queued operation. Completed and
// cancelled are terminal; failed and conflicted may return to pending
// via retry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"
	StatusCancelled  Status = "cancelled"
)

// Priority orders dispatch and selects the retry delay.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// DefaultMaxRetries is the retry budget per operation unless the queue
// is constructed with an explicit one.
const DefaultMaxRetries = 3

// RetryDelay returns the fixed per-priority retry delay. Deliberately
// not exponential: sync runs are already rate-limited by the
// orchestration interval, so a constant per-band delay keeps retry
// timing observable and predictable.
func (p Priority) RetryDelay() time.Duration {
	switch p {
	case PriorityCritical:
		return 5 * time.Second
	case PriorityHigh:
		return 10 * time.Second
	case PriorityNormal:
		return 60 * time.Second
	default:
		return 300 * time.Second
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Queue is the durable sync queue. Enqueue may be called from
// local-mutation handlers on a different goroutine than the
// orchestrator's run loop, so a single mutex guards every operation;
// batch sizes are small and runs infrequent, so no finer-grained
// locking is needed.
type Queue struct {
	st         *state.State
	logger     *slog.Logger
	maxRetries int

	mu  sync.Mutex
	now func() time.Time
}

// New creates a queue over the given durable state. A maxRetries of
// zero or less selects DefaultMaxRetries.
func New(st *state.State, logger *slog.Logger, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Queue{
		st:         st,
		logger:     logger,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// CanRetry reports whether another dispatch attempt is allowed for the
// item. An item with attempts equal to the budget still qualifies: its
// next failure is the one that dead-letters it.
func (q *Queue) CanRetry(item state.QueueItem) bool {
	if item.Attempts > q.maxRetries {
		return false
	}

	s := Status(item.Status)

	return s == StatusFailed || s == StatusConflicted
}

// Enqueue appends a new pending operation. It always succeeds unless
// the underlying database write fails.
func (q *Queue) Enqueue(op Operation, recType record.Type, recordID string, payload []byte, pri Priority) (state.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := state.QueueItem{
		ID:         uuid.NewString(),
		Operation:  string(op),
		RecordType: string(recType),
		RecordID:   recordID,
		Payload:    payload,
		Priority:   int(pri),
		Status:     string(StatusPending),
		CreatedAt:  q.now(),
	}

	if err := q.st.PutQueueItem(item); err != nil {
		return state.QueueItem{}, fmt.Errorf("persisting queue item: %w", err)
	}

	q.logger.Debug("enqueued operation",
		slog.String("id", item.ID),
		slog.String("operation", item.Operation),
		slog.String("record_type", item.RecordType),
		slog.String("priority", pri.String()),
	)

	return item, nil
}

// Due returns the items eligible for dispatch at the given time: every
// pending, failed, or conflicted item whose retry time is unset or has
// passed, ordered by priority descending then enqueue time ascending
// (FIFO within a priority band). Read-only and safe to call
// concurrently with Enqueue.
func (q *Queue) Due(now time.Time) ([]state.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.st.AllQueueItems()
	if err != nil {
		return nil, fmt.Errorf("loading queue items: %w", err)
	}

	due := make([]state.QueueItem, 0, len(all))

	for _, item := range all {
		// Eligibility is by status and retry time alone. At the budget
		// boundary the item must still dispatch once more so its final
		// failure can dead-letter it.
		switch Status(item.Status) {
		case StatusPending, StatusFailed, StatusConflicted:
		default:
			continue
		}

		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}

		due = append(due, item)
	}

	sortDue(due)

	return due, nil
}

// sortDue orders items by priority descending, then CreatedAt ascending.
// Insertion sort: due batches are bounded by the configured batch size.
func sortDue(items []state.QueueItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && dueBefore(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func dueBefore(a, b state.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	return a.CreatedAt.Before(b.CreatedAt)
}

// MarkInProgress transitions an item to in-progress before dispatch.
func (q *Queue) MarkInProgress(id string) error {
	return q.setStatus(id, StatusInProgress)
}

// RecordSuccess marks an item completed. The caller drains it once it
// has finished any follow-up bookkeeping.
func (q *Queue) RecordSuccess(id string) error {
	return q.setStatus(id, StatusCompleted)
}

// RecordFailure records a failed attempt. Within the retry budget the
// item is rescheduled at exactly lastAttemptAt + RetryDelay(priority);
// past the budget it moves to the dead-letter set and is never
// rescheduled. Returns true when the item was dead-lettered.
func (q *Queue) RecordFailure(id string, attemptErr error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.st.GetQueueItem(id)
	if err != nil {
		return false, fmt.Errorf("loading queue item %s: %w", id, err)
	}

	if item == nil {
		return false, fmt.Errorf("queue item %s not found", id)
	}

	now := q.now()
	item.Attempts++
	item.LastAttemptAt = &now
	item.Status = string(StatusFailed)

	if attemptErr != nil {
		item.Error = attemptErr.Error()
	}

	if item.Attempts > q.maxRetries {
		item.NextRetryAt = nil
		if err := q.st.MoveToDeadLetter(*item); err != nil {
			return false, fmt.Errorf("dead-lettering item %s: %w", id, err)
		}

		q.logger.Warn("operation exhausted retries, dead-lettered",
			slog.String("id", id),
			slog.Int("attempts", item.Attempts),
			slog.String("error", item.Error),
		)

		return true, nil
	}

	retryAt := now.Add(Priority(item.Priority).RetryDelay())
	item.NextRetryAt = &retryAt

	if err := q.st.PutQueueItem(*item); err != nil {
		return false, fmt.Errorf("rescheduling item %s: %w", id, err)
	}

	q.logger.Debug("operation rescheduled",
		slog.String("id", id),
		slog.Int("attempts", item.Attempts),
		slog.Time("next_retry_at", retryAt),
	)

	return false, nil
}

// MarkConflicted flags an item whose record hit a manual-policy
// conflict. The item stays queued but is not retried automatically; it
// becomes due again once Retry is called with an external resolution.
func (q *Queue) MarkConflicted(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.st.GetQueueItem(id)
	if err != nil {
		return fmt.Errorf("loading queue item %s: %w", id, err)
	}

	if item == nil {
		return fmt.Errorf("queue item %s not found", id)
	}

	now := q.now()
	item.Status = string(StatusConflicted)
	item.Error = reason
	// Park the item: a far-future retry time keeps it out of Due until
	// an external resolution calls Retry.
	parked := now.Add(100 * 365 * 24 * time.Hour)
	item.NextRetryAt = &parked

	return q.st.PutQueueItem(*item)
}

// Retry returns a failed, conflicted, or dead-lettered item to pending
// immediately, clearing its retry schedule. A dead-lettered item moves
// back into the queue with a fresh attempt budget; without the reset
// its very next failure would dead-letter it again.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.st.GetQueueItem(id)
	if err != nil {
		return fmt.Errorf("loading queue item %s: %w", id, err)
	}

	if item == nil {
		item, err = q.takeDeadLetter(id)
		if err != nil {
			return err
		}
	}

	item.Status = string(StatusPending)
	item.NextRetryAt = nil
	item.Error = ""

	return q.st.PutQueueItem(*item)
}

// takeDeadLetter removes the item from the dead-letter set and resets
// its attempt count. Caller holds the mutex.
func (q *Queue) takeDeadLetter(id string) (*state.QueueItem, error) {
	letters, err := q.st.DeadLetterItems()
	if err != nil {
		return nil, fmt.Errorf("loading dead letters: %w", err)
	}

	for i := range letters {
		if letters[i].ID != id {
			continue
		}

		if err := q.st.DeleteDeadLetter(id); err != nil {
			return nil, fmt.Errorf("removing dead letter %s: %w", id, err)
		}

		letters[i].Attempts = 0
		letters[i].LastAttemptAt = nil

		q.logger.Info("dead-lettered operation requeued",
			slog.String("id", id),
			slog.String("operation", letters[i].Operation),
		)

		return &letters[i], nil
	}

	return nil, fmt.Errorf("queue item %s not found", id)
}

// Cancel marks a still-pending item cancelled. Cancelled is terminal;
// the item remains until drained.
func (q *Queue) Cancel(id string) error {
	return q.setStatus(id, StatusCancelled)
}

// Drain removes a completed, cancelled, or dead-lettered item.
func (q *Queue) Drain(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.st.DeleteQueueItem(id); err != nil {
		return fmt.Errorf("draining item %s: %w", id, err)
	}

	return q.st.DeleteDeadLetter(id)
}

// DeadLetters returns the items that exhausted their retry budget and
// require external intervention.
func (q *Queue) DeadLetters() ([]state.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.st.DeadLetterItems()
}

// Get returns a queue item by id, or nil when absent.
func (q *Queue) Get(id string) (*state.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.st.GetQueueItem(id)
}

// Len returns the number of items currently queued (dead letters
// excluded).
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.st.AllQueueItems()
	if err != nil {
		return 0, err
	}

	return len(items), nil
}

func (q *Queue) setStatus(id string, s Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.st.GetQueueItem(id)
	if err != nil {
		return fmt.Errorf("loading queue item %s: %w", id, err)
	}

	if item == nil {
		return fmt.Errorf("queue item %s not found", id)
	}

	item.Status = string(s)

	return q.st.PutQueueItem(*item)
}
