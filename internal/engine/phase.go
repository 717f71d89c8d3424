package engine

import "time"

// Phase is one state of the sync run state machine. Runs advance
// through the phases in strict order; completed and failed are
// terminal.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseInitializing       Phase = "initializing"
	PhaseFetchingChanges    Phase = "fetchingChanges"
	PhaseProcessingMessages Phase = "processingMessages"
	PhaseProcessingSessions Phase = "processingSessions"
	PhaseProcessingDevices  Phase = "processingDevices"
	PhaseResolvingConflicts Phase = "resolvingConflicts"
	PhaseUploadingChanges   Phase = "uploadingChanges"
	PhaseFinalizingSync     Phase = "finalizingSync"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

// transitions is the closed successor table. Every non-terminal phase
// has exactly one success successor; failed is reachable only through
// failRun, never through this table.
var transitions = map[Phase]Phase{
	PhaseInitializing:       PhaseFetchingChanges,
	PhaseFetchingChanges:    PhaseProcessingMessages,
	PhaseProcessingMessages: PhaseProcessingSessions,
	PhaseProcessingSessions: PhaseProcessingDevices,
	PhaseProcessingDevices:  PhaseResolvingConflicts,
	PhaseResolvingConflicts: PhaseUploadingChanges,
	PhaseUploadingChanges:   PhaseFinalizingSync,
	PhaseFinalizingSync:     PhaseCompleted,
}

// next returns the success successor of p. ok is false for terminal
// phases and for idle.
func (p Phase) next() (Phase, bool) {
	n, ok := transitions[p]
	return n, ok
}

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Progress is a point-in-time snapshot of a sync run. It is ephemeral,
// never persisted, and safe to copy.
type Progress struct {
	Phase                  Phase
	TotalItems             int
	CompletedItems         int
	FailedItems            int
	CurrentItem            string
	EstimatedTimeRemaining time.Duration
	StartTime              time.Time
	EndTime                *time.Time
}

// Fraction returns completed work as a value in [0, 1]. Zero total
// items reports zero, not a division error.
func (p Progress) Fraction() float64 {
	if p.TotalItems == 0 {
		return 0
	}

	return float64(p.CompletedItems) / float64(p.TotalItems)
}

// IsComplete reports whether every item has been accounted for, either
// as completed or as failed.
func (p Progress) IsComplete() bool {
	return p.CompletedItems+p.FailedItems >= p.TotalItems
}
