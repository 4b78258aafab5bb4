// Package store defines the persistence contract for studies, runs, events,
// and summaries, plus the lifecycle invariants every adapter enforces.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound reports a missing run, study, or summary.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation, e.g. a duplicate run_id.
	ErrConflict = errors.New("conflict")
	// ErrLeaseStolen reports a lease operation by a worker that no longer
	// holds the run.
	ErrLeaseStolen = errors.New("lease stolen")
	// ErrInvalidTransition reports a lifecycle update the state machine
	// forbids, e.g. mutating a terminal run.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Notifier receives every event an adapter appends, synchronously and in
// append order. Used to fan events into the in-process stream bus.
type Notifier func(Event)

// Store is the system of record. Adapters assign all timestamps from their
// own clock (UTC, millisecond precision) and keep per-run event timestamps
// strictly monotone.
type Store interface {
	// UpsertStudy records the canonical spec under its hash. Re-submitting
	// identical content is a no-op returning the existing study.
	UpsertStudy(ctx context.Context, specHash string, canonicalSpec []byte) (Study, error)
	GetStudy(ctx context.Context, specHash string) (Study, error)

	// CreateRun inserts a queued run in phase bundle and appends
	// run_created. Duplicate run IDs return ErrConflict.
	CreateRun(ctx context.Context, runID, specHash string) (Run, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)

	// UpdateRunPhase advances a running run and appends phase_changed.
	// Terminal runs reject updates with ErrInvalidTransition.
	UpdateRunPhase(ctx context.Context, runID string, upd PhaseUpdate) (Run, error)

	// ClaimNext atomically claims the oldest eligible run (queued, or
	// running with an expired lease) for workerID. Returns nil when the
	// queue is empty.
	ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*Run, error)
	// RenewLease extends the lease iff workerID still holds it.
	RenewLease(ctx context.Context, runID, workerID string, leaseTTL time.Duration) error
	// ReleaseRun moves a claimed run to a terminal status, clears the
	// lease, and appends run_released.
	ReleaseRun(ctx context.Context, rel ReleaseRequest) (Run, error)

	// RequestCancel sets the cancel flag on a non-terminal run. Idempotent;
	// reports whether the flag was newly set.
	RequestCancel(ctx context.Context, runID string) (bool, error)
	CancelRequested(ctx context.Context, runID string) (bool, error)

	// RequeueExpired returns every running run whose lease has lapsed to
	// queued/bundle, appending lease_expired per run.
	RequeueExpired(ctx context.Context) ([]Run, error)

	InsertSummary(ctx context.Context, s Summary) (Summary, error)
	GetSummary(ctx context.Context, runID string) (Summary, error)

	// AppendEvent appends an event with adapter-assigned seq and ts.
	AppendEvent(ctx context.Context, runID, typ, agent string, payload map[string]any) (Event, error)
	// Events returns events for a run in seq order.
	Events(ctx context.Context, runID string, q EventQuery) ([]Event, error)
	// LastEvents returns the final k events for a run in seq order.
	LastEvents(ctx context.Context, runID string, k int) ([]Event, error)

	PutAgentOutput(ctx context.Context, out AgentOutput) error
	AgentOutputs(ctx context.Context, runID string) ([]AgentOutput, error)

	// SetNotifier installs the event fan-out callback. Call before any
	// writes; not safe to swap concurrently with operations.
	SetNotifier(n Notifier)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// phaseOrder maps each phase to its position in the forward progression.
var phaseOrder = map[Phase]int{
	PhaseBundle:  0,
	PhaseExecute: 1,
	PhaseExtract: 2,
	PhaseDone:    3,
}

// CheckPhaseUpdate validates a PhaseUpdate against the current run. Shared
// by adapters so the state machine lives in one place.
func CheckPhaseUpdate(cur Run, upd PhaseUpdate) error {
	if cur.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", cur.RunID, cur.Status, ErrInvalidTransition)
	}
	from, ok := phaseOrder[cur.Phase]
	if !ok {
		return fmt.Errorf("run %s has unknown phase %q: %w", cur.RunID, cur.Phase, ErrInvalidTransition)
	}
	to, ok := phaseOrder[upd.Phase]
	if !ok {
		return fmt.Errorf("unknown target phase %q: %w", upd.Phase, ErrInvalidTransition)
	}
	if to < from {
		return fmt.Errorf("phase cannot move backward (%s -> %s): %w", cur.Phase, upd.Phase, ErrInvalidTransition)
	}
	if upd.Phase == PhaseDone && (upd.Status == nil || !upd.Status.Terminal()) {
		return fmt.Errorf("phase done requires a terminal status: %w", ErrInvalidTransition)
	}
	if upd.Status != nil {
		if err := checkStatusChange(cur.Status, *upd.Status); err != nil {
			return err
		}
		if upd.Status.Terminal() && upd.Phase != PhaseDone {
			return fmt.Errorf("terminal status requires phase done: %w", ErrInvalidTransition)
		}
		if *upd.Status == StatusFailed && upd.Error == nil {
			return fmt.Errorf("failed status requires an error: %w", ErrInvalidTransition)
		}
	}
	return nil
}

func checkStatusChange(from, to Status) error {
	switch from {
	case StatusQueued:
		if to == StatusRunning || to == StatusFailed || to == StatusQueued {
			return nil
		}
	case StatusRunning:
		return nil // running -> any of queued (requeue), succeeded, failed
	}
	return fmt.Errorf("status cannot move %s -> %s: %w", from, to, ErrInvalidTransition)
}

// CheckRelease validates a ReleaseRequest against the current run.
func CheckRelease(cur Run, rel ReleaseRequest) error {
	if cur.Status.Terminal() {
		return fmt.Errorf("run %s already %s: %w", cur.RunID, cur.Status, ErrInvalidTransition)
	}
	if cur.ClaimedBy != rel.WorkerID {
		return fmt.Errorf("run %s held by %q, not %q: %w", cur.RunID, cur.ClaimedBy, rel.WorkerID, ErrLeaseStolen)
	}
	if !rel.Final.Terminal() {
		return fmt.Errorf("release requires a terminal status, got %q: %w", rel.Final, ErrInvalidTransition)
	}
	if rel.Final == StatusFailed && rel.Error == nil {
		return fmt.Errorf("failed release requires an error: %w", ErrInvalidTransition)
	}
	if rel.Final == StatusSucceeded && rel.Error != nil {
		return fmt.Errorf("succeeded release cannot carry an error: %w", ErrInvalidTransition)
	}
	return nil
}
