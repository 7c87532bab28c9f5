package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned by RunStore implementations when no run row
// exists for a content item.
var ErrRunNotFound = errors.New("pipeline run not found")

// RunStore is the durable surface the pipeline coordinates through. The
// Postgres store implements it; tests stub it.
type RunStore interface {
	// InsertRun persists a fresh run for the content item, superseding any
	// prior run in the same row.
	InsertRun(ctx context.Context, scopeID, contentID string, run *Run) error
	GetRun(ctx context.Context, contentID string) (*Run, bool, error)
	// MutateRun applies fn to the current run document under a row lock.
	// fn returns whether the document changed; the mutated run is returned.
	MutateRun(ctx context.Context, contentID string, fn func(*Run) (bool, error)) (*Run, error)
	// AcquireFinalizerLock performs an atomic compare-and-set on the run's
	// advisory lock column. It returns false when another finalizer holds it.
	AcquireFinalizerLock(ctx context.Context, contentID string, ttl time.Duration) (bool, error)
	ReleaseFinalizerLock(ctx context.Context, contentID string) error
	// FinalizeRun writes the terminal run document and flips the content
	// item's visible status in one transaction.
	FinalizeRun(ctx context.Context, contentID string, run *Run, contentStatus string) error
}

// Ack is the structured response to a completion report. Semantic rejections
// (stale run, duplicate report) are carried here, never as Go errors.
type Ack struct {
	Applied   bool   `json:"applied"`
	Reason    string `json:"reason,omitempty"`
	RunStatus string `json:"run_status,omitempty"`
}

// Ack reasons.
const (
	AckStaleRun            = "stale_run"
	AckRunTerminal         = "run_terminal"
	AckUnknownStep         = "unknown_step"
	AckStepAlreadyTerminal = "step_already_terminal"
)

// State manages per-content-item run records.
type State struct {
	store  RunStore
	logger *log.Logger
}

// NewState constructs a State over the given store.
func NewState(store RunStore, logger *log.Logger) *State {
	return &State{store: store, logger: logger}
}

// Start opens a fresh run with all steps pending. Any previous run for the
// content item is superseded: later completion reports carrying the old
// run_id are rejected as stale.
func (s *State) Start(ctx context.Context, scopeID, contentID string, required, optional []string) (string, error) {
	if contentID == "" {
		return "", fmt.Errorf("content id is required")
	}
	if len(required) == 0 {
		return "", fmt.Errorf("at least one required step is needed")
	}
	runID := uuid.NewString()
	run := NewRun(runID, required, optional, time.Now().UTC())
	if err := s.store.InsertRun(ctx, scopeID, contentID, run); err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	s.logger.Printf("started run %s for content %s (required=%v optional=%v)", runID, contentID, required, optional)
	return runID, nil
}

// MarkStepCompleted records a step worker's completion report. It is
// idempotent by (run_id, step): duplicate deliveries, reports against a
// superseded run and reports for an already-terminal step are absorbed as
// no-op acks. The returned error covers storage failures only.
func (s *State) MarkStepCompleted(ctx context.Context, contentID, runID, step, status string, result json.RawMessage, stepErr string) (Ack, error) {
	switch status {
	case StepRunning, StepSucceeded, StepFailed, StepSkipped:
	default:
		return Ack{Applied: false, Reason: fmt.Sprintf("unsupported status %q", status)}, nil
	}

	var ack Ack
	_, err := s.store.MutateRun(ctx, contentID, func(run *Run) (bool, error) {
		if run.RunID != runID {
			ack = Ack{Applied: false, Reason: AckStaleRun, RunStatus: run.Status}
			return false, nil
		}
		if run.Terminal() {
			ack = Ack{Applied: false, Reason: AckRunTerminal, RunStatus: run.Status}
			return false, nil
		}
		rec, ok := run.Steps[step]
		if !ok {
			ack = Ack{Applied: false, Reason: AckUnknownStep, RunStatus: run.Status}
			return false, nil
		}
		if rec.Terminal() {
			ack = Ack{Applied: false, Reason: AckStepAlreadyTerminal, RunStatus: run.Status}
			return false, nil
		}
		rec.Status = status
		if len(result) > 0 {
			rec.Result = result
		}
		rec.Error = stepErr
		if rec.Terminal() {
			now := time.Now().UTC()
			rec.FinishedAt = &now
			rec.Attempts++
		}
		ack = Ack{Applied: true, RunStatus: run.Status}
		return true, nil
	})
	if errors.Is(err, ErrRunNotFound) {
		return Ack{Applied: false, Reason: AckStaleRun}, nil
	}
	if err != nil {
		return Ack{}, fmt.Errorf("mutate run: %w", err)
	}
	if !ack.Applied {
		s.logger.Printf("completion report ignored for content %s step %s: %s", contentID, step, ack.Reason)
	}
	return ack, nil
}
