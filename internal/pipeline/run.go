package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunSchemaVersion is stamped into every persisted run document so the stored
// shape can evolve without breaking older readers.
const RunSchemaVersion = 1

// Step names understood by the pipeline.
const (
	StepVisual   = "visual"
	StepFaces    = "faces"
	StepOCR      = "ocr"
	StepVideo    = "video"
	StepMetadata = "metadata"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepQueued    = "queued"
	StepRunning   = "running"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Failure and transition reasons surfaced in step errors and acks.
const (
	ReasonStepReinitialized      = "step_reinitialized"
	ReasonStepStalledTimeout     = "step_stalled_timeout"
	ReasonCoreDependenciesFailed = "core_dependencies_failed"
	ReasonDeferredTooManyTimes   = "deferred too many times"
)

// Content item visible statuses flipped by the finalizer.
const (
	ContentStatusPending  = "pending"
	ContentStatusAnalyzed = "analyzed"
	ContentStatusFailed   = "failed"
)

// StepRecord tracks one analysis stage within a run.
type StepRecord struct {
	Status               string          `json:"status"`
	Attempts             int             `json:"attempts"`
	QueueName            string          `json:"queue_name,omitempty"`
	ExternalJobID        string          `json:"external_job_id,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	DispatchedAt         *time.Time      `json:"dispatched_at,omitempty"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty"`
	ReinitializeAttempts int             `json:"reinitialize_attempts"`
}

// Age returns how long the step has sat in its current in-flight state.
func (s *StepRecord) Age(now time.Time) time.Duration {
	since := s.CreatedAt
	if s.DispatchedAt != nil {
		since = *s.DispatchedAt
	}
	return now.Sub(since)
}

// Terminal reports whether the step has reached a final status.
func (s *StepRecord) Terminal() bool {
	switch s.Status {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// FinalizerState carries the advisory lock and rescheduling bookkeeping.
type FinalizerState struct {
	LockUntil   *time.Time `json:"lock_until,omitempty"`
	Evaluations int        `json:"evaluations"`
}

// Run is the persisted record of one attempt to fully analyze a content item.
// It is stored as a single JSON document; the durable row is the only
// synchronization surface shared between step workers and the finalizer.
type Run struct {
	SchemaVersion int                    `json:"schema_version"`
	RunID         string                 `json:"run_id"`
	Status        string                 `json:"status"`
	RequiredSteps []string               `json:"required_steps"`
	Steps         map[string]*StepRecord `json:"steps"`
	Finalizer     FinalizerState         `json:"finalizer"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// NewRun builds a fresh run with every step pending.
func NewRun(runID string, required, optional []string, now time.Time) *Run {
	run := &Run{
		SchemaVersion: RunSchemaVersion,
		RunID:         runID,
		Status:        RunRunning,
		RequiredSteps: append([]string(nil), required...),
		Steps:         make(map[string]*StepRecord, len(required)+len(optional)),
		StartedAt:     now,
	}
	for _, name := range required {
		run.Steps[name] = &StepRecord{Status: StepPending, CreatedAt: now}
	}
	for _, name := range optional {
		if _, ok := run.Steps[name]; !ok {
			run.Steps[name] = &StepRecord{Status: StepPending, CreatedAt: now}
		}
	}
	return run
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// Required reports whether the named step is in the required set.
func (r *Run) Required(step string) bool {
	for _, name := range r.RequiredSteps {
		if name == step {
			return true
		}
	}
	return false
}

// RequiredOutcome inspects the required step set. allDone is true when every
// required step is terminal; failed is true when at least one required step
// failed without an accepted fallback.
func (r *Run) RequiredOutcome() (allDone, failed bool) {
	allDone = true
	for _, name := range r.RequiredSteps {
		rec, ok := r.Steps[name]
		if !ok {
			allDone = false
			continue
		}
		if !rec.Terminal() {
			allDone = false
			continue
		}
		if rec.Status == StepFailed {
			failed = true
		}
	}
	return allDone, failed
}

// Pending reports whether any step is still pending, queued or running.
func (r *Run) Pending() bool {
	for _, rec := range r.Steps {
		switch rec.Status {
		case StepPending, StepQueued, StepRunning:
			return true
		}
	}
	return false
}

// Encode serializes the run document.
func (r *Run) Encode() ([]byte, error) {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = RunSchemaVersion
	}
	return json.Marshal(r)
}

// DecodeRun parses a persisted run document and validates its schema version.
func DecodeRun(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run document: %w", err)
	}
	if run.SchemaVersion > RunSchemaVersion {
		return nil, fmt.Errorf("run document schema version %d is newer than supported %d",
			run.SchemaVersion, RunSchemaVersion)
	}
	if run.Steps == nil {
		run.Steps = map[string]*StepRecord{}
	}
	return &run, nil
}
