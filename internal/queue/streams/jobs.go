package streams

// Stream names used by the pipeline.
const (
	// StreamSteps carries step dispatch jobs consumed by the worker pool.
	StreamSteps = "pipeline.steps"
	// StreamControl carries finalize and profile-scan events.
	StreamControl = "pipeline.control"
	// StreamDead collects jobs that failed permanently, for operator review.
	StreamDead = "pipeline.dead"
	// ScheduledKey is the sorted set holding delayed envelopes until due.
	ScheduledKey = "pipeline.scheduled"
)

// Event types published to the streams above.
const (
	EventStepDispatch = "step.dispatch"
	EventFinalizeRun  = "run.finalize"
	EventScanProfile  = "profile.scan"
	EventStepDead     = "step.dead"
)

// PayloadV1 is the current payload version for all pipeline events.
const PayloadV1 = "v1"

// StepJob instructs a worker to execute one analysis step for a content item.
// The worker loads the content record itself; the job carries identity of the
// work unit only.
type StepJob struct {
	ScopeID   string `json:"scope_id"`
	ContentID string `json:"content_id"`
	RunID     string `json:"run_id"`
	Step      string `json:"step"`
	Attempt   int    `json:"attempt"`
	// VisualOnly is set when an upstream optional step fell back and the
	// receiving step must proceed on visual evidence alone.
	VisualOnly bool `json:"visual_only,omitempty"`
	// Deferrals counts resource-guard re-enqueues of this job.
	Deferrals int `json:"deferrals,omitempty"`
}

// FinalizeJob asks the finalizer to evaluate a run.
type FinalizeJob struct {
	ScopeID   string `json:"scope_id"`
	ContentID string `json:"content_id"`
	RunID     string `json:"run_id"`
}

// ScanJob asks the ingestion side to scan a profile scope for new content.
type ScanJob struct {
	ScopeID string `json:"scope_id"`
}

// DeadJob wraps a job that exhausted its retries, published to StreamDead.
type DeadJob struct {
	ScopeID   string `json:"scope_id"`
	ContentID string `json:"content_id"`
	RunID     string `json:"run_id,omitempty"`
	Step      string `json:"step,omitempty"`
	Reason    string `json:"reason"`
}
