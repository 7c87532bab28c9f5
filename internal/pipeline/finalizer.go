package pipeline

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/telemetry"
)

// JobQueue is the slice of the stream publisher the finalizer needs.
type JobQueue interface {
	EnqueueStep(ctx context.Context, job streams.StepJob, delay time.Duration) (string, error)
	EnqueueFinalize(ctx context.Context, job streams.FinalizeJob, delay time.Duration) (string, error)
}

// QueueProbe checks whether a live queue entry (queued, in flight or
// scheduled) still exists for a step. Used to distinguish a slow worker from
// a lost job.
type QueueProbe interface {
	HasLiveEntry(ctx context.Context, stream, scopeID, contentID, step string) (bool, error)
}

// Finalizer drives a run towards a terminal status: it dispatches pending
// steps, recovers stalled ones, applies optional-step fallbacks and flips the
// content item's visible status once the required set is decided. Instances
// on different hosts coordinate through the run row's advisory lock, so
// running several finalizers against the same content item is safe.
type Finalizer struct {
	store  RunStore
	queue  JobQueue
	probe  QueueProbe
	cfg    config.PipelineConfig
	logger *log.Logger
}

func NewFinalizer(store RunStore, queue JobQueue, probe QueueProbe, cfg config.PipelineConfig, logger *log.Logger) *Finalizer {
	return &Finalizer{store: store, queue: queue, probe: probe, cfg: cfg, logger: logger}
}

// stepAction is one decision computed from a run snapshot.
type stepAction struct {
	step         string
	dispatch     bool
	reinitialize bool
	retry        bool // re-dispatch of a failed step; bypasses the terminal guard
	fail         bool
	fallback     bool
	attempt      int
}

// Evaluate performs one finalization pass over the content item's run. It is
// safe to call repeatedly and concurrently; a pass that loses the advisory
// lock or finds a terminal run is a cheap no-op.
func (f *Finalizer) Evaluate(ctx context.Context, scopeID, contentID string) error {
	run, ok, err := f.store.GetRun(ctx, contentID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !ok {
		f.logger.Printf("finalize skipped: no run for content %s", contentID)
		return nil
	}
	if run.Terminal() {
		return nil
	}

	acquired, err := f.store.AcquireFinalizerLock(ctx, contentID, f.cfg.FinalizerLockTTL)
	if err != nil {
		return fmt.Errorf("acquire finalizer lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := f.store.ReleaseFinalizerLock(ctx, contentID); err != nil {
			f.logger.Printf("release finalizer lock for content %s: %v", contentID, err)
		}
	}()

	now := time.Now().UTC()
	actions, err := f.plan(ctx, scopeID, contentID, run, now)
	if err != nil {
		return err
	}

	// Dispatch before recording: a worker racing ahead of the bookkeeping
	// write is absorbed by MarkStepCompleted's idempotency, while a recorded
	// dispatch that never reached the queue would need the staleness sweep
	// to notice.
	jobIDs := make(map[string]string, len(actions))
	visualOnly := f.visualOnly(run)
	for _, act := range actions {
		if !act.dispatch {
			continue
		}
		id, err := f.queue.EnqueueStep(ctx, streams.StepJob{
			ScopeID:    scopeID,
			ContentID:  contentID,
			RunID:      run.RunID,
			Step:       act.step,
			Attempt:    act.attempt,
			VisualOnly: visualOnly && act.step == StepMetadata,
		}, 0)
		if err != nil {
			return fmt.Errorf("enqueue step %s: %w", act.step, err)
		}
		jobIDs[act.step] = id
	}

	updated, err := f.store.MutateRun(ctx, contentID, func(r *Run) (bool, error) {
		if r.RunID != run.RunID || r.Terminal() {
			return false, nil
		}
		changed := false
		for _, act := range actions {
			rec, ok := r.Steps[act.step]
			if !ok {
				continue
			}
			switch {
			case act.fail:
				if rec.Terminal() {
					continue
				}
				rec.Status = StepFailed
				rec.Error = ReasonStepStalledTimeout
				finished := now
				rec.FinishedAt = &finished
				changed = true
			case act.fallback:
				if rec.Status != StepFailed {
					continue
				}
				result, err := EncodeResult(VideoResult{Fallback: FallbackVisualOnly})
				if err != nil {
					return false, err
				}
				rec.Status = StepSucceeded
				rec.Result = result
				finished := now
				rec.FinishedAt = &finished
				changed = true
			case act.dispatch:
				if act.retry {
					// Only a still-failed step may be resurrected; a racing
					// completion report wins.
					if rec.Status != StepFailed {
						continue
					}
					rec.FinishedAt = nil
				} else if rec.Terminal() {
					continue
				}
				if act.reinitialize {
					rec.ReinitializeAttempts++
					rec.Error = ReasonStepReinitialized
					telemetry.RecordStepReinitialized()
				}
				rec.Status = StepQueued
				rec.QueueName = streams.StreamSteps
				rec.ExternalJobID = jobIDs[act.step]
				dispatched := now
				rec.DispatchedAt = &dispatched
				changed = true
			}
		}
		// The evaluation counter always advances, so the document always
		// changes once the run id matched.
		r.Finalizer.Evaluations++
		changed = true
		return changed, nil
	})
	if err != nil {
		return fmt.Errorf("record finalizer pass: %w", err)
	}

	allDone, failed := updated.RequiredOutcome()
	switch {
	case failed:
		return f.finish(ctx, contentID, updated, RunFailed, ContentStatusFailed, now)
	case allDone && !updated.Pending():
		// Every required step is terminal and no step (optional ones
		// included) is still pending, queued or running.
		return f.finish(ctx, contentID, updated, RunCompleted, ContentStatusAnalyzed, now)
	default:
		delay := f.backoff(updated.Finalizer.Evaluations)
		if _, err := f.queue.EnqueueFinalize(ctx, streams.FinalizeJob{
			ScopeID:   scopeID,
			ContentID: contentID,
			RunID:     updated.RunID,
		}, delay); err != nil {
			return fmt.Errorf("reschedule finalize: %w", err)
		}
		return nil
	}
}

// plan inspects every step and decides dispatches, recoveries and failures.
func (f *Finalizer) plan(ctx context.Context, scopeID, contentID string, run *Run, now time.Time) ([]stepAction, error) {
	var actions []stepAction
	for step, rec := range run.Steps {
		switch rec.Status {
		case StepPending:
			// Metadata consumes the video outcome (visual-only marker), so it
			// waits until video has settled one way or the other.
			if step == StepMetadata && !f.videoSettled(run) {
				continue
			}
			actions = append(actions, stepAction{step: step, dispatch: true, attempt: rec.Attempts + 1})
		case StepQueued, StepRunning:
			if rec.Age(now) < f.cfg.StalenessThreshold {
				continue
			}
			live, err := f.probe.HasLiveEntry(ctx, streams.StreamSteps, scopeID, contentID, step)
			if err != nil {
				return nil, fmt.Errorf("probe queue for step %s: %w", step, err)
			}
			if live {
				continue
			}
			if rec.ReinitializeAttempts < f.cfg.MaxReinitializations {
				f.logger.Printf("reinitializing stalled step %s for content %s (attempt %d)",
					step, contentID, rec.ReinitializeAttempts+1)
				actions = append(actions, stepAction{
					step:         step,
					dispatch:     true,
					reinitialize: true,
					attempt:      rec.Attempts + 1,
				})
			} else {
				f.logger.Printf("failing stalled step %s for content %s: reinitialization budget exhausted",
					step, contentID)
				actions = append(actions, stepAction{step: step, fail: true})
			}
		case StepFailed:
			if step == StepVideo && !run.Required(step) {
				actions = append(actions, stepAction{step: step, fallback: true})
				continue
			}
			if !run.Required(step) {
				continue
			}
			// A failed required step is retried until its reinitialization
			// budget is gone; only then does the run fail.
			if rec.ReinitializeAttempts < f.cfg.MaxReinitializations {
				f.logger.Printf("retrying failed step %s for content %s (attempt %d/%d)",
					step, contentID, rec.ReinitializeAttempts+1, f.cfg.MaxReinitializations)
				actions = append(actions, stepAction{
					step:         step,
					dispatch:     true,
					reinitialize: true,
					retry:        true,
					attempt:      rec.Attempts + 1,
				})
			}
		}
	}
	return actions, nil
}

// videoSettled reports whether the run's video step, if any, has reached a
// terminal status.
func (f *Finalizer) videoSettled(run *Run) bool {
	rec, ok := run.Steps[StepVideo]
	if !ok {
		return true
	}
	return rec.Terminal()
}

// visualOnly reports whether video analysis is out of the picture for this
// run, so text-level steps should work from stills alone.
func (f *Finalizer) visualOnly(run *Run) bool {
	rec, ok := run.Steps[StepVideo]
	if !ok {
		return true
	}
	if rec.Status == StepFailed || rec.Status == StepSkipped {
		return true
	}
	var result VideoResult
	if len(rec.Result) > 0 && DecodeResult(rec.Result, &result) == nil {
		return result.Fallback == FallbackVisualOnly
	}
	return false
}

// finish writes the terminal run document and flips the content item's
// status in one transaction. The conditional update inside FinalizeRun makes
// this a no-op if the run was superseded or finalized concurrently.
func (f *Finalizer) finish(ctx context.Context, contentID string, run *Run, runStatus, contentStatus string, now time.Time) error {
	final := *run
	final.Status = runStatus
	final.FinishedAt = &now
	if runStatus == RunFailed {
		final.Error = ReasonCoreDependenciesFailed
	}
	if err := f.store.FinalizeRun(ctx, contentID, &final, contentStatus); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	telemetry.RecordRunFinalized(runStatus)
	f.logger.Printf("run %s for content %s finalized: %s", run.RunID, contentID, runStatus)
	return nil
}

// backoff computes the delay before the next evaluation: a uniform base band
// doubled per completed evaluation, capped.
func (f *Finalizer) backoff(evaluations int) time.Duration {
	min := f.cfg.FinalizerBackoffMin
	max := f.cfg.FinalizerBackoffMax
	base := min
	if max > min {
		base = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	delay := base
	for i := 1; i < evaluations; i++ {
		delay *= 2
		if delay >= f.cfg.FinalizerBackoffCap {
			return f.cfg.FinalizerBackoffCap
		}
	}
	if delay > f.cfg.FinalizerBackoffCap {
		delay = f.cfg.FinalizerBackoffCap
	}
	return delay
}
