package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
)

type recordingQueue struct {
	mu        sync.Mutex
	steps     []streams.StepJob
	finalizes []streams.FinalizeJob
	delays    []time.Duration
}

func (q *recordingQueue) EnqueueStep(_ context.Context, job streams.StepJob, _ time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steps = append(q.steps, job)
	return fmt.Sprintf("job-%d", len(q.steps)), nil
}

func (q *recordingQueue) EnqueueFinalize(_ context.Context, job streams.FinalizeJob, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finalizes = append(q.finalizes, job)
	q.delays = append(q.delays, delay)
	return "finalize-1", nil
}

type staticProbe struct {
	live bool
	err  error
}

func (p staticProbe) HasLiveEntry(context.Context, string, string, string, string) (bool, error) {
	return p.live, p.err
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		RequiredSteps:        []string{StepVisual, StepFaces, StepMetadata},
		OptionalSteps:        []string{StepOCR, StepVideo},
		StalenessThreshold:   10 * time.Minute,
		MaxReinitializations: 2,
		FinalizerLockTTL:     30 * time.Second,
		FinalizerBackoffMin:  14 * time.Second,
		FinalizerBackoffMax:  18 * time.Second,
		FinalizerBackoffCap:  5 * time.Minute,
	}
}

func startRun(t *testing.T, store *memoryRunStore, required, optional []string) string {
	t.Helper()
	state := NewState(store, testLogger())
	runID, err := state.Start(context.Background(), "scope-1", "content-1", required, optional)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return runID
}

func TestEvaluateDispatchesPendingSteps(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual, StepFaces}, []string{StepVideo})

	fin := NewFinalizer(store, queue, staticProbe{}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(queue.steps) != 3 {
		t.Fatalf("dispatched %d steps, want 3", len(queue.steps))
	}
	run, _, _ := store.GetRun(context.Background(), "content-1")
	for name, rec := range run.Steps {
		if rec.Status != StepQueued {
			t.Fatalf("step %s status = %q, want queued", name, rec.Status)
		}
		if rec.ExternalJobID == "" || rec.QueueName != streams.StreamSteps {
			t.Fatalf("step %s missing dispatch bookkeeping: %+v", name, rec)
		}
	}
	if len(queue.finalizes) != 1 {
		t.Fatalf("rescheduled %d finalize jobs, want 1", len(queue.finalizes))
	}
	if run.Finalizer.Evaluations != 1 {
		t.Fatalf("evaluations = %d, want 1", run.Finalizer.Evaluations)
	}
}

func TestEvaluateCompletesRun(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual}, nil)

	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		r.Steps[StepVisual].Status = StepSucceeded
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed success: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	run, _, _ := store.GetRun(context.Background(), "content-1")
	if run.Status != RunCompleted {
		t.Fatalf("run status = %q, want completed", run.Status)
	}
	if run.FinishedAt == nil {
		t.Fatal("expected a finish timestamp")
	}
	if got := store.finalized["content-1"]; got != ContentStatusAnalyzed {
		t.Fatalf("content status = %q, want analyzed", got)
	}
	if len(queue.finalizes) != 0 {
		t.Fatal("terminal run must not reschedule finalization")
	}
}

func TestEvaluateWaitsForInFlightOptionalStep(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual}, []string{StepOCR})

	recent := time.Now().UTC()
	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		r.Steps[StepVisual].Status = StepSucceeded
		r.Steps[StepOCR].Status = StepQueued
		r.Steps[StepOCR].DispatchedAt = &recent
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{live: true}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	run, _, _ := store.GetRun(context.Background(), "content-1")
	if run.Status != RunRunning {
		t.Fatalf("run status = %q, want running while ocr is in flight", run.Status)
	}
	if _, ok := store.finalized["content-1"]; ok {
		t.Fatal("content status must not flip before every step settles")
	}
	if len(queue.finalizes) != 1 {
		t.Fatalf("rescheduled %d finalize jobs, want 1", len(queue.finalizes))
	}

	_, err = store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		r.Steps[StepOCR].Status = StepSucceeded
		return true, nil
	})
	if err != nil {
		t.Fatalf("settle ocr: %v", err)
	}
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	run, _, _ = store.GetRun(context.Background(), "content-1")
	if run.Status != RunCompleted {
		t.Fatalf("run status = %q, want completed once ocr settled", run.Status)
	}
}

func TestEvaluateDefersMetadataUntilVideoSettles(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual, StepMetadata}, []string{StepVideo})

	fin := NewFinalizer(store, queue, staticProbe{}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	for _, job := range queue.steps {
		if job.Step == StepMetadata {
			t.Fatal("metadata dispatched before the video outcome was known")
		}
	}
	run, _, _ := store.GetRun(context.Background(), "content-1")
	if run.Steps[StepMetadata].Status != StepPending {
		t.Fatalf("metadata status = %q, want pending", run.Steps[StepMetadata].Status)
	}

	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		r.Steps[StepVideo].Status = StepSkipped
		return true, nil
	})
	if err != nil {
		t.Fatalf("settle video: %v", err)
	}
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}

	var metadataJob *streams.StepJob
	for i := range queue.steps {
		if queue.steps[i].Step == StepMetadata {
			metadataJob = &queue.steps[i]
		}
	}
	if metadataJob == nil {
		t.Fatal("metadata step was not dispatched after video settled")
	}
	if !metadataJob.VisualOnly {
		t.Fatal("metadata job should carry the visual-only flag for a skipped video")
	}
}

func TestEvaluateRetriesFailedRequiredStep(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual, StepFaces}, nil)

	finished := time.Now().UTC().Add(-time.Minute)
	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		r.Steps[StepVisual].Status = StepFailed
		r.Steps[StepVisual].Error = "executor crashed"
		r.Steps[StepVisual].FinishedAt = &finished
		r.Steps[StepFaces].Status = StepSucceeded
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed failure: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	run, _, _ := store.GetRun(context.Background(), "content-1")
	if run.Status != RunRunning {
		t.Fatalf("run status = %q, want running while the step retries", run.Status)
	}
	rec := run.Steps[StepVisual]
	if rec.Status != StepQueued || rec.ReinitializeAttempts != 1 {
		t.Fatalf("step after retry = %+v, want queued with one reinitialization", rec)
	}
	if rec.FinishedAt != nil {
		t.Fatal("a retried step must shed its finish timestamp")
	}
	if len(queue.steps) != 1 || queue.steps[0].Step != StepVisual {
		t.Fatalf("dispatched %v, want a single visual retry", queue.steps)
	}
	if len(queue.finalizes) != 1 {
		t.Fatal("a retrying run must reschedule finalization")
	}
}

func TestEvaluateFailsRunOnceRetryBudgetGone(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	cfg := testPipelineConfig()
	startRun(t, store, []string{StepVisual, StepFaces}, nil)

	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		r.Steps[StepVisual].Status = StepFailed
		r.Steps[StepVisual].ReinitializeAttempts = cfg.MaxReinitializations
		r.Steps[StepFaces].Status = StepSucceeded
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed failure: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{}, cfg, testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	run, _, _ := store.GetRun(context.Background(), "content-1")
	if run.Status != RunFailed || run.Error != ReasonCoreDependenciesFailed {
		t.Fatalf("run = %q/%q, want failed/core_dependencies_failed", run.Status, run.Error)
	}
	if got := store.finalized["content-1"]; got != ContentStatusFailed {
		t.Fatalf("content status = %q, want failed", got)
	}
	if len(queue.steps) != 0 {
		t.Fatal("an exhausted step must not be redispatched")
	}
}

func TestEvaluateReinitializesStalledStep(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual}, nil)

	stale := time.Now().UTC().Add(-time.Hour)
	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		rec := r.Steps[StepVisual]
		rec.Status = StepQueued
		rec.DispatchedAt = &stale
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed stale step: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{live: false}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(queue.steps) != 1 {
		t.Fatalf("dispatched %d steps, want 1", len(queue.steps))
	}
	run, _, _ := store.GetRun(context.Background(), "content-1")
	rec := run.Steps[StepVisual]
	if rec.ReinitializeAttempts != 1 || rec.Error != ReasonStepReinitialized {
		t.Fatalf("step after recovery = %+v", rec)
	}
	if rec.Status != StepQueued || rec.DispatchedAt.Equal(stale) {
		t.Fatalf("step not redispatched: %+v", rec)
	}
}

func TestEvaluateLeavesLiveStepsAlone(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual}, nil)

	stale := time.Now().UTC().Add(-time.Hour)
	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		rec := r.Steps[StepVisual]
		rec.Status = StepRunning
		rec.DispatchedAt = &stale
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed stale step: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{live: true}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(queue.steps) != 0 {
		t.Fatalf("dispatched %d steps for a live entry, want 0", len(queue.steps))
	}
}

func TestEvaluateFailsStepAfterReinitializationBudget(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	cfg := testPipelineConfig()
	startRun(t, store, []string{StepVisual}, nil)

	stale := time.Now().UTC().Add(-time.Hour)
	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		rec := r.Steps[StepVisual]
		rec.Status = StepQueued
		rec.DispatchedAt = &stale
		rec.ReinitializeAttempts = cfg.MaxReinitializations
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed exhausted step: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{live: false}, cfg, testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	run, _, _ := store.GetRun(context.Background(), "content-1")
	rec := run.Steps[StepVisual]
	if rec.Status != StepFailed || rec.Error != ReasonStepStalledTimeout {
		t.Fatalf("step = %q/%q, want failed/step_stalled_timeout", rec.Status, rec.Error)
	}
	if run.Status != RunFailed {
		t.Fatalf("run status = %q, want failed", run.Status)
	}
	if len(queue.steps) != 0 {
		t.Fatal("exhausted step must not be redispatched")
	}
}

func TestEvaluateAppliesVideoFallback(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual, StepMetadata}, []string{StepVideo})

	_, err := store.MutateRun(context.Background(), "content-1", func(r *Run) (bool, error) {
		r.Steps[StepVisual].Status = StepSucceeded
		r.Steps[StepVideo].Status = StepFailed
		r.Steps[StepVideo].Error = "decoder crashed"
		return true, nil
	})
	if err != nil {
		t.Fatalf("seed video failure: %v", err)
	}

	fin := NewFinalizer(store, queue, staticProbe{}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	run, _, _ := store.GetRun(context.Background(), "content-1")
	video := run.Steps[StepVideo]
	if video.Status != StepSucceeded {
		t.Fatalf("video status = %q, want succeeded after fallback", video.Status)
	}
	var result VideoResult
	if err := DecodeResult(video.Result, &result); err != nil {
		t.Fatalf("decode fallback result: %v", err)
	}
	if result.Fallback != FallbackVisualOnly {
		t.Fatalf("fallback marker = %q, want %q", result.Fallback, FallbackVisualOnly)
	}

	var metadataJob *streams.StepJob
	for i := range queue.steps {
		if queue.steps[i].Step == StepMetadata {
			metadataJob = &queue.steps[i]
		}
	}
	if metadataJob == nil {
		t.Fatal("metadata step was not dispatched")
	}
	if !metadataJob.VisualOnly {
		t.Fatal("metadata job should carry the visual-only flag")
	}
}

func TestEvaluateSkipsWhenLockHeld(t *testing.T) {
	store := newMemoryRunStore()
	queue := &recordingQueue{}
	startRun(t, store, []string{StepVisual}, nil)

	held, err := store.AcquireFinalizerLock(context.Background(), "content-1", time.Minute)
	if err != nil || !held {
		t.Fatalf("seed lock: held=%v err=%v", held, err)
	}

	fin := NewFinalizer(store, queue, staticProbe{}, testPipelineConfig(), testLogger())
	if err := fin.Evaluate(context.Background(), "scope-1", "content-1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(queue.steps) != 0 || len(queue.finalizes) != 0 {
		t.Fatal("a pass without the lock must not act")
	}
}

func TestBackoffBandAndCap(t *testing.T) {
	cfg := testPipelineConfig()
	fin := NewFinalizer(nil, nil, nil, cfg, testLogger())

	for i := 0; i < 50; i++ {
		d := fin.backoff(1)
		if d < cfg.FinalizerBackoffMin || d > cfg.FinalizerBackoffMax {
			t.Fatalf("first backoff %v outside [%v, %v]", d, cfg.FinalizerBackoffMin, cfg.FinalizerBackoffMax)
		}
	}
	if d := fin.backoff(3); d < 4*cfg.FinalizerBackoffMin {
		t.Fatalf("third backoff %v did not double twice", d)
	}
	if d := fin.backoff(20); d != cfg.FinalizerBackoffCap {
		t.Fatalf("deep backoff %v, want cap %v", d, cfg.FinalizerBackoffCap)
	}
}
