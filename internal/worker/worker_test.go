package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/pipeline"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/scheduler"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type reportCall struct {
	ContentID string
	RunID     string
	Step      string
	Status    string
	Result    json.RawMessage
	Err       string
}

type fakeReporter struct {
	calls   []reportCall
	rejects map[string]string // status -> reason
}

func (f *fakeReporter) MarkStepCompleted(_ context.Context, contentID, runID, step, status string, result json.RawMessage, stepErr string) (pipeline.Ack, error) {
	f.calls = append(f.calls, reportCall{contentID, runID, step, status, result, stepErr})
	if reason, ok := f.rejects[status]; ok {
		return pipeline.Ack{Applied: false, Reason: reason}, nil
	}
	return pipeline.Ack{Applied: true, RunStatus: pipeline.RunRunning}, nil
}

type fakeQueue struct {
	steps     []streams.StepJob
	delays    []time.Duration
	finalizes []streams.FinalizeJob
	dead      []streams.DeadJob
}

func (f *fakeQueue) EnqueueStep(_ context.Context, job streams.StepJob, delay time.Duration) (string, error) {
	f.steps = append(f.steps, job)
	f.delays = append(f.delays, delay)
	return "job-1", nil
}

func (f *fakeQueue) EnqueueFinalize(_ context.Context, job streams.FinalizeJob, _ time.Duration) (string, error) {
	f.finalizes = append(f.finalizes, job)
	return "fin-1", nil
}

func (f *fakeQueue) PublishDead(_ context.Context, job streams.DeadJob) (string, error) {
	f.dead = append(f.dead, job)
	return "dead-1", nil
}

type fakeRunner struct {
	result json.RawMessage
	err    error
	jobs   []streams.StepJob
}

func (f *fakeRunner) Execute(_ context.Context, job streams.StepJob) (json.RawMessage, error) {
	f.jobs = append(f.jobs, job)
	return f.result, f.err
}

type fakeGuard struct{ adm scheduler.Admission }

func (f fakeGuard) AllowTask(context.Context) scheduler.Admission { return f.adm }

func stepMessage(t *testing.T, job streams.StepJob) streams.Message {
	t.Helper()
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        "evt-1",
			EventType:      streams.EventStepDispatch,
			PayloadVersion: streams.PayloadV1,
			Data:           data,
		},
	}
}

func newTestProcessor(state Reporter, queue Queue, runner StepRunner, guard scheduler.ResourceGuard) *Processor {
	return NewProcessor(testLogger(), nil, queue, state, runner, guard,
		config.SchedulerConfig{MaxDeferrals: 2, GuardRetryIn: 30 * time.Second}, nil, nil)
}

func TestHandleStepExecutesAndReports(t *testing.T) {
	state := &fakeReporter{}
	queue := &fakeQueue{}
	runner := &fakeRunner{result: json.RawMessage(`{"face_count":1}`)}
	p := newTestProcessor(state, queue, runner, fakeGuard{adm: scheduler.Admission{Allow: true}})

	job := streams.StepJob{ScopeID: "scope-1", ContentID: "content-1", RunID: "run-1", Step: pipeline.StepFaces}
	if err := p.handleStep(context.Background(), stepMessage(t, job)); err != nil {
		t.Fatalf("handleStep: %v", err)
	}

	if len(runner.jobs) != 1 {
		t.Fatalf("expected one execution, got %d", len(runner.jobs))
	}
	if len(state.calls) != 2 {
		t.Fatalf("expected running + succeeded reports, got %d", len(state.calls))
	}
	if state.calls[0].Status != pipeline.StepRunning {
		t.Errorf("first report status = %s, want running", state.calls[0].Status)
	}
	if state.calls[1].Status != pipeline.StepSucceeded {
		t.Errorf("second report status = %s, want succeeded", state.calls[1].Status)
	}
	if len(queue.finalizes) != 1 || queue.finalizes[0].ContentID != "content-1" {
		t.Errorf("expected one finalize enqueue for content-1, got %+v", queue.finalizes)
	}
}

func TestHandleStepReportsFailure(t *testing.T) {
	state := &fakeReporter{}
	queue := &fakeQueue{}
	runner := &fakeRunner{err: errors.New("detector unreachable")}
	p := newTestProcessor(state, queue, runner, fakeGuard{adm: scheduler.Admission{Allow: true}})

	job := streams.StepJob{ScopeID: "scope-1", ContentID: "content-1", RunID: "run-1", Step: pipeline.StepVisual}
	if err := p.handleStep(context.Background(), stepMessage(t, job)); err != nil {
		t.Fatalf("handleStep: %v", err)
	}

	last := state.calls[len(state.calls)-1]
	if last.Status != pipeline.StepFailed {
		t.Errorf("final status = %s, want failed", last.Status)
	}
	if last.Err != "detector unreachable" {
		t.Errorf("step error = %q", last.Err)
	}
	if len(queue.finalizes) != 1 {
		t.Errorf("failed step must still trigger finalize, got %d", len(queue.finalizes))
	}
}

func TestHandleStepSkipsStaleRun(t *testing.T) {
	state := &fakeReporter{rejects: map[string]string{pipeline.StepRunning: pipeline.AckStaleRun}}
	queue := &fakeQueue{}
	runner := &fakeRunner{}
	p := newTestProcessor(state, queue, runner, fakeGuard{adm: scheduler.Admission{Allow: true}})

	job := streams.StepJob{ScopeID: "scope-1", ContentID: "content-1", RunID: "old-run", Step: pipeline.StepVisual}
	if err := p.handleStep(context.Background(), stepMessage(t, job)); err != nil {
		t.Fatalf("handleStep: %v", err)
	}

	if len(runner.jobs) != 0 {
		t.Errorf("stale run must not execute, got %d executions", len(runner.jobs))
	}
	if len(queue.finalizes) != 0 {
		t.Errorf("stale run must not finalize, got %d", len(queue.finalizes))
	}
}

func TestHandleStepDefersWhenDenied(t *testing.T) {
	state := &fakeReporter{}
	queue := &fakeQueue{}
	runner := &fakeRunner{}
	denied := scheduler.Admission{Allow: false, Reason: scheduler.DenyQueueLag, RetryIn: 45 * time.Second}
	p := newTestProcessor(state, queue, runner, fakeGuard{adm: denied})

	job := streams.StepJob{ScopeID: "scope-1", ContentID: "content-1", RunID: "run-1", Step: pipeline.StepFaces}
	if err := p.handleStep(context.Background(), stepMessage(t, job)); err != nil {
		t.Fatalf("handleStep: %v", err)
	}

	if len(runner.jobs) != 0 {
		t.Fatalf("denied job must not execute")
	}
	if len(queue.steps) != 1 {
		t.Fatalf("expected one re-enqueue, got %d", len(queue.steps))
	}
	if queue.steps[0].Deferrals != 1 {
		t.Errorf("deferral count = %d, want 1", queue.steps[0].Deferrals)
	}
	if queue.delays[0] != 45*time.Second {
		t.Errorf("retry delay = %v, want 45s", queue.delays[0])
	}
	if len(state.calls) != 0 {
		t.Errorf("deferral must not touch run state, got %d reports", len(state.calls))
	}
}

func TestHandleStepFailsAfterDeferralBudget(t *testing.T) {
	state := &fakeReporter{}
	queue := &fakeQueue{}
	runner := &fakeRunner{}
	denied := scheduler.Admission{Allow: false, Reason: scheduler.DenyInFlight, RetryIn: time.Second}
	p := newTestProcessor(state, queue, runner, fakeGuard{adm: denied})

	job := streams.StepJob{ScopeID: "scope-1", ContentID: "content-1", RunID: "run-1", Step: pipeline.StepFaces, Deferrals: 2}
	if err := p.handleStep(context.Background(), stepMessage(t, job)); err != nil {
		t.Fatalf("handleStep: %v", err)
	}

	if len(queue.steps) != 0 {
		t.Fatalf("exhausted job must not re-enqueue")
	}
	if len(state.calls) != 1 || state.calls[0].Status != pipeline.StepFailed {
		t.Fatalf("expected one failed report, got %+v", state.calls)
	}
	if state.calls[0].Err != pipeline.ReasonDeferredTooManyTimes {
		t.Errorf("failure reason = %q", state.calls[0].Err)
	}
	if len(queue.dead) != 1 || queue.dead[0].Step != pipeline.StepFaces {
		t.Errorf("expected dead-letter entry, got %+v", queue.dead)
	}
	if len(queue.finalizes) != 1 {
		t.Errorf("exhausted step must still trigger finalize")
	}
}
