package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/pipeline"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/scheduler"
	"github.com/ramin-karimi/facegraph/internal/telemetry"
)

// Consumer is the slice of the stream consumer the worker needs.
type Consumer interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// Queue is the slice of the publisher the worker needs.
type Queue interface {
	EnqueueStep(ctx context.Context, job streams.StepJob, delay time.Duration) (string, error)
	EnqueueFinalize(ctx context.Context, job streams.FinalizeJob, delay time.Duration) (string, error)
	PublishDead(ctx context.Context, job streams.DeadJob) (string, error)
}

// Reporter records step completion on the run document.
type Reporter interface {
	MarkStepCompleted(ctx context.Context, contentID, runID, step, status string, result json.RawMessage, stepErr string) (pipeline.Ack, error)
}

// StepRunner executes one step job.
type StepRunner interface {
	Execute(ctx context.Context, job streams.StepJob) (json.RawMessage, error)
}

// claimIdleAfter is how long a delivery may sit unacked on a dead consumer
// before a live one claims it.
const claimIdleAfter = 5 * time.Minute

// Processor consumes step dispatch jobs, admits them through the resource
// guard, executes them and reports completion back to the run document.
type Processor struct {
	logger   *log.Logger
	consumer Consumer
	queue    Queue
	state    Reporter
	runner   StepRunner
	guard    scheduler.ResourceGuard
	cfg      config.SchedulerConfig

	tracer          trace.Tracer
	stepCounter     otelmetric.Int64Counter
	deferralCounter otelmetric.Int64Counter
	deadCounter     otelmetric.Int64Counter
}

func NewProcessor(logger *log.Logger, consumer Consumer, queue Queue, state Reporter, runner StepRunner, guard scheduler.ResourceGuard, cfg config.SchedulerConfig, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	p := &Processor{
		logger:   logger,
		consumer: consumer,
		queue:    queue,
		state:    state,
		runner:   runner,
		guard:    guard,
		cfg:      cfg,
		tracer:   tracer,
	}
	if meter != nil {
		var err error
		p.stepCounter, err = meter.Int64Counter("worker_steps_executed")
		if err != nil {
			logger.Printf("warn: create step counter failed: %v", err)
		}
		p.deferralCounter, err = meter.Int64Counter("worker_steps_deferred")
		if err != nil {
			logger.Printf("warn: create deferral counter failed: %v", err)
		}
		p.deadCounter, err = meter.Int64Counter("worker_steps_dead")
		if err != nil {
			logger.Printf("warn: create dead counter failed: %v", err)
		}
	}
	return p
}

// Start blocks, continuously processing step jobs until the context is
// cancelled. Stuck deliveries left by dead consumers are reclaimed first.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("step worker starting; consuming stream %s", streams.StreamSteps)
	if err := p.reclaim(ctx); err != nil {
		p.logger.Printf("warn: reclaim pending deliveries failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("step worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, streams.StreamSteps, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			p.logger.Printf("error reading step stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := p.handleStep(ctx, msg); err != nil {
				p.logger.Printf("error handling step message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, streams.StreamSteps, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (p *Processor) handleStep(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_step")
	defer span.End()

	var job streams.StepJob
	if err := json.Unmarshal(msg.Envelope.Data, &job); err != nil {
		return fmt.Errorf("unmarshal step job: %w", err)
	}

	if p.guard != nil {
		adm := p.guard.AllowTask(ctx)
		if !adm.Allow {
			return p.deferJob(ctx, job, adm)
		}
	}

	ack, err := p.state.MarkStepCompleted(ctx, job.ContentID, job.RunID, job.Step, pipeline.StepRunning, nil, "")
	if err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}
	if !ack.Applied {
		// Superseded run, terminal step or duplicate delivery. Nothing to do.
		p.logger.Printf("skip step %s for content %s: %s", job.Step, job.ContentID, ack.Reason)
		return nil
	}

	status := pipeline.StepSucceeded
	stepErr := ""
	result, err := p.runner.Execute(ctx, job)
	if err != nil {
		status = pipeline.StepFailed
		stepErr = err.Error()
		p.logger.Printf("step %s for content %s failed: %v", job.Step, job.ContentID, err)
	}

	if _, err := p.state.MarkStepCompleted(ctx, job.ContentID, job.RunID, job.Step, status, result, stepErr); err != nil {
		return fmt.Errorf("record step completion: %w", err)
	}
	telemetry.RecordStepCompleted(job.Step, status)
	if p.stepCounter != nil {
		p.stepCounter.Add(ctx, 1)
	}

	if _, err := p.queue.EnqueueFinalize(ctx, streams.FinalizeJob{
		ScopeID:   job.ScopeID,
		ContentID: job.ContentID,
		RunID:     job.RunID,
	}, 0); err != nil {
		return fmt.Errorf("enqueue finalize: %w", err)
	}
	return nil
}

// deferJob re-enqueues a denied job with the guard's retry delay, up to the
// deferral budget; past it, the step fails for good and goes to the dead
// stream for operator review.
func (p *Processor) deferJob(ctx context.Context, job streams.StepJob, adm scheduler.Admission) error {
	if job.Deferrals < p.cfg.MaxDeferrals {
		job.Deferrals++
		delay := adm.RetryIn
		if delay <= 0 {
			delay = 15 * time.Second
		}
		p.logger.Printf("deferring step %s for content %s (%s, deferral %d/%d)",
			job.Step, job.ContentID, adm.Reason, job.Deferrals, p.cfg.MaxDeferrals)
		if _, err := p.queue.EnqueueStep(ctx, job, delay); err != nil {
			return fmt.Errorf("re-enqueue deferred step: %w", err)
		}
		if p.deferralCounter != nil {
			p.deferralCounter.Add(ctx, 1)
		}
		return nil
	}

	if _, err := p.state.MarkStepCompleted(ctx, job.ContentID, job.RunID, job.Step,
		pipeline.StepFailed, nil, pipeline.ReasonDeferredTooManyTimes); err != nil {
		return fmt.Errorf("fail deferred step: %w", err)
	}
	telemetry.RecordStepCompleted(job.Step, pipeline.StepFailed)
	if _, err := p.queue.PublishDead(ctx, streams.DeadJob{
		ScopeID:   job.ScopeID,
		ContentID: job.ContentID,
		RunID:     job.RunID,
		Step:      job.Step,
		Reason:    pipeline.ReasonDeferredTooManyTimes,
	}); err != nil {
		p.logger.Printf("warn: publish dead job for content %s step %s: %v", job.ContentID, job.Step, err)
	}
	if p.deadCounter != nil {
		p.deadCounter.Add(ctx, 1)
	}
	if _, err := p.queue.EnqueueFinalize(ctx, streams.FinalizeJob{
		ScopeID:   job.ScopeID,
		ContentID: job.ContentID,
		RunID:     job.RunID,
	}, 0); err != nil {
		return fmt.Errorf("enqueue finalize: %w", err)
	}
	return nil
}

// reclaim sweeps deliveries stranded on dead consumers back onto this one.
func (p *Processor) reclaim(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, streams.StreamSteps, claimIdleAfter, start, 32)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := p.handleStep(ctx, msg); err != nil {
				p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, streams.StreamSteps, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack reclaimed message %s: %v", msg.ID, err)
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}
