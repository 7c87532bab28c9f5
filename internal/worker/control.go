package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ramin-karimi/facegraph/internal/queue/streams"
)

// FinalizeEvaluator runs one finalization pass over a content item's run.
type FinalizeEvaluator interface {
	Evaluate(ctx context.Context, scopeID, contentID string) error
}

// ProfileScanner ingests fresh content for a profile scope.
type ProfileScanner interface {
	Scan(ctx context.Context, scopeID string) error
}

// ControlLoop consumes the control stream: finalize events drive runs toward
// terminal status, scan events trigger profile ingestion.
type ControlLoop struct {
	logger    *log.Logger
	consumer  Consumer
	finalizer FinalizeEvaluator
	scanner   ProfileScanner
}

func NewControlLoop(logger *log.Logger, consumer Consumer, finalizer FinalizeEvaluator, scanner ProfileScanner) *ControlLoop {
	return &ControlLoop{logger: logger, consumer: consumer, finalizer: finalizer, scanner: scanner}
}

// Start blocks, processing control events until the context is cancelled.
func (c *ControlLoop) Start(ctx context.Context) error {
	c.logger.Printf("control loop starting; consuming stream %s", streams.StreamControl)
	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("control loop stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := c.consumer.Read(ctx, streams.StreamControl, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			c.logger.Printf("error reading control stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := c.handle(ctx, msg); err != nil {
				c.logger.Printf("error handling control message %s: %v", msg.ID, err)
			}
			if err := c.consumer.Ack(ctx, streams.StreamControl, msg.ID); err != nil {
				c.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (c *ControlLoop) handle(ctx context.Context, msg streams.Message) error {
	switch msg.Envelope.EventType {
	case streams.EventFinalizeRun:
		var job streams.FinalizeJob
		if err := json.Unmarshal(msg.Envelope.Data, &job); err != nil {
			return fmt.Errorf("unmarshal finalize job: %w", err)
		}
		return c.finalizer.Evaluate(ctx, job.ScopeID, job.ContentID)
	case streams.EventScanProfile:
		var job streams.ScanJob
		if err := json.Unmarshal(msg.Envelope.Data, &job); err != nil {
			return fmt.Errorf("unmarshal scan job: %w", err)
		}
		return c.scanner.Scan(ctx, job.ScopeID)
	default:
		c.logger.Printf("skip unknown control event %s (%s)", msg.Envelope.EventID, msg.Envelope.EventType)
		return nil
	}
}
