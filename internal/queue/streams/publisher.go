package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends pipeline envelopes to Redis Streams and manages the
// delayed-delivery sorted set. Every append is capped with an approximate
// MAXLEN so an idle consumer cannot grow a stream without bound.
type Publisher struct {
	client *redis.Client
	maxLen int64
}

// PublishOption configures Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox sets an approximate max length for the stream.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher. maxLen caps each stream's approximate
// length on every append; zero disables trimming.
func NewPublisher(client *redis.Client, maxLen int64) *Publisher {
	return &Publisher{client: client, maxLen: maxLen}
}

// Publish validates the envelope and appends it to the given Redis stream.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	WithMaxLenApprox(p.maxLen)(args)
	for _, opt := range opts {
		opt(args)
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return envelope.EventID, nil
}

// scheduledEntry wraps a delayed envelope with its destination stream.
type scheduledEntry struct {
	Stream   string   `json:"stream"`
	Envelope Envelope `json:"envelope"`
}

// PublishAfter stores the envelope in the scheduled set for delivery once the
// delay elapses. PromoteDue moves due entries onto their streams.
func (p *Publisher) PublishAfter(ctx context.Context, stream string, envelope Envelope, delay time.Duration) (string, error) {
	if delay <= 0 {
		return p.Publish(ctx, stream, envelope)
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if err := envelope.ValidateBasic(); err != nil {
		return "", err
	}
	member, err := json.Marshal(scheduledEntry{Stream: stream, Envelope: envelope})
	if err != nil {
		return "", fmt.Errorf("marshal scheduled entry: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := p.client.ZAdd(ctx, ScheduledKey, redis.Z{Score: due, Member: member}).Err(); err != nil {
		return "", fmt.Errorf("zadd scheduled: %w", err)
	}
	return envelope.EventID, nil
}

// PromoteDue moves scheduled entries whose time has come onto their streams.
// It returns the number of promoted entries. Safe to call from several
// processes: ZREM decides the winner before the entry is published.
func (p *Publisher) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := p.client.ZRangeByScore(ctx, ScheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore scheduled: %w", err)
	}
	promoted := 0
	for _, member := range members {
		removed, err := p.client.ZRem(ctx, ScheduledKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("zrem scheduled: %w", err)
		}
		if removed == 0 {
			continue // another promoter claimed it
		}
		var entry scheduledEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue // malformed entry is dropped rather than wedging the set
		}
		if _, err := p.Publish(ctx, entry.Stream, entry.Envelope); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// EnqueueStep publishes a step dispatch job, optionally delayed. The returned
// id is the envelope event id, recorded as the step's external job id.
func (p *Publisher) EnqueueStep(ctx context.Context, job StepJob, delay time.Duration) (string, error) {
	return p.enqueue(ctx, StreamSteps, EventStepDispatch, job.ScopeID, job.ContentID, job.Step, job.Attempt, job, delay)
}

// EnqueueFinalize publishes a finalize event, optionally delayed.
func (p *Publisher) EnqueueFinalize(ctx context.Context, job FinalizeJob, delay time.Duration) (string, error) {
	return p.enqueue(ctx, StreamControl, EventFinalizeRun, job.ScopeID, job.ContentID, "", 0, job, delay)
}

// EnqueueScan publishes a profile scan request, optionally delayed.
func (p *Publisher) EnqueueScan(ctx context.Context, job ScanJob, delay time.Duration) (string, error) {
	return p.enqueue(ctx, StreamControl, EventScanProfile, job.ScopeID, "", "", 0, job, delay)
}

// PublishDead records a permanently failed job on the dead stream.
func (p *Publisher) PublishDead(ctx context.Context, job DeadJob) (string, error) {
	return p.enqueue(ctx, StreamDead, EventStepDead, job.ScopeID, job.ContentID, job.Step, 0, job, 0)
}

func (p *Publisher) enqueue(ctx context.Context, stream, eventType, scopeID, contentID, step string, attempt int, payload interface{}, delay time.Duration) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventType:      eventType,
		PayloadVersion: PayloadV1,
		ScopeID:        scopeID,
		ContentID:      contentID,
		Step:           step,
		Attempt:        attempt,
		Data:           data,
	}
	if delay > 0 {
		return p.PublishAfter(ctx, stream, env, delay)
	}
	return p.Publish(ctx, stream, env)
}
