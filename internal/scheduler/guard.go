package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/telemetry"
)

// Guard denial reasons.
const (
	DenyQueueLag = "queue_lag_high"
	DenyInFlight = "in_flight_high"
)

// Admission is the verdict for one resource-intensive task.
type Admission struct {
	Allow    bool
	Reason   string
	RetryIn  time.Duration
	Snapshot streams.QueueHealth
}

// ResourceGuard admits or defers resource-intensive work. Step workers
// consult it before starting and defer (bounded) when denied.
type ResourceGuard interface {
	AllowTask(ctx context.Context) Admission
}

// StreamGuard implements ResourceGuard from the step stream's consumer-group
// lag: a deep backlog or too many in-flight deliveries means the workers are
// saturated and heavy steps should wait.
type StreamGuard struct {
	client *redis.Client
	stream string
	group  string
	cfg    config.SchedulerConfig
	logger *log.Logger
}

func NewStreamGuard(client *redis.Client, stream, group string, cfg config.SchedulerConfig, logger *log.Logger) *StreamGuard {
	return &StreamGuard{client: client, stream: stream, group: group, cfg: cfg, logger: logger}
}

func (g *StreamGuard) AllowTask(ctx context.Context) Admission {
	health, err := streams.ProbeGroup(ctx, g.client, g.stream, g.group)
	if err != nil {
		// A broken probe must not wedge the workers.
		g.logger.Printf("resource guard probe failed, admitting: %v", err)
		return Admission{Allow: true}
	}
	telemetry.RecordQueueLag(health.Lag)
	adm := g.admit(health)
	if !adm.Allow {
		telemetry.RecordGuardDenial(adm.Reason)
	}
	return adm
}

func (g *StreamGuard) admit(health streams.QueueHealth) Admission {
	adm := Admission{Snapshot: health}
	switch {
	case g.cfg.MaxQueueLag > 0 && health.Lag+health.Scheduled > g.cfg.MaxQueueLag:
		adm.Reason = DenyQueueLag
	case g.cfg.MaxInFlightJobs > 0 && health.Pending > g.cfg.MaxInFlightJobs:
		adm.Reason = DenyInFlight
	default:
		adm.Allow = true
		return adm
	}
	adm.RetryIn = g.cfg.GuardRetryIn
	return adm
}
