package scheduler

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/store"
)

// ScanStore lists the profile scopes eligible for scheduled scans.
type ScanStore interface {
	ListProfileScopes(ctx context.Context) ([]store.ProfileScope, error)
}

// ScanQueue enqueues profile-scan jobs.
type ScanQueue interface {
	EnqueueScan(ctx context.Context, job streams.ScanJob, delay time.Duration) (string, error)
}

// Scheduler fires profile scans on each scope's cron schedule. Multiple
// instances may run; the lease keeps a scope from being scanned twice and
// the gate holds a scope back while its previous pipeline work is pending.
type Scheduler struct {
	store  ScanStore
	queue  ScanQueue
	lease  *Lease
	gate   *Gate
	cfg    config.SchedulerConfig
	logger *log.Logger
	stop   chan struct{}
}

func New(st ScanStore, queue ScanQueue, lease *Lease, gate *Gate, cfg config.SchedulerConfig, logger *log.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		queue:  queue,
		lease:  lease,
		gate:   gate,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	go func() {
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) tick(ctx context.Context) {
	scopes, err := s.store.ListProfileScopes(ctx)
	if err != nil {
		s.logger.Printf("list profile scopes: %v", err)
		return
	}
	for _, scope := range scopes {
		cron := scope.ScanCron
		if cron == "" {
			cron = s.cfg.ScanCron
		}
		if !isDue(cron, scope.LastScanAt) {
			continue
		}

		gateStatus, err := s.gate.Check(ctx, scope.ID)
		if err != nil {
			s.logger.Printf("gate check for scope %s: %v", scope.ID, err)
			continue
		}
		if gateStatus.Blocked {
			s.logger.Printf("scan for scope %s held back: %v", scope.ID, gateStatus.Reasons)
			continue
		}

		res := s.lease.Reserve(ctx, "scan:"+scope.ID, s.cfg.LeaseTTL)
		if !res.Reserved {
			continue
		}

		// Delivery jitter avoids stampedes across instances without
		// stalling the rest of the scope sweep.
		jitter := time.Duration(rand.Int63n(250)) * time.Millisecond
		if _, err := s.queue.EnqueueScan(ctx, streams.ScanJob{ScopeID: scope.ID}, jitter); err != nil {
			s.logger.Printf("enqueue scan for scope %s: %v", scope.ID, err)
			s.lease.Release(ctx, "scan:"+scope.ID)
			continue
		}
		s.logger.Printf("scheduled scan for scope %s", scope.ID)
	}
}

// isDue reports whether a scope with cronSpec should run now given its last
// scan time. Supports "@daily", "@hourly" and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
