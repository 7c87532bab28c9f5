package scheduler

import (
	"context"
	"fmt"
	"log"

	"github.com/ramin-karimi/facegraph/internal/queue/streams"
)

// Gate block reasons.
const (
	BlockPendingIngest = "pending_ingest_events"
	BlockActiveRuns    = "active_pipeline_runs"
	BlockLiveStepJobs  = "live_step_jobs"
)

// GateStore exposes the pending-state counters the gate reads.
type GateStore interface {
	CountPendingIngestEvents(ctx context.Context, scopeID string) (int64, error)
	CountActiveRuns(ctx context.Context, scopeID string) (int64, error)
}

// ActivityProbe reports live queue entries for a scope.
type ActivityProbe interface {
	ScopeActivity(ctx context.Context, scopeID string) (streams.ScopeActivity, error)
}

// GateStatus is the read-only verdict: blocked plus every reason that holds.
type GateStatus struct {
	Blocked bool
	Reasons []string
}

// Gate prevents a scheduler from starting a new profile scan while the
// profile's previous pipeline work is unresolved. It only reads state; the
// signals it combines are each maintained elsewhere.
type Gate struct {
	store  GateStore
	probe  ActivityProbe
	logger *log.Logger
}

func NewGate(store GateStore, probe ActivityProbe, logger *log.Logger) *Gate {
	return &Gate{store: store, probe: probe, logger: logger}
}

func (g *Gate) Check(ctx context.Context, scopeID string) (GateStatus, error) {
	var status GateStatus

	pending, err := g.store.CountPendingIngestEvents(ctx, scopeID)
	if err != nil {
		return GateStatus{}, fmt.Errorf("count pending ingest events: %w", err)
	}
	if pending > 0 {
		status.Reasons = append(status.Reasons, fmt.Sprintf("%s (%d)", BlockPendingIngest, pending))
	}

	active, err := g.store.CountActiveRuns(ctx, scopeID)
	if err != nil {
		return GateStatus{}, fmt.Errorf("count active runs: %w", err)
	}
	if active > 0 {
		status.Reasons = append(status.Reasons, fmt.Sprintf("%s (%d)", BlockActiveRuns, active))
	}

	activity, err := g.probe.ScopeActivity(ctx, scopeID)
	if err != nil {
		return GateStatus{}, fmt.Errorf("probe scope activity: %w", err)
	}
	if total := activity.Total(); total > 0 {
		status.Reasons = append(status.Reasons, fmt.Sprintf("%s (%d)", BlockLiveStepJobs, total))
	}

	status.Blocked = len(status.Reasons) > 0
	return status, nil
}
