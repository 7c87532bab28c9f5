package telemetry

import "github.com/prometheus/client_golang/prometheus"

// registry backs the /metrics endpoint. Domain collectors register here so
// they share the handler with the otel prometheus exporter.
var registry = prometheus.NewRegistry()

var (
	stepsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facegraph_steps_completed_total",
		Help: "Step completion reports accepted, by step and status.",
	}, []string{"step", "status"})

	runsFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facegraph_runs_finalized_total",
		Help: "Pipeline runs driven to a terminal status, by outcome.",
	}, []string{"status"})

	stepReinitializations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facegraph_step_reinitializations_total",
		Help: "Stalled steps re-enqueued by the finalizer.",
	})

	leaseConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facegraph_lease_conflicts_total",
		Help: "Lease reservations denied because the key was held.",
	})

	guardDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facegraph_guard_denials_total",
		Help: "Task admissions denied by the resource guard, by reason.",
	}, []string{"reason"})

	queueLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "facegraph_step_queue_lag",
		Help: "Entries behind the step consumer group at last guard probe.",
	})
)

func init() {
	registry.MustRegister(
		stepsCompleted,
		runsFinalized,
		stepReinitializations,
		leaseConflicts,
		guardDenials,
		queueLag,
	)
}

// RecordStepCompleted counts an accepted step completion report.
func RecordStepCompleted(step, status string) {
	stepsCompleted.WithLabelValues(step, status).Inc()
}

// RecordRunFinalized counts a run reaching a terminal status.
func RecordRunFinalized(status string) {
	runsFinalized.WithLabelValues(status).Inc()
}

// RecordStepReinitialized counts a stalled-step re-enqueue.
func RecordStepReinitialized() {
	stepReinitializations.Inc()
}

// RecordLeaseConflict counts a reservation lost to a live holder.
func RecordLeaseConflict() {
	leaseConflicts.Inc()
}

// RecordGuardDenial counts a resource-guard denial.
func RecordGuardDenial(reason string) {
	guardDenials.WithLabelValues(reason).Inc()
}

// RecordQueueLag publishes the latest consumer-group lag sample.
func RecordQueueLag(lag int64) {
	queueLag.Set(float64(lag))
}
