// Package metrics registers the Prometheus instruments the dispatcher
// (pkg/worker) and the executor, processor and handle (pkg/workflow)
// update as they claim, process, and complete workflow runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_worker_claims_total",
			Help: "Total claimWorkflowRun attempts by outcome",
		},
		[]string{"outcome"}, // "claimed", "error"
	)

	pollEmptyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_worker_poll_empty_total",
			Help: "Total poll cycles that claimed nothing",
		},
	)

	activeProcessors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_worker_active_processors",
			Help: "Number of workflow run processors currently in flight",
		},
	)

	stepOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_worker_step_outcomes_total",
			Help: "Total step attempt outcomes by kind and status",
		},
		[]string{"kind", "status"}, // kind: function|sleep, status: completed|failed
	)

	runOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_worker_run_outcomes_total",
			Help: "Total terminal workflow run outcomes by status",
		},
		[]string{"status"}, // completed|failed|canceled
	)

	heartbeatErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_worker_heartbeat_errors_total",
			Help: "Total lease heartbeat extension failures",
		},
	)
)

// RecordClaim increments the claim counter for outcome, one of
// "claimed" or "error".
func RecordClaim(outcome string) {
	claimsTotal.WithLabelValues(outcome).Inc()
}

// RecordPollEmpty increments the counter for a poll cycle that
// claimed no runs at all.
func RecordPollEmpty() {
	pollEmptyTotal.Inc()
}

// ProcessorStarted and ProcessorFinished bracket one in-flight
// processor's lifetime in activeProcessors.
func ProcessorStarted() { activeProcessors.Inc() }
func ProcessorFinished() { activeProcessors.Dec() }

// RecordStepOutcome increments the step outcome counter for kind
// ("function" or "sleep") and status ("completed" or "failed").
func RecordStepOutcome(kind, status string) {
	stepOutcomesTotal.WithLabelValues(kind, status).Inc()
}

// RecordRunOutcome increments the terminal run outcome counter.
func RecordRunOutcome(status string) {
	runOutcomesTotal.WithLabelValues(status).Inc()
}

// RecordHeartbeatError increments the heartbeat failure counter.
func RecordHeartbeatError() {
	heartbeatErrorsTotal.Inc()
}
