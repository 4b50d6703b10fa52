// Package observability provides Prometheus metrics instrumentation for the agent core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PLANNER METRICS
// =============================================================================

var (
	plannerStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_planner_steps_total",
			Help: "Total planner iterations by result",
		},
		[]string{"status"}, // executed, schema_error, plan_rejected, policy_denied, approval_denied, blocked, loop_override, failed
	)

	plannerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_planner_runs_total",
			Help: "Total planner runs by terminal outcome",
		},
		[]string{"outcome"}, // completed, escalated, budget_exhausted, error
	)

	plannerRunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deskpilot_planner_run_duration_seconds",
			Help:    "Planner run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_llm_calls_total",
			Help: "Total model calls (planner and supervisor)",
		},
		[]string{"role", "status"}, // role: planner, supervisor
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskpilot_llm_duration_seconds",
			Help:    "Model call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"role"},
	)
)

// =============================================================================
// AUTHORIZATION METRICS
// =============================================================================

var (
	policyChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_policy_checks_total",
			Help: "Policy engine checks by risk tier and result",
		},
		[]string{"tier", "result"}, // result: allowed, rejected
	)

	approvalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_approval_decisions_total",
			Help: "Approval gate decisions",
		},
		[]string{"status", "policy", "risk"},
	)
)

// =============================================================================
// LANE METRICS
// =============================================================================

var (
	laneQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskpilot_lane_queued",
			Help: "Tasks waiting in a command lane",
		},
		[]string{"lane"},
	)

	laneActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskpilot_lane_active",
			Help: "Tasks running in a command lane",
		},
		[]string{"lane"},
	)

	laneWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskpilot_lane_wait_seconds",
			Help:    "Time between enqueue and dispatch",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"lane"},
	)

	lanePressureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_lane_pressure_warnings_total",
			Help: "Tasks dispatched after waiting past their warn threshold",
		},
		[]string{"lane"},
	)

	laneTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_lane_tasks_total",
			Help: "Completed lane tasks",
		},
		[]string{"lane", "status"}, // success, error, panic, dropped
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskpilot_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskpilot_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPlannerStep counts one planner iteration.
func RecordPlannerStep(status string) {
	plannerStepsTotal.WithLabelValues(status).Inc()
}

// RecordPlannerRun records a finished run.
func RecordPlannerRun(outcome string, durationMS int) {
	plannerRunsTotal.WithLabelValues(outcome).Inc()
	plannerRunDurationSeconds.Observe(float64(durationMS) / 1000.0)
}

// RecordLLMCall records a planner or supervisor model call.
func RecordLLMCall(role string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(role, status).Inc()
	llmDurationSeconds.WithLabelValues(role).Observe(float64(durationMS) / 1000.0)
}

// RecordPolicyCheck records a policy engine verdict.
func RecordPolicyCheck(tier string, allowed bool) {
	result := "rejected"
	if allowed {
		result = "allowed"
	}
	policyChecksTotal.WithLabelValues(tier, result).Inc()
}

// RecordApprovalDecision records an approval gate decision.
func RecordApprovalDecision(status, policy, risk string) {
	approvalDecisionsTotal.WithLabelValues(status, policy, risk).Inc()
}

// SetLaneDepth publishes the queued and active counts of a lane.
func SetLaneDepth(lane string, queued, active int) {
	laneQueued.WithLabelValues(lane).Set(float64(queued))
	laneActive.WithLabelValues(lane).Set(float64(active))
}

// RecordLaneDispatch records how long a task waited and whether it crossed
// its warn threshold.
func RecordLaneDispatch(lane string, waitMS int, overThreshold bool) {
	laneWaitSeconds.WithLabelValues(lane).Observe(float64(waitMS) / 1000.0)
	if overThreshold {
		lanePressureTotal.WithLabelValues(lane).Inc()
	}
}

// RecordLaneTask counts a finished lane task.
func RecordLaneTask(lane, status string) {
	laneTasksTotal.WithLabelValues(lane, status).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
