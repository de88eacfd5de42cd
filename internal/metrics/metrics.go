package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Optimizer metrics for production monitoring
var (
	// Control cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_cycles_total",
			Help: "Total number of control cycles completed",
		},
		[]string{"plant_id", "line_id", "status"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cementai_optimizer_cycle_duration_seconds",
			Help:    "Control cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"plant_id", "line_id"},
	)

	// Recommendation metrics
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_recommendations_total",
			Help: "Total number of recommendations produced",
		},
		[]string{"type", "priority"},
	)

	EstimatedImpactUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_estimated_impact_usd_total",
			Help: "Cumulative estimated hourly impact of recommendations in USD",
		},
		[]string{"type"},
	)

	// Autonomy decision metrics
	DecisionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_decision_transitions_total",
			Help: "Total number of decision state transitions",
		},
		[]string{"tier", "state"},
	)

	ActiveDecisions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cementai_optimizer_active_decisions",
			Help: "Number of decisions currently holding a control point",
		},
		[]string{"plant_id", "line_id"},
	)

	ApprovalWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cementai_optimizer_approval_wait_seconds",
			Help:    "Time a decision spent waiting for an approval verdict",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"tier", "verdict"},
	)

	ApprovalTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_approval_timeouts_total",
			Help: "Total number of approvals that expired without a verdict",
		},
	)

	ConcurrentProposalsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_concurrent_proposals_discarded_total",
			Help: "Proposals discarded because the control point was held by an active decision",
		},
		[]string{"control_point"},
	)

	// Executor metrics
	ActionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_actions_executed_total",
			Help: "Total number of control actions attempted",
		},
		[]string{"control_point", "outcome"},
	)

	ActionsClampedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_actions_clamped_total",
			Help: "Actions whose target value was clamped into the safety envelope",
		},
		[]string{"control_point"},
	)

	ControlWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cementai_optimizer_control_write_duration_seconds",
			Help:    "Control system write duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"control_point"},
	)

	// Rollback metrics
	RollbackChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_rollback_checks_total",
			Help: "Total number of post-execution KPI checks performed",
		},
		[]string{"result"}, // finalized/rolled_back/deferred
	)

	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_rollbacks_total",
			Help: "Total number of compensating rollback writes issued",
		},
		[]string{"control_point"},
	)

	PendingRollbackChecks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cementai_optimizer_pending_rollback_checks",
			Help: "Number of executed actions still inside their rollback window",
		},
	)

	// Plant collaborator metrics
	CollaboratorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cementai_optimizer_collaborator_requests_total",
			Help: "Total number of requests to plant collaborator services",
		},
		[]string{"service", "status"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cementai_optimizer_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
	)
)
