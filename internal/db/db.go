package db

import (
	"context"
	"time"
)

// Store is the main persistence interface for the optimizer.
type Store interface {
	DecisionStore
	ActionStore
	AuditStore
	SnapshotStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Decision store ───────────────────────────────────────────────────────────

// DecisionRecord is the DB representation of an autonomy decision.
type DecisionRecord struct {
	ID               string    `json:"id"`
	PlantID          string    `json:"plant_id"`
	LineID           string    `json:"line_id"`
	ControlPoint     string    `json:"control_point"`
	RecType          string    `json:"rec_type"`
	ActionText       string    `json:"action_text"`
	ExpectedImpact   string    `json:"expected_impact"`
	ImpactUSD        float64   `json:"impact_usd"`
	ConfidenceScore  float64   `json:"confidence_score"`
	Priority         string    `json:"priority"`
	TargetValue      float64   `json:"target_value"`
	CurrentValue     float64   `json:"current_value"`
	Tier             string    `json:"tier"`
	State            string    `json:"state"`
	StateReason      string    `json:"state_reason"`
	OperatorID       string    `json:"operator_id"`
	ApprovalDeadline time.Time `json:"approval_deadline"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DecisionQuery filters decision queries.
type DecisionQuery struct {
	PlantID string
	LineID  string
	State   string
	Tier    string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// DecisionStore persists autonomy decisions and their state history.
type DecisionStore interface {
	// SaveDecision creates or updates a decision record.
	SaveDecision(ctx context.Context, rec *DecisionRecord) error

	// GetDecision retrieves a decision by ID.
	GetDecision(ctx context.Context, id string) (*DecisionRecord, error)

	// ListDecisions returns decisions matching the query, newest first.
	ListDecisions(ctx context.Context, q DecisionQuery) ([]*DecisionRecord, error)

	// ActiveDecisionForControlPoint returns the non-terminal decision holding
	// the control point, or nil when the point is free.
	ActiveDecisionForControlPoint(ctx context.Context, controlPoint string) (*DecisionRecord, error)

	// ListActiveDecisions returns every non-terminal decision. Used on startup
	// to rebuild the in-memory control point registry.
	ListActiveDecisions(ctx context.Context) ([]*DecisionRecord, error)
}

// ─── Action store ─────────────────────────────────────────────────────────────

// ActionRecord is the DB representation of a control system write.
type ActionRecord struct {
	ID              string    `json:"id"`
	DecisionID      string    `json:"decision_id"`
	PlantID         string    `json:"plant_id"`
	LineID          string    `json:"line_id"`
	ControlPoint    string    `json:"control_point"`
	TargetValue     float64   `json:"target_value"`
	PreviousValue   float64   `json:"previous_value"`
	Clamped         bool      `json:"clamped"`
	OperatorID      string    `json:"operator_id"`
	Outcome         string    `json:"outcome"`
	Error           string    `json:"error,omitempty"`
	KPIMetric       string    `json:"kpi_metric"`
	BaselineKPI     float64   `json:"baseline_kpi"`
	RollbackDueAt   time.Time `json:"rollback_due_at"`
	RollbackChecked bool      `json:"rollback_checked"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// ActionStore persists executed control actions for audit and rollback.
type ActionStore interface {
	// AppendAction writes a single action record.
	AppendAction(ctx context.Context, rec *ActionRecord) error

	// GetAction retrieves an action by ID.
	GetAction(ctx context.Context, id string) (*ActionRecord, error)

	// GetActionForDecision returns the most recent action for a decision,
	// or nil when the decision never reached execution.
	GetActionForDecision(ctx context.Context, decisionID string) (*ActionRecord, error)

	// ListActionsForDecision returns every action for a decision, oldest
	// first. A rolled-back decision has both the original write and the
	// compensating one.
	ListActionsForDecision(ctx context.Context, decisionID string) ([]*ActionRecord, error)

	// ListDueRollbackChecks returns successful, unchecked actions whose
	// rollback window has elapsed as of the given time, oldest first.
	ListDueRollbackChecks(ctx context.Context, asOf time.Time) ([]*ActionRecord, error)

	// MarkRollbackChecked marks an action's deferred KPI check as consumed.
	// Returns false when the action was already checked, so concurrent
	// schedulers cannot evaluate the same action twice.
	MarkRollbackChecked(ctx context.Context, id string) (bool, error)

	// CountPendingRollbackChecks returns the number of executed actions
	// still awaiting their deferred KPI check.
	CountPendingRollbackChecks(ctx context.Context) (int, error)
}

// ─── Audit store ──────────────────────────────────────────────────────────────

// AuditRecord is the DB representation of an audit event.
type AuditRecord struct {
	ID           int64     `json:"id"`
	DecisionID   string    `json:"decision_id"`
	EventType    string    `json:"event_type"`
	Description  string    `json:"description"`
	PlantID      string    `json:"plant_id"`
	LineID       string    `json:"line_id"`
	ControlPoint string    `json:"control_point"`
	Result       string    `json:"result"`
	OperatorID   string    `json:"operator_id"`
	Metadata     string    `json:"metadata"` // JSON blob
	Timestamp    time.Time `json:"timestamp"`
}

// AuditQuery filters audit event queries.
type AuditQuery struct {
	DecisionID   string
	EventType    string
	ControlPoint string
	OperatorID   string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// AuditStore persists audit log entries.
type AuditStore interface {
	// AppendAuditEvent appends an immutable audit event.
	AppendAuditEvent(ctx context.Context, rec *AuditRecord) error

	// QueryAuditEvents retrieves audit events with optional filters.
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)
}

// ─── Snapshot store ───────────────────────────────────────────────────────────

// SnapshotRecord is a persisted plant snapshot plus the prediction produced
// from it, kept for trend queries and recommendation replay.
type SnapshotRecord struct {
	ID              int64     `json:"id"`
	PlantID         string    `json:"plant_id"`
	LineID          string    `json:"line_id"`
	Readings        string    `json:"readings"`   // JSON: sensor name -> value
	Prediction      string    `json:"prediction"` // JSON blob
	RecType         string    `json:"rec_type"`
	EnergyKWhPerTon float64   `json:"energy_kwh_per_ton"`
	ObservedAt      time.Time `json:"observed_at"`
}

// SnapshotStore persists plant snapshots for historical analysis.
type SnapshotStore interface {
	// AppendSnapshot stores a snapshot observation.
	AppendSnapshot(ctx context.Context, rec *SnapshotRecord) error

	// QuerySnapshots retrieves snapshots for a line ordered by time, newest first.
	QuerySnapshots(ctx context.Context, plantID, lineID string, limit int) ([]*SnapshotRecord, error)

	// LatestSnapshot returns the most-recent snapshot for a line.
	LatestSnapshot(ctx context.Context, plantID, lineID string) (*SnapshotRecord, error)
}
