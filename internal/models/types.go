// Package models defines the core data types shared across the optimizer:
// plant snapshots, predictions, recommendations, autonomy decisions and
// action records.
//
// Snapshot and Prediction are immutable once created; they are produced once
// per polling cycle and passed by value between components. AutonomyDecision
// is the only stateful type and transitions through the lifecycle defined by
// DecisionState.
package models

import (
	"fmt"
	"time"
)

// RecommendationType classifies the outcome of a rule evaluation.
type RecommendationType string

const (
	RecPMRiskHigh      RecommendationType = "PM_RISK_HIGH"
	RecEnergyExcess    RecommendationType = "ENERGY_EXCESS"
	RecHeatLossHigh    RecommendationType = "HEAT_LOSS_HIGH"
	RecMillInefficient RecommendationType = "MILL_INEFFICIENT"
	RecOptimal         RecommendationType = "OPTIMAL"
)

// Priority ranks how urgently a recommendation should be acted on.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// AutonomyTier is the configured level of human oversight for a
// recommendation type.
type AutonomyTier string

const (
	TierAdvisor        AutonomyTier = "advisor"
	TierSemiAutonomous AutonomyTier = "semi_autonomous"
	TierAutonomous     AutonomyTier = "autonomous"
)

// DecisionState is the lifecycle state of an AutonomyDecision.
type DecisionState string

const (
	StateProposed        DecisionState = "PROPOSED"
	StatePendingApproval DecisionState = "PENDING_APPROVAL"
	StateApproved        DecisionState = "APPROVED"
	StateRejected        DecisionState = "REJECTED"
	StateExecuting       DecisionState = "EXECUTING"
	StateExecuted        DecisionState = "EXECUTED"
	StateExecutionFailed DecisionState = "EXECUTION_FAILED"
	StateRolledBack      DecisionState = "ROLLED_BACK"
	StateFinalized       DecisionState = "FINALIZED"
)

// Terminal reports whether the state ends the decision lifecycle.
// EXECUTED is not terminal: the decision stays ACTIVE (and holds its control
// point) until the rollback window closes.
func (s DecisionState) Terminal() bool {
	switch s {
	case StateRejected, StateExecutionFailed, StateRolledBack, StateFinalized:
		return true
	}
	return false
}

// ControlPoint identifies an actuator-addressable plant parameter.
type ControlPoint struct {
	PlantID string `json:"plant_id"`
	LineID  string `json:"line_id"`
	Name    string `json:"name"` // e.g. id_fan_speed_pct
}

func (cp ControlPoint) String() string {
	return fmt.Sprintf("%s/%s/%s", cp.PlantID, cp.LineID, cp.Name)
}

// Control point names used by the recommendation engine.
const (
	CPIDFanSpeedPct     = "id_fan_speed_pct"
	CPSeparatorSpeedPct = "separator_speed_pct"
)

// PlantSnapshot is one timestamped sensor/process reading for a (plant, line).
// Readings that the ingestion layer could not supply stay nil; the
// recommendation engine refuses to evaluate on missing inputs rather than
// defaulting them.
type PlantSnapshot struct {
	PlantID   string    `json:"plant_id"`
	LineID    string    `json:"line_id"`
	Timestamp time.Time `json:"timestamp"`

	// Raw process readings.
	FeedRateTPH       *float64 `json:"feed_rate_tph"`
	AltFuelPct        *float64 `json:"alt_fuel_pct"`
	FinishMillPowerKW *float64 `json:"finish_mill_power_kw"`
	FinishMillLoadPct *float64 `json:"finish_mill_load_pct"`
	SeparatorSpeedPct *float64 `json:"separator_speed_pct"`
	IDFanSpeedPct     *float64 `json:"id_fan_speed_pct"`
	KilnOutletTempC   *float64 `json:"kiln_outlet_temp_c"`
	KilnInletTempC    *float64 `json:"kiln_inlet_temp_c"`
	BagFilterDPKPa    *float64 `json:"bag_filter_dp_kpa"`
	StackTempC        *float64 `json:"stack_temp_c"`
	EnergyKWhPerTon   *float64 `json:"energy_kwh_per_ton"`
	TotalPowerKW      *float64 `json:"total_power_kw"`
	O2Pct             *float64 `json:"o2_pct"`

	// Derived features computed by the ingestion layer.
	TempDeltaC          *float64 `json:"temp_delta_c"`
	ThermalEfficiency   *float64 `json:"thermal_efficiency"`
	Roll5mPowerKW       *float64 `json:"roll5m_power_kw"`
	Roll1hPowerKW       *float64 `json:"roll1h_power_kw"`
	FeedRateVariability *float64 `json:"feed_rate_variability"`
}

// Line returns the (plant, line) key for the snapshot.
func (s *PlantSnapshot) Line() string {
	return s.PlantID + "/" + s.LineID
}

// Prediction is the model output for one snapshot, 1:1 with it.
// Fields are nil when the prediction service omitted them.
type Prediction struct {
	PredictedEnergyKWhPerTon *float64 `json:"predicted_energy_kwh_per_ton"`
	EnergyGapKWh             *float64 `json:"energy_gap_kwh"` // snapshot energy − predicted
	PMRiskProbability        *float64 `json:"pm_risk_probability"`
	PredictedHeatLossKW      *float64 `json:"predicted_heat_loss_kw"`
	QualityFlag              string   `json:"quality_flag"` // ok | degraded
}

// Recommendation is the engine's verdict for one (snapshot, prediction) pair.
// For non-OPTIMAL types the engine also resolves the concrete control target
// so the executor does not have to parse the action text.
type Recommendation struct {
	Type            RecommendationType `json:"type"`
	ActionText      string             `json:"action_text"`
	ExpectedImpact  string             `json:"expected_impact"`
	ImpactUSD       float64            `json:"impact_usd"`
	ConfidenceScore float64            `json:"confidence_score"` // ∈ [0,1]
	Priority        Priority           `json:"priority"`

	// Resolved control target (zero-valued for OPTIMAL).
	ControlPointName string  `json:"control_point_name"`
	TargetValue      float64 `json:"target_value"`
	CurrentValue     float64 `json:"current_value"`
}

// Actionable reports whether the recommendation proposes a control change.
func (r *Recommendation) Actionable() bool {
	return r.Type != RecOptimal
}

// AutonomyDecision wraps a Recommendation with lifecycle state and ownership
// of its control point. At most one non-terminal decision may exist per
// control point at a time.
type AutonomyDecision struct {
	ID             string         `json:"id"`
	PlantID        string         `json:"plant_id"`
	LineID         string         `json:"line_id"`
	ControlPoint   ControlPoint   `json:"control_point"`
	Recommendation Recommendation `json:"recommendation"`
	Tier           AutonomyTier   `json:"tier"`
	State          DecisionState  `json:"state"`
	StateReason    string         `json:"state_reason"`
	OperatorID     string         `json:"operator_id,omitempty"` // who approved/rejected
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// ApprovalDeadline is set for semi-autonomous decisions; zero otherwise.
	ApprovalDeadline time.Time `json:"approval_deadline,omitempty"`
}

// ActionOutcome is the disposition of an executed action.
type ActionOutcome string

const (
	OutcomeExecuted   ActionOutcome = "EXECUTED"
	OutcomeFailed     ActionOutcome = "FAILED"
	OutcomeRolledBack ActionOutcome = "ROLLED_BACK"
	OutcomeFinalized  ActionOutcome = "FINALIZED"
)

// ActionRecord is an append-only audit entry for one control write.
// It also carries the rollback-window bookkeeping so pending KPI checks can
// be recovered from the store after a restart.
type ActionRecord struct {
	ID            string        `json:"id"`
	DecisionID    string        `json:"decision_id"`
	ControlPoint  ControlPoint  `json:"control_point"`
	TargetValue   float64       `json:"target_value"`
	PreviousValue float64       `json:"previous_value"`
	Clamped       bool          `json:"clamped"` // target was clamped into the safety envelope
	OperatorID    string        `json:"operator_id,omitempty"`
	Outcome       ActionOutcome `json:"outcome"`
	ExecutedAt    time.Time     `json:"executed_at"`

	// Rollback window state.
	KPIMetric       string    `json:"kpi_metric"`
	BaselineKPI     float64   `json:"baseline_kpi"`
	RollbackDueAt   time.Time `json:"rollback_due_at"`
	RollbackChecked bool      `json:"rollback_checked"`
}

// Float is a convenience constructor for optional readings.
func Float(v float64) *float64 { return &v }
