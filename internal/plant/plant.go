// Package plant contains the narrow interfaces the optimizer uses to talk to
// the rest of the plant: sensor snapshots, ML predictions, control system
// writes, KPI sampling, and the external approval channel. Each interface has
// an HTTP implementation against the corresponding plant service, and tests
// substitute fakes.
package plant

import (
	"context"

	"github.com/cementai/optimizer/internal/models"
)

// SnapshotProvider returns the most recent sensor snapshot for a line.
type SnapshotProvider interface {
	LatestSnapshot(ctx context.Context, plantID, lineID string) (*models.PlantSnapshot, error)
}

// Predictor produces model outputs (energy, PM risk, heat loss) for a snapshot.
type Predictor interface {
	Predict(ctx context.Context, snap *models.PlantSnapshot) (*models.Prediction, error)
}

// ControlWriter applies a setpoint to the plant control system.
type ControlWriter interface {
	// Write sets the control point to value and returns the value that was
	// in effect before the write.
	Write(ctx context.Context, cp models.ControlPoint, value float64) (previous float64, err error)
}

// KPISampler reads the current value of a KPI metric for a line.
type KPISampler interface {
	SampleKPI(ctx context.Context, plantID, lineID, metric string) (float64, error)
}

// Verdict is an approval decision from the external approval channel.
type Verdict struct {
	DecisionID string `json:"decision_id"`
	Approved   bool   `json:"approved"`
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason,omitempty"`
}

// ApprovalSource polls the external approval channel for operator verdicts.
type ApprovalSource interface {
	// PollVerdict returns the verdict for a decision, or nil when no verdict
	// has been recorded yet.
	PollVerdict(ctx context.Context, decisionID string) (*Verdict, error)
}
