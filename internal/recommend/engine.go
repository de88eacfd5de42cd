// Package recommend implements the rule cascade that turns a plant snapshot
// and its prediction into at most one actionable recommendation.
//
// Evaluation is a pure function: no side effects, no external calls, and
// byte-identical output for identical input. Rules are evaluated strictly in
// order and the first match wins; there is no scoring or blending across
// rules.
package recommend

import (
	"fmt"

	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/models"
)

// Rule thresholds. These define when a rule fires; the config.Engine factors
// define what the fired rule proposes.
const (
	pmRiskThreshold      = 0.7
	bagFilterDPThreshold = 2.5
	energyGapThreshold   = 5.0
	heatLossThresholdKW  = 500.0
	millPowerThresholdKW = 2000.0
	millLoadThresholdPct = 70.0
	priorityHighPMRisk   = 0.8
	priorityHighGap      = 10.0
	priorityMediumPMRisk = 0.6
	priorityMediumGap    = 5.0
)

// Engine evaluates the recommendation rule cascade.
type Engine struct {
	cfg config.Engine
}

// NewEngine creates an engine with the given tuning factors.
func NewEngine(cfg config.Engine) *Engine {
	return &Engine{cfg: cfg}
}

// inputs holds the dereferenced fields the cascade consumes. Building it
// up-front gives one InsufficientDataError naming every missing field instead
// of failing piecemeal.
type inputs struct {
	pmRisk         float64
	bagFilterDP    float64
	energyGap      float64
	heatLossKW     float64
	millPowerKW    float64
	millLoadPct    float64
	feedRateTPH    float64
	idFanSpeedPct  float64
	separatorSpeed float64
}

func gatherInputs(snap *models.PlantSnapshot, pred *models.Prediction) (*inputs, error) {
	var missing []string
	need := func(name string, v *float64) float64 {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}

	in := &inputs{
		pmRisk:         need("pm_risk_probability", pred.PMRiskProbability),
		bagFilterDP:    need("bag_filter_dp_kpa", snap.BagFilterDPKPa),
		energyGap:      need("energy_gap_kwh", pred.EnergyGapKWh),
		heatLossKW:     need("predicted_heat_loss_kw", pred.PredictedHeatLossKW),
		millPowerKW:    need("finish_mill_power_kw", snap.FinishMillPowerKW),
		millLoadPct:    need("finish_mill_load_pct", snap.FinishMillLoadPct),
		feedRateTPH:    need("feed_rate_tph", snap.FeedRateTPH),
		idFanSpeedPct:  need("id_fan_speed_pct", snap.IDFanSpeedPct),
		separatorSpeed: need("separator_speed_pct", snap.SeparatorSpeedPct),
	}
	if len(missing) > 0 {
		return nil, &models.InsufficientDataError{Fields: missing}
	}
	return in, nil
}

// rule is one predicate/outcome pair in the ordered cascade.
type rule struct {
	name  models.RecommendationType
	match func(*inputs) bool
	build func(*Engine, *inputs) models.Recommendation
}

// cascade is the fixed evaluation order. Multiple simultaneously-true
// predicates resolve to the earliest entry.
var cascade = []rule{
	{
		name: models.RecPMRiskHigh,
		match: func(in *inputs) bool {
			return in.pmRisk > pmRiskThreshold && in.bagFilterDP < bagFilterDPThreshold
		},
		build: (*Engine).buildPMRisk,
	},
	{
		name: models.RecEnergyExcess,
		match: func(in *inputs) bool {
			return in.energyGap > energyGapThreshold
		},
		build: (*Engine).buildEnergyExcess,
	},
	{
		name: models.RecHeatLossHigh,
		match: func(in *inputs) bool {
			return in.heatLossKW > heatLossThresholdKW
		},
		build: (*Engine).buildHeatLoss,
	},
	{
		name: models.RecMillInefficient,
		match: func(in *inputs) bool {
			return in.millPowerKW > millPowerThresholdKW && in.millLoadPct < millLoadThresholdPct
		},
		build: (*Engine).buildMillInefficient,
	},
}

// Evaluate runs the cascade for one (snapshot, prediction) pair.
func (e *Engine) Evaluate(snap *models.PlantSnapshot, pred *models.Prediction) (models.Recommendation, error) {
	in, err := gatherInputs(snap, pred)
	if err != nil {
		return models.Recommendation{}, err
	}

	for _, r := range cascade {
		if r.match(in) {
			rec := r.build(e, in)
			rec.Priority = derivePriority(in)
			return rec, nil
		}
	}

	return models.Recommendation{
		Type:           models.RecOptimal,
		ActionText:     "No action required",
		ExpectedImpact: "Line operating within optimal parameters",
		Priority:       derivePriority(in),
	}, nil
}

// derivePriority is a separate pass over the same thresholds; it does not
// depend on which rule fired.
func derivePriority(in *inputs) models.Priority {
	switch {
	case in.pmRisk > priorityHighPMRisk || in.energyGap > priorityHighGap:
		return models.PriorityHigh
	case in.pmRisk > priorityMediumPMRisk || in.energyGap > priorityMediumGap:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func (e *Engine) buildPMRisk(in *inputs) models.Recommendation {
	target := in.idFanSpeedPct * e.cfg.PMFanReductionFactor
	return models.Recommendation{
		Type: models.RecPMRiskHigh,
		ActionText: fmt.Sprintf("Reduce ID fan speed from %.1f%% to %.1f%% to lower bag filter load",
			in.idFanSpeedPct, target),
		ExpectedImpact: fmt.Sprintf("PM exceedance risk %.0f%% with bag filter dP at %.1f kPa; reduced draft lowers emission risk",
			in.pmRisk*100, in.bagFilterDP),
		ConfidenceScore:  in.pmRisk,
		ControlPointName: models.CPIDFanSpeedPct,
		TargetValue:      target,
		CurrentValue:     in.idFanSpeedPct,
	}
}

func (e *Engine) buildEnergyExcess(in *inputs) models.Recommendation {
	target := in.separatorSpeed * e.cfg.SeparatorReductionFactor
	impactUSD := in.energyGap * in.feedRateTPH * e.cfg.EnergyUnitCostUSDPerKWh
	return models.Recommendation{
		Type: models.RecEnergyExcess,
		ActionText: fmt.Sprintf("Reduce separator speed from %.1f%% to %.1f%%",
			in.separatorSpeed, target),
		ExpectedImpact: fmt.Sprintf("Energy gap %.1f kWh/t at %.0f tph; closing it saves ~$%.1f per interval",
			in.energyGap, in.feedRateTPH, impactUSD),
		ImpactUSD:        impactUSD,
		ConfidenceScore:  0.92,
		ControlPointName: models.CPSeparatorSpeedPct,
		TargetValue:      target,
		CurrentValue:     in.separatorSpeed,
	}
}

func (e *Engine) buildHeatLoss(in *inputs) models.Recommendation {
	target := in.idFanSpeedPct * e.cfg.HeatLossFanReductionFactor
	return models.Recommendation{
		Type: models.RecHeatLossHigh,
		ActionText: fmt.Sprintf("Reduce ID fan speed from %.1f%% to %.1f%% to cut stack heat loss",
			in.idFanSpeedPct, target),
		ExpectedImpact: fmt.Sprintf("Predicted heat loss %.0f kW; lowering draft recovers part of it and improves thermal efficiency",
			in.heatLossKW),
		ConfidenceScore:  0.88,
		ControlPointName: models.CPIDFanSpeedPct,
		TargetValue:      target,
		CurrentValue:     in.idFanSpeedPct,
	}
}

func (e *Engine) buildMillInefficient(in *inputs) models.Recommendation {
	target := in.separatorSpeed * e.cfg.SeparatorReductionFactor
	savedKW := (in.separatorSpeed - target) * e.cfg.MillPowerToKWFactor
	return models.Recommendation{
		Type: models.RecMillInefficient,
		ActionText: fmt.Sprintf("Reduce separator speed from %.1f%% to %.1f%%",
			in.separatorSpeed, target),
		ExpectedImpact: fmt.Sprintf("Mill drawing %.0f kW at %.0f%% load; reduction saves ~%.0f kW without impacting fineness",
			in.millPowerKW, in.millLoadPct, savedKW),
		ConfidenceScore:  0.95,
		ControlPointName: models.CPSeparatorSpeedPct,
		TargetValue:      target,
		CurrentValue:     in.separatorSpeed,
	}
}
