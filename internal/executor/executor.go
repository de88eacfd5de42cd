// Package executor turns an approved decision into a control write, bounded
// by the configured safety envelope, and opens the rollback window for it.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/audit"
	"github.com/cementai/optimizer/internal/autonomy"
	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/db"
	"github.com/cementai/optimizer/internal/metrics"
	"github.com/cementai/optimizer/internal/models"
	"github.com/cementai/optimizer/internal/plant"
)

// kpiMetricFor maps a control point to the KPI sampled for its rollback
// check. Both metrics are lower-is-better.
func kpiMetricFor(controlPoint string) string {
	if controlPoint == models.CPIDFanSpeedPct {
		return "pm_exceedance_rate"
	}
	return "energy_kwh_per_ton"
}

// Executor applies approved decisions to the plant control interface.
type Executor struct {
	cfg      config.Executor
	rollback config.Rollback
	store    db.Store
	control  plant.ControlWriter
	kpi      plant.KPISampler
	manager  *autonomy.Manager
	audit    audit.Logger
	logger   *zap.Logger

	now func() time.Time
}

// New creates an executor.
func New(cfg config.Executor, rollbackCfg config.Rollback, store db.Store, control plant.ControlWriter, kpi plant.KPISampler, manager *autonomy.Manager, auditLog audit.Logger, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		rollback: rollbackCfg,
		store:    store,
		control:  control,
		kpi:      kpi,
		manager:  manager,
		audit:    auditLog,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the executor's time source. Tests use it to pin the
// rollback window.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Execute applies one APPROVED decision. Actuation failures are terminal for
// the decision; there is no retry, the next poll cycle re-derives intent from
// fresh plant data.
func (e *Executor) Execute(ctx context.Context, d *models.AutonomyDecision) error {
	if err := e.manager.MarkExecuting(ctx, d); err != nil {
		return err
	}

	cp := d.ControlPoint.Name
	target, clamped := e.clamp(cp, d.Recommendation.TargetValue)
	if clamped {
		metrics.ActionsClampedTotal.WithLabelValues(cp).Inc()
		e.logger.Warn("target clamped into safety envelope",
			zap.String("decision_id", d.ID),
			zap.String("control_point", cp),
			zap.Float64("requested", d.Recommendation.TargetValue),
			zap.Float64("applied", target),
		)
	}

	start := e.now()
	previous, err := e.control.Write(ctx, d.ControlPoint, target)
	duration := e.now().Sub(start)
	metrics.ControlWriteDuration.WithLabelValues(cp).Observe(duration.Seconds())

	if err != nil {
		metrics.ActionsExecutedTotal.WithLabelValues(cp, "failure").Inc()
		_ = e.audit.LogActionFailed(ctx, d.ID, cp, err)
		e.appendRecord(ctx, d, &db.ActionRecord{
			ID:           uuid.NewString(),
			DecisionID:   d.ID,
			PlantID:      d.PlantID,
			LineID:       d.LineID,
			ControlPoint: cp,
			TargetValue:  target,
			Clamped:      clamped,
			OperatorID:   d.OperatorID,
			Outcome:      string(models.OutcomeFailed),
			Error:        err.Error(),
			ExecutedAt:   e.now().UTC(),
		})
		if terr := e.manager.MarkExecutionFailed(ctx, d, err); terr != nil {
			e.logger.Error("mark execution failed", zap.String("decision_id", d.ID), zap.Error(terr))
		}
		return err
	}

	metric := kpiMetricFor(cp)
	baseline, err := e.kpi.SampleKPI(ctx, d.PlantID, d.LineID, metric)
	if err != nil {
		// The write already landed. A missing baseline only disables the
		// rollback comparison for this action; record it as zero and log.
		e.logger.Warn("baseline KPI unavailable",
			zap.String("decision_id", d.ID),
			zap.String("metric", metric),
			zap.Error(err),
		)
		baseline = 0
	}

	rec := &db.ActionRecord{
		ID:            uuid.NewString(),
		DecisionID:    d.ID,
		PlantID:       d.PlantID,
		LineID:        d.LineID,
		ControlPoint:  cp,
		TargetValue:   target,
		PreviousValue: previous,
		Clamped:       clamped,
		OperatorID:    d.OperatorID,
		Outcome:       string(models.OutcomeExecuted),
		KPIMetric:     metric,
		BaselineKPI:   baseline,
		RollbackDueAt: e.now().UTC().Add(time.Duration(e.rollback.HorizonMinutes) * time.Minute),
		ExecutedAt:    e.now().UTC(),
	}
	e.appendRecord(ctx, d, rec)

	metrics.ActionsExecutedTotal.WithLabelValues(cp, "success").Inc()
	metrics.PendingRollbackChecks.Inc()
	_ = e.audit.LogActionExecuted(ctx, d.ID, cp, target, previous, clamped, duration)

	if err := e.manager.MarkExecuted(ctx, d); err != nil {
		return err
	}
	e.logger.Info("action executed",
		zap.String("decision_id", d.ID),
		zap.String("control_point", cp),
		zap.Float64("target", target),
		zap.Float64("previous", previous),
		zap.Time("rollback_due_at", rec.RollbackDueAt),
	)
	return nil
}

// clamp bounds target into the control point's envelope. Control points
// without a configured envelope pass through unchanged.
func (e *Executor) clamp(controlPoint string, target float64) (float64, bool) {
	env, ok := e.cfg.Envelopes[controlPoint]
	if !ok {
		return target, false
	}
	if target < env.Min {
		return env.Min, true
	}
	if target > env.Max {
		return env.Max, true
	}
	return target, false
}

func (e *Executor) appendRecord(ctx context.Context, d *models.AutonomyDecision, rec *db.ActionRecord) {
	if err := e.store.AppendAction(ctx, rec); err != nil {
		e.logger.Error("append action record",
			zap.String("decision_id", d.ID),
			zap.Error(err),
		)
	}
}
