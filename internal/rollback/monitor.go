// Package rollback runs the deferred KPI check that closes every executed
// action's lifecycle: after the configured horizon it compares the live KPI
// against the baseline captured at execution time, and either finalizes the
// decision or issues a compensating write restoring the previous value.
//
// Checks are persisted with the action record, so a restart never loses one;
// the store guarantees each check is consumed exactly once.
package rollback

import (
	"context"
	"fmt"
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

// Monitor schedules and evaluates pending rollback checks.
type Monitor struct {
	cfg     config.Rollback
	store   db.Store
	control plant.ControlWriter
	kpi     plant.KPISampler
	manager *autonomy.Manager
	audit   audit.Logger
	logger  *zap.Logger

	now func() time.Time
}

// NewMonitor creates a rollback monitor.
func NewMonitor(cfg config.Rollback, store db.Store, control plant.ControlWriter, kpi plant.KPISampler, manager *autonomy.Manager, auditLog audit.Logger, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   store,
		control: control,
		kpi:     kpi,
		manager: manager,
		audit:   auditLog,
		logger:  logger,
		now:     time.Now,
	}
}

// Run evaluates due checks on the configured interval until ctx is done.
// On startup it refreshes the pending-checks gauge from the store, which
// also covers checks carried over from a previous process.
func (m *Monitor) Run(ctx context.Context) {
	if n, err := m.store.CountPendingRollbackChecks(ctx); err == nil {
		metrics.PendingRollbackChecks.Set(float64(n))
		if n > 0 {
			m.logger.Info("pending rollback checks recovered", zap.Int("count", n))
		}
	}

	interval := time.Duration(m.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick evaluates every check whose horizon has elapsed.
func (m *Monitor) tick(ctx context.Context) {
	due, err := m.store.ListDueRollbackChecks(ctx, m.now().UTC())
	if err != nil {
		m.logger.Error("list due rollback checks", zap.Error(err))
		return
	}
	for _, rec := range due {
		m.check(ctx, rec)
	}
}

// check runs one deferred KPI comparison. The KPI is sampled before the
// check is consumed, so transient sampler failures are retried on the next
// tick rather than silently swallowing the check.
func (m *Monitor) check(ctx context.Context, rec *db.ActionRecord) {
	var observed float64
	if rec.BaselineKPI > 0 {
		var err error
		observed, err = m.kpi.SampleKPI(ctx, rec.PlantID, rec.LineID, rec.KPIMetric)
		if err != nil {
			m.logger.Warn("sample KPI for rollback check",
				zap.String("decision_id", rec.DecisionID),
				zap.String("metric", rec.KPIMetric),
				zap.Error(err),
			)
			return
		}
	}

	consumed, err := m.store.MarkRollbackChecked(ctx, rec.ID)
	if err != nil {
		m.logger.Error("consume rollback check", zap.String("action_id", rec.ID), zap.Error(err))
		return
	}
	if !consumed {
		return
	}
	metrics.PendingRollbackChecks.Dec()

	d, err := m.manager.Resolve(ctx, rec.DecisionID)
	if err != nil {
		m.logger.Error("resolve decision for rollback check",
			zap.String("decision_id", rec.DecisionID),
			zap.Error(err),
		)
		return
	}

	// A zero baseline means no comparison is possible; the action stands.
	if rec.BaselineKPI <= 0 || !degraded(rec.BaselineKPI, observed, m.cfg.RegressionFraction) {
		m.finalize(ctx, d, rec, observed)
		return
	}
	m.rollBack(ctx, d, rec, observed)
}

// degraded reports whether a lower-is-better KPI regressed by more than the
// configured fraction relative to baseline. Strictly greater.
func degraded(baseline, observed, fraction float64) bool {
	return observed > baseline*(1+fraction)
}

func (m *Monitor) finalize(ctx context.Context, d *models.AutonomyDecision, rec *db.ActionRecord, observed float64) {
	if err := m.manager.MarkFinalized(ctx, d); err != nil {
		m.logger.Error("finalize decision", zap.String("decision_id", d.ID), zap.Error(err))
		return
	}
	metrics.RollbackChecksTotal.WithLabelValues("finalized").Inc()
	_ = m.audit.LogRollbackFinalized(ctx, d.ID, rec.BaselineKPI, observed)
	m.logger.Info("rollback window closed",
		zap.String("decision_id", d.ID),
		zap.Float64("baseline_kpi", rec.BaselineKPI),
		zap.Float64("observed_kpi", observed),
	)
}

// rollBack issues the compensating write restoring the pre-action value and
// appends a new action record for it.
func (m *Monitor) rollBack(ctx context.Context, d *models.AutonomyDecision, rec *db.ActionRecord, observed float64) {
	cp := models.ControlPoint{PlantID: rec.PlantID, LineID: rec.LineID, Name: rec.ControlPoint}

	if _, err := m.control.Write(ctx, cp, rec.PreviousValue); err != nil {
		// The KPI regressed and the restore failed: leave the decision in
		// EXECUTED and make noise, this needs an operator.
		m.logger.Error("compensating write failed",
			zap.String("decision_id", d.ID),
			zap.String("control_point", rec.ControlPoint),
			zap.Float64("restore_value", rec.PreviousValue),
			zap.Error(err),
		)
		_ = m.audit.LogActionFailed(ctx, d.ID, rec.ControlPoint, err)
		metrics.RollbackChecksTotal.WithLabelValues("restore_failed").Inc()
		return
	}

	if err := m.store.AppendAction(ctx, &db.ActionRecord{
		ID:              uuid.NewString(),
		DecisionID:      d.ID,
		PlantID:         rec.PlantID,
		LineID:          rec.LineID,
		ControlPoint:    rec.ControlPoint,
		TargetValue:     rec.PreviousValue,
		PreviousValue:   rec.TargetValue,
		Outcome:         string(models.OutcomeRolledBack),
		KPIMetric:       rec.KPIMetric,
		BaselineKPI:     rec.BaselineKPI,
		RollbackChecked: true,
		ExecutedAt:      m.now().UTC(),
	}); err != nil {
		m.logger.Error("append compensating action record",
			zap.String("decision_id", d.ID),
			zap.Error(err),
		)
	}

	if err := m.manager.MarkRolledBack(ctx, d, rollbackReason(rec.BaselineKPI, observed)); err != nil {
		m.logger.Error("mark decision rolled back", zap.String("decision_id", d.ID), zap.Error(err))
		return
	}
	metrics.RollbackChecksTotal.WithLabelValues("rolled_back").Inc()
	metrics.RollbacksTotal.WithLabelValues(rec.ControlPoint).Inc()
	_ = m.audit.LogRollbackTriggered(ctx, d.ID, rec.ControlPoint, rec.BaselineKPI, observed, rec.PreviousValue)
	m.logger.Warn("action rolled back",
		zap.String("decision_id", d.ID),
		zap.String("control_point", rec.ControlPoint),
		zap.Float64("baseline_kpi", rec.BaselineKPI),
		zap.Float64("observed_kpi", observed),
		zap.Float64("restored_value", rec.PreviousValue),
	)
}

func rollbackReason(baseline, observed float64) string {
	pct := 0.0
	if baseline > 0 {
		pct = (observed - baseline) / baseline * 100
	}
	return fmt.Sprintf("KPI regressed %.1f%% against baseline (baseline %.2f, observed %.2f); previous value restored",
		pct, baseline, observed)
}
