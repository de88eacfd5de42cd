// Package autonomy owns the AutonomyDecision lifecycle: proposal, tier
// routing, the approval workflow, and the per-control-point concurrency
// invariant (at most one non-terminal decision per control point).
package autonomy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/audit"
	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/db"
	"github.com/cementai/optimizer/internal/metrics"
	"github.com/cementai/optimizer/internal/models"
	"github.com/cementai/optimizer/internal/plant"
)

// Notifier receives decision state-change events. The websocket hub
// implements it; tests use a recording fake.
type Notifier interface {
	DecisionChanged(d *models.AutonomyDecision)
}

// allowedTransitions encodes the decision state machine. A transition absent
// from this map is a programming error, not an operational condition.
var allowedTransitions = map[models.DecisionState][]models.DecisionState{
	models.StateProposed:        {models.StatePendingApproval, models.StateApproved},
	models.StatePendingApproval: {models.StateApproved, models.StateRejected},
	models.StateApproved:        {models.StateExecuting},
	models.StateExecuting:       {models.StateExecuted, models.StateExecutionFailed},
	models.StateExecuted:        {models.StateRolledBack, models.StateFinalized},
}

func transitionAllowed(from, to models.DecisionState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager routes proposed recommendations through the autonomy policy and
// tracks every in-flight decision.
type Manager struct {
	cfg       config.Autonomy
	store     db.Store
	audit     audit.Logger
	logger    *zap.Logger
	approvals plant.ApprovalSource
	notifier  Notifier

	// OnApproved is the synchronous handoff to the executor. Set once during
	// wiring, before Run is called.
	OnApproved func(ctx context.Context, d *models.AutonomyDecision)

	now func() time.Time

	mu sync.Mutex
	// active maps control point key -> in-flight decision. This is the
	// authoritative in-memory copy of the concurrency invariant; the store
	// backs it across restarts.
	active map[string]*models.AutonomyDecision
}

// NewManager creates a decision manager.
func NewManager(cfg config.Autonomy, store db.Store, auditLog audit.Logger, logger *zap.Logger, approvals plant.ApprovalSource, notifier Notifier) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		audit:     auditLog,
		logger:    logger,
		approvals: approvals,
		notifier:  notifier,
		now:       time.Now,
		active:    make(map[string]*models.AutonomyDecision),
	}
}

// Recover rebuilds the in-memory registry from non-terminal decisions in the
// store. Called once on startup before any proposals are accepted.
func (m *Manager) Recover(ctx context.Context) error {
	recs, err := m.store.ListActiveDecisions(ctx)
	if err != nil {
		return fmt.Errorf("list active decisions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		d := decisionFromRecord(rec)
		m.active[d.ControlPoint.String()] = d
		metrics.ActiveDecisions.WithLabelValues(d.PlantID, d.LineID).Inc()
	}
	if len(recs) > 0 {
		m.logger.Info("recovered in-flight decisions", zap.Int("count", len(recs)))
	}
	return nil
}

// Propose creates a decision for an actionable recommendation and routes it
// through the configured autonomy tier. A recommendation for a control point
// that already has an in-flight decision is discarded with a
// ConcurrentControlPointError.
func (m *Manager) Propose(ctx context.Context, plantID, lineID string, rec models.Recommendation) (*models.AutonomyDecision, error) {
	if !rec.Actionable() {
		return nil, nil
	}

	cp := models.ControlPoint{PlantID: plantID, LineID: lineID, Name: rec.ControlPointName}

	m.mu.Lock()
	if holder, ok := m.active[cp.String()]; ok {
		m.mu.Unlock()
		metrics.ConcurrentProposalsDiscarded.WithLabelValues(cp.Name).Inc()
		_ = m.audit.LogDecisionDiscarded(ctx, cp.String(), holder.ID)
		return nil, &models.ConcurrentControlPointError{
			ControlPoint:     cp.String(),
			ActiveDecisionID: holder.ID,
		}
	}

	now := m.now().UTC()
	d := &models.AutonomyDecision{
		ID:             uuid.NewString(),
		PlantID:        plantID,
		LineID:         lineID,
		ControlPoint:   cp,
		Recommendation: rec,
		Tier:           m.tierFor(rec.Type),
		State:          models.StateProposed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.active[cp.String()] = d
	m.mu.Unlock()

	metrics.ActiveDecisions.WithLabelValues(plantID, lineID).Inc()
	_ = m.audit.LogDecisionProposed(ctx, d.ID, plantID, lineID, cp.Name, rec.ActionText)

	if err := m.route(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *Manager) tierFor(t models.RecommendationType) models.AutonomyTier {
	if tier, ok := m.cfg.Tiers[string(t)]; ok {
		return models.AutonomyTier(tier)
	}
	// Unconfigured types default to the most conservative tier.
	return models.TierAdvisor
}

// route applies the tier policy to a freshly PROPOSED decision.
func (m *Manager) route(ctx context.Context, d *models.AutonomyDecision) error {
	switch d.Tier {
	case models.TierAutonomous:
		if d.Recommendation.ConfidenceScore >= m.cfg.ConfidenceFloor && d.Recommendation.Priority != models.PriorityLow {
			if err := m.transition(ctx, d, models.StateApproved, "auto-approved: confidence and priority cleared configured bars"); err != nil {
				return err
			}
			_ = m.audit.LogDecisionApproved(ctx, d.ID, "system", true)
			m.handoff(ctx, d)
			return nil
		}
		reason := fmt.Sprintf("autonomous tier below bars (confidence %.2f, floor %.2f, priority %s); escalating to operator",
			d.Recommendation.ConfidenceScore, m.cfg.ConfidenceFloor, d.Recommendation.Priority)
		return m.transition(ctx, d, models.StatePendingApproval, reason)

	case models.TierSemiAutonomous:
		d.ApprovalDeadline = m.now().UTC().Add(time.Duration(m.cfg.ApprovalTimeoutMinutes) * time.Minute)
		return m.transition(ctx, d, models.StatePendingApproval, "awaiting operator verdict")

	default: // advisor
		return m.transition(ctx, d, models.StatePendingApproval, "advisor tier: awaiting operator verdict, no timeout")
	}
}

// Approve records an operator approval and hands the decision to the executor.
func (m *Manager) Approve(ctx context.Context, decisionID, operatorID string) (*models.AutonomyDecision, error) {
	d, err := m.pending(decisionID)
	if err != nil {
		return nil, err
	}

	d.OperatorID = operatorID
	if err := m.transition(ctx, d, models.StateApproved, "approved by operator"); err != nil {
		return nil, err
	}
	metrics.ApprovalWaitDuration.WithLabelValues(string(d.Tier), "approved").
		Observe(m.now().Sub(d.CreatedAt).Seconds())
	_ = m.audit.LogDecisionApproved(ctx, d.ID, operatorID, false)

	m.handoff(ctx, d)
	return d, nil
}

// Reject records an operator rejection. Terminal; the control point is freed.
func (m *Manager) Reject(ctx context.Context, decisionID, operatorID, reason string) (*models.AutonomyDecision, error) {
	d, err := m.pending(decisionID)
	if err != nil {
		return nil, err
	}

	d.OperatorID = operatorID
	if err := m.transition(ctx, d, models.StateRejected, reason); err != nil {
		return nil, err
	}
	metrics.ApprovalWaitDuration.WithLabelValues(string(d.Tier), "rejected").
		Observe(m.now().Sub(d.CreatedAt).Seconds())
	_ = m.audit.LogDecisionRejected(ctx, d.ID, operatorID, reason)
	return d, nil
}

// pending returns the in-flight decision if it is awaiting a verdict.
func (m *Manager) pending(decisionID string) (*models.AutonomyDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.active {
		if d.ID == decisionID {
			if d.State != models.StatePendingApproval {
				return nil, fmt.Errorf("decision %s is %s, not awaiting approval", decisionID, d.State)
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("no in-flight decision %s", decisionID)
}

// Get returns an in-flight decision by ID, or nil.
func (m *Manager) Get(decisionID string) *models.AutonomyDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.active {
		if d.ID == decisionID {
			return d
		}
	}
	return nil
}

// Resolve returns the decision by ID, consulting the store when it is not in
// the in-memory registry. Used by the rollback monitor, whose pending checks
// can outlive a process restart.
func (m *Manager) Resolve(ctx context.Context, decisionID string) (*models.AutonomyDecision, error) {
	if d := m.Get(decisionID); d != nil {
		return d, nil
	}
	rec, err := m.store.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("unknown decision %s", decisionID)
	}
	return decisionFromRecord(rec), nil
}

// Pending returns every decision currently awaiting an operator verdict.
func (m *Manager) Pending() []*models.AutonomyDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AutonomyDecision
	for _, d := range m.active {
		if d.State == models.StatePendingApproval {
			out = append(out, d)
		}
	}
	return out
}

// MarkExecuting, MarkExecuted, MarkExecutionFailed, MarkRolledBack and
// MarkFinalized are the execution-side transitions, invoked by the executor
// and the rollback monitor.

func (m *Manager) MarkExecuting(ctx context.Context, d *models.AutonomyDecision) error {
	return m.transition(ctx, d, models.StateExecuting, "handed to executor")
}

func (m *Manager) MarkExecuted(ctx context.Context, d *models.AutonomyDecision) error {
	return m.transition(ctx, d, models.StateExecuted, "control write applied; rollback window open")
}

func (m *Manager) MarkExecutionFailed(ctx context.Context, d *models.AutonomyDecision, cause error) error {
	return m.transition(ctx, d, models.StateExecutionFailed, cause.Error())
}

func (m *Manager) MarkRolledBack(ctx context.Context, d *models.AutonomyDecision, reason string) error {
	return m.transition(ctx, d, models.StateRolledBack, reason)
}

func (m *Manager) MarkFinalized(ctx context.Context, d *models.AutonomyDecision) error {
	return m.transition(ctx, d, models.StateFinalized, "rollback window closed with no regression")
}

// handoff synchronously passes an APPROVED decision to the executor.
func (m *Manager) handoff(ctx context.Context, d *models.AutonomyDecision) {
	if m.OnApproved != nil {
		m.OnApproved(ctx, d)
	}
}

// transition validates, applies, persists, and broadcasts a state change.
// Terminal transitions release the control point.
func (m *Manager) transition(ctx context.Context, d *models.AutonomyDecision, to models.DecisionState, reason string) error {
	m.mu.Lock()
	from := d.State
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s for decision %s", from, to, d.ID)
	}

	// Persist first: if the write fails, the decision and the registry keep
	// the prior state, so the store never disagrees with memory.
	next := *d
	next.State = to
	next.StateReason = reason
	next.UpdatedAt = m.now().UTC()
	if err := m.store.SaveDecision(ctx, recordFromDecision(&next)); err != nil {
		m.mu.Unlock()
		m.logger.Error("persist decision transition",
			zap.String("decision_id", d.ID),
			zap.String("state", string(to)),
			zap.Error(err),
		)
		return fmt.Errorf("persist decision %s: %w", d.ID, err)
	}

	d.State = next.State
	d.StateReason = next.StateReason
	d.UpdatedAt = next.UpdatedAt
	if to.Terminal() {
		delete(m.active, d.ControlPoint.String())
	}
	m.mu.Unlock()

	if to.Terminal() {
		metrics.ActiveDecisions.WithLabelValues(d.PlantID, d.LineID).Dec()
	}
	metrics.DecisionTransitionsTotal.WithLabelValues(string(d.Tier), string(to)).Inc()

	m.logger.Info("decision transition",
		zap.String("decision_id", d.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("control_point", d.ControlPoint.String()),
	)
	if m.notifier != nil {
		m.notifier.DecisionChanged(d)
	}
	return nil
}

// Run drives the approval watchdog: it polls the external approval channel
// for verdicts on pending decisions and expires semi-autonomous decisions
// whose approval window has elapsed. Blocks until ctx is done.
func (m *Manager) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
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

// tick runs one watchdog pass. Exported indirectly through Run; tests call
// it directly with a fake clock.
func (m *Manager) tick(ctx context.Context) {
	for _, d := range m.Pending() {
		// Timeout first: a verdict that raced the deadline loses.
		if d.Tier == models.TierSemiAutonomous && !d.ApprovalDeadline.IsZero() && m.now().After(d.ApprovalDeadline) {
			m.expire(ctx, d)
			continue
		}

		if m.approvals == nil {
			continue
		}
		verdict, err := m.approvals.PollVerdict(ctx, d.ID)
		if err != nil {
			m.logger.Warn("poll verdict", zap.String("decision_id", d.ID), zap.Error(err))
			continue
		}
		if verdict == nil {
			continue
		}
		if verdict.Approved {
			if _, err := m.Approve(ctx, d.ID, verdict.OperatorID); err != nil {
				m.logger.Warn("apply approval verdict", zap.String("decision_id", d.ID), zap.Error(err))
			}
		} else {
			reason := verdict.Reason
			if reason == "" {
				reason = "rejected via approval channel"
			}
			if _, err := m.Reject(ctx, d.ID, verdict.OperatorID, reason); err != nil {
				m.logger.Warn("apply rejection verdict", zap.String("decision_id", d.ID), zap.Error(err))
			}
		}
	}
}

// expire auto-rejects a semi-autonomous decision whose window elapsed.
func (m *Manager) expire(ctx context.Context, d *models.AutonomyDecision) {
	timeout := time.Duration(m.cfg.ApprovalTimeoutMinutes) * time.Minute
	timeoutErr := &models.ApprovalTimeoutError{DecisionID: d.ID, Timeout: timeout}

	if err := m.transition(ctx, d, models.StateRejected, timeoutErr.Error()); err != nil {
		m.logger.Error("expire decision", zap.String("decision_id", d.ID), zap.Error(err))
		return
	}
	metrics.ApprovalTimeoutsTotal.Inc()
	metrics.ApprovalWaitDuration.WithLabelValues(string(d.Tier), "timeout").
		Observe(m.now().Sub(d.CreatedAt).Seconds())
	_ = m.audit.LogDecisionTimedOut(ctx, d.ID, m.now().Sub(d.CreatedAt))
}

// ─── record conversion ────────────────────────────────────────────────────────

func recordFromDecision(d *models.AutonomyDecision) *db.DecisionRecord {
	return &db.DecisionRecord{
		ID:               d.ID,
		PlantID:          d.PlantID,
		LineID:           d.LineID,
		ControlPoint:     d.ControlPoint.Name,
		RecType:          string(d.Recommendation.Type),
		ActionText:       d.Recommendation.ActionText,
		ExpectedImpact:   d.Recommendation.ExpectedImpact,
		ImpactUSD:        d.Recommendation.ImpactUSD,
		ConfidenceScore:  d.Recommendation.ConfidenceScore,
		Priority:         string(d.Recommendation.Priority),
		TargetValue:      d.Recommendation.TargetValue,
		CurrentValue:     d.Recommendation.CurrentValue,
		Tier:             string(d.Tier),
		State:            string(d.State),
		StateReason:      d.StateReason,
		OperatorID:       d.OperatorID,
		ApprovalDeadline: d.ApprovalDeadline,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func decisionFromRecord(rec *db.DecisionRecord) *models.AutonomyDecision {
	return &models.AutonomyDecision{
		ID:      rec.ID,
		PlantID: rec.PlantID,
		LineID:  rec.LineID,
		ControlPoint: models.ControlPoint{
			PlantID: rec.PlantID,
			LineID:  rec.LineID,
			Name:    rec.ControlPoint,
		},
		Recommendation: models.Recommendation{
			Type:             models.RecommendationType(rec.RecType),
			ActionText:       rec.ActionText,
			ExpectedImpact:   rec.ExpectedImpact,
			ImpactUSD:        rec.ImpactUSD,
			ConfidenceScore:  rec.ConfidenceScore,
			Priority:         models.Priority(rec.Priority),
			ControlPointName: rec.ControlPoint,
			TargetValue:      rec.TargetValue,
			CurrentValue:     rec.CurrentValue,
		},
		Tier:             models.AutonomyTier(rec.Tier),
		State:            models.DecisionState(rec.State),
		StateReason:      rec.StateReason,
		OperatorID:       rec.OperatorID,
		ApprovalDeadline: rec.ApprovalDeadline,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}
