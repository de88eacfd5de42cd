package db

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDecision(id, controlPoint, state string) *DecisionRecord {
	now := time.Now().Round(time.Second)
	return &DecisionRecord{
		ID:              id,
		PlantID:         "plant_01",
		LineID:          "line_2",
		ControlPoint:    controlPoint,
		RecType:         "ENERGY_EXCESS",
		ActionText:      "Reduce separator speed by 5%",
		ImpactUSD:       81.2,
		ConfidenceScore: 0.92,
		Priority:        "MEDIUM",
		TargetValue:     78.85,
		CurrentValue:    83.0,
		Tier:            "semi_autonomous",
		State:           state,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ─── Decisions ────────────────────────────────────────────────────────────────

func TestDecisionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testDecision("dec-001", "separator_speed_pct", "PROPOSED")

	if err := s.SaveDecision(ctx, rec); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	got, err := s.GetDecision(ctx, "dec-001")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got == nil {
		t.Fatal("expected decision, got nil")
	}
	if got.RecType != "ENERGY_EXCESS" {
		t.Errorf("expected rec type ENERGY_EXCESS, got %s", got.RecType)
	}
	if got.ConfidenceScore != 0.92 {
		t.Errorf("expected confidence 0.92, got %v", got.ConfidenceScore)
	}

	// Update (upsert)
	rec.State = "APPROVED"
	rec.OperatorID = "op-7"
	rec.UpdatedAt = time.Now().Round(time.Second)
	if err := s.SaveDecision(ctx, rec); err != nil {
		t.Fatalf("SaveDecision update: %v", err)
	}

	got, err = s.GetDecision(ctx, "dec-001")
	if err != nil {
		t.Fatalf("GetDecision after update: %v", err)
	}
	if got.State != "APPROVED" {
		t.Errorf("expected state APPROVED, got %s", got.State)
	}
	if got.OperatorID != "op-7" {
		t.Errorf("expected operator op-7, got %s", got.OperatorID)
	}
}

func TestGetDecisionMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetDecision(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing decision, got %+v", got)
	}
}

func TestActiveDecisionForControlPoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Terminal decision does not hold the point.
	rejected := testDecision("dec-r", "id_fan_speed_pct", "REJECTED")
	if err := s.SaveDecision(ctx, rejected); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	got, err := s.ActiveDecisionForControlPoint(ctx, "id_fan_speed_pct")
	if err != nil {
		t.Fatalf("ActiveDecisionForControlPoint: %v", err)
	}
	if got != nil {
		t.Errorf("expected no active decision, got %s", got.ID)
	}

	// EXECUTED still holds the point until the rollback check runs.
	executed := testDecision("dec-e", "id_fan_speed_pct", "EXECUTED")
	if err := s.SaveDecision(ctx, executed); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	got, err = s.ActiveDecisionForControlPoint(ctx, "id_fan_speed_pct")
	if err != nil {
		t.Fatalf("ActiveDecisionForControlPoint: %v", err)
	}
	if got == nil || got.ID != "dec-e" {
		t.Errorf("expected dec-e to hold the control point, got %+v", got)
	}

	// A different control point is free.
	got, err = s.ActiveDecisionForControlPoint(ctx, "separator_speed_pct")
	if err != nil {
		t.Fatalf("ActiveDecisionForControlPoint: %v", err)
	}
	if got != nil {
		t.Errorf("expected free control point, got %s", got.ID)
	}
}

func TestListDecisionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	states := []string{"PROPOSED", "PENDING_APPROVAL", "REJECTED", "FINALIZED"}
	for i, state := range states {
		rec := testDecision(fmt.Sprintf("dec-%02d", i), "separator_speed_pct", state)
		rec.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute).Round(time.Second)
		if err := s.SaveDecision(ctx, rec); err != nil {
			t.Fatalf("SaveDecision: %v", err)
		}
	}

	got, err := s.ListDecisions(ctx, DecisionQuery{State: "PENDING_APPROVAL"})
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "dec-01" {
		t.Errorf("expected single pending decision dec-01, got %v", got)
	}

	got, err = s.ListDecisions(ctx, DecisionQuery{PlantID: "plant_01", Limit: 2})
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 decisions with limit, got %d", len(got))
	}

	active, err := s.ListActiveDecisions(ctx)
	if err != nil {
		t.Fatalf("ListActiveDecisions: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active decisions, got %d", len(active))
	}
}

// ─── Action records ───────────────────────────────────────────────────────────

func TestActionRollbackChecks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dec := testDecision("dec-001", "id_fan_speed_pct", "EXECUTED")
	if err := s.SaveDecision(ctx, dec); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	now := time.Now().Round(time.Second)
	action := &ActionRecord{
		ID:            "act-001",
		DecisionID:    "dec-001",
		PlantID:       "plant_01",
		LineID:        "line_2",
		ControlPoint:  "id_fan_speed_pct",
		TargetValue:   82.4,
		PreviousValue: 86.0,
		Outcome:       "EXECUTED",
		KPIMetric:     "energy_kwh_per_ton",
		BaselineKPI:   104.2,
		RollbackDueAt: now.Add(-time.Minute), // already due
		ExecutedAt:    now.Add(-31 * time.Minute),
	}
	if err := s.AppendAction(ctx, action); err != nil {
		t.Fatalf("AppendAction: %v", err)
	}

	due, err := s.ListDueRollbackChecks(ctx, now)
	if err != nil {
		t.Fatalf("ListDueRollbackChecks: %v", err)
	}
	if len(due) != 1 || due[0].ID != "act-001" {
		t.Fatalf("expected act-001 due, got %v", due)
	}
	if due[0].BaselineKPI != 104.2 {
		t.Errorf("expected baseline 104.2, got %v", due[0].BaselineKPI)
	}

	// First mark consumes the check.
	ok, err := s.MarkRollbackChecked(ctx, "act-001")
	if err != nil {
		t.Fatalf("MarkRollbackChecked: %v", err)
	}
	if !ok {
		t.Fatal("expected first mark to succeed")
	}

	// Second mark reports already-checked.
	ok, err = s.MarkRollbackChecked(ctx, "act-001")
	if err != nil {
		t.Fatalf("MarkRollbackChecked second: %v", err)
	}
	if ok {
		t.Error("expected second mark to report already checked")
	}

	due, err = s.ListDueRollbackChecks(ctx, now)
	if err != nil {
		t.Fatalf("ListDueRollbackChecks after mark: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due checks after mark, got %d", len(due))
	}
}

func TestListDueRollbackChecksSkipsFailedAndFuture(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dec := testDecision("dec-001", "id_fan_speed_pct", "EXECUTED")
	if err := s.SaveDecision(ctx, dec); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}

	now := time.Now().Round(time.Second)

	failed := &ActionRecord{
		ID: "act-f", DecisionID: "dec-001", PlantID: "plant_01", LineID: "line_2",
		ControlPoint: "id_fan_speed_pct", Outcome: "FAILED",
		Error:         "control system returned 503",
		RollbackDueAt: now.Add(-time.Minute), ExecutedAt: now,
	}
	future := &ActionRecord{
		ID: "act-fut", DecisionID: "dec-001", PlantID: "plant_01", LineID: "line_2",
		ControlPoint: "id_fan_speed_pct", Outcome: "EXECUTED",
		RollbackDueAt: now.Add(29 * time.Minute), ExecutedAt: now,
	}
	for _, a := range []*ActionRecord{failed, future} {
		if err := s.AppendAction(ctx, a); err != nil {
			t.Fatalf("AppendAction: %v", err)
		}
	}

	due, err := s.ListDueRollbackChecks(ctx, now)
	if err != nil {
		t.Fatalf("ListDueRollbackChecks: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due checks, got %d", len(due))
	}

	pending, err := s.CountPendingRollbackChecks(ctx)
	if err != nil {
		t.Fatalf("CountPendingRollbackChecks: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected 1 pending check (the future one), got %d", pending)
	}
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func TestAuditAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*AuditRecord{
		{DecisionID: "dec-001", EventType: "decision.proposed", ControlPoint: "id_fan_speed_pct", Result: "pending", Timestamp: time.Now().Add(-2 * time.Hour)},
		{DecisionID: "dec-001", EventType: "decision.approved", OperatorID: "op-7", Result: "success", Timestamp: time.Now().Add(-time.Hour)},
		{DecisionID: "dec-002", EventType: "decision.rejected", OperatorID: "op-9", Result: "denied", Timestamp: time.Now()},
	}
	for _, e := range events {
		if err := s.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("AppendAuditEvent: %v", err)
		}
	}

	got, err := s.QueryAuditEvents(ctx, AuditQuery{DecisionID: "dec-001"})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for dec-001, got %d", len(got))
	}
	// Newest first.
	if got[0].EventType != "decision.approved" {
		t.Errorf("expected newest first, got %s", got[0].EventType)
	}

	got, err = s.QueryAuditEvents(ctx, AuditQuery{OperatorID: "op-9"})
	if err != nil {
		t.Fatalf("QueryAuditEvents by operator: %v", err)
	}
	if len(got) != 1 || got[0].DecisionID != "dec-002" {
		t.Errorf("expected dec-002 for op-9, got %v", got)
	}

	got, err = s.QueryAuditEvents(ctx, AuditQuery{From: time.Now().Add(-90 * time.Minute)})
	if err != nil {
		t.Fatalf("QueryAuditEvents by time: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 events in window, got %d", len(got))
	}
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

func TestSnapshotHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := &SnapshotRecord{
			PlantID:         "plant_01",
			LineID:          "line_2",
			Readings:        `{"feed_rate_tph":145.0}`,
			Prediction:      `{"energy_gap_kwh":7.0}`,
			RecType:         "ENERGY_EXCESS",
			EnergyKWhPerTon: 100.0 + float64(i),
			ObservedAt:      time.Now().Add(time.Duration(i) * time.Minute).Round(time.Second),
		}
		if err := s.AppendSnapshot(ctx, rec); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}

	latest, err := s.LatestSnapshot(ctx, "plant_01", "line_2")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest == nil || latest.EnergyKWhPerTon != 102.0 {
		t.Errorf("expected latest energy 102.0, got %+v", latest)
	}

	all, err := s.QuerySnapshots(ctx, "plant_01", "line_2", 10)
	if err != nil {
		t.Fatalf("QuerySnapshots: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 snapshots, got %d", len(all))
	}

	none, err := s.LatestSnapshot(ctx, "plant_09", "line_1")
	if err != nil {
		t.Fatalf("LatestSnapshot missing line: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for unknown line, got %+v", none)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Re-running migrate on an already-migrated store is a no-op.
	if err := s.(*sqliteStore).migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
