package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/audit"
	"github.com/cementai/optimizer/internal/autonomy"
	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/db"
	"github.com/cementai/optimizer/internal/models"
	"github.com/cementai/optimizer/internal/recommend"
)

func f(v float64) *float64 { return &v }

func testSnapshot() *models.PlantSnapshot {
	return &models.PlantSnapshot{
		PlantID:           "plant_01",
		LineID:            "line_2",
		Timestamp:         time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		FeedRateTPH:       f(145),
		FinishMillPowerKW: f(1800),
		FinishMillLoadPct: f(75),
		SeparatorSpeedPct: f(82),
		IDFanSpeedPct:     f(78),
		BagFilterDPKPa:    f(3.0),
		EnergyKWhPerTon:   f(95),
	}
}

func testPrediction(gap float64) *models.Prediction {
	return &models.Prediction{
		PredictedEnergyKWhPerTon: f(95 - gap),
		EnergyGapKWh:             f(gap),
		PMRiskProbability:        f(0.2),
		PredictedHeatLossKW:      f(300),
		QualityFlag:              "ok",
	}
}

func newTestController(t *testing.T) (*Controller, *autonomy.Manager, db.Store) {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: filepath.Join(dir, "audit.log"),
		AppLogPath:   filepath.Join(dir, "app.log"),
		MaxSize:      10,
		MaxBackups:   1,
		MaxAge:       1,
		LogLevel:     "info",
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	cfg := config.DefaultConfig()
	mgr := autonomy.NewManager(cfg.Autonomy, store, auditLog, zap.NewNop(), nil, nil)
	engine := recommend.NewEngine(cfg.Engine)
	ctrl := New(cfg.Plant, nil, nil, engine, mgr, store, zap.NewNop())
	return ctrl, mgr, store
}

func TestProcessSnapshotProposesActionable(t *testing.T) {
	ctrl, mgr, store := newTestController(t)
	ctx := context.Background()

	rec, err := ctrl.ProcessSnapshot(ctx, testSnapshot(), testPrediction(7))
	if err != nil {
		t.Fatalf("ProcessSnapshot: %v", err)
	}
	if rec.Type != models.RecEnergyExcess {
		t.Fatalf("type = %s, want ENERGY_EXCESS", rec.Type)
	}

	pending := mgr.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Recommendation.Type != models.RecEnergyExcess {
		t.Fatalf("pending decision = %+v", pending[0])
	}

	// The observation is persisted for the realtime API.
	snap, err := store.LatestSnapshot(ctx, "plant_01", "line_2")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap == nil || snap.RecType != string(models.RecEnergyExcess) || snap.EnergyKWhPerTon != 95 {
		t.Fatalf("snapshot record = %+v", snap)
	}
}

func TestProcessSnapshotOptimalDoesNotPropose(t *testing.T) {
	ctrl, mgr, _ := newTestController(t)

	rec, err := ctrl.ProcessSnapshot(context.Background(), testSnapshot(), testPrediction(2))
	if err != nil {
		t.Fatalf("ProcessSnapshot: %v", err)
	}
	if rec.Type != models.RecOptimal {
		t.Fatalf("type = %s, want OPTIMAL", rec.Type)
	}
	if got := mgr.Pending(); len(got) != 0 {
		t.Fatalf("pending = %d, want 0", len(got))
	}

	if latest := ctrl.LatestRecommendation("plant_01", "line_2"); latest == nil || latest.Type != models.RecOptimal {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestProcessSnapshotMissingFields(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	snap := testSnapshot()
	snap.SeparatorSpeedPct = nil
	_, err := ctrl.ProcessSnapshot(context.Background(), snap, testPrediction(7))
	var insufficient *models.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientDataError", err)
	}
}

func TestProcessSnapshotConcurrentDiscard(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	if _, err := ctrl.ProcessSnapshot(ctx, testSnapshot(), testPrediction(7)); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// Same condition next cycle: the control point is still owned.
	rec, err := ctrl.ProcessSnapshot(ctx, testSnapshot(), testPrediction(7))
	var concurrent *models.ConcurrentControlPointError
	if !errors.As(err, &concurrent) {
		t.Fatalf("err = %v, want ConcurrentControlPointError", err)
	}
	// The evaluation itself still happened and is available to the API.
	if rec == nil || rec.Type != models.RecEnergyExcess {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestPersistSnapshotMissingEnergyStoresZero(t *testing.T) {
	ctrl, _, store := newTestController(t)
	ctx := context.Background()

	snap := testSnapshot()
	snap.EnergyKWhPerTon = nil
	rec := &models.Recommendation{Type: models.RecOptimal}
	ctrl.persistSnapshot(ctx, snap, testPrediction(2), rec)

	stored, err := store.LatestSnapshot(ctx, "plant_01", "line_2")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if stored == nil || stored.EnergyKWhPerTon != 0 {
		t.Fatalf("snapshot record = %+v, want energy 0", stored)
	}
}
