// Package controller drives the optimization loop: one poller per configured
// production line fetches a snapshot, obtains a prediction, evaluates the
// rule cascade, and routes any actionable recommendation into the autonomy
// workflow. A failing line never stalls the others.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/autonomy"
	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/db"
	"github.com/cementai/optimizer/internal/metrics"
	"github.com/cementai/optimizer/internal/models"
	"github.com/cementai/optimizer/internal/plant"
	"github.com/cementai/optimizer/internal/recommend"
)

// Controller owns the per-line pollers.
type Controller struct {
	cfg       config.Plant
	snapshots plant.SnapshotProvider
	predictor plant.Predictor
	engine    *recommend.Engine
	manager   *autonomy.Manager
	store     db.Store
	logger    *zap.Logger

	mu     sync.Mutex
	latest map[string]*models.Recommendation // line key -> last evaluation
}

// New creates a controller for the configured lines.
func New(cfg config.Plant, snapshots plant.SnapshotProvider, predictor plant.Predictor, engine *recommend.Engine, manager *autonomy.Manager, store db.Store, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		snapshots: snapshots,
		predictor: predictor,
		engine:    engine,
		manager:   manager,
		store:     store,
		logger:    logger,
		latest:    make(map[string]*models.Recommendation),
	}
}

// Run starts one poller per line and blocks until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, line := range c.cfg.Lines {
		wg.Add(1)
		go func(line config.Line) {
			defer wg.Done()
			c.pollLine(ctx, line)
		}(line)
	}
	wg.Wait()
}

func (c *Controller) pollLine(ctx context.Context, line config.Line) {
	interval := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// First cycle immediately, then on the interval.
	c.runCycle(ctx, line)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx, line)
		}
	}
}

// runCycle executes one snapshot-to-proposal pass for a line. Every failure
// mode is terminal for the cycle only.
func (c *Controller) runCycle(ctx context.Context, line config.Line) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.CyclesTotal.WithLabelValues(line.PlantID, line.LineID, status).Inc()
		metrics.CycleDuration.WithLabelValues(line.PlantID, line.LineID).Observe(time.Since(start).Seconds())
	}()

	log := c.logger.With(zap.String("plant_id", line.PlantID), zap.String("line_id", line.LineID))

	snap, err := c.snapshots.LatestSnapshot(ctx, line.PlantID, line.LineID)
	if err != nil {
		status = "snapshot_error"
		log.Warn("fetch snapshot", zap.Error(err))
		return
	}

	pred, err := c.predictor.Predict(ctx, snap)
	if err != nil {
		status = "prediction_error"
		log.Warn("fetch prediction", zap.Error(err))
		return
	}

	rec, err := c.ProcessSnapshot(ctx, snap, pred)
	if err != nil {
		var insufficient *models.InsufficientDataError
		if errors.As(err, &insufficient) {
			status = "insufficient_data"
			log.Warn("snapshot rejected", zap.Strings("missing_fields", insufficient.Fields))
			return
		}
		var concurrent *models.ConcurrentControlPointError
		if errors.As(err, &concurrent) {
			// Expected while a prior decision is in flight.
			log.Info("proposal discarded",
				zap.String("control_point", concurrent.ControlPoint),
				zap.String("active_decision_id", concurrent.ActiveDecisionID),
			)
			return
		}
		status = "error"
		log.Error("cycle failed", zap.Error(err))
		return
	}

	if rec.Actionable() {
		log.Info("recommendation produced",
			zap.String("type", string(rec.Type)),
			zap.String("priority", string(rec.Priority)),
			zap.Float64("confidence", rec.ConfidenceScore),
		)
	}
}

// ProcessSnapshot is the single entry point of the control loop: evaluate a
// snapshot plus its prediction, persist the observation, and propose any
// actionable recommendation. The HTTP push endpoint shares this path with
// the pollers.
func (c *Controller) ProcessSnapshot(ctx context.Context, snap *models.PlantSnapshot, pred *models.Prediction) (*models.Recommendation, error) {
	rec, err := c.engine.Evaluate(snap, pred)
	if err != nil {
		return nil, err
	}

	metrics.RecommendationsTotal.WithLabelValues(string(rec.Type), string(rec.Priority)).Inc()
	if rec.ImpactUSD > 0 {
		metrics.EstimatedImpactUSD.WithLabelValues(string(rec.Type)).Add(rec.ImpactUSD)
	}

	c.persistSnapshot(ctx, snap, pred, &rec)

	c.mu.Lock()
	c.latest[snap.PlantID+"/"+snap.LineID] = &rec
	c.mu.Unlock()

	if _, err := c.manager.Propose(ctx, snap.PlantID, snap.LineID, rec); err != nil {
		return &rec, err
	}
	return &rec, nil
}

// LatestRecommendation returns the most recent evaluation for a line, or nil.
func (c *Controller) LatestRecommendation(plantID, lineID string) *models.Recommendation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[plantID+"/"+lineID]
}

// persistSnapshot stores the observation for the realtime API and trend
// queries. Persistence failures do not abort the cycle.
func (c *Controller) persistSnapshot(ctx context.Context, snap *models.PlantSnapshot, pred *models.Prediction, rec *models.Recommendation) {
	readings, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("marshal snapshot", zap.Error(err))
		return
	}
	prediction, err := json.Marshal(pred)
	if err != nil {
		c.logger.Error("marshal prediction", zap.Error(err))
		return
	}

	// A missing energy reading is kept as null inside the readings blob;
	// the indexed column stores zero.
	var energy float64
	if snap.EnergyKWhPerTon != nil {
		energy = *snap.EnergyKWhPerTon
	}

	record := &db.SnapshotRecord{
		PlantID:         snap.PlantID,
		LineID:          snap.LineID,
		Readings:        string(readings),
		Prediction:      string(prediction),
		RecType:         string(rec.Type),
		EnergyKWhPerTon: energy,
		ObservedAt:      snap.Timestamp.UTC(),
	}
	if err := c.store.AppendSnapshot(ctx, record); err != nil {
		c.logger.Error("persist snapshot", zap.Error(err))
	}
}
