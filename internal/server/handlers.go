package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cementai/optimizer/internal/db"
	"github.com/cementai/optimizer/internal/models"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady reports readiness: the process is ready once the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// handleInfo describes the running configuration.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	lines := make([]map[string]string, 0, len(s.config.Plant.Lines))
	for _, l := range s.config.Plant.Lines {
		lines = append(lines, map[string]string{"plant_id": l.PlantID, "line_id": l.LineID})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":              "cementai-optimizer",
		"lines":                lines,
		"poll_interval_s":      s.config.Plant.PollIntervalSeconds,
		"rollback_horizon_min": s.config.Rollback.HorizonMinutes,
		"autonomy_tiers":       s.config.Autonomy.Tiers,
	})
}

// SnapshotPushRequest is the body of the snapshot push entry point. The
// prediction is optional; when absent the configured prediction service is
// consulted.
type SnapshotPushRequest struct {
	Snapshot   *models.PlantSnapshot `json:"snapshot"`
	Prediction *models.Prediction    `json:"prediction,omitempty"`
}

// handleSnapshotPush lets an external ingestion layer feed the control loop
// directly instead of waiting for the next poll.
func (s *Server) handleSnapshotPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SnapshotPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Snapshot == nil || req.Snapshot.PlantID == "" || req.Snapshot.LineID == "" {
		http.Error(w, "snapshot with plant_id and line_id required", http.StatusBadRequest)
		return
	}

	pred := req.Prediction
	if pred == nil {
		var err error
		pred, err = s.clients.Predictor.Predict(r.Context(), req.Snapshot)
		if err != nil {
			http.Error(w, fmt.Sprintf("prediction unavailable: %v", err), http.StatusBadGateway)
			return
		}
	}

	rec, err := s.controller.ProcessSnapshot(r.Context(), req.Snapshot, pred)
	if err != nil {
		var insufficient *models.InsufficientDataError
		var concurrent *models.ConcurrentControlPointError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":          "insufficient data",
				"missing_fields": insufficient.Fields,
			})
		case errors.As(err, &concurrent):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":              "control point busy",
				"control_point":      concurrent.ControlPoint,
				"active_decision_id": concurrent.ActiveDecisionID,
				"recommendation":     rec,
			})
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendation": rec,
		"timestamp":      time.Now().UTC(),
	})
}

// handleRecommendations returns the latest evaluation per configured line.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type lineRecommendation struct {
		PlantID        string                 `json:"plant_id"`
		LineID         string                 `json:"line_id"`
		Recommendation *models.Recommendation `json:"recommendation"`
	}

	out := make([]lineRecommendation, 0, len(s.config.Plant.Lines))
	for _, l := range s.config.Plant.Lines {
		out = append(out, lineRecommendation{
			PlantID:        l.PlantID,
			LineID:         l.LineID,
			Recommendation: s.controller.LatestRecommendation(l.PlantID, l.LineID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": out,
		"count":           len(out),
	})
}

// handleRealtimeMetrics returns recent snapshot observations for a line.
func (s *Server) handleRealtimeMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	plantID := r.URL.Query().Get("plant_id")
	lineID := r.URL.Query().Get("line_id")
	if plantID == "" || lineID == "" {
		http.Error(w, "plant_id and line_id required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 20)

	snaps, err := s.store.QuerySnapshots(r.Context(), plantID, lineID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// handleDecisionsList returns persisted decisions, filterable by state,
// tier, line, and time range.
func (s *Server) handleDecisionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := db.DecisionQuery{
		PlantID: r.URL.Query().Get("plant_id"),
		LineID:  r.URL.Query().Get("line_id"),
		State:   r.URL.Query().Get("state"),
		Tier:    r.URL.Query().Get("tier"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		q.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			http.Error(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		q.To = t
	}

	decisions, err := s.store.ListDecisions(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// handleDecisionsPending returns decisions awaiting an operator verdict.
func (s *Server) handleDecisionsPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pending := s.manager.Pending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": pending,
		"count":     len(pending),
	})
}

// VerdictRequest is the body of approve/reject calls.
type VerdictRequest struct {
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason,omitempty"`
}

// handleDecisionByID routes /api/v1/decisions/{id}[/approve|/reject|/actions].
func (s *Server) handleDecisionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/decisions/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		http.Error(w, "decision ID required", http.StatusBadRequest)
		return
	}

	id := rest
	action := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		id, action = rest[:i], rest[i+1:]
	}

	switch action {
	case "":
		s.handleDecisionGet(w, r, id)
	case "approve":
		s.handleDecisionVerdict(w, r, id, true)
	case "reject":
		s.handleDecisionVerdict(w, r, id, false)
	case "actions":
		s.handleDecisionActions(w, r, id)
	default:
		http.Error(w, "unknown decision operation", http.StatusNotFound)
	}
}

func (s *Server) handleDecisionGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.store.GetDecision(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "decision not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecisionVerdict(w http.ResponseWriter, r *http.Request, id string, approve bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req VerdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.OperatorID == "" {
		http.Error(w, "operator_id required", http.StatusBadRequest)
		return
	}

	var d *models.AutonomyDecision
	var err error
	if approve {
		d, err = s.manager.Approve(r.Context(), id, req.OperatorID)
	} else {
		reason := req.Reason
		if reason == "" {
			reason = "rejected by operator"
		}
		d, err = s.manager.Reject(r.Context(), id, req.OperatorID, reason)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDecisionActions(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actions, err := s.store.ListActionsForDecision(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

// handleAuditQuery exposes the persisted audit trail.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := db.AuditQuery{
		DecisionID:   r.URL.Query().Get("decision_id"),
		EventType:    r.URL.Query().Get("event_type"),
		ControlPoint: r.URL.Query().Get("control_point"),
		OperatorID:   r.URL.Query().Get("operator_id"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			http.Error(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		q.From = t
	}

	events, err := s.store.QueryAuditEvents(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
