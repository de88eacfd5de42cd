package plant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cementai/optimizer/internal/models"
)

func newClients(t *testing.T, handler http.Handler) *Clients {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClients(Config{
		SnapshotBaseURL:   srv.URL,
		PredictionBaseURL: srv.URL,
		ControlBaseURL:    srv.URL,
		KPIBaseURL:        srv.URL,
		ApprovalBaseURL:   srv.URL,
	})
}

func TestLatestSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("plant_id") != "plant_01" {
			t.Errorf("unexpected plant_id %q", r.URL.Query().Get("plant_id"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"feed_rate_tph":      145.0,
			"energy_kwh_per_ton": 104.2,
		})
	})

	c := newClients(t, mux)
	snap, err := c.Snapshots.LatestSnapshot(context.Background(), "plant_01", "line_2")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap.FeedRateTPH == nil || *snap.FeedRateTPH != 145.0 {
		t.Errorf("expected feed rate 145.0, got %v", snap.FeedRateTPH)
	}
	if snap.BagFilterDPKPa != nil {
		t.Errorf("expected absent reading to stay nil, got %v", *snap.BagFilterDPKPa)
	}
	if snap.PlantID != "plant_01" || snap.LineID != "line_2" {
		t.Errorf("expected line fields to be filled, got %s/%s", snap.PlantID, snap.LineID)
	}
	if snap.Timestamp.IsZero() {
		t.Error("expected timestamp to be defaulted")
	}
}

func TestPredict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/predict", func(w http.ResponseWriter, r *http.Request) {
		var snap models.PlantSnapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			t.Errorf("decode snapshot: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"energy_gap_kwh":      7.0,
			"pm_risk_probability": 0.3,
			"quality_flag":        "ok",
		})
	})

	c := newClients(t, mux)
	pred, err := c.Predictor.Predict(context.Background(), &models.PlantSnapshot{PlantID: "plant_01", LineID: "line_2"})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.EnergyGapKWh == nil || *pred.EnergyGapKWh != 7.0 {
		t.Errorf("expected gap 7.0, got %v", pred.EnergyGapKWh)
	}
	if pred.PredictedHeatLossKW != nil {
		t.Error("expected absent heat loss to stay nil")
	}
	if pred.QualityFlag != "ok" {
		t.Errorf("expected quality flag ok, got %q", pred.QualityFlag)
	}
}

func TestControlWrite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/control/write", func(w http.ResponseWriter, r *http.Request) {
		var req controlWriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode write: %v", err)
		}
		if req.ControlPoint != "id_fan_speed_pct" || req.Value != 82.4 {
			t.Errorf("unexpected write %+v", req)
		}
		json.NewEncoder(w).Encode(controlWriteResponse{PreviousValue: 86.0, Accepted: true})
	})

	c := newClients(t, mux)
	cp := models.ControlPoint{PlantID: "plant_01", LineID: "line_2", Name: "id_fan_speed_pct"}
	prev, err := c.Control.Write(context.Background(), cp, 82.4)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if prev != 86.0 {
		t.Errorf("expected previous 86.0, got %v", prev)
	}
}

func TestControlWriteFailureIsActuationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/control/write", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plc offline", http.StatusServiceUnavailable)
	})

	c := newClients(t, mux)
	cp := models.ControlPoint{PlantID: "plant_01", LineID: "line_2", Name: "id_fan_speed_pct"}
	_, err := c.Control.Write(context.Background(), cp, 82.4)
	if err == nil {
		t.Fatal("expected error")
	}
	var actErr *models.ActuationError
	if !errors.As(err, &actErr) {
		t.Fatalf("expected ActuationError, got %T: %v", err, err)
	}
	if actErr.ControlPoint != cp.String() {
		t.Errorf("expected control point %s, got %s", cp, actErr.ControlPoint)
	}
}

func TestControlWriteRefused(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/control/write", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(controlWriteResponse{Accepted: false})
	})

	c := newClients(t, mux)
	cp := models.ControlPoint{PlantID: "plant_01", LineID: "line_2", Name: "separator_speed_pct"}
	_, err := c.Control.Write(context.Background(), cp, 78.85)
	var actErr *models.ActuationError
	if !errors.As(err, &actErr) {
		t.Fatalf("expected ActuationError for refused write, got %v", err)
	}
}

func TestSampleKPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/kpi", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("metric") != "energy_kwh_per_ton" {
			t.Errorf("unexpected metric %q", r.URL.Query().Get("metric"))
		}
		json.NewEncoder(w).Encode(map[string]any{"metric": "energy_kwh_per_ton", "value": 104.2})
	})

	c := newClients(t, mux)
	v, err := c.KPI.SampleKPI(context.Background(), "plant_01", "line_2", "energy_kwh_per_ton")
	if err != nil {
		t.Fatalf("SampleKPI: %v", err)
	}
	if v != 104.2 {
		t.Errorf("expected 104.2, got %v", v)
	}
}

func TestPollVerdict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/verdict", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("decision_id") == "dec-001" {
			json.NewEncoder(w).Encode(Verdict{DecisionID: "dec-001", Approved: true, OperatorID: "op-7"})
			return
		}
		http.NotFound(w, r)
	})

	c := newClients(t, mux)

	v, err := c.Approvals.PollVerdict(context.Background(), "dec-001")
	if err != nil {
		t.Fatalf("PollVerdict: %v", err)
	}
	if v == nil || !v.Approved || v.OperatorID != "op-7" {
		t.Errorf("unexpected verdict %+v", v)
	}

	// No verdict yet: nil, nil.
	v, err = c.Approvals.PollVerdict(context.Background(), "dec-002")
	if err != nil {
		t.Fatalf("PollVerdict pending: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil verdict, got %+v", v)
	}
}
