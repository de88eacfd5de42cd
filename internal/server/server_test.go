package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/config"
	"github.com/cementai/optimizer/internal/models"
)

// fakePlant stands in for the external control and KPI services.
type fakePlant struct {
	mu     sync.Mutex
	writes []float64
}

func (fp *fakePlant) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/control/write", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value float64 `json:"value"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		fp.mu.Lock()
		fp.writes = append(fp.writes, req.Value)
		fp.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"previous_value": 82.0,
			"accepted":       true,
		})
	})
	mux.HandleFunc("/api/v1/kpi", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"metric": r.URL.Query().Get("metric"),
			"value":  96.5,
		})
	})
	return mux
}

func (fp *fakePlant) writeCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.writes)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *fakePlant) {
	t.Helper()

	fp := &fakePlant{}
	backend := httptest.NewServer(fp.handler())
	t.Cleanup(backend.Close)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.SQLitePath = filepath.Join(dir, "optimizer.db")
	cfg.Logging.AppLogPath = filepath.Join(dir, "app.log")
	cfg.Logging.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.Plant.SnapshotBaseURL = backend.URL
	cfg.Plant.PredictionBaseURL = backend.URL
	cfg.Plant.ControlBaseURL = backend.URL
	cfg.Plant.KPIBaseURL = backend.URL
	cfg.Plant.ApprovalBaseURL = backend.URL

	srv, err := NewServer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		srv.cancel()
		srv.auditLog.Close()
		srv.store.Close()
	})

	mux := http.NewServeMux()
	srv.registerHandlers(mux)
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	return srv, api, fp
}

func f(v float64) *float64 { return &v }

func pushBody(gap float64) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"snapshot": &models.PlantSnapshot{
			PlantID:           "plant_01",
			LineID:            "line_2",
			Timestamp:         time.Now().UTC(),
			FeedRateTPH:       f(145),
			FinishMillPowerKW: f(1800),
			FinishMillLoadPct: f(75),
			SeparatorSpeedPct: f(82),
			IDFanSpeedPct:     f(78),
			BagFilterDPKPa:    f(3.0),
			EnergyKWhPerTon:   f(95),
		},
		"prediction": &models.Prediction{
			PredictedEnergyKWhPerTon: f(95 - gap),
			EnergyGapKWh:             f(gap),
			PMRiskProbability:        f(0.2),
			PredictedHeatLossKW:      f(300),
			QualityFlag:              "ok",
		},
	})
	return body
}

func TestHealthAndReady(t *testing.T) {
	_, api, _ := newTestServer(t)

	for _, path := range []string{"/health", "/ready", "/info"} {
		resp, err := http.Get(api.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestSnapshotPushProducesPendingDecision(t *testing.T) {
	_, api, _ := newTestServer(t)

	resp, err := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(pushBody(7)))
	if err != nil {
		t.Fatalf("POST snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var pushResp struct {
		Recommendation *models.Recommendation `json:"recommendation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pushResp.Recommendation.Type != models.RecEnergyExcess {
		t.Fatalf("type = %s, want ENERGY_EXCESS", pushResp.Recommendation.Type)
	}

	pending, err := http.Get(api.URL + "/api/v1/decisions/pending")
	if err != nil {
		t.Fatalf("GET pending: %v", err)
	}
	defer pending.Body.Close()
	var list struct {
		Count     int                        `json:"count"`
		Decisions []*models.AutonomyDecision `json:"decisions"`
	}
	if err := json.NewDecoder(pending.Body).Decode(&list); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if list.Count != 1 {
		t.Fatalf("pending = %d, want 1", list.Count)
	}
	if list.Decisions[0].State != models.StatePendingApproval {
		t.Fatalf("state = %s", list.Decisions[0].State)
	}
}

func TestApproveExecutesDecision(t *testing.T) {
	_, api, fp := newTestServer(t)

	resp, err := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(pushBody(7)))
	if err != nil {
		t.Fatalf("POST snapshot: %v", err)
	}
	resp.Body.Close()

	pending, _ := http.Get(api.URL + "/api/v1/decisions/pending")
	var list struct {
		Decisions []*models.AutonomyDecision `json:"decisions"`
	}
	json.NewDecoder(pending.Body).Decode(&list)
	pending.Body.Close()
	if len(list.Decisions) != 1 {
		t.Fatalf("pending = %d, want 1", len(list.Decisions))
	}
	id := list.Decisions[0].ID

	verdict, _ := json.Marshal(map[string]string{"operator_id": "op-7"})
	approveResp, err := http.Post(api.URL+"/api/v1/decisions/"+id+"/approve", "application/json", bytes.NewReader(verdict))
	if err != nil {
		t.Fatalf("POST approve: %v", err)
	}
	defer approveResp.Body.Close()
	if approveResp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", approveResp.StatusCode)
	}

	// Approval hands off synchronously, so the control write already landed.
	if fp.writeCount() != 1 {
		t.Fatalf("control writes = %d, want 1", fp.writeCount())
	}

	getResp, err := http.Get(api.URL + "/api/v1/decisions/" + id)
	if err != nil {
		t.Fatalf("GET decision: %v", err)
	}
	defer getResp.Body.Close()
	var rec struct {
		State      string `json:"state"`
		OperatorID string `json:"operator_id"`
	}
	json.NewDecoder(getResp.Body).Decode(&rec)
	if rec.State != string(models.StateExecuted) || rec.OperatorID != "op-7" {
		t.Fatalf("decision = %+v", rec)
	}

	actionsResp, err := http.Get(api.URL + "/api/v1/decisions/" + id + "/actions")
	if err != nil {
		t.Fatalf("GET actions: %v", err)
	}
	defer actionsResp.Body.Close()
	var actions struct {
		Count int `json:"count"`
	}
	json.NewDecoder(actionsResp.Body).Decode(&actions)
	if actions.Count != 1 {
		t.Fatalf("actions = %d, want 1", actions.Count)
	}
}

func TestSnapshotPushConflictWhileDecisionActive(t *testing.T) {
	_, api, _ := newTestServer(t)

	first, err := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(pushBody(7)))
	if err != nil {
		t.Fatalf("first push: %v", err)
	}
	first.Body.Close()

	second, err := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(pushBody(7)))
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", second.StatusCode)
	}
}

func TestVerdictRequiresOperator(t *testing.T) {
	_, api, _ := newTestServer(t)

	resp, _ := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(pushBody(7)))
	resp.Body.Close()

	pending, _ := http.Get(api.URL + "/api/v1/decisions/pending")
	var list struct {
		Decisions []*models.AutonomyDecision `json:"decisions"`
	}
	json.NewDecoder(pending.Body).Decode(&list)
	pending.Body.Close()
	id := list.Decisions[0].ID

	rejectResp, err := http.Post(api.URL+"/api/v1/decisions/"+id+"/reject", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST reject: %v", err)
	}
	defer rejectResp.Body.Close()
	if rejectResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rejectResp.StatusCode)
	}
}

func TestDecisionNotFound(t *testing.T) {
	_, api, _ := newTestServer(t)

	resp, err := http.Get(api.URL + "/api/v1/decisions/no-such-id")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAuditTrailPersisted(t *testing.T) {
	_, api, _ := newTestServer(t)

	resp, _ := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(pushBody(7)))
	resp.Body.Close()

	auditResp, err := http.Get(api.URL + "/api/v1/audit?event_type=decision.proposed")
	if err != nil {
		t.Fatalf("GET audit: %v", err)
	}
	defer auditResp.Body.Close()
	var events struct {
		Count  int `json:"count"`
		Events []struct {
			EventType  string `json:"event_type"`
			DecisionID string `json:"decision_id"`
		} `json:"events"`
	}
	if err := json.NewDecoder(auditResp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if events.Count != 1 {
		t.Fatalf("events = %d, want 1", events.Count)
	}
	if events.Events[0].DecisionID == "" {
		t.Fatal("audit event missing decision_id")
	}
}

func TestInvalidSnapshotRejected(t *testing.T) {
	_, api, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"snapshot": map[string]string{}})
	resp, err := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMissingReadingsUnprocessable(t *testing.T) {
	_, api, _ := newTestServer(t)

	var req map[string]json.RawMessage
	json.Unmarshal(pushBody(7), &req)
	var snap models.PlantSnapshot
	json.Unmarshal(req["snapshot"], &snap)
	snap.SeparatorSpeedPct = nil
	snapJSON, _ := json.Marshal(&snap)
	req["snapshot"] = snapJSON
	body, _ := json.Marshal(req)

	resp, err := http.Post(api.URL+"/api/v1/snapshot", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	var payload struct {
		MissingFields []string `json:"missing_fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.MissingFields) != 1 || payload.MissingFields[0] != "separator_speed_pct" {
		t.Fatalf("missing_fields = %v", payload.MissingFields)
	}
}
