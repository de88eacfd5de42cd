package plant

// http.go consolidates the REST clients for the plant collaborator services
// so every caller shares the same pooled transport, error handling, and
// metrics instrumentation.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cementai/optimizer/internal/metrics"
	"github.com/cementai/optimizer/internal/models"
)

// sharedHTTPClient is a package-level HTTP client with a pooled transport.
// Reusing a single client across all collaborator calls prevents
// file-descriptor exhaustion when several lines poll concurrently.
var sharedHTTPClient = &http.Client{
	Timeout: 15 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Clients bundles the HTTP implementations of the collaborator interfaces.
type Clients struct {
	Snapshots SnapshotProvider
	Predictor Predictor
	Control   ControlWriter
	KPI       KPISampler
	Approvals ApprovalSource
}

// Config holds the base URLs and timeout for the collaborator services.
type Config struct {
	SnapshotBaseURL   string
	PredictionBaseURL string
	ControlBaseURL    string
	KPIBaseURL        string
	ApprovalBaseURL   string
	Timeout           time.Duration
}

// NewClients builds HTTP clients for every collaborator service.
func NewClients(cfg Config) *Clients {
	client := sharedHTTPClient
	if cfg.Timeout > 0 && cfg.Timeout != client.Timeout {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: sharedHTTPClient.Transport,
		}
	}
	return &Clients{
		Snapshots: &httpSnapshotProvider{rest{cfg.SnapshotBaseURL, client, "snapshot"}},
		Predictor: &httpPredictor{rest{cfg.PredictionBaseURL, client, "prediction"}},
		Control:   &httpControlWriter{rest{cfg.ControlBaseURL, client, "control"}},
		KPI:       &httpKPISampler{rest{cfg.KPIBaseURL, client, "kpi"}},
		Approvals: &httpApprovalSource{rest{cfg.ApprovalBaseURL, client, "approval"}},
	}
}

// rest is a thin JSON-over-HTTP helper shared by the collaborator clients.
type rest struct {
	baseURL string
	client  *http.Client
	service string // metrics label
}

// get performs a GET request and unmarshals the JSON response.
func (c *rest) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.baseURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, path, out)
}

// post performs a POST request with a JSON body and unmarshals the response.
func (c *rest) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, path, out)
}

func (c *rest) do(req *http.Request, path string, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues(c.service, "error").Inc()
		return fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		metrics.CollaboratorRequestsTotal.WithLabelValues(c.service, "not_found").Inc()
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		metrics.CollaboratorRequestsTotal.WithLabelValues(c.service, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		return fmt.Errorf("%s %s: HTTP %d: %s", req.Method, path, resp.StatusCode, truncate(string(body), 200))
	}

	metrics.CollaboratorRequestsTotal.WithLabelValues(c.service, "ok").Inc()
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", req.Method, path, err)
		}
	}
	return nil
}

var errNotFound = fmt.Errorf("not found")

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ─── Snapshot provider ────────────────────────────────────────────────────────

type httpSnapshotProvider struct {
	rest
}

func (c *httpSnapshotProvider) LatestSnapshot(ctx context.Context, plantID, lineID string) (*models.PlantSnapshot, error) {
	path := fmt.Sprintf("/api/v1/snapshot?plant_id=%s&line_id=%s",
		url.QueryEscape(plantID), url.QueryEscape(lineID))
	snap := &models.PlantSnapshot{}
	if err := c.get(ctx, path, snap); err != nil {
		return nil, fmt.Errorf("latest snapshot for %s/%s: %w", plantID, lineID, err)
	}
	snap.PlantID = plantID
	snap.LineID = lineID
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return snap, nil
}

// ─── Predictor ────────────────────────────────────────────────────────────────

type httpPredictor struct {
	rest
}

func (c *httpPredictor) Predict(ctx context.Context, snap *models.PlantSnapshot) (*models.Prediction, error) {
	pred := &models.Prediction{}
	if err := c.post(ctx, "/api/v1/predict", snap, pred); err != nil {
		return nil, fmt.Errorf("predict for %s: %w", snap.Line(), err)
	}
	return pred, nil
}

// ─── Control writer ───────────────────────────────────────────────────────────

type httpControlWriter struct {
	rest
}

type controlWriteRequest struct {
	PlantID      string  `json:"plant_id"`
	LineID       string  `json:"line_id"`
	ControlPoint string  `json:"control_point"`
	Value        float64 `json:"value"`
}

type controlWriteResponse struct {
	PreviousValue float64 `json:"previous_value"`
	Accepted      bool    `json:"accepted"`
}

func (c *httpControlWriter) Write(ctx context.Context, cp models.ControlPoint, value float64) (float64, error) {
	req := controlWriteRequest{
		PlantID:      cp.PlantID,
		LineID:       cp.LineID,
		ControlPoint: cp.Name,
		Value:        value,
	}
	var resp controlWriteResponse
	if err := c.post(ctx, "/api/v1/control/write", req, &resp); err != nil {
		return 0, &models.ActuationError{ControlPoint: cp.String(), Err: err}
	}
	if !resp.Accepted {
		return 0, &models.ActuationError{
			ControlPoint: cp.String(),
			Err:          fmt.Errorf("control system refused the write"),
		}
	}
	return resp.PreviousValue, nil
}

// ─── KPI sampler ──────────────────────────────────────────────────────────────

type httpKPISampler struct {
	rest
}

func (c *httpKPISampler) SampleKPI(ctx context.Context, plantID, lineID, metric string) (float64, error) {
	path := fmt.Sprintf("/api/v1/kpi?plant_id=%s&line_id=%s&metric=%s",
		url.QueryEscape(plantID), url.QueryEscape(lineID), url.QueryEscape(metric))
	var resp struct {
		Metric string  `json:"metric"`
		Value  float64 `json:"value"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, fmt.Errorf("sample %s for %s/%s: %w", metric, plantID, lineID, err)
	}
	return resp.Value, nil
}

// ─── Approval source ──────────────────────────────────────────────────────────

type httpApprovalSource struct {
	rest
}

func (c *httpApprovalSource) PollVerdict(ctx context.Context, decisionID string) (*Verdict, error) {
	path := "/api/v1/verdict?decision_id=" + url.QueryEscape(decisionID)
	verdict := &Verdict{}
	err := c.get(ctx, path, verdict)
	if err == errNotFound {
		return nil, nil // no verdict recorded yet
	}
	if err != nil {
		return nil, fmt.Errorf("poll verdict for %s: %w", decisionID, err)
	}
	return verdict, nil
}
