package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/models"
)

func makeRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginChecking(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		origin  string
		allowed bool
	}{
		{"default dev origin", nil, "http://localhost:3000", true},
		{"default rejects external", nil, "https://evil.example.com", false},
		{"configured origin", []string{"https://ops.example.com"}, "https://ops.example.com", true},
		{"configured rejects other", []string{"https://ops.example.com"}, "https://other.example.com", false},
		{"case-insensitive origin", []string{"https://Ops.Example.Com"}, "https://ops.example.com", true},
		{"wildcard", []string{"*"}, "https://anything.example.com", true},
		{"no origin header allowed", []string{"https://ops.example.com"}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := newUpgrader(tc.origins)
			got := up.CheckOrigin(makeRequest(tc.origin))
			if got != tc.allowed {
				t.Errorf("origins=%v origin=%q: got %v, want %v", tc.origins, tc.origin, got, tc.allowed)
			}
		})
	}
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	hub := NewHub([]string{"*"}, zap.NewNop())
	defer hub.Close()

	conn := dialHub(t, hub)

	// The subscriber registers during the upgrade handshake, which completes
	// before Dial returns.
	hub.DecisionChanged(&models.AutonomyDecision{
		ID:    "dec-123",
		State: models.StateApproved,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != MessageTypeDecision {
		t.Fatalf("type = %s, want decision", msg.Type)
	}
	if msg.Decision == nil || msg.Decision.ID != "dec-123" {
		t.Fatalf("decision = %+v", msg.Decision)
	}
}

func TestDroppedSubscriberDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHub([]string{"*"}, zap.NewNop())
	defer hub.Close()

	gone := dialHub(t, hub)
	gone.Close()
	live := dialHub(t, hub)

	hub.DecisionChanged(&models.AutonomyDecision{ID: "dec-456", State: models.StateExecuted})

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := live.ReadJSON(&msg); err != nil {
		t.Fatalf("live subscriber missed broadcast: %v", err)
	}
	if msg.Decision.ID != "dec-456" {
		t.Fatalf("decision = %+v", msg.Decision)
	}
}
