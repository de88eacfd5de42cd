// Package notify broadcasts decision state-change events to WebSocket
// subscribers. Dashboards and chat explanation layers consume this feed;
// nothing in the control loop depends on a subscriber being connected.
package notify

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cementai/optimizer/internal/metrics"
	"github.com/cementai/optimizer/internal/models"
)

// Event message types.
const (
	MessageTypeDecision  = "decision"
	MessageTypeHeartbeat = "heartbeat"
)

// Message is the wire format pushed to subscribers.
type Message struct {
	Type      string                   `json:"type"`
	Decision  *models.AutonomyDecision `json:"decision,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// defaultDevOrigins are accepted when no origins are configured.
var defaultDevOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// newUpgrader builds an upgrader that checks the Origin header against the
// configured allow-list. Requests without an Origin header (non-browser
// clients) are always accepted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := allowedOrigins
	if len(allowed) == 0 {
		allowed = defaultDevOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// subscriber is one connected WebSocket client.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) send(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(msg)
}

// Hub fans decision events out to all connected subscribers.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates a broadcast hub.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
		subs:     make(map[*subscriber]struct{}),
	}
}

// DecisionChanged broadcasts a decision state change to every subscriber.
// Subscribers whose write fails are dropped.
func (h *Hub) DecisionChanged(d *models.AutonomyDecision) {
	msg := &Message{
		Type:      MessageTypeDecision,
		Decision:  d,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.send(msg); err != nil {
			h.drop(s)
		}
	}
}

// ServeWS upgrades the request and keeps the connection until the client
// goes away. Clients are write-only from the hub's perspective; anything
// they send is read and discarded to service control frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	sub := &subscriber{conn: conn}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()

	go h.heartbeat(sub)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read", zap.Error(err))
			}
			h.drop(sub)
			return
		}
	}
}

func (h *Hub) heartbeat(sub *subscriber) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := sub.send(&Message{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
			h.drop(sub)
			return
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()

	if present {
		sub.conn.Close()
		metrics.WebSocketConnections.Dec()
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.drop(s)
	}
}
