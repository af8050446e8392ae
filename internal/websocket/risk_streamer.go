// Package websocket streams proctoring events to live dashboards.
package websocket

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/proctor/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamMessage is what a dashboard receives for every matching event.
type StreamMessage struct {
	Type         string                 `json:"type"`
	SessionID    string                 `json:"session_id"`
	AssessmentID string                 `json:"assessment_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
}

// client is one dashboard connection with its own bus subscription.
type client struct {
	conn         *websocket.Conn
	sub          chan *events.CloudEvent
	sessionID    string
	assessmentID string
	closeOnce    sync.Once
}

func (c *client) matches(ev *events.CloudEvent) bool {
	if c.sessionID != "" && ev.Subject != c.sessionID {
		return false
	}
	if c.assessmentID != "" && ev.AssessmentID != c.assessmentID {
		return false
	}
	return true
}

// RiskStreamer manages WebSocket connections for live risk updates. Each
// connection subscribes to the event bus and may narrow the stream with the
// session and assessment query parameters.
type RiskStreamer struct {
	bus      *events.EventBus
	clients  map[*client]struct{}
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewRiskStreamer creates a streamer over bus. An empty allowedOrigins
// accepts every origin.
func NewRiskStreamer(bus *events.EventBus, allowedOrigins []string) *RiskStreamer {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &RiskStreamer{
		bus:     bus,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// HandleWebSocket upgrades the request and starts streaming.
func (rs *RiskStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:         conn,
		sub:          rs.bus.Subscribe(),
		sessionID:    r.URL.Query().Get("session"),
		assessmentID: r.URL.Query().Get("assessment"),
	}
	rs.mu.Lock()
	rs.clients[c] = struct{}{}
	total := len(rs.clients)
	rs.mu.Unlock()
	rs.logger.Printf("Dashboard connected (total: %d)", total)

	go rs.writePump(c)
	go rs.readPump(c)
}

func (rs *RiskStreamer) disconnect(c *client) {
	c.closeOnce.Do(func() {
		rs.mu.Lock()
		delete(rs.clients, c)
		total := len(rs.clients)
		rs.mu.Unlock()

		rs.bus.Unsubscribe(c.sub)
		c.conn.Close()
		rs.logger.Printf("Dashboard disconnected (total: %d)", total)
	})
}

// readPump discards client messages and detects the close.
func (rs *RiskStreamer) readPump(c *client) {
	defer rs.disconnect(c)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (rs *RiskStreamer) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		rs.disconnect(c)
	}()

	for {
		select {
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			if !c.matches(ev) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(toMessage(ev)); err != nil {
				rs.logger.Printf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func toMessage(ev *events.CloudEvent) StreamMessage {
	return StreamMessage{
		Type:         ev.Type,
		SessionID:    ev.Subject,
		AssessmentID: ev.AssessmentID,
		Timestamp:    ev.Time,
		Data:         ev.Data,
	}
}

// ClientCount returns the number of connected dashboards.
func (rs *RiskStreamer) ClientCount() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.clients)
}

// GetStatistics returns WebSocket statistics
func (rs *RiskStreamer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": rs.ClientCount(),
		"dropped_events":    rs.bus.Dropped(),
	}
}
