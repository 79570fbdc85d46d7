package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/monitoring"
	"github.com/driftline/tradecore/internal/telemetry"
)

const (
	// a connection with no write progress for writeWait is torn down
	writeWait  = 15 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// clientMessage is what telemetry clients send.
type clientMessage struct {
	Action   string   `json:"action"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
	Replay   bool     `json:"replay,omitempty"`
}

// serverMessage is what the bridge sends.
type serverMessage struct {
	Type      string            `json:"type"` // welcome | event | heartbeat
	Channel   telemetry.Channel `json:"channel,omitempty"`
	Data      any               `json:"data,omitempty"`
	Replay    bool              `json:"replay,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// wsClient bridges one WebSocket connection onto the telemetry hub. The
// subscription is created on the first subscribe action so replay semantics
// match a direct hub subscriber.
type wsClient struct {
	logger *zap.Logger
	conn   *websocket.Conn
	hub    *telemetry.Hub

	mu       sync.Mutex
	sub      *telemetry.Subscription
	writerUp bool
	writeMu  sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	if s.config.APIKey != "" && !s.authorized(r) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	if s.config.MaxConnections > 0 && len(s.hub.Connections()) >= s.config.MaxConnections {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := &wsClient{
		logger: s.logger.Named("ws"),
		conn:   conn,
		hub:    s.hub,
	}
	if !client.send(serverMessage{Type: "welcome", Timestamp: time.Now()}) {
		return
	}
	client.readLoop()
}

func (s *Server) authorized(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("apiKey")
	}
	return key == s.config.APIKey
}

// send writes one message within the write budget. A failed write marks the
// peer as stalled: the connection is closed with a policy-violation frame and
// send reports false so callers stop forwarding.
func (c *wsClient) send(msg serverMessage) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Warn("WebSocket write stalled, closing connection", zap.Error(err))
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no write progress"),
			time.Now().Add(time.Second))
		c.conn.Close()
		return false
	}
	return true
}

// readLoop consumes client commands until the connection drops, then tears
// the subscription down.
func (c *wsClient) readLoop() {
	defer c.teardown()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Action {
		case "subscribe":
			c.subscribe(msg)
		case "unsubscribe":
			c.unsubscribe(msg)
		default:
			c.logger.Debug("Unknown telemetry action", zap.String("action", msg.Action))
		}
	}
}

func (c *wsClient) channels(names []string) []telemetry.Channel {
	out := make([]telemetry.Channel, 0, len(names))
	for _, name := range names {
		ch := telemetry.Channel(name)
		if ch.Valid() {
			out = append(out, ch)
		} else {
			c.logger.Debug("Ignoring unknown channel", zap.String("channel", name))
		}
	}
	return out
}

func (c *wsClient) subscribe(msg clientMessage) {
	channels := c.channels(msg.Channels)
	if len(channels) == 0 {
		return
	}

	c.mu.Lock()
	if c.sub == nil {
		c.sub = c.hub.Subscribe(channels, msg.Replay)
		if !c.writerUp {
			c.writerUp = true
			go c.writeLoop(c.sub)
		}
	} else {
		c.sub.AddChannels(channels)
	}
	c.mu.Unlock()

	monitoring.SetTelemetryConnections(len(c.hub.Connections()))
}

func (c *wsClient) unsubscribe(msg clientMessage) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.RemoveChannels(c.channels(msg.Channels))
}

// writeLoop forwards hub events to the socket and keeps the connection
// alive with pings.
func (c *wsClient) writeLoop(sub *telemetry.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			msgType := "event"
			if ev.Type == telemetry.EventTypeHeartbeat {
				msgType = "heartbeat"
			}
			if !c.send(serverMessage{
				Type:      msgType,
				Channel:   ev.Channel,
				Data:      ev.Payload,
				Replay:    ev.Replay,
				Timestamp: ev.Timestamp,
			}) {
				return
			}
		case <-sub.Done():
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"),
				time.Now().Add(writeWait))
			c.writeMu.Unlock()
			c.conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("WebSocket ping failed, closing connection", zap.Error(err))
				c.conn.Close()
				return
			}
		}
	}
}

func (c *wsClient) teardown() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		c.hub.Unsubscribe(sub.ID)
		monitoring.SetTelemetryConnections(len(c.hub.Connections()))
	}
	c.conn.Close()
}
