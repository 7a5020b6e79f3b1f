package streaming

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The orchestrator fronts a local toolchain; origin checks are left
	// to the deployment proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeFrame is the only inbound frame clients send: narrowing their
// stream to specific action ids.
type subscribeFrame struct {
	Action   string `json:"action"` // subscribe | unsubscribe
	ActionID string `json:"action_id"`
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	mu     sync.RWMutex
	filter map[string]struct{} // nil means all actions
	logger *logger.Logger
}

// ServeWS upgrades an HTTP request to a websocket subscription.
func ServeWS(hub *Hub, log *logger.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, 32),
		logger: log.WithFields(zap.String("component", "streaming-client")),
	}
	hub.register <- client
	go client.writePump()
	go client.readPump()
}

// wants reports whether the client should receive events for actionID.
func (c *Client) wants(actionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter == nil {
		return true
	}
	if actionID == "" {
		return true
	}
	_, ok := c.filter[actionID]
	return ok
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("websocket read error")
			}
			return
		}
		var frame subscribeFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.ActionID == "" {
			continue
		}
		c.mu.Lock()
		switch frame.Action {
		case "subscribe":
			if c.filter == nil {
				c.filter = make(map[string]struct{})
			}
			c.filter[frame.ActionID] = struct{}{}
		case "unsubscribe":
			if c.filter != nil {
				delete(c.filter, frame.ActionID)
			}
		}
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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
