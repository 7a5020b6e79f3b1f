// Package streaming pushes action lifecycle events to websocket
// subscribers.
package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/events/bus"
)

// Message is one event frame pushed to subscribers.
type Message struct {
	Type      string      `json:"type"`
	ActionID  string      `json:"action_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans action events out to connected websocket clients. Clients
// receive every event by default, or only the actions they subscribed
// to once they send a subscription frame.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	logger *logger.Logger
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Message, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// Run delivers events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.Int("clients", h.ClientCount()))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.Int("clients", h.ClientCount()))
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Broadcast queues an event for delivery to interested clients.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("dropping event, broadcast queue full", zap.String("type", msg.Type))
	}
}

// BindBus subscribes the hub to action events so every store change is
// streamed out. Returns the subscription for teardown.
func (h *Hub) BindBus(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe("action.>", func(ctx context.Context, event *bus.Event) error {
		actionID, _ := event.Data["action_id"].(string)
		h.Broadcast(Message{
			Type:     event.Type,
			ActionID: actionID,
			Payload:  event.Data,
		})
		return nil
	})
}

func (h *Hub) deliver(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(msg.ActionID) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			// Slow consumer; drop the frame rather than stall the hub.
			h.logger.Warn("dropping frame for slow client", zap.String("type", msg.Type))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
