// Package ws pushes broadcast events out to connected clients. The hub is
// keyed by notification channel name (room.<id>, user.<name>, rooms); it is
// fed by the broadcast subscriber and never originates state changes itself,
// clients mutate state over the REST surface.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/afar1/ryos/internal/broadcast"
	"github.com/afar1/ryos/internal/metrics"
)

type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*Client]bool)}
}

// Attach feeds the hub from a broadcast subscriber until stop is called.
func (h *Hub) Attach(sub broadcast.Subscriber) (func(), error) {
	return sub.Subscribe(h.Deliver)
}

// OutboundEvent is the wire form pushed to websocket clients.
type OutboundEvent struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Deliver fans one event out to every client subscribed to the channel.
// Slow clients are dropped rather than allowed to block delivery.
func (h *Hub) Deliver(channel, event string, payload []byte) {
	data, err := json.Marshal(OutboundEvent{Channel: channel, Event: event, Payload: payload})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range c.subscribed {
		if h.channels[ch] == nil {
			h.channels[ch] = make(map[*Client]bool)
		}
		h.channels[ch][c] = true
	}
	metrics.WsConnections.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked detaches the client from every channel; callers hold the lock.
func (h *Hub) dropLocked(c *Client) {
	dropped := false
	for _, ch := range c.subscribed {
		if clients, ok := h.channels[ch]; ok && clients[c] {
			delete(clients, c)
			dropped = true
			if len(clients) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	if dropped {
		close(c.send)
		metrics.WsConnections.Dec()
	}
}

// Online returns the number of clients subscribed to a channel.
func (h *Hub) Online(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
