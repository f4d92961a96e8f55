package realtime

import (
	"log/slog"
	"sync"

	"vouch/cmd/internal/metrics"
	v1 "vouch/shared/contracts/chat/v1"
)

// Hub is the set of authenticated clients of the global room.
//
// Concurrency guarantees:
// - Add/Remove are safe under concurrent Broadcast.
// - Broadcasts are serialized, so every client sees the same global order.
// - Broadcast never blocks: a client whose queue is full is removed and closed.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: m,
		clients: make(map[string]*Client),
	}
}

// Add registers an authenticated client.
func (h *Hub) Add(c *Client) {
	if c == nil || c.ID == "" {
		return
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.log.Info("hub.client.add", "conn_id", c.ID, "username", c.Username)
}

// Remove unregisters a client. It does not close it.
func (h *Hub) Remove(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if ok {
		h.log.Info("hub.client.remove", "conn_id", id)
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast encodes env once and delivers it to every registered client.
func (h *Hub) Broadcast(env v1.Envelope) {
	f, err := encodeFrame(env)
	if err != nil {
		h.log.Error("hub.encode.fail", "type", env.Type, "err", err)
		return
	}
	h.deliver(f)
}

func (h *Hub) deliver(f frame) {
	var slow []*Client

	h.mu.Lock()
	for id, c := range h.clients {
		select {
		case <-c.Done():
			delete(h.clients, id)
			continue
		default:
		}

		select {
		case c.Send <- f:
		default:
			delete(h.clients, id)
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.metrics.SlowConsumer()
		h.log.Warn("hub.client.slow", "conn_id", c.ID, "username", c.Username, "type", f.typ)
		c.CloseWithReason(closeReasonSlowConsumer)
	}
}
