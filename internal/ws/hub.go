package ws

import (
	"log/slog"
	"sync"

	"github.com/42yash/pyk8s-labs/internal/metrics"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// kinded subscribers label the connection gauge.
type kinded interface {
	Kind() string
}

func kindOf(sub Subscriber) string {
	if k, ok := sub.(kinded); ok {
		return k.Kind()
	}
	return "other"
}

// Hub tracks the live status connections of every identity. One Hub is
// created per process and shared by reference.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[Subscriber]struct{}
	logger  *slog.Logger
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[Subscriber]struct{}),
		logger:  logger.With("component", "hub"),
	}
}

// Register adds a connection for identity. Registering twice is a no-op.
func (h *Hub) Register(identity string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[identity]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.clients[identity] = set
	}
	if _, exists := set[sub]; exists {
		return
	}
	set[sub] = struct{}{}
	metrics.Connections.WithLabelValues(kindOf(sub)).Inc()
}

// Unregister removes a connection. The identity entry is dropped with its
// last connection.
func (h *Hub) Unregister(identity string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(identity, sub)
}

func (h *Hub) removeLocked(identity string, sub Subscriber) bool {
	set, ok := h.clients[identity]
	if !ok {
		return false
	}
	if _, exists := set[sub]; !exists {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.clients, identity)
	}
	metrics.Connections.WithLabelValues(kindOf(sub)).Dec()
	return true
}

// Deliver sends payload to every connection of identity and returns the
// number of successful sends. A connection whose send fails is closed and
// unregistered; the others still receive the payload.
func (h *Hub) Deliver(identity string, payload []byte) int {
	h.mu.Lock()
	set := h.clients[identity]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.Send(payload); err != nil {
			h.logger.Debug("dropping connection after failed send", "identity", identity, "error", err)
			h.mu.Lock()
			removed := h.removeLocked(identity, sub)
			h.mu.Unlock()
			if removed {
				sub.Close()
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Count reports the live connections of identity.
func (h *Hub) Count(identity string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[identity])
}

// Identities reports how many identities have at least one connection.
func (h *Hub) Identities() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
