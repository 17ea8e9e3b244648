// Package ws fans deployment log lines out to websocket and SSE subscribers.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic, usually a deployment id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[topic]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.clients[topic] = set
	}
	set[client] = struct{}{}
}

// Unregister removes a client from a topic.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(topic, client)
}

// Broadcast sends payload to every client of topic. Clients that fail to
// receive are closed and dropped.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.clients[topic]))
	for c := range h.clients[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var failed []Subscriber
	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			c.Close()
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range failed {
		h.remove(topic, c)
	}
	h.mu.Unlock()
}

// CloseTopic closes and drops every client of topic.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	set := h.clients[topic]
	delete(h.clients, topic)
	h.mu.Unlock()
	for c := range set {
		c.Close()
	}
}

// Subscribers returns the number of clients on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func (h *Hub) remove(topic string, client Subscriber) {
	if set, ok := h.clients[topic]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, topic)
		}
	}
}
