package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sheerbytes/transferq/internal/metrics"
	"github.com/sheerbytes/transferq/pkg/protocol"
)

const clientBuffer = 64

// feedClient is one live feed connection and its writer queue.
type feedClient struct {
	id     string
	topics map[string]bool
	send   chan []byte
}

// Hub fans feed messages out to connected clients. Each client gets its own
// writer goroutine fed by a buffered channel; slow clients drop messages
// instead of blocking the broadcaster.
type Hub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[string]*feedClient
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]*feedClient),
	}
}

// Add registers a client and starts a writer that passes queued messages to
// send. The returned function unregisters the client and waits briefly for
// its writer to drain. A second Add with the same id replaces the first.
func (h *Hub) Add(id string, topics []string, send func([]byte) error) (remove func()) {
	fc := &feedClient{
		id:     id,
		topics: topicSet(topics),
		send:   make(chan []byte, clientBuffer),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range fc.send {
			if err := send(msg); err != nil {
				h.log.WithField("client", id).WithError(err).Debug("feed write failed")
				return
			}
		}
	}()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(fc.send)
		return func() {}
	}
	if old, ok := h.clients[id]; ok {
		close(old.send)
	}
	h.clients[id] = fc
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	h.log.WithFields(logrus.Fields{"client": id, "total": n}).Debug("feed client connected")

	return func() {
		h.mu.Lock()
		if h.clients[id] != fc {
			h.mu.Unlock()
			return
		}
		delete(h.clients, id)
		n := len(h.clients)
		h.mu.Unlock()
		metrics.WSClients.Set(float64(n))

		close(fc.send)
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		h.log.WithFields(logrus.Fields{"client": id, "total": n}).Debug("feed client disconnected")
	}
}

// Subscribe replaces a client's topic set.
func (h *Hub) Subscribe(id string, topics []string) error {
	for _, t := range topics {
		if !protocol.ValidTopic(t) {
			return fmt.Errorf("unknown topic %q", t)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fc, ok := h.clients[id]
	if !ok {
		return fmt.Errorf("unknown client %q", id)
	}
	fc.topics = topicSet(topics)
	return nil
}

// Send queues msg for one client. It reports false if the client is gone
// or its queue is full.
func (h *Hub) Send(id string, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fc, ok := h.clients[id]
	if !ok {
		return false
	}
	select {
	case fc.send <- msg:
		return true
	default:
		return false
	}
}

// Broadcast queues msg for every client subscribed to topic and returns
// how many accepted it.
func (h *Hub) Broadcast(topic string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, fc := range h.clients {
		if !fc.topics[topic] {
			continue
		}
		select {
		case fc.send <- msg:
			sent++
		default:
		}
	}
	return sent
}

// Wants reports whether any client is subscribed to topic.
func (h *Hub) Wants(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fc := range h.clients {
		if fc.topics[topic] {
			return true
		}
	}
	return false
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. Later Adds are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, fc := range h.clients {
		close(fc.send)
		delete(h.clients, id)
	}
	metrics.WSClients.Set(0)
}

func topicSet(topics []string) map[string]bool {
	if topics == nil {
		topics = protocol.DefaultTopics
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return set
}
