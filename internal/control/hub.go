package control

import (
	"strings"
	"sync"

	"github.com/svinit/svinit/internal/events"
)

// Hub owns every attached Endpoint and fans out bus events to all of
// them, grounded on the teacher's internal/events Bus/subscriber
// pattern (module F consumes the same Subscribe/Publish surface module
// D/E/H/I publish state changes through).
type Hub struct {
	mu        sync.Mutex
	endpoints map[uint64]*Endpoint
	nextID    uint64
}

// NewHub creates a Hub and subscribes it to every event on bus.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{endpoints: make(map[uint64]*Endpoint)}
	bus.SubscribeAll(h.onEvent)
	return h
}

func (h *Hub) onEvent(e events.Event) {
	line := renderEvent(e)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ep := range h.endpoints {
		ep.QueueLine(line)
	}
}

func renderEvent(e events.Event) string {
	parts := append([]string{string(e.Type)}, e.Fields...)
	return strings.Join(parts, "\t")
}

// Attach registers a new endpoint over fd and returns it.
func (h *Hub) Attach(name string, fd int, bufSize int) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ep := NewEndpoint(h.nextID, name, fd, bufSize)
	h.endpoints[ep.ID] = ep
	return ep
}

// Detach closes and removes an endpoint. A controller disconnect
// destroys its endpoint and discards pending output (spec.md §5).
func (h *Hub) Detach(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		ep.Close()
		delete(h.endpoints, id)
	}
}

// Endpoints returns a snapshot of every attached endpoint, for the main
// loop's poll-set construction and I/O drain step.
func (h *Hub) Endpoints() []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		out = append(out, ep)
	}
	return out
}
