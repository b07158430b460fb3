// Package events is the agent's in-process event stream: the engine publishes
// lifecycle transitions, the status API and monitor TUI subscribe.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names one agent lifecycle transition.
type Kind string

const (
	KindConnected        Kind = "connected"
	KindDisconnected     Kind = "disconnected"
	KindJobAssigned      Kind = "job_assigned"
	KindJobRejected      Kind = "job_rejected"
	KindJobCompleted     Kind = "job_completed"
	KindJobFailed        Kind = "job_failed"
	KindOrphanReported   Kind = "orphan_reported"
	KindWorkerCrashed    Kind = "worker_crashed"
	KindWorkerRespawned  Kind = "worker_respawned"
	KindWorkerTerminated Kind = "worker_terminated"
	KindAgentStopping    Kind = "agent_stopping"
)

// Event is one published transition. IDs are monotonically increasing, so a
// reconnecting stream client can resume with Since.
type Event struct {
	ID   int64           `json:"id"`
	Kind Kind            `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps a bounded replay ring for
// clients that attach late or reconnect.
type Hub struct {
	seq atomic.Int64

	mu      sync.Mutex
	ring    []Event
	head    int
	count   int
	subs    map[int]chan Event
	nextSub int
}

// NewHub returns a hub whose replay ring holds up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records one event and delivers it to every subscriber. Slow
// subscribers lose events rather than stall the publisher.
func (h *Hub) Publish(kind Kind, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.seq.Add(1),
		Kind: kind,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.append(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. The cancel func must be called to release
// it; afterwards the channel is closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Since returns ringed events with ID greater than lastID, oldest first.
// lastID zero returns the whole ring.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) append(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}
	if h.count < capacity {
		h.ring[(h.head+h.count)%capacity] = ev
		h.count++
		return
	}
	h.ring[h.head] = ev
	h.head = (h.head + 1) % capacity
}
