// Package events carries server lifecycle notifications to observers.
// The dispatcher and accept loop publish; the admin API streams to
// clients over SSE. Delivery is best-effort: slow subscribers drop
// events rather than stall the data path.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the server.
const (
	TypeSessionOpened    = "session_opened"
	TypeSessionClosed    = "session_closed"
	TypeAuthRefused      = "auth_refused"
	TypeRequestCompleted = "request_completed"
)

// Event is one notification. Seq increases monotonically per hub and
// doubles as the SSE event id for client resume.
type Event struct {
	Seq  int64           `json:"seq"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps a small replay ring so
// a reconnecting client can catch up.
type Hub struct {
	mu        sync.Mutex
	seq       int64
	ring      []Event
	start     int
	size      int
	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining the last capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish marshals data and delivers the event to all subscribers.
// A subscriber whose buffer is full misses the event; the replay ring
// still holds it.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	// Seq is assigned under the lock so the ring never holds events out
	// of seq order and Last-Event-ID resume never skips one.
	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a listener. The returned cancel func must be
// called exactly once; it closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
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

// Replay returns retained events with Seq > sinceSeq, oldest first.
// sinceSeq 0 returns everything retained.
func (h *Hub) Replay(sinceSeq int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
