// Package events fans queue lifecycle events out to live subscribers such as
// the /events stream and the terminal monitor.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/taskpool/internal/pool"
)

// DefaultCapacity is the replay ring size used when none is given.
const DefaultCapacity = 256

// Message is one published event as seen by subscribers.
type Message struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a replay ring for late subscribers.
// It implements pool.Observer.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Message
	start int
	size  int

	subs      map[int]chan Message
	nextSubID int
	buffer    int
}

// NewHub returns a hub retaining the last capacity messages.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring:   make([]Message, capacity),
		subs:   make(map[int]chan Message),
		buffer: 128,
	}
}

// Observe publishes a pool event under its own type.
func (h *Hub) Observe(ev pool.Event) {
	h.publish(ev.Type, ev.At, ev)
}

// Publish broadcasts data under eventType.
func (h *Hub) Publish(eventType string, data any) {
	h.publish(eventType, time.Now(), data)
}

func (h *Hub) publish(eventType string, at time.Time, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	if at.IsZero() {
		at = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are assigned under the lock so the ring stays ordered.
	msg := Message{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   at.UTC(),
		Data: payload,
	}
	h.pushLocked(msg)
	for _, ch := range h.subs {
		// Slow subscribers miss messages rather than stall the pool.
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe returns a live channel and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Message, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered messages with ID > lastID, oldest first.
// A lastID of 0 returns the whole ring.
func (h *Hub) SnapshotSince(lastID int64) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Message, 0, h.size)
	for i := 0; i < h.size; i++ {
		msg := h.ring[(h.start+i)%len(h.ring)]
		if msg.ID > lastID {
			out = append(out, msg)
		}
	}
	return out
}

func (h *Hub) pushLocked(msg Message) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = msg
		h.size++
		return
	}
	h.ring[h.start] = msg
	h.start = (h.start + 1) % capacity
}
