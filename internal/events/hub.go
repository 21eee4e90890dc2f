// Package events broadcasts server transfer activity to WebSocket
// subscribers. Purely observational: the data endpoints never depend
// on it, and a slow subscriber never blocks a transfer.
package events

import (
	"sync"
	"time"
)

// Event types published by the server.
const (
	TypeCatalogScanned = "catalog_scanned"
	TypeFileServed     = "file_served"
	TypeStreamStarted  = "stream_started"
)

// Event is one activity record pushed to subscribers.
type Event struct {
	Type   string    `json:"type"`
	GameID string    `json:"game_id,omitempty"`
	Path   string    `json:"path,omitempty"`
	Bytes  int64     `json:"bytes,omitempty"`
	At     time.Time `json:"at"`
}

type subscriber struct {
	ch chan Event
}

// Hub fans events out to connected subscribers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers send as an event sink and returns a remove
// function. A writer goroutine drains a buffered channel so Publish
// never blocks; if send fails the subscriber stops receiving.
func (h *Hub) Subscribe(send func(Event) error) (remove func()) {
	ch := make(chan Event, 64)
	sub := &subscriber{ch: ch}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if err := send(ev); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)

			select {
			case <-done:
			case <-time.After(time.Second):
			}
		})
	}
}

// Publish queues ev for every subscriber. Subscribers whose buffers
// are full miss the event rather than stalling the publisher.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
