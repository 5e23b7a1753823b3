package ws

import (
	"encoding/json"
	"log"
	"sync"
)

// Subscriber is one real-time client of a camera stream. Writes go through
// a buffered channel so a slow client never blocks the pipeline; a client
// whose buffer fills is dropped.
type Subscriber struct {
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

const subscriberBuffer = 16

func NewSubscriber() *Subscriber {
	return &Subscriber{
		send: make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}
}

// Outbox is drained by the transport's write pump.
func (s *Subscriber) Outbox() <-chan []byte { return s.send }

// Done is closed when the subscriber has been dropped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Enqueue is fire-and-forget: false means the client was dropped or
// cannot keep up.
func (s *Subscriber) Enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Hub keeps the per-camera subscriber sets and fans messages out without
// ever blocking the producer.
type Hub struct {
	mu      sync.Mutex
	cameras map[string]map[*Subscriber]bool
}

func NewHub() *Hub {
	return &Hub{cameras: make(map[string]map[*Subscriber]bool)}
}

// Subscribe adds the subscriber and returns the new set size.
func (h *Hub) Subscribe(cameraID string, sub *Subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.cameras[cameraID]
	if set == nil {
		set = make(map[*Subscriber]bool)
		h.cameras[cameraID] = set
	}
	set[sub] = true
	return len(set)
}

// Unsubscribe removes the subscriber and returns how many remain. The
// pipeline observes a zero count at its next iteration boundary and exits.
func (h *Hub) Unsubscribe(cameraID string, sub *Subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub.close()
	set, ok := h.cameras[cameraID]
	if !ok {
		return 0
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.cameras, cameraID)
		return 0
	}
	return len(set)
}

// Count reports the current subscriber count for a camera.
func (h *Hub) Count(cameraID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cameras[cameraID])
}

// Broadcast marshals once and sends to every subscriber of the camera.
// Subscribers that cannot keep up are unsubscribed. The recipient list is
// copied under the lock; sends happen outside it.
func (h *Hub) Broadcast(cameraID string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Hub] marshal broadcast for camera %s: %v", cameraID, err)
		return
	}

	h.mu.Lock()
	recipients := make([]*Subscriber, 0, len(h.cameras[cameraID]))
	for sub := range h.cameras[cameraID] {
		recipients = append(recipients, sub)
	}
	h.mu.Unlock()

	for _, sub := range recipients {
		if !sub.Enqueue(payload) {
			log.Printf("[Hub] dropping slow subscriber on camera %s", cameraID)
			h.Unsubscribe(cameraID, sub)
		}
	}
}
