package storage

import (
	"sync"

	"github.com/mantis-sec/mantis/internal/models"
)

// QueueCapacity is the bounded size of every subscriber queue. On overflow
// the oldest item is dropped so a slow consumer never stalls the capture
// pipeline.
const QueueCapacity = 1000

// Queue is a bounded drop-oldest delivery channel for one subscriber.
type Queue[T any] struct {
	ch chan T
}

// C returns the receive side of the queue.
func (q *Queue[T]) C() <-chan T { return q.ch }

// push enqueues v without blocking. When the queue is full, the oldest
// buffered item is discarded to make room.
func (q *Queue[T]) push(v T) {
	for {
		select {
		case q.ch <- v:
			return
		default:
		}
		select {
		case <-q.ch:
		default:
		}
	}
}

// Hub fans newly persisted events and alerts out to subscriber queues.
// Membership mutation is guarded by a mutex; delivery never blocks.
type Hub struct {
	mu        sync.Mutex
	eventSubs []*Queue[models.Event]
	alertSubs []*Queue[models.Alert]
}

// NewHub returns an empty Hub.
func NewHub() *Hub { return &Hub{} }

// SubscribeEvents registers and returns a new bounded event queue.
func (h *Hub) SubscribeEvents() *Queue[models.Event] {
	q := &Queue[models.Event]{ch: make(chan models.Event, QueueCapacity)}
	h.mu.Lock()
	h.eventSubs = append(h.eventSubs, q)
	h.mu.Unlock()
	return q
}

// UnsubscribeEvents removes q from the subscriber list. Unknown queues are
// ignored.
func (h *Hub) UnsubscribeEvents(q *Queue[models.Event]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.eventSubs {
		if s == q {
			h.eventSubs = append(h.eventSubs[:i], h.eventSubs[i+1:]...)
			return
		}
	}
}

// SubscribeAlerts registers and returns a new bounded alert queue.
func (h *Hub) SubscribeAlerts() *Queue[models.Alert] {
	q := &Queue[models.Alert]{ch: make(chan models.Alert, QueueCapacity)}
	h.mu.Lock()
	h.alertSubs = append(h.alertSubs, q)
	h.mu.Unlock()
	return q
}

// UnsubscribeAlerts removes q from the subscriber list.
func (h *Hub) UnsubscribeAlerts(q *Queue[models.Alert]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.alertSubs {
		if s == q {
			h.alertSubs = append(h.alertSubs[:i], h.alertSubs[i+1:]...)
			return
		}
	}
}

// NotifyEvent pushes e to every live event subscriber.
func (h *Hub) NotifyEvent(e models.Event) {
	h.mu.Lock()
	subs := make([]*Queue[models.Event], len(h.eventSubs))
	copy(subs, h.eventSubs)
	h.mu.Unlock()
	for _, q := range subs {
		q.push(e)
	}
}

// NotifyAlert pushes a to every live alert subscriber.
func (h *Hub) NotifyAlert(a models.Alert) {
	h.mu.Lock()
	subs := make([]*Queue[models.Alert], len(h.alertSubs))
	copy(subs, h.alertSubs)
	h.mu.Unlock()
	for _, q := range subs {
		q.push(a)
	}
}
