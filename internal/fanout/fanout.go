// Package fanout delivers newly ingested records to live session viewers.
// Each subscriber owns a bounded queue; a subscriber that cannot keep up is
// dropped rather than allowed to backpressure the ingestion pipeline or
// other sessions' viewers.
package fanout

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
)

// DefaultQueueSize is the per-subscriber buffered queue depth.
const DefaultQueueSize = 64

// Hub routes records to the subscribers of their session.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]map[string]*Subscriber
	queueSize int
	logger    *zap.Logger
}

// Subscriber is one live viewer connection's delivery queue. Records arrive
// on Records() in ingestion order; the channel closes when the subscriber
// is dropped, its session is destroyed, or Unsubscribe is called.
type Subscriber struct {
	id        string
	subdomain string
	ch        chan capture.Record

	mu     sync.Mutex
	closed bool
}

// Records returns the subscriber's delivery channel.
func (s *Subscriber) Records() <-chan capture.Record { return s.ch }

// Subdomain returns the session this subscriber is bound to.
func (s *Subscriber) Subdomain() string { return s.subdomain }

// trySend queues the record without blocking. The mutex pairs with close so
// a publisher holding a stale subscriber reference can never send on a
// closed channel; a subscriber closed mid-publish counts as delivered.
func (s *Subscriber) trySend(rec capture.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- rec:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NewHub creates a Hub with the given per-subscriber queue size.
// A non-positive size falls back to DefaultQueueSize.
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		sessions:  make(map[string]map[string]*Subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe attaches a new viewer to the subdomain. Token authentication
// happens in the handshake layer before this call.
func (h *Hub) Subscribe(subdomain string) *Subscriber {
	sub := &Subscriber{
		id:        uuid.NewString(),
		subdomain: subdomain,
		ch:        make(chan capture.Record, h.queueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[subdomain] == nil {
		h.sessions[subdomain] = make(map[string]*Subscriber)
	}
	h.sessions[subdomain][sub.id] = sub
	return sub
}

// Unsubscribe detaches a viewer and closes its queue. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if subs := h.sessions[sub.subdomain]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.sessions, sub.subdomain)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish pushes a record to every subscriber of the subdomain in arrival
// order. A subscriber whose queue is full is dropped; the producer never
// blocks.
func (h *Hub) Publish(subdomain string, rec capture.Record) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.sessions[subdomain]))
	for _, sub := range h.sessions[subdomain] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var dropped []*Subscriber
	for _, sub := range subs {
		if !sub.trySend(rec) {
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		h.logger.Warn("dropping slow subscriber",
			zap.String("subdomain", subdomain), zap.String("subscriber", sub.id))
		h.Unsubscribe(sub)
	}
}

// CloseSession drops every subscriber of the subdomain.
func (h *Hub) CloseSession(subdomain string) {
	h.mu.Lock()
	subs := h.sessions[subdomain]
	delete(h.sessions, subdomain)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// SubscriberCount reports the number of live subscribers for a subdomain.
func (h *Hub) SubscriberCount(subdomain string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[subdomain])
}
