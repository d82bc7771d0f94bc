// Package broadcast fans events out to the connections subscribed to a topic.
//
// Every connection owns one buffered delivery queue shared by all of its
// topics. Publish never blocks: when a queue is full the subscriber is
// treated as dead, removed from every topic and its queue is closed. The
// transport reading that queue sees the close and tears the connection
// down through its normal disconnect path.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize matches the per-client send buffer used by the websocket pumps.
const DefaultQueueSize = 256

type subscriber[T any] struct {
	id     string
	mu     sync.Mutex
	queue  chan T
	closed bool
	topics map[string]struct{}
}

// offer enqueues ev without blocking. It reports false only when the
// queue is full; a closed subscriber silently skips the event.
func (s *subscriber[T]) offer(ev T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Hub is a topic based publish/subscribe bus.
type Hub[T any] struct {
	mu          sync.RWMutex
	topics      map[string]map[string]*subscriber[T]
	subscribers map[string]*subscriber[T]
	queueSize   int
	dropped     atomic.Uint64
	logger      *slog.Logger
}

// NewHub builds an empty hub. queueSize <= 0 falls back to DefaultQueueSize.
func NewHub[T any](queueSize int, logger *slog.Logger) *Hub[T] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		topics:      make(map[string]map[string]*subscriber[T]),
		subscribers: make(map[string]*subscriber[T]),
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Subscribe adds connID to topic and returns the connection's delivery
// queue. Subscribing the same connection to several topics returns the
// same channel each time.
func (h *Hub[T]) Subscribe(topic, connID string) <-chan T {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[connID]
	if !ok {
		sub = &subscriber[T]{
			id:     connID,
			queue:  make(chan T, h.queueSize),
			topics: make(map[string]struct{}),
		}
		h.subscribers[connID] = sub
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*subscriber[T])
		h.topics[topic] = members
	}
	members[connID] = sub
	sub.topics[topic] = struct{}{}
	return sub.queue
}

// Unsubscribe removes connID from topic. Leaving the last topic closes the
// connection's queue. Unknown pairs are ignored.
func (h *Hub[T]) Unsubscribe(topic, connID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := sub.topics[topic]; !member {
		h.mu.Unlock()
		return
	}
	h.leaveLocked(sub, topic)
	last := len(sub.topics) == 0
	if last {
		delete(h.subscribers, connID)
	}
	h.mu.Unlock()
	if last {
		sub.close()
	}
}

// Drop removes connID from every topic and closes its queue.
func (h *Hub[T]) Drop(connID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[connID]
	if ok {
		h.removeLocked(sub)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish enqueues ev for every subscriber of topic and returns how many
// queues accepted it. Subscribers whose queue is full are disconnected.
func (h *Hub[T]) Publish(topic string, ev T) int {
	h.mu.RLock()
	members := h.topics[topic]
	targets := make([]*subscriber[T], 0, len(members))
	for _, sub := range members {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	var slow []*subscriber[T]
	for _, sub := range targets {
		if sub.offer(ev) {
			delivered++
			continue
		}
		slow = append(slow, sub)
	}
	for _, sub := range slow {
		h.evict(sub)
	}
	return delivered
}

func (h *Hub[T]) evict(sub *subscriber[T]) {
	h.mu.Lock()
	current, ok := h.subscribers[sub.id]
	if ok && current == sub {
		h.removeLocked(sub)
	}
	h.mu.Unlock()
	if ok && current == sub {
		sub.close()
		h.dropped.Add(1)
		h.logger.Warn("dropped slow subscriber", "conn", sub.id, "queue", h.queueSize)
	}
}

// Subscribers returns how many connections currently listen on topic.
func (h *Hub[T]) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped returns the number of subscribers evicted for being too slow.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub[T]) removeLocked(sub *subscriber[T]) {
	for topic := range sub.topics {
		h.leaveLocked(sub, topic)
	}
	delete(h.subscribers, sub.id)
}

func (h *Hub[T]) leaveLocked(sub *subscriber[T], topic string) {
	delete(sub.topics, topic)
	if members, ok := h.topics[topic]; ok {
		delete(members, sub.id)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}
