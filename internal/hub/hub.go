// Package hub is the in-process topic registry that fans frames out to live
// connections. A topic is a named group (vehicle_{imei}, truck_updates,
// user_{id}, admin_notifications); a subscriber may belong to any number of
// topics and is removed from all of them with Leave.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

// Publisher is the fire-and-forget side of the fan-out layer. Publishing to a
// topic nobody listens on is a normal outcome. A publish may wait briefly on a
// subscriber whose buffer is full.
type Publisher interface {
	Publish(ctx context.Context, topic string, f domain.Frame)
}

// DefaultSendWait bounds how long a publish waits on one full subscriber
// buffer before that subscriber is treated as stalled.
const DefaultSendWait = 250 * time.Millisecond

// Subscriber is one connection's mailbox. Frames are queued in publish order.
// A subscriber whose buffer stays full for the hub's send wait is stalled:
// the pending frame is dropped and the subscriber is closed, so its
// connection ends instead of silently skipping frames.
type Subscriber struct {
	id      string
	ch      chan domain.Frame
	done    chan struct{}
	once    sync.Once
	stalled atomic.Bool
}

func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		id:   uuid.NewString(),
		ch:   make(chan domain.Frame, buffer),
		done: make(chan struct{}),
	}
}

func (s *Subscriber) ID() string { return s.id }

// Frames is never closed; select on Done alongside it.
func (s *Subscriber) Frames() <-chan domain.Frame { return s.ch }

func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close stops delivery. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Stalled reports whether the subscriber was closed for falling behind.
func (s *Subscriber) Stalled() bool { return s.stalled.Load() }

// deliver queues f, waiting up to wait for buffer space. stalled is true
// only for the call that gave up on the subscriber.
func (s *Subscriber) deliver(f domain.Frame, wait time.Duration) (ok, stalled bool) {
	select {
	case <-s.done:
		return false, false
	default:
	}
	select {
	case s.ch <- f:
		return true, false
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.ch <- f:
		return true, false
	case <-s.done:
		return false, false
	case <-timer.C:
		metrics.FramesDropped.Inc()
		if !s.stalled.CompareAndSwap(false, true) {
			return false, false
		}
		s.Close()
		return false, true
	}
}

type Hub struct {
	mu       sync.RWMutex
	topics   map[string]map[string]*Subscriber
	member   map[string]map[string]struct{}
	sendWait time.Duration
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		topics:   make(map[string]map[string]*Subscriber),
		member:   make(map[string]map[string]struct{}),
		sendWait: DefaultSendWait,
		log:      log,
	}
}

// SetSendWait changes the stall threshold. Call before publishing starts.
func (h *Hub) SetSendWait(d time.Duration) {
	if d > 0 {
		h.sendWait = d
	}
}

func (h *Hub) Subscribe(topic string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub

	topics, ok := h.member[sub.id]
	if !ok {
		topics = make(map[string]struct{})
		h.member[sub.id] = topics
	}
	topics[topic] = struct{}{}
}

func (h *Hub) Unsubscribe(topic string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(topic, sub.id)
}

// Leave drops every membership of sub and returns the topics it had joined.
func (h *Hub) Leave(sub *Subscriber) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	topics := h.member[sub.id]
	left := make([]string, 0, len(topics))
	for topic := range topics {
		left = append(left, topic)
		h.removeLocked(topic, sub.id)
	}
	delete(h.member, sub.id)
	return left
}

func (h *Hub) removeLocked(topic, id string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if topics, ok := h.member[id]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(h.member, id)
		}
	}
}

// Publish queues f for every current member of topic. The member set is
// copied under the read lock and delivery happens outside it.
func (h *Hub) Publish(_ context.Context, topic string, f domain.Frame) {
	metrics.FramesPublished.Inc()

	h.mu.RLock()
	subs := h.topics[topic]
	snapshot := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	for _, s := range snapshot {
		ok, stalled := s.deliver(f, h.sendWait)
		if ok {
			metrics.FramesDelivered.Inc()
		}
		if stalled {
			h.log.Warn().Str("subscriber", s.id).Str("topic", topic).Msg("subscriber stalled, closing")
		}
	}
}

// Subscribers returns the number of members of topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Topics returns the topics sub currently belongs to.
func (h *Hub) Topics(sub *Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.member[sub.id]))
	for topic := range h.member[sub.id] {
		out = append(out, topic)
	}
	return out
}
