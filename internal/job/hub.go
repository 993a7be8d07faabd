package job

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeswarm/codeswarm/internal/common/logger"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// subscriberBuffer bounds each subscriber's backlog. A subscriber that
// falls further behind loses its oldest events, never the newest.
const subscriberBuffer = 256

// Hub fans one job's progress events out to its subscribers. Producers are
// serialized through the hub, so each subscriber observes events in
// production order; delivery is best-effort with drop-oldest backpressure.
type Hub struct {
	jobID  string
	logger *logger.Logger

	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one reader of a job's event stream.
type Subscription struct {
	hub *Hub
	ch  chan v1.ProgressEvent
	// lagging marks an active drop episode; it resets on the first clean
	// delivery so each episode produces exactly one warning.
	lagging bool
}

// Events returns the subscriber's channel. It is closed when the hub shuts
// down, after the terminal event has been queued.
func (s *Subscription) Events() <-chan v1.ProgressEvent {
	return s.ch
}

// Unsubscribe detaches the subscriber. The job keeps running.
func (s *Subscription) Unsubscribe() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; !ok {
		return
	}
	delete(s.hub.subs, s)
	close(s.ch)
}

// NewHub creates the event hub for one job.
func NewHub(jobID string, log *logger.Logger) *Hub {
	return &Hub{
		jobID:  jobID,
		logger: log.WithJobID(jobID).WithFields(zap.String("component", "event-hub")),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new reader. Events published before the subscription
// are not replayed.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{hub: h, ch: make(chan v1.ProgressEvent, subscriberBuffer)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber. Publishing to a closed hub is a no-op.
func (h *Hub) Publish(key v1.AgentKey, kind v1.EventKind, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	event := h.nextEventLocked(key, kind, payload)
	for sub := range h.subs {
		h.deliverLocked(sub, event)
	}
}

// nextEventLocked stamps a new event. Caller holds h.mu.
func (h *Hub) nextEventLocked(key v1.AgentKey, kind v1.EventKind, payload string) v1.ProgressEvent {
	h.seq++
	return v1.ProgressEvent{
		JobID:       h.jobID,
		AgentKey:    key,
		Kind:        kind,
		Payload:     payload,
		TimestampMS: time.Now().UnixMilli(),
		Seq:         h.seq,
	}
}

// deliverLocked pushes one event to one subscriber, dropping that
// subscriber's oldest events when its buffer is full. The first drop of an
// episode injects a single lag warning. Caller holds h.mu.
func (h *Hub) deliverLocked(sub *Subscription, event v1.ProgressEvent) {
	select {
	case sub.ch <- event:
		sub.lagging = false
		return
	default:
	}

	if !sub.lagging {
		sub.lagging = true
		h.dropOldestLocked(sub)
		warning := h.nextEventLocked(v1.AgentKeyJob, v1.EventWarning,
			"subscriber lagging; events dropped")
		select {
		case sub.ch <- warning:
		default:
		}
		h.logger.Warn("subscriber lagging, dropping oldest events")
	}

	h.dropOldestLocked(sub)
	select {
	case sub.ch <- event:
	default:
	}
}

func (h *Hub) dropOldestLocked(sub *Subscription) {
	select {
	case <-sub.ch:
	default:
	}
}

// Close detaches every subscriber and closes their channels. Events already
// queued remain readable; subsequent publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = make(map[*Subscription]struct{})
}
