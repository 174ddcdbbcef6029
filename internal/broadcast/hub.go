package broadcast

import (
	"sync"
	"time"

	"poster-generation-service/internal/logger"
	"poster-generation-service/internal/telemetry"
)

// Event kinds pushed to progress subscribers.
const (
	EventConnected     = "connected"
	EventStatus        = "status"
	EventItemCompleted = "item_completed"
	EventJobCompleted  = "job_completed"
	EventJobFailed     = "job_failed"
	EventLog           = "log"
	EventHeartbeat     = "heartbeat"
)

// Event is one progress notification for a job.
type Event struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, data any) Event {
	return Event{Kind: kind, At: time.Now().UTC(), Data: data}
}

// Subscription is one observer's handle on a job's event stream.
type Subscription struct {
	C     chan Event
	jobID string
}

// Hub fans job events out to in-process subscribers. Delivery is best-effort:
// a subscriber whose buffer is full misses the event rather than stalling the
// publisher or its sibling subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	log  *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
		log:  log.With("component", "hub"),
	}
}

// Subscribe registers an observer for one job's events.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{C: make(chan Event, 16), jobID: jobID}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	telemetry.SSESubscribers.Inc()
	return sub
}

// Unsubscribe removes one observer. Other subscriptions on the same job are
// untouched.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.jobID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
	}
	close(sub.C)
	telemetry.SSESubscribers.Dec()
}

// Publish fans an event out to every subscriber of the job.
func (h *Hub) Publish(jobID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[jobID] {
		select {
		case sub.C <- ev:
		default:
			h.log.Warn("dropping event, subscriber buffer full", "job_id", jobID, "kind", ev.Kind)
		}
	}
}
