package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vidatlas/internal/job"
	"vidatlas/internal/logging"
)

const (
	// defaultQueueSize bounds a subscriber's outbound queue when the
	// configured size is unusable.
	defaultQueueSize = 16

	// maxConsecutiveDrops is how many back-to-back full-queue sends a
	// subscriber may accumulate before it is judged chronically full and
	// disconnected.
	maxConsecutiveDrops = 32
)

// Subscriber is one live stream attached to a job. Events arrive on Events()
// in the order they were published; the channel closes after the terminal
// event, on unsubscribe, or when the subscriber falls too far behind.
type Subscriber struct {
	id          string
	jobID       string
	connectedAt time.Time
	ch          chan Event
	hub         *Hub

	// The fields below are guarded by hub.mu.
	lastSent float64
	drops    int
	closed   bool
	terminal *Event
}

// ID returns the unique identifier assigned at subscribe time.
func (s *Subscriber) ID() string { return s.id }

// JobID returns the job this subscriber is attached to.
func (s *Subscriber) JobID() string { return s.jobID }

// ConnectedAt returns when the subscriber attached.
func (s *Subscriber) ConnectedAt() time.Time { return s.connectedAt }

// Events returns the outbound queue. Intermediate phase updates may be
// dropped under backpressure; terminal events never are.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Terminal returns the terminal event that could not be queued in-band, or
// nil. Callers check it after draining a closed Events channel that ended
// without a terminal event.
func (s *Subscriber) Terminal() *Event {
	if s == nil || s.hub == nil {
		return nil
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.terminal
}

// Hub fans published events out to the live subscribers of each job.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscriber]struct{}
	queueSize int
	logger    *slog.Logger
	closed    bool
}

// NewHub constructs a broadcaster whose subscribers buffer up to queueSize
// events each.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	// Subscribe needs room for a snapshot plus a terminal event.
	if queueSize < 2 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		subs:      make(map[string]map[*Subscriber]struct{}),
		queueSize: queueSize,
		logger:    logging.NewComponentLogger(logger, "events"),
	}
}

// Subscribe attaches a new subscriber to the job and immediately queues a
// synthetic phase_update carrying the job's current snapshot. Subscribing to
// an already settled job queues the snapshot plus the terminal event and
// returns a subscriber whose channel is already closed.
func (h *Hub) Subscribe(j *job.Job) *Subscriber {
	if h == nil || j == nil {
		sub := &Subscriber{ch: make(chan Event)}
		close(sub.ch)
		return sub
	}

	sub := &Subscriber{
		id:          uuid.NewString(),
		jobID:       j.ID,
		connectedAt: time.Now().UTC(),
		ch:          make(chan Event, h.queueSize),
		hub:         h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	// The queue is fresh and sized for at least two events, so these sends
	// cannot block.
	sub.ch <- PhaseUpdate(j)
	sub.lastSent = j.Progress

	if j.Status.IsSettled() {
		sub.ch <- Settled(j)
		sub.closed = true
		close(sub.ch)
		return sub
	}

	set := h.subs[j.ID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		h.subs[j.ID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every subscriber of its job. Terminal events
// close all of the job's subscriber channels and drop the job's entry; they
// are never lost to backpressure (see Subscriber.Terminal).
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	set := h.subs[ev.JobID]
	if ev.Terminal() {
		for sub := range set {
			h.finishLocked(sub, ev)
		}
		delete(h.subs, ev.JobID)
		return
	}
	for sub := range set {
		h.sendLocked(set, sub, ev)
	}
}

// finishLocked hands the terminal event to one subscriber and closes it. If
// the queue is full the event is parked on the subscriber instead, where
// Terminal() can retrieve it after the drain.
func (h *Hub) finishLocked(sub *Subscriber, ev Event) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
	default:
		parked := ev
		sub.terminal = &parked
	}
	sub.closed = true
	close(sub.ch)
}

// sendLocked delivers one intermediate event without blocking. Stale phase
// updates racing the subscribe snapshot are skipped so each subscriber sees
// monotonically non-decreasing progress.
func (h *Hub) sendLocked(set map[*Subscriber]struct{}, sub *Subscriber, ev Event) {
	if sub.closed {
		return
	}
	if ev.Type == TypePhaseUpdate && ev.Progress < sub.lastSent {
		return
	}
	select {
	case sub.ch <- ev:
		sub.drops = 0
		if ev.Type == TypePhaseUpdate {
			sub.lastSent = ev.Progress
		}
	default:
		sub.drops++
		if sub.drops >= maxConsecutiveDrops {
			h.logger.Warn("disconnecting chronically full subscriber",
				logging.String("subscriber", sub.id),
				logging.String(logging.FieldJobID, sub.jobID),
				logging.Int("dropped", sub.drops))
			sub.closed = true
			close(sub.ch)
			delete(set, sub)
		}
	}
}

// Unsubscribe detaches the subscriber and closes its channel. Safe to call
// after the hub has already closed it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if h == nil || sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if set := h.subs[sub.jobID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Shutdown closes every subscriber channel and rejects further publishes and
// subscribes.
func (h *Hub) Shutdown() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for jobID, set := range h.subs {
		for sub := range set {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(h.subs, jobID)
	}
}

// SubscriberCount reports the number of live subscribers for one job.
func (h *Hub) SubscriberCount(jobID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Active reports the total number of live subscribers across all jobs.
func (h *Hub) Active() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, set := range h.subs {
		total += len(set)
	}
	return total
}
