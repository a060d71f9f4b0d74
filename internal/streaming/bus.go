// Package streaming is the in-memory progress bus: per-workflow pub/sub
// with a bounded ring buffer so late subscribers can replay recent history.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/metrics"
)

// EventType enumerates the bus's event kinds.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventActivityStarted   EventType = "activity_started"
	EventActivityProgress  EventType = "activity_progress"
	EventActivityCompleted EventType = "activity_completed"
	EventActivityFailed    EventType = "activity_failed"
	EventTaskStarted       EventType = "task_started"
	EventTaskProgress      EventType = "task_progress"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventLog               EventType = "log"
	EventMetrics           EventType = "metrics"
	EventStatusUpdate      EventType = "status_update"
)

// Event is one bus message.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Source     string                 `json:"source,omitempty"`
	WorkflowID string                 `json:"workflow_id"`
	ActivityID string                 `json:"activity_id,omitempty"`
	TaskID     *int                   `json:"task_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Seq        uint64                 `json:"seq"`
}

// Marshal renders the event for SSE payloads.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch    chan Event
	drops int
}

// Bus is the per-process progress bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	history     map[string]*ring
	lastPublish map[string]time.Time

	capacity      int
	dropThreshold int
	retention     time.Duration
	logger        *zap.Logger

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// Option tunes the bus.
type Option func(*Bus)

// WithCapacity sets the per-workflow ring size.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithDropThreshold sets how many consecutive dropped events evict a slow
// subscriber.
func WithDropThreshold(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.dropThreshold = n
		}
	}
}

// WithRetention sets how long idle workflow history is kept.
func WithRetention(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.retention = d
		}
	}
}

// NewBus creates a bus and starts its janitor.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subscribers:   make(map[string]map[*subscriber]struct{}),
		history:       make(map[string]*ring),
		lastPublish:   make(map[string]time.Time),
		capacity:      100,
		dropThreshold: 32,
		retention:     time.Hour,
		logger:        logger,
		stopJanitor:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.janitor()
	return b
}

// Close stops the janitor and drops all subscribers.
func (b *Bus) Close() {
	b.janitorOnce.Do(func() { close(b.stopJanitor) })
	b.mu.Lock()
	defer b.mu.Unlock()
	for wf, subs := range b.subscribers {
		for s := range subs {
			close(s.ch)
		}
		delete(b.subscribers, wf)
	}
}

// Publish assigns an id, sequence and timestamp and fans the event out.
// Publishing never blocks: a full subscriber buffer drops the event for that
// subscriber, and a subscriber past the drop threshold is evicted.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	rg := b.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[evt.WorkflowID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	b.lastPublish[evt.WorkflowID] = time.Now()

	var evicted []*subscriber
	subs := b.subscribers[evt.WorkflowID]
	for s := range subs {
		select {
		case s.ch <- evt:
			s.drops = 0
		default:
			s.drops++
			metrics.EventsDropped.Inc()
			if s.drops >= b.dropThreshold {
				evicted = append(evicted, s)
			}
		}
	}
	for _, s := range evicted {
		delete(subs, s)
		close(s.ch)
		metrics.SubscribersEvicted.Inc()
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
}

// Subscribe returns a live event channel for a workflow. The caller must
// drain it and call Unsubscribe when done.
func (b *Bus) Subscribe(workflowID string, buffer int) <-chan Event {
	ch := b.subscribe(workflowID, buffer)
	return ch.ch
}

// SubscribeWithReplay returns a channel pre-loaded with history after the
// given sequence, followed by live events. Replay and live attach happen
// under one lock so no event between them is lost or duplicated.
func (b *Bus) SubscribeWithReplay(workflowID string, sinceSeq uint64, buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var backlog []Event
	if rg := b.history[workflowID]; rg != nil {
		backlog = rg.since(sinceSeq)
	}
	if buffer < len(backlog)+16 {
		buffer = len(backlog) + 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	for _, evt := range backlog {
		s.ch <- evt
	}
	subs := b.subscribers[workflowID]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		b.subscribers[workflowID] = subs
	}
	subs[s] = struct{}{}
	return s.ch
}

func (b *Bus) subscribe(workflowID string, buffer int) *subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[workflowID]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		b.subscribers[workflowID] = subs
	}
	subs[s] = struct{}{}
	return s
}

// Unsubscribe detaches and closes a channel returned by Subscribe or
// SubscribeWithReplay.
func (b *Bus) Unsubscribe(workflowID string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[workflowID]
	for s := range subs {
		if s.ch == ch {
			delete(subs, s)
			close(s.ch)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, workflowID)
	}
}

// History returns the retained events for a workflow, oldest first.
func (b *Bus) History(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg := b.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.all()
}

func (b *Bus) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.prune()
		case <-b.stopJanitor:
			return
		}
	}
}

// prune drops history for workflows idle past the retention window and
// removes empty subscriber sets.
func (b *Bus) prune() {
	cutoff := time.Now().Add(-b.retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	for wf, last := range b.lastPublish {
		if last.Before(cutoff) && len(b.subscribers[wf]) == 0 {
			delete(b.history, wf)
			delete(b.lastPublish, wf)
		}
	}
	for wf, subs := range b.subscribers {
		if len(subs) == 0 {
			delete(b.subscribers, wf)
		}
	}
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq >= seq {
			out = append(out, ev)
		}
	}
	return out
}

func (r *ring) all() []Event {
	return r.since(0)
}
