// Package events carries session activity to dashboards and downstream
// consumers as CloudEvents.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the proctoring core.
const (
	TypeSessionStarted   = "proctor.session.started"
	TypeSessionCompleted = "proctor.session.completed"
	TypeViolation        = "proctor.violation.recorded"
	TypeWarning          = "proctor.policy.warning"
	TypeAutoTerminated   = "proctor.policy.auto_terminated"
	TypeRiskChanged      = "proctor.risk.changed"
)

// Source is the CloudEvents source of everything this service emits.
const Source = "/proctor/session"

// EventEmitter publishes session activity. The in-memory EventBus and the
// Pub/Sub-backed bus both satisfy it.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is a CloudEvents 1.0 envelope. Subject is the session id and
// the assessmentid extension lets consumers filter a whole exam.
type CloudEvent struct {
	SpecVersion     string                 `json:"specversion"`
	Type            string                 `json:"type"`
	Source          string                 `json:"source"`
	ID              string                 `json:"id"`
	Time            time.Time              `json:"time"`
	DataContentType string                 `json:"datacontenttype"`
	Subject         string                 `json:"subject,omitempty"`
	AssessmentID    string                 `json:"assessmentid,omitempty"`
	Data            map[string]interface{} `json:"data"`
}

// NewCloudEvent stamps a new event. An "assessmentId" entry in data is
// lifted into the extension attribute.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	ce := &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Subject:         subject,
		Data:            data,
	}
	if aid, ok := data["assessmentId"].(string); ok {
		ce.AssessmentID = aid
	}
	return ce
}

// JSON is the structured-mode encoding of the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat frames the event for a text/event-stream response.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	body, err := ce.JSON()
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %s\nevent: %s\ndata: %s\n\n", ce.ID, ce.Type, body), nil
}

// ============================================================================
// IN-PROCESS BUS
// ============================================================================

// subscription is one listener. A nil type set means every event.
type subscription struct {
	types map[string]struct{}
}

func (s subscription) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// EventBus fans events out to in-process listeners such as the dashboard
// stream. Delivery never blocks the emitting request: a listener whose
// buffer is full misses the event and the miss is counted.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[chan *CloudEvent]subscription
	buffer int

	dropped atomic.Int64
}

// NewEventBus creates a bus whose listeners buffer bufferSize events
// (100 when bufferSize <= 0).
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subs:   make(map[chan *CloudEvent]subscription),
		buffer: bufferSize,
	}
}

// Subscribe registers a listener for the given event types, or for every
// event when none are given.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	sub := subscription{}
	if len(eventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.types[t] = struct{}{}
		}
	}

	ch := make(chan *CloudEvent, eb.buffer)
	eb.mu.Lock()
	eb.subs[ch] = sub
	eb.mu.Unlock()
	return ch
}

// Unsubscribe removes the listener and closes its channel. Calling it twice
// is a no-op.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if _, ok := eb.subs[ch]; !ok {
		return
	}
	delete(eb.subs, ch)
	close(ch)
}

// Publish delivers event to every interested listener.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for ch, sub := range eb.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Emit builds and publishes an event.
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of registered listeners.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}
