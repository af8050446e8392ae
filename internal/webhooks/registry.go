package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/proctor/internal/config"
)

// WebhookEmitter is the interface for dispatching webhook events.
// Both the in-memory Dispatcher and CloudDispatcher satisfy this interface.
type WebhookEmitter interface {
	Emit(eventType EventType, assessmentID string, data map[string]interface{})
	Shutdown()
}

// EventType defines the types of events that can trigger webhooks
type EventType string

const (
	EventSessionTerminated EventType = "session.terminated"
	EventAutoTerminated    EventType = "session.auto_terminated"
	EventPolicyWarning     EventType = "session.warning"
	EventRiskEscalated     EventType = "risk.escalated"
)

// ParseEventType accepts the configured event names.
func ParseEventType(raw string) (EventType, error) {
	switch et := EventType(raw); et {
	case EventSessionTerminated, EventAutoTerminated, EventPolicyWarning, EventRiskEscalated:
		return et, nil
	}
	return "", fmt.Errorf("unknown webhook event %q", raw)
}

// WebhookSubscription represents a registered webhook. An empty AssessmentID
// subscribes to every assessment.
type WebhookSubscription struct {
	ID           string      `json:"id"`
	URL          string      `json:"url"`
	Events       []EventType `json:"events"`
	Secret       string      `json:"secret,omitempty"`
	Active       bool        `json:"active"`
	AssessmentID string      `json:"assessment_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	FailCount    int         `json:"fail_count"`
}

func (s *WebhookSubscription) matches(assessmentID string) bool {
	return s.AssessmentID == "" || s.AssessmentID == assessmentID
}

// WebhookEvent is the payload sent to webhook subscribers
type WebhookEvent struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	Source       string                 `json:"source"`
	Timestamp    time.Time              `json:"timestamp"`
	AssessmentID string                 `json:"assessment_id"`
	Data         map[string]interface{} `json:"data"`
}

func newWebhookEvent(eventType EventType, assessmentID string, data map[string]interface{}) *WebhookEvent {
	return &WebhookEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Source:       "/api/v1/sessions",
		Timestamp:    time.Now().UTC(),
		AssessmentID: assessmentID,
		Data:         data,
	}
}

// Registry stores and manages webhook subscriptions
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*WebhookSubscription // id -> hook
	byEvent map[EventType][]*WebhookSubscription
	logger  *log.Logger
}

// NewRegistry creates a new webhook registry
func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*WebhookSubscription),
		byEvent: make(map[EventType][]*WebhookSubscription),
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// NewRegistryFromConfig registers every configured subscription.
func NewRegistryFromConfig(subs []config.WebhookSubscriptionConfig) (*Registry, error) {
	r := NewRegistry()
	for _, sc := range subs {
		sub := &WebhookSubscription{URL: sc.URL, Secret: sc.Secret, AssessmentID: sc.AssessmentID}
		for _, raw := range sc.Events {
			et, err := ParseEventType(raw)
			if err != nil {
				return nil, err
			}
			sub.Events = append(sub.Events, et)
		}
		if err := r.Register(sub); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a webhook subscription
func (r *Registry) Register(sub *WebhookSubscription) error {
	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == "" {
		sub.ID = "wh-" + uuid.New().String()
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("Registered webhook %s -> %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a webhook subscription
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := make([]*WebhookSubscription, 0, len(r.byEvent[evt]))
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("Unregistered webhook %s", id)
	return nil
}

// GetSubscribers returns copies of the active subscribers for an event type
// scoped to the assessment.
func (r *Registry) GetSubscribers(eventType EventType, assessmentID string) []WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []WebhookSubscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active && sub.matches(assessmentID) {
			active = append(active, *sub)
		}
	}
	return active
}

// ListAll returns copies of all registered webhooks
func (r *Registry) ListAll() []WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]WebhookSubscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		result = append(result, *sub)
	}
	return result
}

// MarkFailed increments failure count and disables after 10 failures
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("Webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure count after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates HMAC-SHA256 signature for webhook verification
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// signedHeaders are the delivery headers common to both dispatchers.
func signedHeaders(event *WebhookEvent, payload []byte, secret string, attempt int) map[string]string {
	h := map[string]string{
		"Content-Type":               "application/json",
		"X-Proctor-Event-Type":       string(event.Type),
		"X-Proctor-Event-ID":         event.ID,
		"X-Proctor-Delivery-Attempt": fmt.Sprintf("%d", attempt),
	}
	if secret != "" {
		h["X-Proctor-Signature"] = "sha256=" + SignPayload(payload, secret)
	}
	return h
}
