package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxAttempts = 3
	queueSize   = 1000
)

// Dispatcher delivers webhooks from an in-process worker pool. Deliveries
// that are still queued or backing off when Shutdown runs are abandoned.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	logger   *log.Logger
	backoff  func(attempt int) time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan delivery
	wg     sync.WaitGroup

	stop    context.Context
	cancel  context.CancelFunc
	dropped atomic.Int64
}

// delivery is one event for one subscriber. The payload is encoded once per
// event and shared by every subscriber.
type delivery struct {
	sub     WebhookSubscription
	event   *WebhookEvent
	payload []byte
}

// NewDispatcher starts workers goroutines (4 when workers <= 0).
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	stop, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		backoff:  func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
		jobs:     make(chan delivery, queueSize),
		stop:     stop,
		cancel:   cancel,
	}
	d.wg.Add(workers)
	for range workers {
		go func() {
			defer d.wg.Done()
			for job := range d.jobs {
				d.deliver(job)
			}
		}()
	}
	return d
}

// Emit queues the event for every matching subscriber.
func (d *Dispatcher) Emit(eventType EventType, assessmentID string, data map[string]interface{}) {
	subs := d.registry.GetSubscribers(eventType, assessmentID)
	if len(subs) == 0 {
		return
	}
	event := newWebhookEvent(eventType, assessmentID, data)
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Printf("dropping %s: %v", event.ID, err)
		return
	}
	for _, sub := range subs {
		d.push(delivery{sub: sub, event: event, payload: payload})
	}
}

// enqueue is the entry used by CloudDispatcher when Cloud Tasks is unavailable.
func (d *Dispatcher) enqueue(sub WebhookSubscription, event *WebhookEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Printf("dropping %s: %v", event.ID, err)
		return
	}
	d.push(delivery{sub: sub, event: event, payload: payload})
}

func (d *Dispatcher) push(job delivery) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.jobs <- job:
	default:
		d.dropped.Add(1)
		d.logger.Printf("queue full, dropping %s for %s", job.event.ID, job.sub.ID)
	}
}

// Dropped counts deliveries lost to a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) deliver(job delivery) {
	for attempt := 1; ; attempt++ {
		err := d.post(job, attempt)
		if err == nil {
			d.registry.MarkDelivered(job.sub.ID)
			return
		}
		d.registry.MarkFailed(job.sub.ID)
		d.logger.Printf("%s to %s failed (attempt %d/%d): %v", job.event.Type, job.sub.URL, attempt, maxAttempts, err)
		if attempt == maxAttempts {
			return
		}
		select {
		case <-time.After(d.backoff(attempt)):
		case <-d.stop.Done():
			return
		}
	}
}

func (d *Dispatcher) post(job delivery, attempt int) error {
	req, err := http.NewRequestWithContext(d.stop, http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		return err
	}
	for k, v := range signedHeaders(job.event, job.payload, job.sub.Secret, attempt) {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber answered %d", resp.StatusCode)
	}
	return nil
}

// Shutdown stops intake, cancels pending retries and waits for workers.
// It is safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
