package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ocx/proctor/internal/config"
)

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	received chan struct{}
}

func newCapture(status func(n int32) int) (*capture, *httptest.Server) {
	c := &capture{received: make(chan struct{}, 16)}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		code := status(calls.Add(1))
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(code)
		c.received <- struct{}{}
	}))
	return c, srv
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestRegistryFromConfig(t *testing.T) {
	r, err := NewRegistryFromConfig([]config.WebhookSubscriptionConfig{
		{URL: "https://lms.example/hook", Events: []string{"session.terminated"}, AssessmentID: "exam-1"},
		{URL: "https://audit.example/hook", Events: []string{"session.terminated", "risk.escalated"}},
	})
	require.NoError(t, err)

	assert.Len(t, r.GetSubscribers(EventSessionTerminated, "exam-1"), 2)
	assert.Len(t, r.GetSubscribers(EventSessionTerminated, "exam-2"), 1)
	assert.Len(t, r.GetSubscribers(EventRiskEscalated, "exam-1"), 1)

	_, err = NewRegistryFromConfig([]config.WebhookSubscriptionConfig{{URL: "https://x", Events: []string{"verdict.allow"}}})
	assert.Error(t, err)
}

func TestRegistry_DisablesAfterRepeatedFailures(t *testing.T) {
	r := NewRegistry()
	sub := &WebhookSubscription{URL: "https://x", Events: []EventType{EventPolicyWarning}}
	require.NoError(t, r.Register(sub))
	for i := 0; i < 10; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.Empty(t, r.GetSubscribers(EventPolicyWarning, ""))
	require.NoError(t, r.Unregister(sub.ID))
	assert.Error(t, r.Unregister(sub.ID))
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	c, srv := newCapture(func(int32) int { return http.StatusOK })
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&WebhookSubscription{URL: srv.URL, Events: []EventType{EventSessionTerminated}, Secret: "s3cret"}))
	d := NewDispatcher(r, 1)
	defer d.Shutdown()

	d.Emit(EventSessionTerminated, "exam-1", map[string]interface{}{"sessionId": "sess-1"})
	waitFor(t, c.received)

	c.mu.Lock()
	defer c.mu.Unlock()
	var ev WebhookEvent
	require.NoError(t, json.Unmarshal(c.bodies[0], &ev))
	assert.Equal(t, EventSessionTerminated, ev.Type)
	assert.Equal(t, "exam-1", ev.AssessmentID)
	assert.Equal(t, "sess-1", ev.Data["sessionId"])
	assert.Equal(t, "sha256="+SignPayload(c.bodies[0], "s3cret"), c.headers[0].Get("X-Proctor-Signature"))
	assert.Equal(t, "1", c.headers[0].Get("X-Proctor-Delivery-Attempt"))
}

func TestDispatcher_RetriesFailedDelivery(t *testing.T) {
	c, srv := newCapture(func(n int32) int {
		if n == 1 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	defer srv.Close()

	r := NewRegistry()
	sub := &WebhookSubscription{URL: srv.URL, Events: []EventType{EventAutoTerminated}}
	require.NoError(t, r.Register(sub))
	d := NewDispatcher(r, 1)
	d.backoff = func(int) time.Duration { return time.Millisecond }
	defer d.Shutdown()

	d.Emit(EventAutoTerminated, "exam-1", nil)
	waitFor(t, c.received)
	waitFor(t, c.received)

	c.mu.Lock()
	assert.Equal(t, "2", c.headers[1].Get("X-Proctor-Delivery-Attempt"))
	c.mu.Unlock()
	assert.Eventually(t, func() bool { return r.ListAll()[0].FailCount == 0 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_ShutdownIsIdempotent(t *testing.T) {
	d := NewDispatcher(NewRegistry(), 2)
	d.Shutdown()
	d.Shutdown()
	d.Emit(EventSessionTerminated, "exam-1", nil)
}

type fakeTasks struct {
	mu      sync.Mutex
	created []*taskspb.CreateTaskRequest
	err     error
	closed  bool
}

func (f *fakeTasks) CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest, _ ...gax.CallOption) (*taskspb.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return req.Task, f.err
}

func (f *fakeTasks) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTasks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

var tasksCfg = config.CloudTasksConfig{ProjectID: "proj", LocationID: "us-central1", QueueID: "hooks"}

func TestCloudDispatcher_EnqueuesSignedTasks(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&WebhookSubscription{ID: "wh-1", URL: "https://lms.example/hook", Events: []EventType{EventSessionTerminated}, Secret: "k"}))
	tasks := &fakeTasks{}
	cd := newCloudDispatcher(r, tasks, tasksCfg, nil)

	cd.Emit(EventSessionTerminated, "exam-1", map[string]interface{}{"sessionId": "sess-1"})
	require.Eventually(t, func() bool { return tasks.count() == 1 }, time.Second, 5*time.Millisecond)

	req := tasks.created[0]
	assert.Equal(t, "projects/proj/locations/us-central1/queues/hooks", req.Parent)
	assert.Contains(t, req.Task.Name, "/tasks/")
	assert.Contains(t, req.Task.Name, "-wh-1")
	hr := req.Task.GetHttpRequest()
	require.NotNil(t, hr)
	assert.Equal(t, "https://lms.example/hook", hr.Url)
	assert.Equal(t, "sha256="+SignPayload(hr.Body, "k"), hr.Headers["X-Proctor-Signature"])

	cd.Shutdown()
	assert.True(t, tasks.closed)
}

func TestCloudDispatcher_AlreadyExistsIsDelivered(t *testing.T) {
	tasks := &fakeTasks{err: status.Error(codes.AlreadyExists, "dup")}
	cd := newCloudDispatcher(NewRegistry(), tasks, tasksCfg, nil)
	err := cd.enqueue(context.Background(), WebhookSubscription{ID: "wh-1", URL: "https://x"}, newWebhookEvent(EventRiskEscalated, "", nil), []byte("{}"))
	assert.NoError(t, err)
}

func TestCloudDispatcher_FallsBackWhenEnqueueFails(t *testing.T) {
	c, srv := newCapture(func(int32) int { return http.StatusOK })
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&WebhookSubscription{URL: srv.URL, Events: []EventType{EventPolicyWarning}}))
	tasks := &fakeTasks{err: errors.New("queue unavailable")}
	cd := newCloudDispatcher(r, tasks, tasksCfg, NewDispatcher(r, 1))
	defer cd.Shutdown()

	cd.Emit(EventPolicyWarning, "exam-1", nil)
	waitFor(t, c.received)
}
