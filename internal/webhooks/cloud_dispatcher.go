package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/ocx/proctor/internal/config"
)

// taskCreator is the part of the Cloud Tasks client the dispatcher uses.
type taskCreator interface {
	CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest, opts ...gax.CallOption) (*taskspb.Task, error)
	Close() error
}

// CloudDispatcher hands each delivery to a Cloud Tasks queue, which owns
// retries, backoff and dead-lettering. When a task cannot be created the
// delivery falls back to the in-memory Dispatcher, if one is configured.
type CloudDispatcher struct {
	registry  *Registry
	tasks     taskCreator
	queuePath string
	deadline  time.Duration
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the configured queue. fallbackWorkers > 0
// also starts an in-memory Dispatcher used when enqueueing fails.
func NewCloudDispatcher(registry *Registry, cfg config.CloudTasksConfig, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := cloudtasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloud tasks client: %w", err)
	}

	var fallback *Dispatcher
	if fallbackWorkers > 0 {
		fallback = NewDispatcher(registry, fallbackWorkers)
	}
	cd := newCloudDispatcher(registry, client, cfg, fallback)
	cd.logger.Printf("delivering webhooks through %s", cd.queuePath)
	return cd, nil
}

func newCloudDispatcher(registry *Registry, tasks taskCreator, cfg config.CloudTasksConfig, fallback *Dispatcher) *CloudDispatcher {
	return &CloudDispatcher{
		registry:  registry,
		tasks:     tasks,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.ProjectID, cfg.LocationID, cfg.QueueID),
		deadline:  30 * time.Second,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		fallback:  fallback,
	}
}

// Emit enqueues one task per matching subscriber without blocking the caller.
func (cd *CloudDispatcher) Emit(eventType EventType, assessmentID string, data map[string]interface{}) {
	subs := cd.registry.GetSubscribers(eventType, assessmentID)
	if len(subs) == 0 {
		return
	}
	event := newWebhookEvent(eventType, assessmentID, data)
	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("dropping %s: %v", event.ID, err)
		return
	}
	go cd.enqueueAll(subs, event, payload)
}

func (cd *CloudDispatcher) enqueueAll(subs []WebhookSubscription, event *WebhookEvent, payload []byte) {
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := cd.enqueue(ctx, sub, event, payload)
		cancel()
		if err == nil {
			continue
		}
		cd.logger.Printf("enqueue %s for %s failed: %v", event.ID, sub.ID, err)
		if cd.fallback != nil {
			cd.fallback.enqueue(sub, event)
		}
	}
}

// enqueue creates the task. Tasks are named per event and subscriber, so a
// repeated enqueue is answered with AlreadyExists and treated as done.
func (cd *CloudDispatcher) enqueue(ctx context.Context, sub WebhookSubscription, event *WebhookEvent, payload []byte) error {
	_, err := cd.tasks.CreateTask(ctx, cd.taskRequest(sub, event, payload))
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return err
}

func (cd *CloudDispatcher) taskRequest(sub WebhookSubscription, event *WebhookEvent, payload []byte) *taskspb.CreateTaskRequest {
	return &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			Name:             fmt.Sprintf("%s/tasks/%s-%s", cd.queuePath, event.ID, sub.ID),
			DispatchDeadline: durationpb.New(cd.deadline),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    signedHeaders(event, payload, sub.Secret, 1),
					Body:       payload,
				},
			},
		},
	}
}

// Shutdown stops the fallback and closes the client.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.tasks.Close(); err != nil {
		cd.logger.Printf("close: %v", err)
	}
}

var (
	_ WebhookEmitter = (*Dispatcher)(nil)
	_ WebhookEmitter = (*CloudDispatcher)(nil)
)
