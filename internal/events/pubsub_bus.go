package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubEventBus forwards every event to a Pub/Sub topic for downstream
// consumers (gradebook sync, review queues) and still fans out locally so
// dashboards connected to this instance see it immediately. Messages are
// ordered per session.
type PubSubEventBus struct {
	*EventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEventBus connects to projectID and ensures topicID exists.
func NewPubSubEventBus(projectID, topicID, credentialsFile string, bufferSize int) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic, err := ensureTopic(ctx, client, topicID)
	if err != nil {
		client.Close()
		return nil, err
	}
	topic.EnableMessageOrdering = true

	pb := &PubSubEventBus{
		EventBus: NewEventBus(bufferSize),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	pb.logger.Printf("publishing session events to %s", topic)
	return pb, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, topicID string) (*pubsub.Topic, error) {
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", topicID, err)
	}
	if ok {
		return topic, nil
	}
	topic, err = client.CreateTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("create topic %s: %w", topicID, err)
	}
	return topic, nil
}

// Emit publishes to Pub/Sub and to local listeners.
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.forward(event)
	pb.EventBus.Publish(event)
}

// message maps the event to a binary-mode CloudEvents Pub/Sub message.
func message(event *CloudEvent) (*pubsub.Message, error) {
	body, err := event.JSON()
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{
		"ce-specversion": event.SpecVersion,
		"ce-type":        event.Type,
		"ce-source":      event.Source,
		"ce-id":          event.ID,
		"ce-time":        event.Time.Format(time.RFC3339Nano),
	}
	if event.Subject != "" {
		attrs["ce-subject"] = event.Subject
	}
	if event.AssessmentID != "" {
		attrs["ce-assessmentid"] = event.AssessmentID
	}
	return &pubsub.Message{Data: body, Attributes: attrs, OrderingKey: event.Subject}, nil
}

// forward does not wait for the server ack; failures are logged and the
// session's ordering key is resumed so later events still go out.
func (pb *PubSubEventBus) forward(event *CloudEvent) {
	msg, err := message(event)
	if err != nil {
		pb.logger.Printf("dropping %s: %v", event.ID, err)
		return
	}
	res := pb.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := res.Get(context.Background()); err != nil {
			pb.logger.Printf("publish %s (%s) failed: %v", event.ID, event.Type, err)
			if msg.OrderingKey != "" {
				pb.topic.ResumePublish(msg.OrderingKey)
			}
		}
	}()
}

// Close flushes pending messages and closes the client.
func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	ok, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("pubsub topic: %w", err)
	}
	if !ok {
		return fmt.Errorf("pubsub topic %s missing", pb.topic.ID())
	}
	return nil
}

var _ EventEmitter = (*PubSubEventBus)(nil)
