package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_TypedAndWildcardSubscribers(t *testing.T) {
	bus := NewEventBus(4)
	typed := bus.Subscribe(TypeSessionCompleted)
	all := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Emit(TypeViolation, Source, "sess-1", map[string]interface{}{"assessmentId": "exam-1"})
	bus.Emit(TypeSessionCompleted, Source, "sess-1", nil)

	require.Len(t, all, 2)
	first := <-all
	assert.Equal(t, TypeViolation, first.Type)
	assert.Equal(t, "exam-1", first.AssessmentID)
	assert.Equal(t, "1.0", first.SpecVersion)
	assert.NotEmpty(t, first.ID)

	require.Len(t, typed, 1)
	assert.Equal(t, TypeSessionCompleted, (<-typed).Type)

	bus.Unsubscribe(typed)
	_, open := <-typed
	assert.False(t, open)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestEventBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(1)
	ch := bus.Subscribe()
	bus.Emit(TypeViolation, Source, "sess-1", nil)
	bus.Emit(TypeViolation, Source, "sess-1", nil)
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestCloudEvent_SSEFormat(t *testing.T) {
	ce := NewCloudEvent(TypeRiskChanged, Source, "sess-9", map[string]interface{}{"riskLevel": "high"})
	out, err := ce.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: proctor.risk.changed\n")
	assert.Contains(t, string(out), "\"subject\":\"sess-9\"")
}

func TestEventBus_UnsubscribeTwice(t *testing.T) {
	bus := NewEventBus(1)
	ch := bus.Subscribe(TypeViolation)
	bus.Unsubscribe(ch)
	assert.NotPanics(t, func() { bus.Unsubscribe(ch) })
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestMessage_CarriesCloudEventAttributes(t *testing.T) {
	ce := NewCloudEvent(TypeViolation, Source, "sess-3", map[string]interface{}{"assessmentId": "exam-2"})
	msg, err := message(ce)
	require.NoError(t, err)
	assert.Equal(t, "sess-3", msg.OrderingKey)
	assert.Equal(t, TypeViolation, msg.Attributes["ce-type"])
	assert.Equal(t, "exam-2", msg.Attributes["ce-assessmentid"])
	assert.Contains(t, string(msg.Data), `"datacontenttype":"application/json"`)

	bare, err := message(NewCloudEvent(TypeWarning, Source, "", nil))
	require.NoError(t, err)
	assert.NotContains(t, bare.Attributes, "ce-subject")
	assert.Empty(t, bare.OrderingKey)
}
