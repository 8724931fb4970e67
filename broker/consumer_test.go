package broker

import (
	"context"
	"sync"
	"testing"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackCall struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{tag: tag, ack: true})
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func delivery(t *testing.T, ack *fakeAcknowledger, evt *events.Event) amqp.Delivery {
	body, err := evt.Encode()
	require.NoError(t, err)

	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  42,
		MessageId:    evt.ID,
		Type:         string(evt.Type),
		Body:         body,
	}
}

func transitionEvent(t *testing.T) *events.Event {
	evt, err := events.NewEvent(events.EventTransitionDue, &events.TransitionDue{GameID: 3, TargetStatus: "IN_PROGRESS"})
	require.NoError(t, err)
	return evt
}

func newTestConsumer(registry *events.Registry) *Consumer {
	return NewConsumer(nil, KindTopology("transitions", 0), registry)
}

func TestAckAfterAllHandlersSucceed(t *testing.T) {
	registry := events.NewRegistry()
	calls := 0
	for i := 0; i < 2; i++ {
		registry.OnTransitionDue(func(ctx context.Context, evt *events.Event, data *events.TransitionDue) error {
			calls++
			return nil
		})
	}

	ack := &fakeAcknowledger{}
	outcome := newTestConsumer(registry).HandleDelivery(context.Background(), delivery(t, ack, transitionEvent(t)))

	assert.Equal(t, OutcomeAcked, outcome)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []ackCall{{tag: 42, ack: true}}, ack.calls)
}

func TestHandlerErrorDeadLetters(t *testing.T) {
	registry := events.NewRegistry()
	secondCalled := false
	registry.OnTransitionDue(func(ctx context.Context, evt *events.Event, data *events.TransitionDue) error {
		return errors.New("database went away")
	})
	registry.OnTransitionDue(func(ctx context.Context, evt *events.Event, data *events.TransitionDue) error {
		secondCalled = true
		return nil
	})

	ack := &fakeAcknowledger{}
	outcome := newTestConsumer(registry).HandleDelivery(context.Background(), delivery(t, ack, transitionEvent(t)))

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.False(t, secondCalled)

	// rejected exactly once, never acked and never requeued onto the primary queue
	assert.Equal(t, []ackCall{{tag: 42, ack: false, requeue: false}}, ack.calls)
}

func TestLaterHandlerErrorDeadLetters(t *testing.T) {
	registry := events.NewRegistry()
	registry.OnTransitionDue(func(ctx context.Context, evt *events.Event, data *events.TransitionDue) error {
		return nil
	})
	registry.OnTransitionDue(func(ctx context.Context, evt *events.Event, data *events.TransitionDue) error {
		return errors.New("boom")
	})

	ack := &fakeAcknowledger{}
	outcome := newTestConsumer(registry).HandleDelivery(context.Background(), delivery(t, ack, transitionEvent(t)))

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, []ackCall{{tag: 42}}, ack.calls)
}

func TestHandlerPanicDeadLetters(t *testing.T) {
	registry := events.NewRegistry()
	registry.OnTransitionDue(func(ctx context.Context, evt *events.Event, data *events.TransitionDue) error {
		panic("nil game")
	})

	ack := &fakeAcknowledger{}
	outcome := newTestConsumer(registry).HandleDelivery(context.Background(), delivery(t, ack, transitionEvent(t)))

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, []ackCall{{tag: 42}}, ack.calls)
}

func TestMalformedBodyDeadLetters(t *testing.T) {
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte("{")}

	outcome := newTestConsumer(events.NewRegistry()).HandleDelivery(context.Background(), d)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, []ackCall{{tag: 7}}, ack.calls)
}

func TestNoHandlersAcks(t *testing.T) {
	ack := &fakeAcknowledger{}
	outcome := newTestConsumer(events.NewRegistry()).HandleDelivery(context.Background(), delivery(t, ack, transitionEvent(t)))

	assert.Equal(t, OutcomeUnhandled, outcome)
	assert.Equal(t, []ackCall{{tag: 42, ack: true}}, ack.calls)
}
