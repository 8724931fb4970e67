package broker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/events"
	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Outcome is what happened to a delivery
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeUnhandled    Outcome = "unhandled"
)

var metricsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gamesched_consumer_messages_total",
	Help: "Messages consumed, by queue and outcome",
}, []string{"queue", "outcome"})

var ErrHandlerPanic = errors.NewPlain("handler panicked")

// Consumer consumes a durable queue with manual acknowledgement.
// A message is only acked after every handler for it returned nil, any failure
// rejects it without requeue so the broker moves it to the dead letter queue.
type Consumer struct {
	conn     *Conn
	topo     Topology
	registry *events.Registry

	Tag      string
	Prefetch int
}

func NewConsumer(conn *Conn, topo Topology, registry *events.Registry) *Consumer {
	return &Consumer{
		conn:     conn,
		topo:     topo,
		registry: registry,
		Tag:      fmt.Sprintf("gamesched-%s-%d", topo.RoutingKey, time.Now().UnixNano()),
		Prefetch: 1,
	}
}

func (c *Consumer) PluginInfo() *common.PluginInfo {
	return &common.PluginInfo{
		Name:     "Consumer (" + c.topo.Queue + ")",
		SysName:  "consumer_" + c.topo.RoutingKey,
		Category: common.PluginCategoryDelivery,
	}
}

func (c *Consumer) RunBackgroundWorker(ctx context.Context) {
	if err := c.Run(ctx); err != nil {
		logger.WithError(err).WithField("queue", c.topo.Queue).Error("consumer stopped")
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff if the connection drops.
// The message being handled when ctx is cancelled is finished and acked or rejected before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	l := logger.WithField("queue", c.topo.Queue)
	for {
		started := time.Now()
		err := c.consume(ctx)
		if ctx.Err() != nil {
			l.Info("Consumer stopped")
			return nil
		}

		if time.Since(started) > time.Minute {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		l.WithError(err).Warnf("Consumer interrupted, reconnecting in %s", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.conn.NewChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	err = c.topo.Declare(ch)
	if err != nil {
		return err
	}

	err = ch.Qos(c.Prefetch, 0, false)
	if err != nil {
		return errors.WithMessage(err, "qos")
	}

	deliveries, err := ch.Consume(c.topo.Queue, c.Tag, false, false, false, false, nil)
	if err != nil {
		return errors.WithMessage(err, "consume")
	}

	logger.WithField("queue", c.topo.Queue).Info("Consuming")

	// handlers keep running with a context that isn't cancelled on shutdown,
	// the shutdown check happens between messages
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.Tag, false); err != nil {
				logger.WithError(err).Warn("failed cancelling consumer")
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.NewPlain("delivery channel closed")
			}

			c.HandleDelivery(handlerCtx, d)
		}
	}
}

// HandleDelivery runs the handlers for a single delivery and acks or rejects it
func (c *Consumer) HandleDelivery(ctx context.Context, d amqp.Delivery) Outcome {
	l := logger.WithField("queue", c.topo.Queue).WithField("msg_id", d.MessageId)

	outcome, err := c.dispatch(ctx, d, l)
	switch outcome {
	case OutcomeAcked, OutcomeUnhandled:
		err = d.Ack(false)
		if err != nil {
			l.WithError(err).Error("failed acking message")
		}
	default:
		l.WithError(err).Error("handling message failed, moving it to the dead letter queue")
		if err = d.Nack(false, false); err != nil {
			l.WithError(err).Error("failed rejecting message")
		}
	}

	metricsConsumed.WithLabelValues(c.topo.Queue, string(outcome)).Inc()
	return outcome
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, l *logrus.Entry) (Outcome, error) {
	evt, err := events.Parse(d.Body)
	if err != nil {
		return OutcomeDeadLettered, err
	}

	l = l.WithField("evt", evt.Type)

	handlers := c.registry.Handlers(evt.Type)
	if len(handlers) == 0 {
		// nothing here will ever handle it, keeping it around would only loop it through the dead letter queue
		l.Warn("no handlers registered for event, dropping it")
		return OutcomeUnhandled, nil
	}

	for _, h := range handlers {
		err = callHandler(ctx, h, evt)
		if err != nil {
			return OutcomeDeadLettered, err
		}
	}

	l.Debug("handled event")
	return OutcomeAcked, nil
}

func callHandler(ctx context.Context, h events.Handler, evt *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			logger.Errorf("recovered from panic in event handler \n%v\n%v", r, stack)
			err = errors.WithMessage(ErrHandlerPanic, fmt.Sprint(r))
		}
	}()

	return h.HandleEvent(ctx, evt)
}
