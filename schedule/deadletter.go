package schedule

import (
	"context"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/broker"
	"github.com/botlabs-gg/gamesched/events"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
)

func (d *Daemon) reprocessDeadLetters(ctx context.Context) {
	if d.deadLetters == nil {
		return
	}

	n, err := d.ReprocessDeadLetters(ctx)
	if err != nil {
		d.logger().WithError(err).Error("failed reprocessing dead letters")
	}

	if n > 0 {
		d.logger().Infof("republished %d dead letters", n)
	}
}

// ReprocessDeadLetters moves the messages currently in the dead letter queue back to the primary queue.
// Only as many messages as the queue held at the start are taken, so messages dying again during the pass wait for the next one.
// Republished messages carry no expiration. If a republish fails the message is returned to the dead letter queue and the pass stops.
func (d *Daemon) ReprocessDeadLetters(ctx context.Context) (republished int, err error) {
	if d.deadLetters == nil {
		return 0, nil
	}

	kind := d.store.kind.Name

	depth, err := d.deadLetters.DeadLetterDepth(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "depth")
	}

	metricsDeadLetterDepth.With(prometheus.Labels{"kind": kind}).Set(float64(depth))

	itemCtx := context.WithoutCancel(ctx)
	for i := 0; i < depth; i++ {
		if d.RepublishLimiter != nil {
			if err := d.RepublishLimiter.Wait(ctx); err != nil {
				// cancelled
				break
			}
		}

		if ctx.Err() != nil {
			break
		}

		msg, ok, err := d.deadLetters.GetDeadLetter(itemCtx)
		if err != nil {
			return republished, errors.WithMessage(err, "get")
		}

		if !ok {
			break
		}

		if d.exhausted(msg) {
			d.logger().WithField("event", msg.MessageId).Warnf("dropping %s after %d deaths", msg.Type, broker.DeathCount(msg))
			metricsDropped.With(prometheus.Labels{"kind": kind}).Inc()
			if err := msg.Ack(false); err != nil {
				return republished, errors.WithMessage(err, "ack dropped")
			}
			continue
		}

		err = d.deadLetters.Republish(itemCtx, msg)
		if err != nil {
			if nackErr := msg.Nack(false, true); nackErr != nil {
				err = errors.Combine(err, nackErr)
			}
			return republished, errors.WithMessage(err, "republish")
		}

		if err := msg.Ack(false); err != nil {
			// already republished, this copy will be republished again on a later pass
			return republished, errors.WithMessage(err, "ack")
		}

		republished++
		metricsRepublished.With(prometheus.Labels{"kind": kind}).Inc()
	}

	return republished, nil
}

// exhausted returns true for reminders that died too many times, transitions are never dropped
func (d *Daemon) exhausted(msg amqp.Delivery) bool {
	if d.MaxReminderDeaths <= 0 {
		return false
	}

	t := events.EventType(msg.Type)
	if t == "" {
		if evt, err := events.Parse(msg.Body); err == nil {
			t = evt.Type
		}
	}

	if t != events.EventReminderDue {
		return false
	}

	return broker.DeathCount(msg) > d.MaxReminderDeaths
}
