package broker

import (
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange           = "gamesched"
	DefaultDeadLetterExchange = "gamesched.dlx"
)

// Topology describes the queues for one schedule kind: a durable primary queue bound to
// Exchange, dead lettering into DeadLetterQueue through DeadLetterExchange
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	Queue              string
	DeadLetterQueue    string
	RoutingKey         string

	// MessageTTL is the queue level TTL of the primary queue, 0 disables it.
	// The dead letter queue never has a TTL.
	MessageTTL time.Duration
}

var confReminderQueueTTL = config.RegisterOption("gamesched.reminder_queue_ttl_seconds", "Queue level TTL of the reminders queue, 0 to disable", 21600)

// ReminderQueueTTL is the configured queue level TTL for the reminders queue
func ReminderQueueTTL() time.Duration {
	return confReminderQueueTTL.GetSeconds()
}

// KindTopology returns the default topology for a schedule kind
func KindTopology(kind string, messageTTL time.Duration) Topology {
	return Topology{
		Exchange:           DefaultExchange,
		DeadLetterExchange: DefaultDeadLetterExchange,
		Queue:              "gamesched." + kind,
		DeadLetterQueue:    "gamesched." + kind + ".dlq",
		RoutingKey:         kind,
		MessageTTL:         messageTTL,
	}
}

func (t Topology) queueArgs() amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.RoutingKey,
	}

	if t.MessageTTL > 0 {
		args["x-message-ttl"] = t.MessageTTL.Milliseconds()
	}

	return args
}

// Declare idempotently declares the exchanges, queues and bindings
func (t Topology) Declare(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil)
	if err != nil {
		return errors.WithMessage(err, "declare exchange")
	}

	err = ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil)
	if err != nil {
		return errors.WithMessage(err, "declare dead letter exchange")
	}

	_, err = ch.QueueDeclare(t.Queue, true, false, false, false, t.queueArgs())
	if err != nil {
		return errors.WithMessage(err, "declare queue")
	}

	_, err = ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return errors.WithMessage(err, "declare dead letter queue")
	}

	err = ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil)
	if err != nil {
		return errors.WithMessage(err, "bind queue")
	}

	err = ch.QueueBind(t.DeadLetterQueue, t.RoutingKey, t.DeadLetterExchange, false, nil)
	return errors.WithMessage(err, "bind dead letter queue")
}
