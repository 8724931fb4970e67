package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrNotConfirmed = errors.NewPlain("publish was nacked by the broker")
)

const contentTypeJSON = "application/json"

// Publisher publishes events for one topology and gives access to its dead letter queue
type Publisher struct {
	conn *Conn
	topo Topology

	ConfirmTimeout time.Duration

	mu         sync.Mutex
	declaredOn *amqp.Channel
}

func NewPublisher(conn *Conn, topo Topology) *Publisher {
	return &Publisher{
		conn:           conn,
		topo:           topo,
		ConfirmTimeout: time.Second * 10,
	}
}

func (p *Publisher) Topology() Topology {
	return p.topo
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}

	if p.declaredOn != ch {
		err = p.topo.Declare(ch)
		if err != nil {
			return nil, err
		}
		p.declaredOn = ch
	}

	return ch, nil
}

// Expiration formats a per message TTL the way the broker wants it, in milliseconds as a string.
// A non positive ttl means no expiration.
func Expiration(ttl time.Duration) string {
	if ttl <= 0 {
		return ""
	}

	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	return strconv.FormatInt(ms, 10)
}

// NewPublishing builds the persistent message for evt, ttl is only applied to expiring event types
func NewPublishing(evt *events.Event, ttl time.Duration) (amqp.Publishing, error) {
	body, err := evt.Encode()
	if err != nil {
		return amqp.Publishing{}, errors.WithMessage(err, "encode")
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Type:         string(evt.Type),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if evt.Type.Expires() {
		msg.Expiration = Expiration(ttl)
	}

	return msg, nil
}

// Publish publishes evt and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, evt *events.Event, ttl time.Duration) error {
	msg, err := NewPublishing(evt, ttl)
	if err != nil {
		return err
	}

	return p.publish(ctx, msg)
}

// Republish puts a dead lettered message back on the primary queue, always without expiration
func (p *Publisher) Republish(ctx context.Context, d amqp.Delivery) error {
	return p.publish(ctx, Republishing(d))
}

// Republishing copies d into a fresh persistent message without expiration.
// The death history is dropped, the death count is carried in a header instead.
func Republishing(d amqp.Delivery) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		switch k {
		case "x-death", "x-first-death-exchange", "x-first-death-queue", "x-first-death-reason",
			"x-last-death-exchange", "x-last-death-queue", "x-last-death-reason":
			continue
		}
		headers[k] = v
	}
	headers[HeaderRepublishCount] = DeathCount(d)

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    time.Now().UTC(),
		Body:         d.Body,
	}
}

func (p *Publisher) publish(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.topo.Exchange, p.topo.RoutingKey, false, false, msg)
	if err != nil {
		return errors.WithMessage(err, "publish")
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.ConfirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return errors.WithMessage(err, "wait for confirm")
	}

	if !acked {
		return ErrNotConfirmed
	}

	return nil
}

// DeadLetterDepth returns the number of messages ready in the dead letter queue
func (p *Publisher) DeadLetterDepth(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return 0, err
	}

	q, err := ch.QueueDeclarePassive(p.topo.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		// a failed passive declare closes the channel, the next call will reopen it
		return 0, errors.WithMessage(err, "inspect dead letter queue")
	}

	return q.Messages, nil
}

// GetDeadLetter fetches a single message from the dead letter queue without acknowledging it,
// ok is false if the queue was empty
func (p *Publisher) GetDeadLetter(ctx context.Context) (d amqp.Delivery, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return d, false, err
	}

	d, ok, err = ch.Get(p.topo.DeadLetterQueue, false)
	return d, ok, errors.WithMessage(err, "get dead letter")
}
