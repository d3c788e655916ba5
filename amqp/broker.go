// Package amqp adapts the relay broker contract onto RabbitMQ via
// amqp091-go. Outbound publishes use publisher confirms so schedule entries
// are only closed once the broker has taken responsibility for the frame;
// inbound deliveries use manual acknowledgement.
package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quillstone/relay/config"
	"github.com/quillstone/relay/core/broker"
	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/errs"
	"github.com/quillstone/relay/observability"
)

const contentType = "application/json"

// Broker is the RabbitMQ-backed transport. It owns one connection with
// separate channels for publishing and consuming.
type Broker struct {
	cfg config.AMQPConfig

	conn      *amqp.Connection
	publishCh *amqp.Channel
	consumeCh *amqp.Channel

	closeOnce sync.Once
}

// Dial connects to RabbitMQ and declares the relay topology: a durable
// fanout exchange, a durable queue bound to it. Connection attempts back off
// exponentially until ctx ends.
func Dial(ctx context.Context, cfg config.AMQPConfig) (*Broker, error) {
	const op = "amqp.dial"

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			observability.Log().Debug("amqp dial retry", observability.F("error", err))
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("connect to broker"), errs.WithCause(err))
	}

	b := &Broker{cfg: cfg, conn: conn}
	if err := b.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) setup() error {
	const op = "amqp.setup"

	publishCh, err := b.conn.Channel()
	if err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("open publish channel"), errs.WithCause(err))
	}
	if err := publishCh.ExchangeDeclare(b.cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("declare exchange"), errs.WithCause(err))
	}
	if err := publishCh.Confirm(false); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("enable publisher confirms"), errs.WithCause(err))
	}

	consumeCh, err := b.conn.Channel()
	if err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("open consume channel"), errs.WithCause(err))
	}
	queue, err := consumeCh.QueueDeclare(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("declare queue"), errs.WithCause(err))
	}
	if err := consumeCh.QueueBind(queue.Name, "", b.cfg.Exchange, false, nil); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("bind queue"), errs.WithCause(err))
	}
	if err := consumeCh.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithMessage("set prefetch"), errs.WithCause(err))
	}

	b.publishCh = publishCh
	b.consumeCh = consumeCh
	return nil
}

// SendPayloads publishes payloads with persistent delivery and forwards each
// payload on confirmations once the broker confirms it. Returns when
// payloads closes or ctx ends; confirmations is closed on the way out.
func (b *Broker) SendPayloads(ctx context.Context, payloads <-chan event.Payload, confirmations chan<- event.Payload) error {
	defer close(confirmations)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-payloads:
			if !ok {
				return nil
			}
			if err := b.publish(ctx, payload); err != nil {
				observability.Log().Error("publish failed",
					observability.F("event_id", payload.ID.String()),
					observability.F("subject", payload.Subject),
					observability.F("error", err))
				// No confirmation: the schedule entry stays open and the
				// recovery sweep re-emits the event.
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case confirmations <- payload:
			}
		}
	}
}

func (b *Broker) publish(ctx context.Context, payload event.Payload) error {
	const op = "amqp.publish"
	frame, err := payload.MarshalBody()
	if err != nil {
		return err
	}
	routingKey := b.cfg.Queue + "." + payload.Subject
	confirmation, err := b.publishCh.PublishWithDeferredConfirmWithContext(
		ctx,
		b.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  contentType,
			MessageId:    payload.ID.String(),
			Timestamp:    payload.OccurredOn,
			Type:         payload.Subject,
			Body:         frame,
		},
	)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(err))
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithEventID(payload.ID.String()), errs.WithCause(err))
	}
	if !acked {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("broker rejected publication"), errs.WithEventID(payload.ID.String()))
	}
	return nil
}

// Messages starts consuming the relay queue with manual acknowledgement.
// Frames that fail to decode are rejected without requeue.
func (b *Broker) Messages(ctx context.Context) (<-chan broker.Message, error) {
	const op = "amqp.messages"
	deliveries, err := b.consumeCh.ConsumeWithContext(ctx, b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("start consumer"), errs.WithCause(err))
	}

	out := make(chan broker.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				payload, err := event.PayloadFromJSON(delivery.Body)
				if err != nil {
					observability.Log().Error("rejecting malformed frame",
						observability.F("message_id", delivery.MessageId),
						observability.F("error", err))
					if rejectErr := delivery.Reject(false); rejectErr != nil {
						observability.Log().Error("reject failed", observability.F("error", rejectErr))
					}
					continue
				}
				select {
				case <-ctx.Done():
					return
				case out <- &message{delivery: delivery, payload: payload}:
				}
			}
		}
	}()
	return out, nil
}

// Close tears down the channels and the connection.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.publishCh != nil {
			_ = b.publishCh.Close()
		}
		if b.consumeCh != nil {
			_ = b.consumeCh.Close()
		}
		if b.conn != nil {
			err = b.conn.Close()
		}
	})
	return err
}

type message struct {
	delivery amqp.Delivery
	payload  event.Payload
	once     sync.Once
	err      error
}

func (m *message) Payload() event.Payload { return m.payload }

// Acknowledge acks the delivery on the broker. Idempotent; only the first
// call reaches the wire.
func (m *message) Acknowledge() error {
	m.once.Do(func() {
		if err := m.delivery.Ack(false); err != nil {
			m.err = errs.New("amqp.acknowledge", errs.CodeUnavailable,
				errs.WithEventID(m.payload.ID.String()), errs.WithCause(err))
		}
	})
	return m.err
}

var _ broker.Broker = (*Broker)(nil)
var _ broker.Message = (*message)(nil)
