// Package broker defines the message broker adapter contract. Concrete
// transports (in-memory, AMQP) implement it; the relay core only ever speaks
// through these two interfaces.
package broker

import (
	"context"

	"github.com/quillstone/relay/core/event"
)

// Message wraps one broker delivery: the decoded event payload plus the
// acknowledgement capability of the underlying transport.
//
// Acknowledge must be idempotent at the adapter boundary and must be durable
// with respect to the broker, or not be offered at all.
type Message interface {
	Payload() event.Payload
	Acknowledge() error
}

// Broker is the abstract transport between the scheduler and the outside
// world.
//
// SendPayloads drains the payloads channel, publishes each payload, and
// forwards the same payload on confirmations once the broker has confirmed
// publication. It must close confirmations when payloads is closed or the
// context ends, so completion propagates downstream. Closing the send side of
// payloads is the caller's shutdown signal.
//
// Messages returns the inbound delivery stream. The returned channel is
// closed when the context ends or the transport terminates.
type Broker interface {
	SendPayloads(ctx context.Context, payloads <-chan event.Payload, confirmations chan<- event.Payload) error
	Messages(ctx context.Context) (<-chan Message, error)
}
