package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quillstone/relay/core/broker"
	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/observability"
)

// Broker is an in-process transport: published frames loop straight back as
// inbound deliveries. Publication is confirmed as soon as the frame is
// buffered, acknowledgements are tracked so tests can assert on them.
type Broker struct {
	frames chan []byte

	mu      sync.Mutex
	unacked map[uuid.UUID]struct{}

	closeOnce sync.Once
}

// NewBroker constructs an in-memory broker with the given frame buffer.
func NewBroker(buffer int) *Broker {
	if buffer < 0 {
		buffer = 0
	}
	return &Broker{
		frames:  make(chan []byte, buffer),
		unacked: make(map[uuid.UUID]struct{}),
	}
}

// SendPayloads publishes each payload as a JSON frame and confirms it
// immediately. Returns when payloads is closed or the context ends;
// confirmations is closed on the way out either way.
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
			frame, err := payload.MarshalBody()
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case b.frames <- frame:
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case confirmations <- payload:
			}
		}
	}
}

// Messages returns the inbound delivery stream. Frames that fail to decode
// are logged and skipped.
func (b *Broker) Messages(ctx context.Context) (<-chan broker.Message, error) {
	out := make(chan broker.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-b.frames:
				if !ok {
					return
				}
				payload, err := event.PayloadFromJSON(frame)
				if err != nil {
					observability.Log().Error("memory broker dropped malformed frame",
						observability.F("error", err))
					continue
				}
				b.markUnacked(payload.ID)
				select {
				case <-ctx.Done():
					return
				case out <- &message{broker: b, payload: payload}:
				}
			}
		}
	}()
	return out, nil
}

// Inject places a payload on the inbound side without going through
// SendPayloads, emulating a delivery published elsewhere.
func (b *Broker) Inject(ctx context.Context, payload event.Payload) error {
	frame, err := payload.MarshalBody()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.frames <- frame:
		return nil
	}
}

// Close terminates the inbound stream once in-flight frames drain.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.frames) })
}

// UnacknowledgedCount reports deliveries handed out but not yet acked.
func (b *Broker) UnacknowledgedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// IsAcknowledged reports whether a delivered event id has been acked.
func (b *Broker) IsAcknowledged(eventID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, pending := b.unacked[eventID]
	return !pending
}

func (b *Broker) markUnacked(eventID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unacked[eventID] = struct{}{}
}

func (b *Broker) ack(eventID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.unacked, eventID)
}

type message struct {
	broker  *Broker
	payload event.Payload
	once    sync.Once
}

func (m *message) Payload() event.Payload { return m.payload }

func (m *message) Acknowledge() error {
	m.once.Do(func() { m.broker.ack(m.payload.ID) })
	return nil
}

var _ broker.Broker = (*Broker)(nil)
var _ broker.Message = (*message)(nil)
