package event

import "sync"

// Outboxer is what the scheduler drains: any entity carrying a pending-event
// buffer.
type Outboxer interface {
	ClearOutbox() []Event
	OutboxLen() int
}

// Outbox is an append-only buffer of pending events, embedded by entities.
// It is single-owner by convention (the transaction mutating the entity) but
// snapshotting is still atomic so a late emitter cannot tear a drain.
type Outbox struct {
	mu      sync.Mutex
	pending []Event
}

// Emit appends an event to the outbox in emission order.
func (o *Outbox) Emit(ev Event) {
	if ev == nil {
		return
	}
	o.mu.Lock()
	o.pending = append(o.pending, ev)
	o.mu.Unlock()
}

// ClearOutbox atomically snapshots and empties the buffer. Events written
// after the snapshot, inside the same scheduling scope, are a leak the
// scheduler reports.
func (o *Outbox) ClearOutbox() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := o.pending
	o.pending = nil
	return snapshot
}

// OutboxLen reports the number of pending events.
func (o *Outbox) OutboxLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
