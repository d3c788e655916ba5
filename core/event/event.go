// Package event defines the immutable event envelope and the entity outbox
// that feed the relay scheduling pipeline.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain occurrence with stable identity and a UTC timestamp.
// Concrete events embed Meta and add their own exported fields; those fields
// become the payload body.
type Event interface {
	EventID() uuid.UUID
	EventOccurredOn() time.Time
}

// Meta carries the identity shared by every event. Embed it in concrete
// event structs and construct it through NewMeta so identity is never forged.
type Meta struct {
	ID         uuid.UUID `json:"id"`
	OccurredOn time.Time `json:"occurred_on"`
}

// NewMeta mints event identity: a fresh UUIDv4 and the current UTC instant.
func NewMeta() Meta {
	return Meta{ID: uuid.New(), OccurredOn: time.Now().UTC()}
}

// EventID returns the globally unique event identifier.
func (m Meta) EventID() uuid.UUID { return m.ID }

// EventOccurredOn returns the UTC timestamp the event was emitted at.
func (m Meta) EventOccurredOn() time.Time { return m.OccurredOn }
