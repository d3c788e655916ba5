// Package schedule defines the persistent outbox contract: claimed event
// entries with due times and open/closed state.
package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/workunit"
)

// Entry captures the persisted state of one outbox row.
type Entry struct {
	Payload   event.Payload
	ClaimedAt time.Time
	DueAfter  *time.Time
	Closed    bool
}

// Schedule abstracts persistence for the outbox.
//
// Entries are created claimed, in the same transaction as the business write
// that produced the event. A claim is a soft lease: it expires ClaimDuration
// after ClaimedAt, at which point the recovery sweep may re-emit the entry.
// Only broker confirmation closes an entry.
type Schedule interface {
	workunit.Runner

	// ClaimDuration is the lease length applied to every claimed entry.
	ClaimDuration() time.Duration

	// AddClaimedEntry inserts a claimed, open entry. Idempotent on the event
	// id. A nil dueAfter means the entry is due immediately.
	AddClaimedEntry(ctx context.Context, payload event.Payload, dueAfter *time.Time) error

	// IsEntryClaimed reports whether an entry exists and its claim has not
	// yet expired.
	IsEntryClaimed(ctx context.Context, eventID uuid.UUID) (bool, error)

	// OpenUnclaimedEntriesDueNow returns the finite set of entries that are
	// not closed, whose claim has expired, and that are due (dueAfter nil or
	// in the past), ordered by claim time ascending.
	OpenUnclaimedEntriesDueNow(ctx context.Context) ([]event.Payload, error)

	// IsEntryClosed reports whether the entry was confirmed by the broker.
	IsEntryClosed(ctx context.Context, eventID uuid.UUID) (bool, error)

	// CloseEntry marks the entry confirmed. Idempotent.
	CloseEntry(ctx context.Context, eventID uuid.UUID) error
}
