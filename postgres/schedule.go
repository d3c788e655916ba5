package postgres

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/schedule"
	"github.com/quillstone/relay/errs"
)

const (
	scheduleInsertSQL = `
INSERT INTO relay_schedule (
    event_id,
    subject,
    body,
    claimed_at,
    due_after,
    closed
)
VALUES ($1, $2, $3::jsonb, NOW(), $4, FALSE)
ON CONFLICT (event_id) DO NOTHING;
`

	scheduleIsClaimedSQL = `
SELECT claimed_at + $2::interval > NOW()
FROM relay_schedule
WHERE event_id = $1;
`

	scheduleDueSQL = `
SELECT body
FROM relay_schedule
WHERE closed = FALSE
  AND claimed_at + $1::interval <= NOW()
  AND (due_after IS NULL OR due_after <= NOW())
ORDER BY claimed_at ASC
LIMIT $2;
`

	scheduleIsClosedSQL = `
SELECT closed
FROM relay_schedule
WHERE event_id = $1;
`

	scheduleCloseSQL = `
UPDATE relay_schedule
SET closed = TRUE
WHERE event_id = $1;
`
)

// recoveryBatchLimit bounds how many entries one sweep re-emits.
const recoveryBatchLimit = 256

// ClaimDuration returns the lease length applied to claimed entries.
func (s *Store) ClaimDuration() time.Duration { return s.claimDuration }

// AddClaimedEntry inserts a claimed open entry; idempotent on the event id.
func (s *Store) AddClaimedEntry(ctx context.Context, payload event.Payload, dueAfter *time.Time) error {
	const op = "postgres.add_claimed_entry"
	body, err := payload.MarshalBody()
	if err != nil {
		return err
	}
	var due pgtype.Timestamptz
	if dueAfter != nil {
		due = pgtype.Timestamptz{Time: dueAfter.UTC(), Valid: true}
	}
	if _, err := s.querier(ctx).Exec(ctx, scheduleInsertSQL, payload.ID, payload.Subject, body, due); err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(err))
	}
	return nil
}

// IsEntryClaimed reports whether the entry exists and its lease is current.
func (s *Store) IsEntryClaimed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	const op = "postgres.is_entry_claimed"
	var claimed bool
	err := s.querier(ctx).QueryRow(ctx, scheduleIsClaimedSQL, eventID, s.claimDuration).Scan(&claimed)
	if err != nil {
		if noRows(err) {
			return false, nil
		}
		return false, errs.New(op, errs.CodeUnavailable, errs.WithEventID(eventID.String()), errs.WithCause(err))
	}
	return claimed, nil
}

// OpenUnclaimedEntriesDueNow returns open, lease-expired, due entries in
// claim order.
func (s *Store) OpenUnclaimedEntriesDueNow(ctx context.Context) ([]event.Payload, error) {
	const op = "postgres.open_unclaimed_entries_due_now"
	rows, err := s.querier(ctx).Query(ctx, scheduleDueSQL, s.claimDuration, recoveryBatchLimit)
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	defer rows.Close()

	var due []event.Payload
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("corrupt schedule body"), errs.WithCause(err))
		}
		payload, err := event.PayloadFromBody(body)
		if err != nil {
			return nil, err
		}
		due = append(due, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	return due, nil
}

// IsEntryClosed reports whether the entry has been confirmed.
func (s *Store) IsEntryClosed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	const op = "postgres.is_entry_closed"
	var closed bool
	err := s.querier(ctx).QueryRow(ctx, scheduleIsClosedSQL, eventID).Scan(&closed)
	if err != nil {
		if noRows(err) {
			return false, nil
		}
		return false, errs.New(op, errs.CodeUnavailable, errs.WithEventID(eventID.String()), errs.WithCause(err))
	}
	return closed, nil
}

// CloseEntry marks the entry confirmed. Idempotent; unknown ids are a no-op
// so late confirmations never fail.
func (s *Store) CloseEntry(ctx context.Context, eventID uuid.UUID) error {
	const op = "postgres.close_entry"
	if _, err := s.querier(ctx).Exec(ctx, scheduleCloseSQL, eventID); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithEventID(eventID.String()), errs.WithCause(err))
	}
	return nil
}

var _ schedule.Schedule = (*Store)(nil)
