package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/integrity"
	"github.com/quillstone/relay/errs"
)

const (
	dispatchedUpsertSQL = `
INSERT INTO relay_dispatched (
    event_id,
    subject,
    body,
    attempts,
    first_dispatched_at,
    last_dispatched_at
)
VALUES ($1, $2, $3::jsonb, 1, NOW(), NOW())
ON CONFLICT (event_id) DO UPDATE
SET attempts = relay_dispatched.attempts + 1,
    last_dispatched_at = NOW();
`

	handledInsertSQL = `
INSERT INTO relay_handled (
    event_id,
    subject,
    body,
    guarantee,
    handled_at
)
VALUES ($1, $2, $3::jsonb, $4, NOW());
`

	handledExistsSQL = `
SELECT EXISTS (
    SELECT 1 FROM relay_handled WHERE event_id = $1
);
`

	dispatchedAttemptsSQL = `
SELECT attempts
FROM relay_dispatched
WHERE event_id = $1;
`
)

// IsDispatchForbidden reports whether the event already appears in the
// handled log.
func (s *Store) IsDispatchForbidden(ctx context.Context, eventID uuid.UUID) (bool, error) {
	const op = "postgres.is_dispatch_forbidden"
	var handled bool
	if err := s.querier(ctx).QueryRow(ctx, handledExistsSQL, eventID).Scan(&handled); err != nil {
		return false, errs.New(op, errs.CodeUnavailable, errs.WithEventID(eventID.String()), errs.WithCause(err))
	}
	return handled, nil
}

// RecordDispatchAttempt upserts the dispatch log row, bumping the attempt
// counter on redelivery.
func (s *Store) RecordDispatchAttempt(ctx context.Context, payload event.Payload) error {
	const op = "postgres.record_dispatch_attempt"
	body, err := payload.MarshalBody()
	if err != nil {
		return err
	}
	if _, err := s.querier(ctx).Exec(ctx, dispatchedUpsertSQL, payload.ID, payload.Subject, body); err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(err))
	}
	return nil
}

// RecordCompletion inserts the handled-log row. The primary key on event_id
// makes a second completion fail with CodeDuplicateCompletion.
func (s *Store) RecordCompletion(ctx context.Context, payload event.Payload, guarantee integrity.Guarantee) error {
	const op = "postgres.record_completion"
	body, err := payload.MarshalBody()
	if err != nil {
		return err
	}
	_, err = s.querier(ctx).Exec(ctx, handledInsertSQL, payload.ID, payload.Subject, body, guarantee.String())
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.CodeDuplicateCompletion,
				errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject))
		}
		return errs.New(op, errs.CodeUnavailable,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(err))
	}
	return nil
}

// DispatchAttempts reports the logged attempt count for an event; zero when
// the event was never dispatched.
func (s *Store) DispatchAttempts(ctx context.Context, eventID uuid.UUID) (int, error) {
	const op = "postgres.dispatch_attempts"
	var attempts int
	if err := s.querier(ctx).QueryRow(ctx, dispatchedAttemptsSQL, eventID).Scan(&attempts); err != nil {
		if noRows(err) {
			return 0, nil
		}
		return 0, errs.New(op, errs.CodeUnavailable, errs.WithEventID(eventID.String()), errs.WithCause(err))
	}
	return attempts, nil
}

var _ integrity.Guard = (*Store)(nil)
