package integrity

import (
	"context"

	"github.com/google/uuid"

	"github.com/quillstone/relay/core/broker"
	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/workunit"
	"github.com/quillstone/relay/errs"
)

// Guard is the persistent integrity log behind message dedup and the
// handling guarantees.
//
// RecordCompletion is the linearization point for handled-ness: it must fail
// with errs.CodeDuplicateCompletion when the event id is already recorded,
// so a given event id appears in the handled log at most once.
type Guard interface {
	workunit.Runner

	// IsDispatchForbidden reports whether the event has already been handled;
	// the router acknowledges and drops such deliveries without dispatching.
	IsDispatchForbidden(ctx context.Context, eventID uuid.UUID) (bool, error)

	// RecordDispatchAttempt upserts the dispatch-attempt counter for the
	// event. Persisted before the handler's first side effect.
	RecordDispatchAttempt(ctx context.Context, payload event.Payload) error

	// RecordCompletion inserts the event into the handled log together with
	// the guarantee it completed under.
	RecordCompletion(ctx context.Context, payload event.Payload, guarantee Guarantee) error
}

// RunGuarded executes body around msg under the given guarantee, enforcing
// the ordering of record-completion, acknowledgement, and the body:
//
//	AT_LEAST_ONCE:     body -> record -> ack
//	EXACTLY_ONCE:      work unit { body -> record } -> ack
//	NO_MORE_THAN_ONCE: record -> ack -> body
//
// Any failure before the acknowledgement point returns without acking, so
// the broker redelivers. A rollback signalled from an EXACTLY_ONCE body
// suppresses both the completion record and the acknowledgement without
// surfacing an error.
func RunGuarded(
	ctx context.Context,
	guard Guard,
	msg broker.Message,
	guarantee Guarantee,
	body func(ctx context.Context, payload event.Payload) error,
) error {
	payload := msg.Payload()

	switch guarantee {
	case AtLeastOnce:
		if err := body(ctx, payload); err != nil {
			return err
		}
		if err := guard.RecordCompletion(ctx, payload, AtLeastOnce); err != nil {
			return err
		}
		return acknowledge(msg, payload)

	case ExactlyOnce:
		committed, err := guard.InWorkUnit(ctx, func(ctx context.Context) error {
			if err := body(ctx, payload); err != nil {
				return err
			}
			return guard.RecordCompletion(ctx, payload, ExactlyOnce)
		})
		if err != nil {
			return err
		}
		if !committed {
			// Rolled back on purpose; nothing persisted, no ack, the broker
			// will redeliver into a fresh transactional envelope.
			return nil
		}
		return acknowledge(msg, payload)

	case NoMoreThanOnce:
		if err := guard.RecordCompletion(ctx, payload, NoMoreThanOnce); err != nil {
			return err
		}
		if err := acknowledge(msg, payload); err != nil {
			return err
		}
		return body(ctx, payload)

	default:
		return errs.New("integrity.run_guarded", errs.CodeInvalid,
			errs.WithMessage("unknown guarantee"), errs.WithEventID(payload.ID.String()))
	}
}

func acknowledge(msg broker.Message, payload event.Payload) error {
	if err := msg.Acknowledge(); err != nil {
		return errs.New("integrity.acknowledge", errs.CodeUnavailable,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(err))
	}
	return nil
}
