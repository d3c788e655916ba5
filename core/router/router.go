// Package router dispatches inbound broker deliveries to registered handlers
// under their delivery guarantees, with the reschedule-then-ack retry path
// for handler failures.
package router

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/quillstone/relay/core/broker"
	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/integrity"
	"github.com/quillstone/relay/core/registry"
	"github.com/quillstone/relay/errs"
	"github.com/quillstone/relay/lib/telemetry"
	"github.com/quillstone/relay/observability"
)

// Router consumes the broker delivery stream and runs one handler task per
// delivery. Handler errors do not stop the stream; they are collected and
// surfaced by Wait.
type Router struct {
	registry  *registry.Registry
	guard     integrity.Guard
	scheduler registry.EventScheduler
	handlers  *pool.ErrorPool
}

// New constructs a router dispatching through guard and rescheduling retries
// via scheduler. maxConcurrent bounds in-flight handler tasks; zero or
// negative means unbounded.
func New(reg *registry.Registry, guard integrity.Guard, scheduler registry.EventScheduler, maxConcurrent int) *Router {
	p := pool.New().WithErrors()
	if maxConcurrent > 0 {
		p = p.WithMaxGoroutines(maxConcurrent)
	}
	return &Router{
		registry:  reg,
		guard:     guard,
		scheduler: scheduler,
		handlers:  p,
	}
}

// DispatchFromBroker consumes messages until the stream or ctx ends.
//
// Per delivery: an already-handled event is acknowledged and dropped; an
// unregistered subject is skipped without acknowledgement so another consumer
// can claim it; otherwise the dispatch attempt is recorded and the handler
// runs on the pool.
func (r *Router) DispatchFromBroker(ctx context.Context, b broker.Broker) error {
	messages, err := b.Messages(ctx)
	if err != nil {
		return errs.New("router.dispatch", errs.CodeUnavailable, errs.WithCause(err))
	}
	mapping := r.registry.Mapping()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.dispatch(ctx, msg, mapping)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg broker.Message, mapping map[string]registry.Spec) {
	payload := msg.Payload()
	log := observability.Log()

	forbidden, err := r.guard.IsDispatchForbidden(ctx, payload.ID)
	if err != nil {
		// Leave unacked; the broker redelivers once the guard recovers.
		log.Error("dispatch check failed",
			observability.F("event_id", payload.ID.String()),
			observability.F("error", err))
		return
	}
	if forbidden {
		if err := msg.Acknowledge(); err != nil {
			log.Error("acknowledging duplicate delivery failed",
				observability.F("event_id", payload.ID.String()),
				observability.F("error", err))
		}
		return
	}

	spec, registered := mapping[payload.Subject]
	if !registered {
		// Not ours: no ack, so a consumer that does know the subject can
		// still claim the delivery.
		log.Debug("skipping unregistered subject",
			observability.F("subject", payload.Subject),
			observability.F("event_id", payload.ID.String()))
		return
	}

	if err := r.guard.RecordDispatchAttempt(ctx, payload); err != nil {
		log.Error("recording dispatch attempt failed",
			observability.F("event_id", payload.ID.String()),
			observability.F("error", err))
		return
	}
	telemetry.CountDispatched(ctx, payload.Subject)

	r.handlers.Go(func() error {
		return r.handleWithRetry(ctx, msg, spec)
	})
}

// handleWithRetry runs the handler under its guarantee. On failure the
// payload is first rescheduled through the outbox with the registered delay
// and only then acknowledged, so the event is never lost between broker and
// schedule.
func (r *Router) handleWithRetry(ctx context.Context, msg broker.Message, spec registry.Spec) error {
	payload := msg.Payload()

	err := integrity.RunGuarded(ctx, r.guard, msg, spec.Guarantee,
		func(ctx context.Context, _ event.Payload) error {
			return spec.Handler(ctx, msg, r.scheduler)
		})
	if err == nil {
		telemetry.CountHandled(ctx, payload.Subject, spec.Guarantee.String())
		return nil
	}

	observability.Log().Error("handler failed, rescheduling",
		observability.F("event_id", payload.ID.String()),
		observability.F("subject", payload.Subject),
		observability.F("delay", spec.DelayOnExc),
		observability.F("error", err))

	if schedErr := r.scheduler.ScheduleEvent(ctx, payload, spec.DelayOnExc); schedErr != nil {
		// Reschedule failed: do not ack, the broker keeps the event.
		return errs.New("router.handle", errs.CodeHandlerFailure,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(schedErr))
	}
	telemetry.CountRescheduled(ctx, payload.Subject)

	if ackErr := msg.Acknowledge(); ackErr != nil {
		// Both the schedule entry and the broker copy exist now; dedup at
		// dispatch keeps this harmless.
		observability.Log().Error("acknowledging failed delivery failed",
			observability.F("event_id", payload.ID.String()),
			observability.F("error", ackErr))
	}
	return errs.New("router.handle", errs.CodeHandlerFailure,
		errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(err))
}

// Wait blocks until all in-flight handler tasks finish and returns their
// joined errors.
func (r *Router) Wait() error {
	return r.handlers.Wait()
}
