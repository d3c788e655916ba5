// Package scheduler moves events from aggregate outboxes into the persistent
// schedule and on to the broker send stream, and closes schedule entries as
// broker confirmations come back.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/registry"
	"github.com/quillstone/relay/core/schedule"
	"github.com/quillstone/relay/errs"
	"github.com/quillstone/relay/lib/telemetry"
	"github.com/quillstone/relay/observability"
)

// Scheduler is the outbound half of the relay. Every scheduled event is
// persisted as a claimed schedule entry first and only then handed to the
// broker send stream; delivery is fire-and-forget from the caller's point of
// view, durability comes from the entry.
type Scheduler struct {
	schedule schedule.Schedule
	payloads chan<- event.Payload

	confirmations chan event.Payload

	tasks      conc.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
	sweepLimit *rate.Limiter
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSweepLimit overrides the pacing of piggy-backed recovery sweeps.
func WithSweepLimit(limit rate.Limit, burst int) Option {
	return func(s *Scheduler) {
		s.sweepLimit = rate.NewLimiter(limit, burst)
	}
}

// WithClock overrides the time source used to stamp due times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a scheduler writing to the given schedule and payload send
// channel. confirmationBuffer sizes the channel handed to the broker for
// publish confirmations.
func New(sched schedule.Schedule, payloads chan<- event.Payload, confirmationBuffer int, opts ...Option) *Scheduler {
	if confirmationBuffer < 0 {
		confirmationBuffer = 0
	}
	s := &Scheduler{
		schedule:      sched,
		payloads:      payloads,
		confirmations: make(chan event.Payload, confirmationBuffer),
		done:          make(chan struct{}),
		sweepLimit:    rate.NewLimiter(rate.Every(time.Second), 1),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ConfirmationSink returns the channel the broker should publish
// confirmations to. ReceiveConfirmations drains the other end.
func (s *Scheduler) ConfirmationSink() chan<- event.Payload { return s.confirmations }

// ScheduleEvent persists the payload as a claimed schedule entry due after
// delay, then enqueues the actual send asynchronously. The entry write shares
// the caller's work unit when ctx carries one, so scheduling commits or rolls
// back with the business change.
func (s *Scheduler) ScheduleEvent(ctx context.Context, payload event.Payload, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := s.now().Add(delay)
	if err := s.schedule.AddClaimedEntry(ctx, payload, &due); err != nil {
		return errs.New("scheduler.schedule_event", errs.CodeUnavailable,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject), errs.WithCause(err))
	}

	s.enqueueAfter(payload, delay)

	// Piggy-back a recovery sweep on scheduling traffic, paced so hot paths
	// do not hammer the store.
	if s.sweepLimit.Allow() {
		if err := s.RecoverDue(context.WithoutCancel(ctx)); err != nil {
			observability.Log().Error("recovery sweep failed", observability.F("error", err))
		}
	}
	return nil
}

// ScheduleOutbox drains each entity's outbox and schedules every collected
// event for immediate delivery, preserving emission order. An outbox that is
// refilled while being drained indicates events emitted outside the work
// unit; that is reported as an outbox leak.
func (s *Scheduler) ScheduleOutbox(ctx context.Context, entities ...event.Outboxer) error {
	const op = "scheduler.schedule_outbox"
	for _, entity := range entities {
		if entity == nil {
			continue
		}
		for _, ev := range entity.ClearOutbox() {
			payload, err := event.PayloadFromEvent(ev)
			if err != nil {
				return err
			}
			if err := s.ScheduleEvent(ctx, payload, 0); err != nil {
				return err
			}
		}
		if entity.OutboxLen() > 0 {
			return errs.New(op, errs.CodeOutboxLeak,
				errs.WithMessage("events emitted after the outbox was drained"))
		}
	}
	return nil
}

// ScheduleOutboxInWorkUnit runs fn inside a schedule work unit and, when fn
// succeeds, drains the entities' outboxes within the same unit. Entry writes
// and the business change commit atomically; fn returning workunit.Rollback()
// discards both without error.
func (s *Scheduler) ScheduleOutboxInWorkUnit(ctx context.Context, fn func(context.Context) error, entities ...event.Outboxer) (bool, error) {
	return s.schedule.InWorkUnit(ctx, func(ctx context.Context) error {
		if fn != nil {
			if err := fn(ctx); err != nil {
				return err
			}
		}
		return s.ScheduleOutbox(ctx, entities...)
	})
}

// RecoverDue re-emits schedule entries whose claim expired without a broker
// confirmation. Entries are enqueued in claim order; they are not re-claimed,
// so a crash between enqueue and confirmation leaves them recoverable.
func (s *Scheduler) RecoverDue(ctx context.Context) error {
	due, err := s.schedule.OpenUnclaimedEntriesDueNow(ctx)
	if err != nil {
		return errs.New("scheduler.recover_due", errs.CodeUnavailable, errs.WithCause(err))
	}
	for _, payload := range due {
		observability.Log().Info("recovering schedule entry",
			observability.F("event_id", payload.ID.String()),
			observability.F("subject", payload.Subject))
		s.enqueueAfter(payload, 0)
	}
	return nil
}

// ReceiveConfirmations closes schedule entries as the broker confirms
// publication. It returns when the confirmation channel closes or ctx ends.
func (s *Scheduler) ReceiveConfirmations(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-s.confirmations:
			if !ok {
				return nil
			}
			if err := s.schedule.CloseEntry(ctx, payload.ID); err != nil {
				observability.Log().Error("closing confirmed entry failed",
					observability.F("event_id", payload.ID.String()),
					observability.F("error", err))
				continue
			}
			telemetry.CountConfirmed(ctx, payload.Subject)
		}
	}
}

// Close aborts pending delayed sends, waits for in-flight enqueue tasks, and
// closes the payload send channel so the broker's sender drains and stops.
// The scheduler must not be used after Close.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.tasks.Wait()
		close(s.payloads)
	})
}

// enqueueAfter hands the payload to the send channel after delay, on a task
// owned by the scheduler. An aborted task leaves the entry open, so recovery
// re-emits it on the next start.
func (s *Scheduler) enqueueAfter(payload event.Payload, delay time.Duration) {
	s.tasks.Go(func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-s.done:
				return
			case <-timer.C:
			}
		}
		select {
		case <-s.done:
		case s.payloads <- payload:
			telemetry.CountPublished(context.Background(), payload.Subject)
		}
	})
}

var _ registry.EventScheduler = (*Scheduler)(nil)
