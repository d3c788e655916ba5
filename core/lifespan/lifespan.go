// Package lifespan wires the relay components together and runs them as one
// supervised unit: broker sender, confirmation receiver, dispatcher, and the
// periodic recovery sweep.
package lifespan

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/quillstone/relay/core/broker"
	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/integrity"
	"github.com/quillstone/relay/core/registry"
	"github.com/quillstone/relay/core/router"
	"github.com/quillstone/relay/core/schedule"
	"github.com/quillstone/relay/core/scheduler"
	"github.com/quillstone/relay/errs"
	"github.com/quillstone/relay/observability"
)

// DefaultReplayInterval is the default period of the standing recovery sweep.
const DefaultReplayInterval = 5 * time.Second

// Components collects everything a relay instance runs on. Registry, Broker,
// Guard and Schedule are required; the rest defaults.
type Components struct {
	Registry *registry.Registry
	Broker   broker.Broker
	Guard    integrity.Guard
	Schedule schedule.Schedule

	// PayloadBuffer and ConfirmationBuffer size the streams between the
	// scheduler and the broker adapter. Zero means a sensible default.
	PayloadBuffer      int
	ConfirmationBuffer int

	// MaxConcurrentHandlers bounds parallel handler execution; zero or
	// negative means unbounded.
	MaxConcurrentHandlers int

	// ReplayInterval is the period of the standing recovery sweep. Zero
	// selects DefaultReplayInterval; a negative value disables the sweep.
	ReplayInterval time.Duration
}

func (c Components) validate() error {
	const op = "lifespan.run"
	if c.Registry == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("nil registry"))
	}
	if c.Broker == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("nil broker"))
	}
	if c.Guard == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("nil guard"))
	}
	if c.Schedule == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("nil schedule"))
	}
	return nil
}

// Relay is a running relay instance.
type Relay struct {
	scheduler *scheduler.Scheduler
	rt        *router.Router
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// Scheduler exposes the outbound scheduling API of the running instance; use
// it to schedule events and outboxes from application code.
func (r *Relay) Scheduler() *scheduler.Scheduler { return r.scheduler }

// Start validates the component set, performs the startup recovery sweep,
// and launches the background loops. The returned Relay runs until Stop or
// until ctx ends.
func Start(ctx context.Context, c Components) (*Relay, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	payloadBuffer := c.PayloadBuffer
	if payloadBuffer <= 0 {
		payloadBuffer = 64
	}
	confirmationBuffer := c.ConfirmationBuffer
	if confirmationBuffer <= 0 {
		confirmationBuffer = 64
	}
	replayInterval := c.ReplayInterval
	if replayInterval == 0 {
		replayInterval = DefaultReplayInterval
	}

	payloads := make(chan event.Payload, payloadBuffer)
	sched := scheduler.New(c.Schedule, payloads, confirmationBuffer)
	rt := router.New(c.Registry, c.Guard, sched, c.MaxConcurrentHandlers)

	// Anything left over from a previous run goes back on the wire first.
	if err := sched.RecoverDue(ctx); err != nil {
		sched.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	relay := &Relay{
		scheduler: sched,
		rt:        rt,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	background := pool.New().WithErrors().WithContext(runCtx)
	background.Go(func(ctx context.Context) error {
		return ignoreCancellation(c.Broker.SendPayloads(ctx, payloads, sched.ConfirmationSink()))
	})
	background.Go(func(ctx context.Context) error {
		return ignoreCancellation(sched.ReceiveConfirmations(ctx))
	})
	background.Go(func(ctx context.Context) error {
		return ignoreCancellation(rt.DispatchFromBroker(ctx, c.Broker))
	})
	if replayInterval > 0 {
		background.Go(func(ctx context.Context) error {
			ticker := time.NewTicker(replayInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := sched.RecoverDue(ctx); err != nil {
						observability.Log().Error("periodic recovery sweep failed",
							observability.F("error", err))
					}
				}
			}
		})
	}

	go func() {
		defer close(relay.done)
		relay.err = background.Wait()
	}()
	return relay, nil
}

// Stop shuts the instance down in order: background loops are cancelled so
// no new deliveries are dispatched, in-flight handler tasks run to
// completion, then the scheduler aborts pending sends and closes the payload
// stream. It returns the joined errors of the background loops and the
// handlers. Schedule entries for aborted sends stay open; the next Start
// recovers them.
func (r *Relay) Stop() error {
	r.cancel()
	<-r.done
	handlerErr := r.rt.Wait()
	r.scheduler.Close()
	if r.err != nil && handlerErr != nil {
		return errors.Join(r.err, handlerErr)
	}
	if r.err != nil {
		return r.err
	}
	return handlerErr
}

// Run starts the relay and blocks until ctx ends, then stops it. The common
// entrypoint for processes that run a relay as their main loop.
func Run(ctx context.Context, c Components) error {
	relay, err := Start(ctx, c)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return relay.Stop()
}

func ignoreCancellation(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
