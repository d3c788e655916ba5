// Package registry maps event subjects to handlers and the delivery
// guarantee each handler runs under.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/quillstone/relay/core/broker"
	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/integrity"
	"github.com/quillstone/relay/errs"
)

// EventScheduler is the scheduling capability handed to handlers: enough to
// emit follow-up events through the outbox, nothing more.
type EventScheduler interface {
	ScheduleEvent(ctx context.Context, payload event.Payload, delay time.Duration) error
}

// Handler processes one broker message. Returning an error triggers the
// router's reschedule-then-ack retry path.
type Handler func(ctx context.Context, msg broker.Message, scheduler EventScheduler) error

// Spec pairs a handler with its guarantee and retry delay.
type Spec struct {
	Handler    Handler
	Guarantee  integrity.Guarantee
	DelayOnExc time.Duration
}

// Registry holds the subject -> handler specification mapping. Registration
// happens at startup; Mapping snapshots are what the router dispatches from.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register binds the handler to every subject in subjects under the given
// guarantee. delayOnExc is the outbox retry delay applied when the handler
// fails; it must be positive. Registering a subject twice fails.
func (r *Registry) Register(subjects []string, handler Handler, guarantee integrity.Guarantee, delayOnExc time.Duration) error {
	const op = "registry.register"
	if handler == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("nil handler"))
	}
	if delayOnExc <= 0 {
		return errs.New(op, errs.CodeInvalidDelay, errs.WithMessage("delay on exception must be positive"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subject := range subjects {
		if _, exists := r.specs[subject]; exists {
			return errs.New(op, errs.CodeDuplicateRegistration, errs.WithSubject(subject))
		}
	}
	for _, subject := range subjects {
		r.specs[subject] = Spec{Handler: handler, Guarantee: guarantee, DelayOnExc: delayOnExc}
	}
	return nil
}

// Mapping returns a copy of the subject -> spec view; mutating it does not
// affect the registry.
func (r *Registry) Mapping() map[string]Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := make(map[string]Spec, len(r.specs))
	for subject, spec := range r.specs {
		view[subject] = spec
	}
	return view
}

// Binding is the declarative registration builder returned by On.
type Binding struct {
	registry   *Registry
	subjects   []string
	guarantee  integrity.Guarantee
	delayOnExc time.Duration
}

// On starts a registration for the given subjects with the defaults
// AT_LEAST_ONCE and a one second retry delay.
func (r *Registry) On(subjects ...string) *Binding {
	return &Binding{
		registry:   r,
		subjects:   subjects,
		guarantee:  integrity.AtLeastOnce,
		delayOnExc: time.Second,
	}
}

// WithGuarantee selects the delivery guarantee for the binding.
func (b *Binding) WithGuarantee(guarantee integrity.Guarantee) *Binding {
	b.guarantee = guarantee
	return b
}

// WithDelayOnExc selects the outbox retry delay applied on handler failure.
func (b *Binding) WithDelayOnExc(delay time.Duration) *Binding {
	b.delayOnExc = delay
	return b
}

// Handle completes the binding by registering the handler.
func (b *Binding) Handle(handler Handler) error {
	return b.registry.Register(b.subjects, handler, b.guarantee, b.delayOnExc)
}
