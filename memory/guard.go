package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/integrity"
	"github.com/quillstone/relay/core/workunit"
	"github.com/quillstone/relay/errs"
)

type handledRecord struct {
	payload   event.Payload
	guarantee integrity.Guarantee
}

type dispatchRecord struct {
	payload  event.Payload
	attempts int
}

// Guard is the in-memory inbox: dispatch attempts and completions keyed by
// event id. Like Schedule, work units roll back by restoring a snapshot.
type Guard struct {
	mu         sync.Mutex
	handled    map[uuid.UUID]handledRecord
	dispatched map[uuid.UUID]*dispatchRecord
}

// NewGuard constructs an empty in-memory inbox.
func NewGuard() *Guard {
	return &Guard{
		handled:    make(map[uuid.UUID]handledRecord),
		dispatched: make(map[uuid.UUID]*dispatchRecord),
	}
}

// InWorkUnit runs fn atomically against the inbox tables.
func (g *Guard) InWorkUnit(ctx context.Context, fn func(context.Context) error) (bool, error) {
	handled, dispatched := g.snapshot()
	err := fn(ctx)
	switch {
	case err == nil:
		return true, nil
	case workunit.IsInterrupt(err):
		g.restore(handled, dispatched)
		return false, nil
	default:
		g.restore(handled, dispatched)
		return false, err
	}
}

// IsDispatchForbidden reports whether the event already completed.
func (g *Guard) IsDispatchForbidden(_ context.Context, eventID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, done := g.handled[eventID]
	return done, nil
}

// RecordDispatchAttempt upserts the dispatch log row for the payload.
func (g *Guard) RecordDispatchAttempt(_ context.Context, payload event.Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.dispatched[payload.ID]; ok {
		rec.attempts++
		return nil
	}
	g.dispatched[payload.ID] = &dispatchRecord{payload: payload, attempts: 1}
	return nil
}

// RecordCompletion inserts the completion row; a second insert for the same
// event id fails with CodeDuplicateCompletion.
func (g *Guard) RecordCompletion(_ context.Context, payload event.Payload, guarantee integrity.Guarantee) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, done := g.handled[payload.ID]; done {
		return errs.New("memory.record_completion", errs.CodeDuplicateCompletion,
			errs.WithEventID(payload.ID.String()), errs.WithSubject(payload.Subject))
	}
	g.handled[payload.ID] = handledRecord{payload: payload, guarantee: guarantee}
	return nil
}

// DispatchAttempts reports the logged attempt count; test support.
func (g *Guard) DispatchAttempts(eventID uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.dispatched[eventID]; ok {
		return rec.attempts
	}
	return 0
}

// HandledGuarantee reports the guarantee a completed event was recorded
// under; test support.
func (g *Guard) HandledGuarantee(eventID uuid.UUID) (integrity.Guarantee, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.handled[eventID]
	return rec.guarantee, ok
}

func (g *Guard) snapshot() (map[uuid.UUID]handledRecord, map[uuid.UUID]*dispatchRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	handled := make(map[uuid.UUID]handledRecord, len(g.handled))
	for id, rec := range g.handled {
		handled[id] = rec
	}
	dispatched := make(map[uuid.UUID]*dispatchRecord, len(g.dispatched))
	for id, rec := range g.dispatched {
		copied := *rec
		dispatched[id] = &copied
	}
	return handled, dispatched
}

func (g *Guard) restore(handled map[uuid.UUID]handledRecord, dispatched map[uuid.UUID]*dispatchRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handled = handled
	g.dispatched = dispatched
}

var _ integrity.Guard = (*Guard)(nil)
