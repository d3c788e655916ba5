// Package memory provides in-memory implementations of the relay store and
// broker contracts. They back the test suite and small single-process
// deployments; durability ends with the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/schedule"
	"github.com/quillstone/relay/core/workunit"
)

type scheduleEntry struct {
	payload   event.Payload
	claimedAt time.Time
	dueAfter  *time.Time
	closed    bool
}

// Schedule is the in-memory outbox. Rollback is implemented by snapshotting
// the whole table; cheap at test scale and exact in behaviour.
type Schedule struct {
	mu            sync.Mutex
	claimDuration time.Duration
	entries       map[uuid.UUID]*scheduleEntry
	order         []uuid.UUID
	now           func() time.Time
}

// ScheduleOption configures the in-memory schedule.
type ScheduleOption func(*Schedule)

// WithScheduleClock overrides the time source; tests move it to expire claims.
func WithScheduleClock(now func() time.Time) ScheduleOption {
	return func(s *Schedule) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSchedule constructs an empty in-memory outbox with the given claim
// lease length.
func NewSchedule(claimDuration time.Duration, opts ...ScheduleOption) *Schedule {
	s := &Schedule{
		claimDuration: claimDuration,
		entries:       make(map[uuid.UUID]*scheduleEntry),
		order:         nil,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ClaimDuration returns the lease length applied to claimed entries.
func (s *Schedule) ClaimDuration() time.Duration { return s.claimDuration }

// InWorkUnit runs fn atomically against the schedule table.
func (s *Schedule) InWorkUnit(ctx context.Context, fn func(context.Context) error) (bool, error) {
	snapshot, order := s.snapshot()
	err := fn(ctx)
	switch {
	case err == nil:
		return true, nil
	case workunit.IsInterrupt(err):
		s.restore(snapshot, order)
		return false, nil
	default:
		s.restore(snapshot, order)
		return false, err
	}
}

// AddClaimedEntry inserts a claimed open entry; idempotent on the event id.
func (s *Schedule) AddClaimedEntry(_ context.Context, payload event.Payload, dueAfter *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[payload.ID]; exists {
		return nil
	}
	var due *time.Time
	if dueAfter != nil {
		t := dueAfter.UTC()
		due = &t
	}
	s.entries[payload.ID] = &scheduleEntry{
		payload:   payload,
		claimedAt: s.now(),
		dueAfter:  due,
		closed:    false,
	}
	s.order = append(s.order, payload.ID)
	return nil
}

// IsEntryClaimed reports whether the entry exists and its lease is current.
func (s *Schedule) IsEntryClaimed(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[eventID]
	if !ok {
		return false, nil
	}
	return entry.claimedAt.Add(s.claimDuration).After(s.now()), nil
}

// OpenUnclaimedEntriesDueNow returns open entries with expired claims that
// are due, in claim order.
func (s *Schedule) OpenUnclaimedEntriesDueNow(_ context.Context) ([]event.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []event.Payload
	for _, id := range s.order {
		entry := s.entries[id]
		if entry == nil || entry.closed {
			continue
		}
		if entry.claimedAt.Add(s.claimDuration).After(now) {
			continue
		}
		if entry.dueAfter != nil && entry.dueAfter.After(now) {
			continue
		}
		due = append(due, entry.payload)
	}
	return due, nil
}

// IsEntryClosed reports whether the entry has been confirmed.
func (s *Schedule) IsEntryClosed(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[eventID]
	if !ok {
		return false, nil
	}
	return entry.closed, nil
}

// CloseEntry marks the entry confirmed. Unknown ids are a no-op so late
// confirmations never fail.
func (s *Schedule) CloseEntry(_ context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[eventID]; ok {
		entry.closed = true
	}
	return nil
}

// EntryCount reports the number of rows in the table; test support.
func (s *Schedule) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Schedule) snapshot() (map[uuid.UUID]*scheduleEntry, []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make(map[uuid.UUID]*scheduleEntry, len(s.entries))
	for id, entry := range s.entries {
		copied := *entry
		entries[id] = &copied
	}
	order := make([]uuid.UUID, len(s.order))
	copy(order, s.order)
	return entries, order
}

func (s *Schedule) restore(entries map[uuid.UUID]*scheduleEntry, order []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.order = order
}

var _ schedule.Schedule = (*Schedule)(nil)
