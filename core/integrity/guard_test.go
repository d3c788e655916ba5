package integrity

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/quillstone/relay/core/event"
	"github.com/quillstone/relay/core/workunit"
	"github.com/quillstone/relay/errs"
)

type scriptedGuard struct {
	ops           []string
	recordErr     error
	rollbackFires bool
}

func (g *scriptedGuard) InWorkUnit(ctx context.Context, fn func(context.Context) error) (bool, error) {
	g.ops = append(g.ops, "begin")
	err := fn(ctx)
	switch {
	case err == nil:
		g.ops = append(g.ops, "commit")
		return true, nil
	case workunit.IsInterrupt(err):
		g.ops = append(g.ops, "rollback")
		return false, nil
	default:
		g.ops = append(g.ops, "rollback")
		return false, err
	}
}

func (g *scriptedGuard) IsDispatchForbidden(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

func (g *scriptedGuard) RecordDispatchAttempt(context.Context, event.Payload) error {
	g.ops = append(g.ops, "dispatch")
	return nil
}

func (g *scriptedGuard) RecordCompletion(context.Context, event.Payload, Guarantee) error {
	if g.recordErr != nil {
		return g.recordErr
	}
	g.ops = append(g.ops, "record")
	return nil
}

type fakeMessage struct {
	payload event.Payload
	acked   int
}

func (m *fakeMessage) Payload() event.Payload { return m.payload }
func (m *fakeMessage) Acknowledge() error {
	m.acked++
	return nil
}

type probeFired struct {
	event.Meta
}

func newMessage(t *testing.T) *fakeMessage {
	t.Helper()
	payload, err := event.PayloadFromEvent(&probeFired{Meta: event.NewMeta()})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return &fakeMessage{payload: payload}
}

func equalOps(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestAtLeastOnceOrdering(t *testing.T) {
	guard := &scriptedGuard{}
	msg := newMessage(t)

	err := RunGuarded(context.Background(), guard, msg, AtLeastOnce, func(context.Context, event.Payload) error {
		guard.ops = append(guard.ops, "body")
		return nil
	})
	if err != nil {
		t.Fatalf("RunGuarded: %v", err)
	}
	if !equalOps(guard.ops, []string{"body", "record"}) {
		t.Fatalf("unexpected ordering: %v", guard.ops)
	}
	if msg.acked != 1 {
		t.Fatalf("expected one ack, got %d", msg.acked)
	}
}

func TestAtLeastOnceBodyFailureSkipsRecordAndAck(t *testing.T) {
	guard := &scriptedGuard{}
	msg := newMessage(t)
	boom := errors.New("boom")

	err := RunGuarded(context.Background(), guard, msg, AtLeastOnce, func(context.Context, event.Payload) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error, got %v", err)
	}
	if len(guard.ops) != 0 {
		t.Fatalf("nothing should be recorded: %v", guard.ops)
	}
	if msg.acked != 0 {
		t.Fatal("failed body must not acknowledge")
	}
}

func TestExactlyOnceWrapsBodyAndRecordInWorkUnit(t *testing.T) {
	guard := &scriptedGuard{}
	msg := newMessage(t)

	err := RunGuarded(context.Background(), guard, msg, ExactlyOnce, func(context.Context, event.Payload) error {
		guard.ops = append(guard.ops, "body")
		return nil
	})
	if err != nil {
		t.Fatalf("RunGuarded: %v", err)
	}
	if !equalOps(guard.ops, []string{"begin", "body", "record", "commit"}) {
		t.Fatalf("unexpected ordering: %v", guard.ops)
	}
	if msg.acked != 1 {
		t.Fatalf("expected ack after commit, got %d", msg.acked)
	}
}

func TestExactlyOnceRollbackSuppressesAck(t *testing.T) {
	guard := &scriptedGuard{}
	msg := newMessage(t)

	err := RunGuarded(context.Background(), guard, msg, ExactlyOnce, func(context.Context, event.Payload) error {
		return workunit.Rollback()
	})
	if err != nil {
		t.Fatalf("intentional rollback must not error: %v", err)
	}
	if !equalOps(guard.ops, []string{"begin", "rollback"}) {
		t.Fatalf("unexpected ordering: %v", guard.ops)
	}
	if msg.acked != 0 {
		t.Fatal("rolled-back work must not acknowledge")
	}
}

func TestExactlyOnceBodyFailureAbortsWithoutAck(t *testing.T) {
	guard := &scriptedGuard{}
	msg := newMessage(t)
	boom := errors.New("boom")

	err := RunGuarded(context.Background(), guard, msg, ExactlyOnce, func(context.Context, event.Payload) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error, got %v", err)
	}
	if msg.acked != 0 {
		t.Fatal("aborted work must not acknowledge")
	}
}

func TestNoMoreThanOnceAcksBeforeBody(t *testing.T) {
	guard := &scriptedGuard{}
	msg := newMessage(t)
	boom := errors.New("boom")

	err := RunGuarded(context.Background(), guard, msg, NoMoreThanOnce, func(context.Context, event.Payload) error {
		if msg.acked != 1 {
			t.Fatal("body must run after the ack")
		}
		guard.ops = append(guard.ops, "body")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("body error should surface, got %v", err)
	}
	if !equalOps(guard.ops, []string{"record", "body"}) {
		t.Fatalf("unexpected ordering: %v", guard.ops)
	}
}

func TestNoMoreThanOnceDuplicateCompletionSkipsBody(t *testing.T) {
	guard := &scriptedGuard{recordErr: errs.New("guard", errs.CodeDuplicateCompletion)}
	msg := newMessage(t)
	ran := false

	err := RunGuarded(context.Background(), guard, msg, NoMoreThanOnce, func(context.Context, event.Payload) error {
		ran = true
		return nil
	})
	if !errs.HasCode(err, errs.CodeDuplicateCompletion) {
		t.Fatalf("expected duplicate_completion, got %v", err)
	}
	if ran {
		t.Fatal("body must not run after a duplicate completion")
	}
	if msg.acked != 0 {
		t.Fatal("duplicate completion must not acknowledge here")
	}
}

func TestGuaranteeStringRoundTrip(t *testing.T) {
	for _, g := range []Guarantee{AtLeastOnce, ExactlyOnce, NoMoreThanOnce} {
		parsed, err := ParseGuarantee(g.String())
		if err != nil {
			t.Fatalf("ParseGuarantee(%s): %v", g, err)
		}
		if parsed != g {
			t.Fatalf("round trip drifted: %s -> %s", g, parsed)
		}
	}
	if _, err := ParseGuarantee("SOMETIMES"); err == nil {
		t.Fatal("unknown guarantee must not parse")
	}
}
