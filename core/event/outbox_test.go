package event

import "testing"

type person struct {
	Outbox
	name string
}

func (p *person) newDay() {
	p.Emit(&SomethingHappened{Meta: NewMeta()})
}

func TestOutboxPreservesEmissionOrder(t *testing.T) {
	p := &person{name: "ada"}
	first := &SomethingHappened{Meta: NewMeta(), Times: 1}
	second := &SomethingHappened{Meta: NewMeta(), Times: 2}
	p.Emit(first)
	p.Emit(second)

	drained := p.ClearOutbox()
	if len(drained) != 2 {
		t.Fatalf("expected 2 events, got %d", len(drained))
	}
	if drained[0].EventID() != first.ID || drained[1].EventID() != second.ID {
		t.Fatal("emission order lost during drain")
	}
}

func TestClearOutboxEmptiesBuffer(t *testing.T) {
	p := &person{}
	p.newDay()
	p.newDay()

	if got := len(p.ClearOutbox()); got != 2 {
		t.Fatalf("expected 2 drained events, got %d", got)
	}
	if p.OutboxLen() != 0 {
		t.Fatalf("outbox should be empty after clear, has %d", p.OutboxLen())
	}

	p.newDay()
	if p.OutboxLen() != 1 {
		t.Fatal("writes after clear accumulate again")
	}
}

func TestEmitNilIsIgnored(t *testing.T) {
	p := &person{}
	p.Emit(nil)
	if p.OutboxLen() != 0 {
		t.Fatal("nil events must not enter the outbox")
	}
}
