package event

import (
	"testing"

	"github.com/quillstone/relay/errs"
)

type SomethingHappened struct {
	Meta
	Times int `json:"times"`
}

type HTTPProbeFired struct {
	Meta
}

func TestSubjectDerivation(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{&SomethingHappened{Meta: NewMeta()}, "something-happened"},
		{SomethingHappened{Meta: NewMeta()}, "something-happened"},
		{&HTTPProbeFired{Meta: NewMeta()}, "h-t-t-p-probe-fired"},
	}
	for _, tc := range cases {
		if got := SubjectOf(tc.ev); got != tc.want {
			t.Fatalf("SubjectOf(%T) = %q, want %q", tc.ev, got, tc.want)
		}
	}
}

func TestPayloadFromEventStampsEnvelopeKeys(t *testing.T) {
	ev := &SomethingHappened{Meta: NewMeta(), Times: 3}
	payload, err := PayloadFromEvent(ev)
	if err != nil {
		t.Fatalf("PayloadFromEvent: %v", err)
	}

	if payload.ID != ev.ID {
		t.Fatalf("payload id %s, want %s", payload.ID, ev.ID)
	}
	if payload.Subject != "something-happened" {
		t.Fatalf("unexpected subject %q", payload.Subject)
	}
	body := payload.Body()
	if body["_subject"] != "something-happened" {
		t.Fatalf("body missing _subject: %#v", body)
	}
	if body["id"] != ev.ID.String() {
		t.Fatalf("body id %v, want canonical string form", body["id"])
	}
	if _, ok := body["times"].(float64); !ok {
		t.Fatalf("event fields should survive into the body: %#v", body)
	}
}

func TestPayloadRoundTripThroughJSON(t *testing.T) {
	ev := &SomethingHappened{Meta: NewMeta(), Times: 7}
	payload, err := PayloadFromEvent(ev)
	if err != nil {
		t.Fatalf("PayloadFromEvent: %v", err)
	}

	frame, err := payload.MarshalBody()
	if err != nil {
		t.Fatalf("MarshalBody: %v", err)
	}
	decoded, err := PayloadFromJSON(frame)
	if err != nil {
		t.Fatalf("PayloadFromJSON: %v", err)
	}

	if decoded.ID != payload.ID {
		t.Fatalf("id drifted: %s vs %s", decoded.ID, payload.ID)
	}
	if decoded.Subject != payload.Subject {
		t.Fatalf("subject drifted: %s vs %s", decoded.Subject, payload.Subject)
	}
	if !decoded.OccurredOn.Equal(payload.OccurredOn) {
		t.Fatalf("occurred_on drifted: %s vs %s", decoded.OccurredOn, payload.OccurredOn)
	}
}

func TestPayloadFromBodyRejectsMissingEnvelope(t *testing.T) {
	if _, err := PayloadFromBody(map[string]any{"id": "not-a-uuid"}); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if _, err := PayloadFromBody(nil); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request for nil body, got %v", err)
	}
}

func TestBodyReturnsACopy(t *testing.T) {
	payload, err := PayloadFromEvent(&SomethingHappened{Meta: NewMeta()})
	if err != nil {
		t.Fatalf("PayloadFromEvent: %v", err)
	}
	body := payload.Body()
	body["id"] = "mutated"
	if payload.Body()["id"] == "mutated" {
		t.Fatal("payload body must be isolated from caller mutation")
	}
}
