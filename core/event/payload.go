package event

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quillstone/relay/errs"
)

// Body keys reserved by the envelope inside every payload body.
const (
	bodyKeyID         = "id"
	bodyKeySubject    = "_subject"
	bodyKeyOccurredOn = "occurred_on"
)

// Payload is the immutable transport envelope derived from an Event. The body
// is the authoritative representation: it always carries the canonical id,
// occurred_on, and _subject entries alongside the event's own fields.
type Payload struct {
	ID         uuid.UUID
	OccurredOn time.Time
	Subject    string
	body       map[string]any
}

// PayloadFromEvent captures an event into its transport envelope. The event
// struct is serialized to a JSON object; envelope keys are then stamped into
// the body so the payload survives transport without side metadata.
func PayloadFromEvent(ev Event) (Payload, error) {
	if ev == nil {
		return Payload{}, errs.New("event.payload_from_event", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return Payload{}, errs.New("event.payload_from_event", errs.CodeInvalid,
			errs.WithMessage("event is not serializable"), errs.WithCause(err))
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return Payload{}, errs.New("event.payload_from_event", errs.CodeInvalid,
			errs.WithMessage("event did not serialize to an object"), errs.WithCause(err))
	}

	subject := SubjectOf(ev)
	occurredOn := ev.EventOccurredOn().UTC()
	body[bodyKeyID] = ev.EventID().String()
	body[bodyKeyOccurredOn] = occurredOn.Format(time.RFC3339Nano)
	body[bodyKeySubject] = subject

	return Payload{
		ID:         ev.EventID(),
		OccurredOn: occurredOn,
		Subject:    subject,
		body:       body,
	}, nil
}

// PayloadFromBody reconstructs a payload from a decoded body map. The inverse
// of PayloadFromEvent: id may arrive as a string or uuid.UUID, occurred_on as
// an RFC 3339 string or time.Time.
func PayloadFromBody(body map[string]any) (Payload, error) {
	const op = "event.payload_from_body"
	if body == nil {
		return Payload{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("nil body"))
	}

	id, err := idFromBody(body[bodyKeyID])
	if err != nil {
		return Payload{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("bad id"), errs.WithCause(err))
	}
	occurredOn, err := timeFromBody(body[bodyKeyOccurredOn])
	if err != nil {
		return Payload{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("bad occurred_on"), errs.WithEventID(id.String()), errs.WithCause(err))
	}
	subject, ok := body[bodyKeySubject].(string)
	if !ok || subject == "" {
		return Payload{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("missing _subject"), errs.WithEventID(id.String()))
	}

	copied := make(map[string]any, len(body))
	for k, v := range body {
		copied[k] = v
	}
	copied[bodyKeyID] = id.String()
	copied[bodyKeyOccurredOn] = occurredOn.Format(time.RFC3339Nano)

	return Payload{ID: id, OccurredOn: occurredOn, Subject: subject, body: copied}, nil
}

// PayloadFromJSON decodes a wire frame produced by MarshalBody.
func PayloadFromJSON(frame []byte) (Payload, error) {
	var body map[string]any
	if err := json.Unmarshal(frame, &body); err != nil {
		return Payload{}, errs.New("event.payload_from_json", errs.CodeInvalid,
			errs.WithMessage("malformed frame"), errs.WithCause(err))
	}
	return PayloadFromBody(body)
}

// Body returns a copy of the authoritative body map.
func (p Payload) Body() map[string]any {
	copied := make(map[string]any, len(p.body))
	for k, v := range p.body {
		copied[k] = v
	}
	return copied
}

// MarshalBody encodes the payload body as its canonical JSON wire frame.
func (p Payload) MarshalBody() ([]byte, error) {
	frame, err := json.Marshal(p.body)
	if err != nil {
		return nil, errs.New("event.marshal_body", errs.CodeInvalid,
			errs.WithEventID(p.ID.String()), errs.WithCause(err))
	}
	return frame, nil
}

func (p Payload) String() string {
	return p.ID.String() + "/" + p.Subject
}

func idFromBody(value any) (uuid.UUID, error) {
	switch v := value.(type) {
	case string:
		return uuid.Parse(v)
	case uuid.UUID:
		return v, nil
	default:
		return uuid.Nil, errs.New("event.id_from_body", errs.CodeInvalid, errs.WithMessage("id missing or of unknown type"))
	}
}

func timeFromBody(value any) (time.Time, error) {
	switch v := value.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	case time.Time:
		return v.UTC(), nil
	default:
		return time.Time{}, errs.New("event.time_from_body", errs.CodeInvalid, errs.WithMessage("occurred_on missing or of unknown type"))
	}
}
