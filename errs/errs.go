// Package errs provides structured error types and helpers for the relay library.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a relay-specific error category.
type Code string

const (
	// CodeDuplicateRegistration indicates a subject already has a handler.
	CodeDuplicateRegistration Code = "duplicate_registration"
	// CodeInvalidDelay indicates a non-positive retry delay at registration.
	CodeInvalidDelay Code = "invalid_delay"
	// CodeDuplicateCompletion indicates a second completion record for one event.
	CodeDuplicateCompletion Code = "duplicate_completion"
	// CodeOutboxLeak indicates events were written to an outbox after it was cleared.
	CodeOutboxLeak Code = "outbox_leak"
	// CodeHandlerFailure indicates a user handler returned an error.
	CodeHandlerFailure Code = "handler_failure"
	// CodeInterrupted indicates a work unit was rolled back on purpose.
	CodeInterrupted Code = "interrupted"
	// CodeConflict indicates a concurrent mutation conflict in a store.
	CodeConflict Code = "conflict"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing record.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a store or broker is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the relay stack.
type E struct {
	Op      string
	Code    Code
	Message string
	EventID string
	Subject string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		EventID: "",
		Subject: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithEventID records the event the failure relates to.
func WithEventID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.EventID = trimmed
	}
}

// WithSubject records the event subject the failure relates to.
func WithSubject(subject string) Option {
	trimmed := strings.TrimSpace(subject)
	return func(e *E) {
		e.Subject = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "relay"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.EventID != "" {
		parts = append(parts, "event_id="+e.EventID)
	}
	if e.Subject != "" {
		parts = append(parts, "subject="+e.Subject)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the relay error code from err, walking the wrap chain.
// It returns an empty code when err carries no envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given relay error code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
