// Package integrity implements the inbox side of the relay: the persistent
// record of dispatched and handled events, and the per-guarantee handling
// protocol built on top of it.
package integrity

import (
	"github.com/quillstone/relay/errs"
)

// Guarantee selects the delivery semantic enforced around a handler.
type Guarantee uint8

const (
	// AtLeastOnce runs the handler first and records completion before
	// acknowledging; failures lead to broker redelivery.
	AtLeastOnce Guarantee = iota
	// ExactlyOnce wraps the handler and the completion record in one work
	// unit over the inbox store; the guarantee holds when handler side
	// effects live in the same store.
	ExactlyOnce
	// NoMoreThanOnce records completion and acknowledges before the handler
	// runs; a failing handler body is never redelivered.
	NoMoreThanOnce
)

const (
	guaranteeAtLeastOnce    = "AT_LEAST_ONCE"
	guaranteeExactlyOnce    = "EXACTLY_ONCE"
	guaranteeNoMoreThanOnce = "NO_MORE_THAN_ONCE"
)

// String yields the persisted form of the guarantee.
func (g Guarantee) String() string {
	switch g {
	case AtLeastOnce:
		return guaranteeAtLeastOnce
	case ExactlyOnce:
		return guaranteeExactlyOnce
	case NoMoreThanOnce:
		return guaranteeNoMoreThanOnce
	default:
		return "UNKNOWN"
	}
}

// ParseGuarantee maps a persisted guarantee back to its tag.
func ParseGuarantee(s string) (Guarantee, error) {
	switch s {
	case guaranteeAtLeastOnce:
		return AtLeastOnce, nil
	case guaranteeExactlyOnce:
		return ExactlyOnce, nil
	case guaranteeNoMoreThanOnce:
		return NoMoreThanOnce, nil
	default:
		return AtLeastOnce, errs.New("integrity.parse_guarantee", errs.CodeInvalid, errs.WithMessage("unknown guarantee "+s))
	}
}
