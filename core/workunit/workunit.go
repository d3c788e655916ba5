// Package workunit defines the scoped atomic work contract shared by the
// inbox and outbox stores.
package workunit

import (
	"context"
	"errors"
)

// ErrInterrupt signals that the enclosing work unit should roll back without
// surfacing an error to the caller. Return it (or wrap it) from the scope
// body; never swallow it inside the scope, or aborted work may commit.
var ErrInterrupt = errors.New("workunit: interrupted")

// Runner executes a function inside one atomic unit of work over a backing
// store.
//
// The contract, on all exit paths of fn:
//   - fn returns nil: the work commits, committed is true.
//   - fn returns ErrInterrupt (possibly wrapped): the work rolls back, the
//     signal is swallowed, committed is false and err is nil.
//   - fn returns any other error: the work rolls back and the error
//     propagates.
//
// The context passed to fn carries the transaction for implementations that
// have one; stores participating in the same work unit read it back out, so
// every write issued through the store inside the scope is atomic with
// respect to external observers.
type Runner interface {
	InWorkUnit(ctx context.Context, fn func(ctx context.Context) error) (committed bool, err error)
}

// Rollback is the idiomatic scope-body return for an intentional abort.
func Rollback() error { return ErrInterrupt }

// IsInterrupt reports whether err is the rollback signal.
func IsInterrupt(err error) bool { return errors.Is(err, ErrInterrupt) }
