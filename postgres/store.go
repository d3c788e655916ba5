// Package postgres persists the relay schedule and integrity logs in
// PostgreSQL via pgx. One Store implements both store contracts so a single
// transaction can span business writes, schedule entries, and integrity
// records.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quillstone/relay/core/workunit"
	"github.com/quillstone/relay/errs"
	"github.com/quillstone/relay/observability"
)

type txKey struct{}

// Store is the PostgreSQL-backed schedule and integrity guard.
type Store struct {
	pool          *pgxpool.Pool
	claimDuration time.Duration
}

// New constructs a Store over the given pool with the given claim lease.
func New(pool *pgxpool.Pool, claimDuration time.Duration) *Store {
	return &Store{pool: pool, claimDuration: claimDuration}
}

// querier selects the transaction carried by ctx when inside a work unit,
// the pool otherwise.
func (s *Store) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InWorkUnit runs fn inside one database transaction. The transaction rides
// on the returned context, so every Store call made with it joins the same
// unit. fn returning workunit.Rollback() rolls back without error; any other
// error rolls back and propagates; nil commits.
func (s *Store) InWorkUnit(ctx context.Context, fn func(context.Context) error) (bool, error) {
	const op = "postgres.in_work_unit"
	if _, nested := ctx.Value(txKey{}).(pgx.Tx); nested {
		// Nested units join the outer transaction.
		err := fn(ctx)
		switch {
		case err == nil:
			return true, nil
		case workunit.IsInterrupt(err):
			return false, errs.New(op, errs.CodeInterrupted,
				errs.WithMessage("cannot roll back a nested work unit"))
		default:
			return false, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)

	err = fn(txCtx)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return false, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
		}
		return true, nil
	case workunit.IsInterrupt(err):
		rollback(ctx, tx)
		return false, nil
	default:
		rollback(ctx, tx)
		return false, err
	}
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		observability.Log().Error("transaction rollback failed", observability.F("error", err))
	}
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
