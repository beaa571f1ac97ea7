package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type txKey struct{}

// WithTransaction returns a copy of ctx carrying the open transaction tx. Components that must not run inside a
// transaction, or that must reuse the caller's transaction, look it up with TransactionFromContext.
func WithTransaction(ctx context.Context, tx Transactor) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFromContext returns the transaction carried by ctx, if any.
func TransactionFromContext(ctx context.Context) (Transactor, bool) {
	tx, ok := ctx.Value(txKey{}).(Transactor)
	return tx, ok && tx != nil
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := TransactionFromContext(ctx)
	return ok
}

// QueryerFromContext returns the transaction carried by ctx, falling back to db.
func QueryerFromContext(ctx context.Context, db Queryer) Queryer {
	if tx, ok := TransactionFromContext(ctx); ok {
		return tx
	}
	return db
}

// RunInTx begins a transaction on h, runs fn with a context carrying it and commits. The transaction is rolled back
// if fn fails or panics.
func RunInTx(ctx context.Context, h Handler, fn func(ctx context.Context, tx Transactor) error) (err error) {
	if h == nil {
		return ErrNilHandler
	}

	tx, err := h.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(WithTransaction(ctx, tx), tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
