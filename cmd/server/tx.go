package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// postgresTx runs registry and vault units of work in one Postgres
// transaction, bounded by a timeout when the caller set no deadline.
type postgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newPostgresTx(db *sql.DB) *postgresTx {
	return &postgresTx{db: db, timeout: defaultTxTimeout}
}

func (t *postgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return tx.Run(ctx, t.db, fn)
}
