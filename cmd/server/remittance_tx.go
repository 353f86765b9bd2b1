package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "fiscalbridge/pkg/domain-errors"
	txcontext "fiscalbridge/pkg/platform/tx"
)

const defaultRemittanceTxTimeout = 5 * time.Second

// remittancePostgresTx binds the remittance write and its compliance audit
// append to one transaction. Stores join it through the context.
type remittancePostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newRemittancePostgresTx(db *sql.DB) *remittancePostgresTx {
	return &remittancePostgresTx{db: db}
}

func (t *remittancePostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultRemittanceTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return txcontext.Run(ctx, t.db, fn)
}
