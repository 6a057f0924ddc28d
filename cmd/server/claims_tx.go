package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"poe/internal/claims/registry"
	dErrors "poe/pkg/domain-errors"
	txcontext "poe/pkg/platform/tx"
)

const defaultClaimTxTimeout = 5 * time.Second

// claimSQLTx runs each claim operation in one database transaction. The store
// and the outbox writer pick the transaction up from the context.
type claimSQLTx struct {
	db      *sql.DB
	store   registry.Store
	timeout time.Duration
}

func newClaimSQLTx(db *sql.DB, store registry.Store) *claimSQLTx {
	return &claimSQLTx{db: db, store: store}
}

func (t *claimSQLTx) RunInTx(ctx context.Context, fn func(ctx context.Context, store registry.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultClaimTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), t.store); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim tx: %w", err)
	}
	return nil
}
