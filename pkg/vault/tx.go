package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// inTx runs fn inside a transaction. The transaction is committed only if fn
// returns nil; any error or panic rolls back every statement fn executed.
func (v *Vault) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := v.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				v.log.Error().Err(rbErr).Msg("transaction rollback failed")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}
	return nil
}

// savepoint runs fn inside a named savepoint of tx. On failure the work done
// by fn is undone and the error is returned; the enclosing transaction stays
// usable so the caller decides whether to abort it.
func savepoint(ctx context.Context, tx *sqlx.Tx, name string, fn func() error) (err error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("vault: failed to open savepoint %s: %w", name, err)
	}

	defer func() {
		p := recover()
		if p == nil && err == nil {
			return
		}
		_, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name)
		_, relErr := tx.ExecContext(ctx, "RELEASE "+name)
		if p != nil {
			panic(p)
		}
		if rbErr != nil || relErr != nil {
			err = errors.Join(err, rbErr, relErr)
		}
	}()

	if err = fn(); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("vault: failed to release savepoint %s: %w", name, err)
	}
	return nil
}
