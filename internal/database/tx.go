package database

import (
	"context"
	"database/sql"
	"fmt"

	"kiosk-go/internal/reconcile"
)

// InTx runs fn inside one transaction. The transaction commits when fn returns
// nil and rolls back otherwise. Every statement fn issues must go through the
// Repo it is given: the pool holds a single connection.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(reconcile.Repo) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("starting transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&txRepo{queries: queries{q: tx}, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("committing transaction", err)
	}
	return nil
}

// txRepo is the transaction-bound view handed to InTx callbacks.
type txRepo struct {
	queries
	tx         *sql.Tx
	savepoints int
}

// Savepoint runs fn inside a named savepoint. When fn fails the savepoint is
// rolled back and fn's error is returned unchanged; the transaction stays usable.
func (r *txRepo) Savepoint(ctx context.Context, fn func() error) error {
	r.savepoints++
	name := fmt.Sprintf("sp_%d", r.savepoints)

	if _, err := r.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return classify("opening savepoint", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := r.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return classify("rolling back savepoint", rbErr)
		}
		if _, relErr := r.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return classify("releasing savepoint", relErr)
		}
		return err
	}

	if _, err := r.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return classify("releasing savepoint", err)
	}
	return nil
}
