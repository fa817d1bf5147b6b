package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"kiosk-go/internal/model"
)

// classify wraps err for callers that must tell a bad record from a broken store.
// Constraint violations and context errors are returned as-is; any other
// driver error becomes a model.TransientStoreError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &model.TransientStoreError{Op: op, Err: err}
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
