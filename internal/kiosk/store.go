package kiosk

import (
	"context"
	"time"

	"kiosk-go/internal/model"
	"kiosk-go/internal/reconcile"
)

// Store provides the identity store and activity ledger operations the service
// needs. Lookups return nil, nil when nothing matches.
type Store interface {
	// Employee operations

	// FindEmployee returns an employee by local id, tombstoned or not.
	FindEmployee(ctx context.Context, localID int64) (*model.Employee, error)

	// FindActiveEmployeeBySequence returns the active employee with the given
	// manual lookup number. The oldest row wins if the roster reused a number.
	FindActiveEmployeeBySequence(ctx context.Context, sequence int64) (*model.Employee, error)

	// ListActiveEmployees returns untombstoned employees ordered by name.
	ListActiveEmployees(ctx context.Context) ([]*model.Employee, error)

	// EmployeesAwaitingVector returns up to limit active employees past afterID
	// that have enrollment evidence but no vector, in local id order.
	EmployeesAwaitingVector(ctx context.Context, afterID int64, limit int) ([]*model.Employee, error)

	// LoadMatchEntries projects active, enrolled employees in local id order.
	LoadMatchEntries(ctx context.Context) ([]model.MatchCacheEntry, error)

	// SetEnrollment stores a vector captured at this kiosk with its evidence key.
	SetEnrollment(ctx context.Context, localID int64, vector []float64, enrolledAt time.Time, evidence string) error

	// SetFeatureVector replaces the vector and enrollment timestamp, keeping evidence.
	SetFeatureVector(ctx context.Context, localID int64, vector []float64, enrolledAt *time.Time) error

	// ClearEnrollment drops the vector, timestamp and evidence key.
	ClearEnrollment(ctx context.Context, localID int64) error

	// Activity operations

	// InsertActivity appends a record and returns its local id. A reused sync
	// token is reported as model.ErrConflict.
	InsertActivity(ctx context.Context, r *model.ActivityRecord) (int64, error)

	FindActivity(ctx context.Context, localID int64) (*model.ActivityRecord, error)
	PendingActivities(ctx context.Context) ([]*model.ActivityView, error)
	MarkActivityAcked(ctx context.Context, localID, remoteID int64) (bool, error)
	MarkActivityFailed(ctx context.Context, localID int64, message string) (bool, error)

	// RecentActivities returns the newest limit records.
	RecentActivities(ctx context.Context, limit int) ([]*model.ActivityView, error)

	// ActivitiesBetween returns records whose occurred_date lies in [from, to], newest first.
	ActivitiesBetween(ctx context.Context, from, to string) ([]*model.ActivityView, error)

	// Operation log

	CreateOperation(ctx context.Context, kind, parameters string) (*model.Operation, error)
	SetOperationParameters(ctx context.Context, id int64, parameters string) error
	FinishOperation(ctx context.Context, id int64, status string) error
	ListOperations(ctx context.Context, limit int) ([]*model.Operation, error)

	// Transactions

	// InTx runs fn in one transaction; see reconcile.TxRunner.
	InTx(ctx context.Context, fn func(reconcile.Repo) error) error

	// BackupTo writes a consistent copy of the store to destPath.
	BackupTo(ctx context.Context, destPath string) error

	// Close closes the store.
	Close() error
}
