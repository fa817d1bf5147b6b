package testutil

import (
	"context"
	"testing"
	"time"

	"kiosk-go/internal/database"
	"kiosk-go/internal/model"
)

// NewTestStore creates a new in-memory store with all migrations applied.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	store := database.NewSQLiteStoreFromDB(sqlDB)
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// AddEmployee inserts e, defaulting CreatedAt, and returns it with LocalID set.
// A non-nil DeletedAt tombstones the new row.
func AddEmployee(t *testing.T, s *database.SQLiteStore, e *model.Employee) *model.Employee {
	t.Helper()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	ctx := context.Background()
	if _, err := s.InsertEmployee(ctx, e); err != nil {
		t.Fatalf("failed to insert employee %q: %v", e.DisplayName, err)
	}
	if e.DeletedAt != nil {
		if err := s.SoftDeleteEmployee(ctx, e.LocalID, *e.DeletedAt); err != nil {
			t.Fatalf("failed to tombstone employee %q: %v", e.DisplayName, err)
		}
	}
	return e
}

// Int64 returns a pointer to n.
func Int64(n int64) *int64 { return &n }
