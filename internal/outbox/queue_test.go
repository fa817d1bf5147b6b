package outbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk-go/internal/database"
	"kiosk-go/internal/model"
	"kiosk-go/internal/outbox"
	"kiosk-go/internal/testutil"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

func setup(t *testing.T) (*database.SQLiteStore, *outbox.Queue, int64) {
	t.Helper()
	store := testutil.NewTestStore(t)
	emp := testutil.AddEmployee(t, store, &model.Employee{RemoteID: testutil.Int64(10), DisplayName: "Ann"})
	return store, outbox.NewQueue(store, nopLogger{}), emp.LocalID
}

func addActivity(t *testing.T, store *database.SQLiteStore, token string, employeeID int64, date, clock string, status model.ActivityStatus) int64 {
	t.Helper()
	id, err := store.InsertActivity(context.Background(), &model.ActivityRecord{
		SyncToken:       token,
		EmployeeLocalID: &employeeID,
		Direction:       model.DirectionEnter,
		OccurredDate:    date,
		OccurredTime:    clock,
		Status:          status,
	})
	require.NoError(t, err)
	return id
}

func pendingIDs(t *testing.T, q *outbox.Queue) []int64 {
	t.Helper()
	views, err := q.Pending(context.Background())
	require.NoError(t, err)
	ids := make([]int64, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.LocalID)
	}
	return ids
}

func TestPending(t *testing.T) {
	store, q, emp := setup(t)

	second := addActivity(t, store, "b", emp, "2024-01-15", "12:00:00", model.ActivitySucceeded)
	first := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)
	addActivity(t, store, "c", emp, "2024-01-14", "08:00:00", model.ActivityFailed)
	third := addActivity(t, store, "d", emp, "2024-01-16", "07:00:00", model.ActivitySucceeded)

	assert.Equal(t, []int64{first, second, third}, pendingIDs(t, q))
}

func TestAck(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the record from pending", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)

		require.NoError(t, q.Ack(ctx, id, 900))
		assert.Empty(t, pendingIDs(t, q))

		rec, err := store.FindActivity(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, rec.RemoteID)
		assert.Equal(t, int64(900), *rec.RemoteID)
	})

	t.Run("clears a previous remote error", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)

		require.NoError(t, q.Fail(ctx, id, "HTTP 502"))
		require.NoError(t, q.Ack(ctx, id, 901))

		rec, err := store.FindActivity(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, rec.RemoteError)
	})

	t.Run("is idempotent for the same remote id", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)

		require.NoError(t, q.Ack(ctx, id, 900))
		before, err := store.FindActivity(ctx, id)
		require.NoError(t, err)

		require.NoError(t, q.Ack(ctx, id, 900))
		after, err := store.FindActivity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("conflicts on a different remote id", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)

		require.NoError(t, q.Ack(ctx, id, 900))
		assert.ErrorIs(t, q.Ack(ctx, id, 901), model.ErrConflict)
	})

	t.Run("rejects failed-status records", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivityFailed)

		assert.ErrorIs(t, q.Ack(ctx, id, 900), model.ErrInvalidState)
	})

	t.Run("unknown record", func(t *testing.T) {
		_, q, _ := setup(t)

		err := q.Ack(ctx, 4242, 900)
		assert.True(t, model.IsNotFound(err), "got %v", err)
	})

	t.Run("non-positive remote id", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)

		assert.True(t, model.IsValidation(q.Ack(ctx, id, 0)))
	})
}

func TestFail(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps the record pending", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)

		require.NoError(t, q.Fail(ctx, id, "  HTTP 500  "))
		assert.Equal(t, []int64{id}, pendingIDs(t, q))

		rec, err := store.FindActivity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "HTTP 500", rec.RemoteError)
		assert.Nil(t, rec.RemoteID)
	})

	t.Run("rejects acknowledged records", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)
		require.NoError(t, q.Ack(ctx, id, 900))

		assert.ErrorIs(t, q.Fail(ctx, id, "late failure"), model.ErrInvalidState)
	})

	t.Run("rejects failed-status records", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivityFailed)

		assert.ErrorIs(t, q.Fail(ctx, id, "nope"), model.ErrInvalidState)
	})

	t.Run("blank message", func(t *testing.T) {
		store, q, emp := setup(t)
		id := addActivity(t, store, "a", emp, "2024-01-15", "08:00:00", model.ActivitySucceeded)

		assert.True(t, model.IsValidation(q.Fail(ctx, id, "   ")))
	})

	t.Run("unknown record", func(t *testing.T) {
		_, q, _ := setup(t)

		assert.True(t, model.IsNotFound(q.Fail(ctx, 77, "boom")))
	})
}
