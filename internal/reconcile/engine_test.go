package reconcile_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiosk-go/internal/database"
	"kiosk-go/internal/model"
	"kiosk-go/internal/reconcile"
	"kiosk-go/internal/roster"
	"kiosk-go/internal/testutil"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}

type countingCache struct{ invalidations int }

func (c *countingCache) Invalidate() { c.invalidations++ }

type fixture struct {
	store  *database.SQLiteStore
	cache  *countingCache
	clock  *testutil.StubClock
	ids    *testutil.StubIDGenerator
	engine *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: testutil.NewTestStore(t),
		cache: &countingCache{},
		clock: testutil.FixedClock(),
		ids:   testutil.NewStubIDGenerator(),
	}
	f.engine = reconcile.NewEngine(f.store, f.cache, f.clock, nopLogger{}, 3)
	return f
}

func (f *fixture) reconcile(t *testing.T, roster ...model.RemoteEmployee) *model.ReconcileReport {
	t.Helper()
	report, err := f.engine.Reconcile(context.Background(), roster)
	require.NoError(t, err)
	return report
}

func (f *fixture) employee(t *testing.T, remoteID int64) *model.Employee {
	t.Helper()
	e, err := f.store.FindEmployeeByRemoteID(context.Background(), remoteID)
	require.NoError(t, err)
	require.NotNil(t, e, "employee with remote id %d", remoteID)
	return e
}

func (f *fixture) addActivity(t *testing.T, employeeID int64) {
	t.Helper()
	_, err := f.store.InsertActivity(context.Background(), &model.ActivityRecord{
		SyncToken:       f.ids.New(),
		EmployeeLocalID: &employeeID,
		Direction:       model.DirectionEnter,
		OccurredDate:    "2024-01-15",
		OccurredTime:    "08:00:00",
		Status:          model.ActivitySucceeded,
		CreatedAt:       f.clock.Now(),
	})
	require.NoError(t, err)
}

func remote(id int64, name string, seq int64) model.RemoteEmployee {
	return model.RemoteEmployee{RemoteID: id, DisplayName: name, SequenceNumber: &seq}
}

func withVector(r model.RemoteEmployee, v ...float64) model.RemoteEmployee {
	r.Vector = v
	r.VectorState = model.VectorProvided
	return r
}

func withClearedVector(r model.RemoteEmployee) model.RemoteEmployee {
	r.VectorState = model.VectorCleared
	return r
}

func TestReconcile_AddToEmptyStore(t *testing.T) {
	f := newFixture(t)

	report := f.reconcile(t, remote(1, "A", 100))

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, 0, report.Skipped)
	assert.Empty(t, report.Skips)

	e := f.employee(t, 1)
	assert.Equal(t, "A", e.DisplayName)
	require.NotNil(t, e.SequenceNumber)
	assert.Equal(t, int64(100), *e.SequenceNumber)
	assert.True(t, e.Active())
	assert.Equal(t, 1, f.cache.invalidations)
}

func TestReconcile_SoftDeleteAndRestore(t *testing.T) {
	f := newFixture(t)
	f.reconcile(t, remote(1, "A", 100), remote(2, "B", 200))

	report := f.reconcile(t, remote(2, "B", 200))
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 0, report.Updated)

	gone := f.employee(t, 1)
	require.NotNil(t, gone.DeletedAt)
	assert.True(t, gone.DeletedAt.Equal(f.clock.Now()))

	report = f.reconcile(t, remote(1, "A", 100), remote(2, "B", 200))
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 0, report.Added)
	assert.True(t, f.employee(t, 1).Active())
	assert.Equal(t, gone.LocalID, f.employee(t, 1).LocalID, "restore keeps the local id")
}

func TestReconcile_KeepsEmployeesWithActivity(t *testing.T) {
	f := newFixture(t)
	f.reconcile(t, remote(1, "A", 100), remote(2, "B", 200))
	a := f.employee(t, 1)
	f.addActivity(t, a.LocalID)
	f.addActivity(t, a.LocalID)

	report := f.reconcile(t, remote(2, "B", 200))

	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Skips, 1)
	assert.Equal(t, a.LocalID, report.Skips[0].LocalID)
	assert.Equal(t, "has 2 activity records", report.Skips[0].Reason)
	assert.True(t, f.employee(t, 1).Active())
}

func TestReconcile_EmptyRosterDeletesEveryoneWithoutActivity(t *testing.T) {
	f := newFixture(t)
	f.reconcile(t, remote(1, "A", 100), remote(2, "B", 200))
	f.addActivity(t, f.employee(t, 2).LocalID)

	report := f.reconcile(t)

	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Skipped)
	assert.False(t, f.employee(t, 1).Active())
	assert.True(t, f.employee(t, 2).Active())
}

func TestReconcile_LocalOnlyEmployeesAreNeverDeleted(t *testing.T) {
	f := newFixture(t)
	local := testutil.AddEmployee(t, f.store, &model.Employee{DisplayName: "Walk-in"})

	report := f.reconcile(t, remote(1, "A", 100))

	assert.Equal(t, 0, report.Deleted)
	e, err := f.store.FindEmployee(context.Background(), local.LocalID)
	require.NoError(t, err)
	assert.True(t, e.Active())
}

func TestReconcile_Drift(t *testing.T) {
	f := newFixture(t)
	code := "EMP-1"
	r := remote(1, "A", 100)
	r.ExternalCode = &code
	f.reconcile(t, r)
	f.cache.invalidations = 0

	t.Run("unchanged record is not counted", func(t *testing.T) {
		report := f.reconcile(t, remote(1, "A", 100))
		assert.Equal(t, 0, report.Updated)
		assert.Equal(t, 0, f.cache.invalidations)
		assert.Equal(t, "EMP-1", f.employee(t, 1).ExternalCode, "absent code is no opinion")
	})

	t.Run("name change", func(t *testing.T) {
		report := f.reconcile(t, remote(1, "A. Smith", 100))
		assert.Equal(t, 1, report.Updated)
		assert.Equal(t, "A. Smith", f.employee(t, 1).DisplayName)
		assert.Equal(t, 1, f.cache.invalidations)
	})

	t.Run("sequence change", func(t *testing.T) {
		report := f.reconcile(t, remote(1, "A. Smith", 101))
		assert.Equal(t, 1, report.Updated)
		assert.Equal(t, int64(101), *f.employee(t, 1).SequenceNumber)
	})
}

func TestReconcile_Vectors(t *testing.T) {
	ctx := context.Background()

	t.Run("new employee with vector", func(t *testing.T) {
		f := newFixture(t)
		enrolled := time.Date(2023, 6, 1, 9, 0, 0, 0, time.UTC)
		r := withVector(remote(1, "A", 100), 0.1, 0.2, 0.3)
		r.EnrolledAt = &enrolled

		report := f.reconcile(t, r)

		assert.Equal(t, 1, report.Added)
		assert.Equal(t, 1, report.VectorsChanged)
		e := f.employee(t, 1)
		assert.Equal(t, []float64{0.1, 0.2, 0.3}, e.FeatureVector)
		require.NotNil(t, e.EnrolledAt)
		assert.True(t, e.EnrolledAt.Equal(enrolled))
	})

	t.Run("adopts remote vector when local has none", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, remote(1, "A", 100))

		report := f.reconcile(t, withVector(remote(1, "A", 100), 1, 2, 3))

		assert.Equal(t, 1, report.Updated, "vector-only change counts as updated")
		assert.Equal(t, []float64{1, 2, 3}, f.employee(t, 1).FeatureVector)
		require.NotNil(t, f.employee(t, 1).EnrolledAt)
	})

	t.Run("keeps local vector when both have one", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, withVector(remote(1, "A", 100), 1, 2, 3))

		report := f.reconcile(t, withVector(remote(1, "A", 100), 9, 9, 9))

		assert.Equal(t, 0, report.Updated)
		assert.Equal(t, []float64{1, 2, 3}, f.employee(t, 1).FeatureVector)
	})

	t.Run("explicit null clears local vector", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, withVector(remote(1, "A", 100), 1, 2, 3))
		f.cache.invalidations = 0

		report := f.reconcile(t, withClearedVector(remote(1, "A", 100)))

		assert.Equal(t, 1, report.Updated)
		assert.Equal(t, 1, report.VectorsChanged)
		assert.False(t, f.employee(t, 1).Enrolled())
		assert.Nil(t, f.employee(t, 1).EnrolledAt)
		assert.Equal(t, 1, f.cache.invalidations)
	})

	t.Run("absent vector is no opinion", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, withVector(remote(1, "A", 100), 1, 2, 3))

		report := f.reconcile(t, remote(1, "A", 100))

		assert.Equal(t, 0, report.Updated)
		assert.True(t, f.employee(t, 1).Enrolled())
	})

	t.Run("tombstoned employee leaves the match projection", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, withVector(remote(1, "A", 100), 1, 2, 3))
		f.reconcile(t)

		entries, err := f.store.LoadMatchEntries(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestReconcile_SkipsBadRecords(t *testing.T) {
	f := newFixture(t)
	f.reconcile(t, remote(5, "Keep", 500))

	report := f.reconcile(t,
		remote(1, "A", 100),
		remote(0, "No id", 1),
		remote(2, "  ", 200),
		remote(3, "Negative", -1),
		withVector(remote(4, "Short vector", 400), 1),
		remote(1, "A duplicate", 101),
		remote(5, "Keep", 500),
	)

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 5, report.Skipped)
	assert.Equal(t, 0, report.Deleted)
	require.Len(t, report.Skips, 5)
	assert.Contains(t, report.Skips[0].Reason, "missing remote_id")
	assert.Nil(t, report.Skips[0].RemoteID)
	assert.Contains(t, report.Skips[1].Reason, "missing display_name")
	assert.Contains(t, report.Skips[2].Reason, "negative")
	assert.Contains(t, report.Skips[3].Reason, "feature_vector has 1 values, want 3")
	assert.Equal(t, "duplicate remote_id in roster", report.Skips[4].Reason)

	assert.Equal(t, "A", f.employee(t, 1).DisplayName, "first occurrence wins")
	assert.True(t, f.employee(t, 5).Active())

	for _, id := range []int64{2, 3, 4} {
		e, err := f.store.FindEmployeeByRemoteID(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, e, "skipped record %d must leave no row", id)
	}
}

func TestReconcile_MalformedRecordProtectsExistingEmployee(t *testing.T) {
	f := newFixture(t)
	f.reconcile(t, remote(1, "A", 100))

	report := f.reconcile(t, remote(1, "", 100))

	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, 1, report.Skipped)
	assert.True(t, f.employee(t, 1).Active())
}

func TestReconcile_UndecodableRecordIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.reconcile(t, remote(2, "B", 200))

	bad := model.RemoteEmployee{RemoteID: 2, DisplayName: "B", Malformed: errors.New("record 1: feature_vector: not a list")}
	report := f.reconcile(t, remote(1, "A", 100), bad)

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Deleted)
	require.Len(t, report.Skips, 1)
	require.NotNil(t, report.Skips[0].RemoteID)
	assert.Equal(t, int64(2), *report.Skips[0].RemoteID)
	assert.Contains(t, report.Skips[0].Reason, "roster record 2")
	assert.Contains(t, report.Skips[0].Reason, "feature_vector")

	assert.True(t, f.employee(t, 2).Active(), "an undecodable record still names its employee")
	assert.Equal(t, "A", f.employee(t, 1).DisplayName)
}

func TestReconcile_DecodedSnapshotWithBadRecords(t *testing.T) {
	f := newFixture(t)
	f.reconcile(t, remote(3, "C", 300))

	snapshot := `[
		{"remote_id": 1, "display_name": "A", "external_sequence_number": 100},
		{"remote_id": 2, "display_name": "B", "feature_vector": "oops"},
		{"remote_id": "x", "display_name": "X"},
		"garbage",
		{"remote_id": 3, "display_name": "C", "external_sequence_number": "not a number"}
	]`
	records, err := roster.Decode(strings.NewReader(snapshot), roster.FormatJSON)
	require.NoError(t, err)
	require.Len(t, records, 5)

	report := f.reconcile(t, records...)

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 4, report.Skipped)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, "A", f.employee(t, 1).DisplayName)
	assert.True(t, f.employee(t, 3).Active())

	e, err := f.store.FindEmployeeByRemoteID(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestReconcile_ValidCopyAfterFailedDuplicate(t *testing.T) {
	f := newFixture(t)

	report := f.reconcile(t, remote(1, "", 100), remote(1, "A", 100))

	assert.Equal(t, 1, report.Added)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Skips, 1)
	assert.Contains(t, report.Skips[0].Reason, "missing display_name")
	assert.Equal(t, "A", f.employee(t, 1).DisplayName)
}

func TestReconcile_ClearedVectorReleasesEvidence(t *testing.T) {
	ctx := context.Background()

	t.Run("enrolled employee", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, remote(1, "A", 100))
		e := f.employee(t, 1)
		require.NoError(t, f.store.SetEnrollment(ctx, e.LocalID, []float64{0.1, 0.2, 0.3}, f.clock.Now(), "evidence/a.png"))

		report := f.reconcile(t, withClearedVector(remote(1, "A", 100)))

		assert.Equal(t, 1, report.Updated)
		assert.Equal(t, 1, report.VectorsChanged)
		assert.Equal(t, []string{"evidence/a.png"}, report.ReleasedEvidence)

		e = f.employee(t, 1)
		assert.False(t, e.Enrolled())
		assert.Nil(t, e.EnrolledAt)
		assert.Empty(t, e.EnrollmentEvidence)

		awaiting, err := f.store.EmployeesAwaitingVector(ctx, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, awaiting, "nothing is left for backfill to encode")
	})

	t.Run("evidence awaiting a vector", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, remote(1, "A", 100))
		e := f.employee(t, 1)
		require.NoError(t, f.store.SetEnrollment(ctx, e.LocalID, nil, f.clock.Now(), "evidence/a.png"))

		report := f.reconcile(t, withClearedVector(remote(1, "A", 100)))

		assert.Equal(t, 1, report.Updated)
		assert.Equal(t, 0, report.VectorsChanged)
		assert.Equal(t, []string{"evidence/a.png"}, report.ReleasedEvidence)
		assert.Empty(t, f.employee(t, 1).EnrollmentEvidence)
	})

	t.Run("nothing to clear", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, remote(1, "A", 100))

		report := f.reconcile(t, withClearedVector(remote(1, "A", 100)))

		assert.Equal(t, 0, report.Updated)
		assert.Empty(t, report.ReleasedEvidence)
	})
}

// faultyRunner wraps the store's transactions with a Repo that fails on demand.
type faultyRunner struct {
	inner reconcile.TxRunner
	cfg   faults
}

type faults struct {
	failInsertAt   int // 1-based; 0 disables
	insertErr      error
	failSoftDelete bool
}

func (r *faultyRunner) InTx(ctx context.Context, fn func(reconcile.Repo) error) error {
	return r.inner.InTx(ctx, func(repo reconcile.Repo) error {
		return fn(&faultyRepo{Repo: repo, cfg: r.cfg})
	})
}

type faultyRepo struct {
	reconcile.Repo
	cfg     faults
	inserts int
}

func (r *faultyRepo) InsertEmployee(ctx context.Context, e *model.Employee) (int64, error) {
	r.inserts++
	if r.inserts == r.cfg.failInsertAt {
		return 0, r.cfg.insertErr
	}
	return r.Repo.InsertEmployee(ctx, e)
}

func (r *faultyRepo) SoftDeleteEmployee(ctx context.Context, localID int64, at time.Time) error {
	if r.cfg.failSoftDelete {
		return &model.TransientStoreError{Op: "soft-deleting employee", Err: errors.New("disk I/O error")}
	}
	return r.Repo.SoftDeleteEmployee(ctx, localID, at)
}

func snapshot(t *testing.T, store *database.SQLiteStore) []*model.Employee {
	t.Helper()
	all, err := store.ListActiveEmployees(context.Background())
	require.NoError(t, err)
	return all
}

func TestReconcile_Atomicity(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure after N of M records leaves the store unchanged", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, remote(1, "A", 100), remote(2, "B", 200))
		before := snapshot(t, f.store)
		f.cache.invalidations = 0

		runner := &faultyRunner{inner: f.store, cfg: faults{
			failInsertAt: 2,
			insertErr:    &model.TransientStoreError{Op: "inserting employee", Err: errors.New("disk I/O error")},
		}}
		engine := reconcile.NewEngine(runner, f.cache, f.clock, nopLogger{}, 3)

		report, err := engine.Reconcile(ctx, []model.RemoteEmployee{
			remote(1, "A renamed", 100),
			remote(3, "C", 300),
			remote(4, "D", 400),
		})

		require.Error(t, err)
		assert.True(t, model.IsTransient(err))
		assert.Nil(t, report)
		assert.Equal(t, before, snapshot(t, f.store))
		assert.Equal(t, 0, f.cache.invalidations, "rolled back pass must not invalidate")
	})

	t.Run("failure in the deletion phase rolls back the roster phase", func(t *testing.T) {
		f := newFixture(t)
		f.reconcile(t, remote(1, "A", 100), remote(2, "B", 200))
		before := snapshot(t, f.store)

		runner := &faultyRunner{inner: f.store, cfg: faults{failSoftDelete: true}}
		engine := reconcile.NewEngine(runner, f.cache, f.clock, nopLogger{}, 3)

		_, err := engine.Reconcile(ctx, []model.RemoteEmployee{remote(2, "B renamed", 200), remote(3, "C", 300)})

		require.Error(t, err)
		assert.Equal(t, before, snapshot(t, f.store))
	})

	t.Run("record-level failure is only a skip", func(t *testing.T) {
		f := newFixture(t)

		runner := &faultyRunner{inner: f.store, cfg: faults{
			failInsertAt: 2,
			insertErr:    errors.New("UNIQUE constraint failed: employees.remote_id"),
		}}
		engine := reconcile.NewEngine(runner, f.cache, f.clock, nopLogger{}, 3)

		report, err := engine.Reconcile(ctx, []model.RemoteEmployee{
			remote(1, "A", 100), remote(2, "B", 200), remote(3, "C", 300),
		})

		require.NoError(t, err)
		assert.Equal(t, 2, report.Added)
		assert.Equal(t, 1, report.Skipped)
		require.Len(t, report.Skips, 1)
		require.NotNil(t, report.Skips[0].RemoteID)
		assert.Equal(t, int64(2), *report.Skips[0].RemoteID)
		assert.Contains(t, report.Skips[0].Reason, "UNIQUE constraint failed")

		names := []string{}
		for _, e := range snapshot(t, f.store) {
			names = append(names, e.DisplayName)
		}
		assert.ElementsMatch(t, []string{"A", "C"}, names)
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		f := newFixture(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := f.engine.Reconcile(cctx, []model.RemoteEmployee{remote(1, "A", 100)})

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, snapshot(t, f.store))
	})
}
