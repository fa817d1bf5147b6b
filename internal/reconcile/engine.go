// Package reconcile merges remote roster snapshots into the local identity store.
//
// A pass runs inside one store transaction. Each roster record is applied
// inside its own savepoint: a malformed record is rolled back to the savepoint,
// listed in the report's skips and the pass continues. A transient store error
// or a cancelled context aborts the pass and the transaction rolls back, so the
// store is either fully reconciled or unchanged.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"kiosk-go/internal/model"
)

// Repo is the transaction-scoped view of the identity store used by a pass.
type Repo interface {
	// FindEmployeeByRemoteID returns the employee with the given remote id,
	// tombstoned or not, or nil when there is none.
	FindEmployeeByRemoteID(ctx context.Context, remoteID int64) (*model.Employee, error)

	// InsertEmployee creates an employee row and returns its local id.
	InsertEmployee(ctx context.Context, e *model.Employee) (int64, error)

	// UpdateEmployeeRoster overwrites roster-owned fields and clears deleted_at.
	UpdateEmployeeRoster(ctx context.Context, localID int64, f RosterFields) error

	// SetFeatureVector replaces the vector and enrollment timestamp. A nil vector clears both.
	SetFeatureVector(ctx context.Context, localID int64, vector []float64, enrolledAt *time.Time) error

	// ClearEnrollment drops the vector, the enrollment timestamp and the evidence key.
	ClearEnrollment(ctx context.Context, localID int64) error

	// ActiveEmployeesWithRemoteID lists untombstoned employees that have a remote id.
	ActiveEmployeesWithRemoteID(ctx context.Context) ([]*model.Employee, error)

	// CountActivitiesForEmployee counts activity records of any status referencing the employee.
	CountActivitiesForEmployee(ctx context.Context, localID int64) (int, error)

	// SoftDeleteEmployee sets deleted_at.
	SoftDeleteEmployee(ctx context.Context, localID int64, at time.Time) error

	// Savepoint runs fn inside a savepoint and rolls back to it when fn fails.
	// fn's error is returned unchanged.
	Savepoint(ctx context.Context, fn func() error) error
}

// RosterFields are the employee columns owned by the roster.
type RosterFields struct {
	DisplayName    string
	SequenceNumber *int64
	ExternalCode   string
}

// TxRunner runs fn in a single store transaction, committing when fn returns
// nil and rolling back otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Repo) error) error
}

// Invalidator drops a cached projection of the store.
type Invalidator interface {
	Invalidate()
}

// Clock supplies the tombstone time.
type Clock interface {
	Now() time.Time
}

// Logger follows slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Engine applies roster snapshots.
type Engine struct {
	runner    TxRunner
	cache     Invalidator
	clock     Clock
	logger    Logger
	dimension int
}

// NewEngine creates an Engine. dimension is the required feature vector length;
// zero disables the length check. cache may be nil.
func NewEngine(runner TxRunner, cache Invalidator, clock Clock, logger Logger, dimension int) *Engine {
	return &Engine{
		runner:    runner,
		cache:     cache,
		clock:     clock,
		logger:    logger,
		dimension: dimension,
	}
}

// Reconcile applies roster to the store in one transaction and returns the report.
// On error the store is unchanged and no report is returned.
func (e *Engine) Reconcile(ctx context.Context, roster []model.RemoteEmployee) (*model.ReconcileReport, error) {
	var report *model.ReconcileReport

	err := e.runner.InTx(ctx, func(repo Repo) error {
		p := &pass{
			repo:      repo,
			now:       e.clock.Now(),
			dimension: e.dimension,
			logger:    e.logger,
			report:    &model.ReconcileReport{Skips: []model.Skip{}},
		}
		if err := p.run(ctx, roster); err != nil {
			return err
		}
		report = p.report
		return nil
	})
	if err != nil {
		e.logger.Warn("roster reconciliation rolled back", "records", len(roster), "error", err)
		return nil, fmt.Errorf("reconciling roster: %w", err)
	}

	// After commit: the cache must not be rebuilt from rows a rollback would discard.
	if report.Changed() && e.cache != nil {
		e.cache.Invalidate()
	}

	e.logger.Info("roster reconciled",
		"records", len(roster),
		"added", report.Added,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
	)
	return report, nil
}

// pass holds the state of one reconciliation inside its transaction.
type pass struct {
	repo      Repo
	now       time.Time
	dimension int
	logger    Logger
	report    *model.ReconcileReport
}

// change records what applying one roster record did.
type change struct {
	added, updated, restored, vector bool
	released                         string // evidence key the roster cleared
}

func (p *pass) run(ctx context.Context, roster []model.RemoteEmployee) error {
	// vouched holds the remote id of every record that named one, including
	// records later skipped: a malformed record still keeps its employee out
	// of the sweep. applied only holds records that went through.
	vouched := make(map[int64]bool, len(roster))
	applied := make(map[int64]bool, len(roster))

	for i := range roster {
		rec := &roster[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		if rec.RemoteID > 0 {
			vouched[rec.RemoteID] = true
			if applied[rec.RemoteID] {
				p.skipRecord(rec, "duplicate remote_id in roster")
				continue
			}
		}

		var ch change
		err := p.repo.Savepoint(ctx, func() error {
			var err error
			ch, err = p.apply(ctx, rec)
			return err
		})
		if err != nil {
			if model.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("skipping roster record", "remote_id", rec.RemoteID, "error", err)
			p.skipRecord(rec, err.Error())
			continue
		}
		applied[rec.RemoteID] = true
		p.count(ch)
	}

	return p.sweep(ctx, vouched)
}

func (p *pass) apply(ctx context.Context, rec *model.RemoteEmployee) (change, error) {
	if err := validateRecord(rec, p.dimension); err != nil {
		return change{}, &model.RosterRecordError{RemoteID: rec.RemoteID, Err: err}
	}

	existing, err := p.repo.FindEmployeeByRemoteID(ctx, rec.RemoteID)
	if err != nil {
		return change{}, err
	}
	if existing == nil {
		return p.insert(ctx, rec)
	}
	return p.update(ctx, existing, rec)
}

func (p *pass) insert(ctx context.Context, rec *model.RemoteEmployee) (change, error) {
	remoteID := rec.RemoteID
	emp := &model.Employee{
		RemoteID:       &remoteID,
		DisplayName:    strings.TrimSpace(rec.DisplayName),
		SequenceNumber: rec.SequenceNumber,
		CreatedAt:      p.now,
	}
	if rec.ExternalCode != nil {
		emp.ExternalCode = *rec.ExternalCode
	}

	ch := change{added: true}
	if rec.VectorState == model.VectorProvided {
		emp.FeatureVector = rec.Vector
		emp.EnrolledAt = p.enrolledAt(rec)
		ch.vector = true
	}

	if _, err := p.repo.InsertEmployee(ctx, emp); err != nil {
		return change{}, fmt.Errorf("inserting employee: %w", err)
	}
	return ch, nil
}

func (p *pass) update(ctx context.Context, existing *model.Employee, rec *model.RemoteEmployee) (change, error) {
	var ch change

	fields := RosterFields{
		DisplayName:    strings.TrimSpace(rec.DisplayName),
		SequenceNumber: existing.SequenceNumber,
		ExternalCode:   existing.ExternalCode,
	}
	if rec.SequenceNumber != nil {
		fields.SequenceNumber = rec.SequenceNumber
	}
	if rec.ExternalCode != nil {
		fields.ExternalCode = *rec.ExternalCode
	}

	drift := existing.DisplayName != fields.DisplayName ||
		!sameNumber(existing.SequenceNumber, fields.SequenceNumber) ||
		existing.ExternalCode != fields.ExternalCode
	tombstoned := !existing.Active()

	if drift || tombstoned {
		if err := p.repo.UpdateEmployeeRoster(ctx, existing.LocalID, fields); err != nil {
			return change{}, fmt.Errorf("updating employee %d: %w", existing.LocalID, err)
		}
		ch.updated = true
		ch.restored = tombstoned
	}

	switch rec.VectorState {
	case model.VectorProvided:
		if !existing.Enrolled() {
			if err := p.repo.SetFeatureVector(ctx, existing.LocalID, rec.Vector, p.enrolledAt(rec)); err != nil {
				return change{}, fmt.Errorf("adopting remote vector for employee %d: %w", existing.LocalID, err)
			}
			ch.updated, ch.vector = true, true
		}
	case model.VectorCleared:
		// The evidence goes too, or a backfill would encode it again.
		if existing.Enrolled() || existing.EnrollmentEvidence != "" {
			if err := p.repo.ClearEnrollment(ctx, existing.LocalID); err != nil {
				return change{}, fmt.Errorf("clearing enrollment for employee %d: %w", existing.LocalID, err)
			}
			ch.updated = true
			ch.vector = existing.Enrolled()
			ch.released = existing.EnrollmentEvidence
		}
	}

	return ch, nil
}

// sweep tombstones active employees the roster no longer lists, unless they
// own activity records. Any error here aborts the pass.
func (p *pass) sweep(ctx context.Context, seen map[int64]bool) error {
	active, err := p.repo.ActiveEmployeesWithRemoteID(ctx)
	if err != nil {
		return fmt.Errorf("listing active employees: %w", err)
	}

	for _, emp := range active {
		if seen[*emp.RemoteID] {
			continue
		}

		n, err := p.repo.CountActivitiesForEmployee(ctx, emp.LocalID)
		if err != nil {
			return fmt.Errorf("counting activity records for employee %d: %w", emp.LocalID, err)
		}
		if n > 0 {
			p.report.Skipped++
			p.report.Skips = append(p.report.Skips, model.Skip{
				RemoteID:    emp.RemoteID,
				LocalID:     emp.LocalID,
				DisplayName: emp.DisplayName,
				Reason:      fmt.Sprintf("has %d activity records", n),
			})
			p.logger.Debug("kept employee missing from roster", "local_id", emp.LocalID, "activity_records", n)
			continue
		}

		if err := p.repo.SoftDeleteEmployee(ctx, emp.LocalID, p.now); err != nil {
			return fmt.Errorf("soft-deleting employee %d: %w", emp.LocalID, err)
		}
		p.report.Deleted++
	}
	return nil
}

func (p *pass) count(ch change) {
	switch {
	case ch.added:
		p.report.Added++
	case ch.updated:
		p.report.Updated++
	}
	if ch.restored {
		p.report.Restored++
	}
	if ch.vector {
		p.report.VectorsChanged++
	}
	if ch.released != "" {
		p.report.ReleasedEvidence = append(p.report.ReleasedEvidence, ch.released)
	}
}

func (p *pass) skipRecord(rec *model.RemoteEmployee, reason string) {
	s := model.Skip{DisplayName: rec.DisplayName, Reason: reason}
	if rec.RemoteID > 0 {
		id := rec.RemoteID
		s.RemoteID = &id
	}
	p.report.Skipped++
	p.report.Skips = append(p.report.Skips, s)
}

func (p *pass) enrolledAt(rec *model.RemoteEmployee) *time.Time {
	if rec.EnrolledAt != nil {
		return rec.EnrolledAt
	}
	now := p.now
	return &now
}

func validateRecord(rec *model.RemoteEmployee, dimension int) error {
	if rec.Malformed != nil {
		return rec.Malformed
	}
	if rec.RemoteID <= 0 {
		return errors.New("missing remote_id")
	}
	if strings.TrimSpace(rec.DisplayName) == "" {
		return errors.New("missing display_name")
	}
	if rec.SequenceNumber != nil && *rec.SequenceNumber < 0 {
		return fmt.Errorf("negative external_sequence_number %d", *rec.SequenceNumber)
	}
	if rec.VectorState == model.VectorProvided {
		if len(rec.Vector) == 0 {
			return errors.New("empty feature_vector")
		}
		if dimension > 0 && len(rec.Vector) != dimension {
			return fmt.Errorf("feature_vector has %d values, want %d", len(rec.Vector), dimension)
		}
		for _, v := range rec.Vector {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.New("feature_vector contains non-finite values")
			}
		}
	}
	return nil
}

func sameNumber(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
