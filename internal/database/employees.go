package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kiosk-go/internal/model"
	"kiosk-go/internal/reconcile"
)

// queries holds every statement the store runs. It is bound either to the
// connection pool or to an open transaction.
type queries struct {
	q querier
}

const employeeColumns = `local_id, remote_id, display_name, external_code, sequence_number,
	feature_vector, enrolled_at, enrollment_evidence, created_at, deleted_at`

// activeEmployees is the only place the tombstone filter is spelled out.
const activeEmployees = `SELECT ` + employeeColumns + ` FROM employees WHERE deleted_at IS NULL`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (*model.Employee, error) {
	var (
		e          model.Employee
		remoteID   sql.NullInt64
		code       sql.NullString
		sequence   sql.NullInt64
		vector     []byte
		enrolledAt sql.NullTime
		evidence   sql.NullString
		deletedAt  sql.NullTime
	)
	err := row.Scan(&e.LocalID, &remoteID, &e.DisplayName, &code, &sequence,
		&vector, &enrolledAt, &evidence, &e.CreatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	e.RemoteID = int64Ptr(remoteID)
	e.ExternalCode = code.String
	e.SequenceNumber = int64Ptr(sequence)
	e.EnrollmentEvidence = evidence.String
	e.EnrolledAt = timePtr(enrolledAt)
	e.DeletedAt = timePtr(deletedAt)
	if e.FeatureVector, err = decodeVector(vector); err != nil {
		return nil, fmt.Errorf("employee %d: %w", e.LocalID, err)
	}
	return &e, nil
}

func (q queries) findEmployee(ctx context.Context, op, query string, args ...any) (*model.Employee, error) {
	e, err := scanEmployee(q.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, classify(op, err)
	}
	return e, nil
}

func (q queries) listEmployees(ctx context.Context, op, query string, args ...any) ([]*model.Employee, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var result []*model.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return result, nil
}

// FindEmployee returns the employee with the given local id, tombstoned or not.
func (q queries) FindEmployee(ctx context.Context, localID int64) (*model.Employee, error) {
	return q.findEmployee(ctx, "finding employee",
		`SELECT `+employeeColumns+` FROM employees WHERE local_id = ?`, localID)
}

// FindEmployeeByRemoteID returns the employee with the given remote id, tombstoned or not.
func (q queries) FindEmployeeByRemoteID(ctx context.Context, remoteID int64) (*model.Employee, error) {
	return q.findEmployee(ctx, "finding employee by remote id",
		`SELECT `+employeeColumns+` FROM employees WHERE remote_id = ?`, remoteID)
}

// FindActiveEmployeeBySequence returns the active employee carrying the manual
// lookup number. When several share it the oldest row wins.
func (q queries) FindActiveEmployeeBySequence(ctx context.Context, sequence int64) (*model.Employee, error) {
	return q.findEmployee(ctx, "finding employee by sequence number",
		activeEmployees+` AND sequence_number = ? ORDER BY local_id LIMIT 1`, sequence)
}

// ListActiveEmployees returns untombstoned employees ordered by name.
func (q queries) ListActiveEmployees(ctx context.Context) ([]*model.Employee, error) {
	return q.listEmployees(ctx, "listing employees",
		activeEmployees+` ORDER BY display_name, local_id`)
}

// ActiveEmployeesWithRemoteID returns untombstoned employees known to the remote roster.
func (q queries) ActiveEmployeesWithRemoteID(ctx context.Context) ([]*model.Employee, error) {
	return q.listEmployees(ctx, "listing roster employees",
		activeEmployees+` AND remote_id IS NOT NULL ORDER BY local_id`)
}

// EmployeesAwaitingVector returns active employees with enrollment evidence but
// no feature vector, with local id greater than afterID, in local id order.
func (q queries) EmployeesAwaitingVector(ctx context.Context, afterID int64, limit int) ([]*model.Employee, error) {
	return q.listEmployees(ctx, "listing employees awaiting vectors",
		activeEmployees+` AND feature_vector IS NULL AND enrollment_evidence IS NOT NULL
			AND local_id > ? ORDER BY local_id LIMIT ?`, afterID, limit)
}

// LoadMatchEntries projects every active, enrolled employee in local id order.
func (q queries) LoadMatchEntries(ctx context.Context) ([]model.MatchCacheEntry, error) {
	employees, err := q.listEmployees(ctx, "loading match entries",
		activeEmployees+` AND feature_vector IS NOT NULL ORDER BY local_id`)
	if err != nil {
		return nil, err
	}

	entries := make([]model.MatchCacheEntry, 0, len(employees))
	for _, e := range employees {
		entries = append(entries, model.MatchCacheEntry{
			EmployeeLocalID: e.LocalID,
			DisplayName:     e.DisplayName,
			FeatureVector:   e.FeatureVector,
			SequenceNumber:  e.SequenceNumber,
		})
	}
	return entries, nil
}

// InsertEmployee creates an employee row and returns its local id.
func (q queries) InsertEmployee(ctx context.Context, e *model.Employee) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO employees (remote_id, display_name, external_code, sequence_number,
			feature_vector, enrolled_at, enrollment_evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(e.RemoteID), e.DisplayName, nullString(e.ExternalCode), nullInt64(e.SequenceNumber),
		vectorArg(e.FeatureVector), nullTime(e.EnrolledAt), nullString(e.EnrollmentEvidence), e.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, classify("inserting employee", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("inserting employee", err)
	}
	e.LocalID = id
	return id, nil
}

// UpdateEmployeeRoster overwrites the roster-owned columns and restores a tombstoned row.
func (q queries) UpdateEmployeeRoster(ctx context.Context, localID int64, f reconcile.RosterFields) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE employees
		SET display_name = ?, sequence_number = ?, external_code = ?, deleted_at = NULL
		WHERE local_id = ?`,
		f.DisplayName, nullInt64(f.SequenceNumber), nullString(f.ExternalCode), localID,
	)
	return classify("updating employee", err)
}

// SetFeatureVector replaces the vector and enrollment time. A nil vector clears both.
func (q queries) SetFeatureVector(ctx context.Context, localID int64, vector []float64, enrolledAt *time.Time) error {
	if len(vector) == 0 {
		enrolledAt = nil
	}
	_, err := q.q.ExecContext(ctx,
		`UPDATE employees SET feature_vector = ?, enrolled_at = ? WHERE local_id = ?`,
		vectorArg(vector), nullTime(enrolledAt), localID,
	)
	return classify("setting feature vector", err)
}

// SetEnrollment records a completed enrollment.
func (q queries) SetEnrollment(ctx context.Context, localID int64, vector []float64, enrolledAt time.Time, evidence string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE employees SET feature_vector = ?, enrolled_at = ?, enrollment_evidence = ?
		WHERE local_id = ?`,
		vectorArg(vector), enrolledAt.UTC(), nullString(evidence), localID,
	)
	return classify("recording enrollment", err)
}

// ClearEnrollment drops the vector, the enrollment time and the evidence key.
func (q queries) ClearEnrollment(ctx context.Context, localID int64) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE employees SET feature_vector = NULL, enrolled_at = NULL, enrollment_evidence = NULL
		WHERE local_id = ?`, localID)
	return classify("clearing enrollment", err)
}

// SoftDeleteEmployee tombstones the employee.
func (q queries) SoftDeleteEmployee(ctx context.Context, localID int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE employees SET deleted_at = ? WHERE local_id = ?`, at.UTC(), localID)
	return classify("soft-deleting employee", err)
}

// CountActivitiesForEmployee counts activity records of any status for the employee.
func (q queries) CountActivitiesForEmployee(ctx context.Context, localID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activities WHERE employee_local_id = ?`, localID).Scan(&n)
	if err != nil {
		return 0, classify("counting activity records", err)
	}
	return n, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
