package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kiosk-go/internal/model"
)

const activityColumns = `a.local_id, a.sync_token, a.employee_local_id, a.requested_ref, a.direction,
	a.occurred_date, a.occurred_time, a.evidence_path, a.remote_id, a.status,
	a.local_error, a.remote_error, a.created_at`

const activityViewQuery = `SELECT ` + activityColumns + `,
	e.display_name, e.external_code, e.sequence_number, e.remote_id
	FROM activities a LEFT JOIN employees e ON e.local_id = a.employee_local_id`

func scanActivity(row rowScanner, extra ...any) (*model.ActivityRecord, error) {
	var (
		r           model.ActivityRecord
		employeeID  sql.NullInt64
		direction   string
		status      string
		evidence    sql.NullString
		remoteID    sql.NullInt64
		localError  sql.NullString
		remoteError sql.NullString
	)
	dest := []any{&r.LocalID, &r.SyncToken, &employeeID, &r.RequestedRef, &direction,
		&r.OccurredDate, &r.OccurredTime, &evidence, &remoteID, &status,
		&localError, &remoteError, &r.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	r.EmployeeLocalID = int64Ptr(employeeID)
	r.Direction = model.Direction(direction)
	r.Status = model.ActivityStatus(status)
	r.EvidencePath = evidence.String
	r.RemoteID = int64Ptr(remoteID)
	r.LocalError = localError.String
	r.RemoteError = remoteError.String
	return &r, nil
}

func scanActivityView(row rowScanner) (*model.ActivityView, error) {
	var (
		name     sql.NullString
		code     sql.NullString
		sequence sql.NullInt64
		remoteID sql.NullInt64
	)
	r, err := scanActivity(row, &name, &code, &sequence, &remoteID)
	if err != nil {
		return nil, err
	}
	return &model.ActivityView{
		ActivityRecord:   *r,
		EmployeeName:     name.String,
		EmployeeCode:     code.String,
		EmployeeSequence: int64Ptr(sequence),
		EmployeeRemoteID: int64Ptr(remoteID),
	}, nil
}

func (q queries) listActivityViews(ctx context.Context, op, query string, args ...any) ([]*model.ActivityView, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var result []*model.ActivityView
	for rows.Next() {
		v, err := scanActivityView(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return result, nil
}

// InsertActivity appends an activity record and returns its local id.
// A reused sync token fails with model.ErrConflict.
func (q queries) InsertActivity(ctx context.Context, r *model.ActivityRecord) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO activities (sync_token, employee_local_id, requested_ref, direction,
			occurred_date, occurred_time, evidence_path, status, local_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SyncToken, nullInt64(r.EmployeeLocalID), r.RequestedRef, string(r.Direction),
		r.OccurredDate, r.OccurredTime, nullString(r.EvidencePath), string(r.Status),
		nullString(r.LocalError), r.CreatedAt.UTC(),
	)
	if err != nil {
		if isConstraint(err) {
			return 0, fmt.Errorf("inserting activity %s: %w: %v", r.SyncToken, model.ErrConflict, err)
		}
		return 0, classify("inserting activity", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("inserting activity", err)
	}
	r.LocalID = id
	return id, nil
}

// FindActivity returns the activity record with the given local id, or nil.
func (q queries) FindActivity(ctx context.Context, localID int64) (*model.ActivityRecord, error) {
	r, err := scanActivity(q.q.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities a WHERE a.local_id = ?`, localID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, classify("finding activity", err)
	}
	return r, nil
}

// PendingActivities returns succeeded records not yet acknowledged, oldest first.
func (q queries) PendingActivities(ctx context.Context) ([]*model.ActivityView, error) {
	return q.listActivityViews(ctx, "listing pending activities", activityViewQuery+`
		WHERE a.remote_id IS NULL AND a.status = 'succeeded'
		ORDER BY a.occurred_date, a.occurred_time, a.local_id`)
}

// MarkActivityAcked stores the remote id of a pending record and clears its
// remote error. It reports whether a pending record was updated.
func (q queries) MarkActivityAcked(ctx context.Context, localID, remoteID int64) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE activities SET remote_id = ?, remote_error = NULL
		WHERE local_id = ? AND remote_id IS NULL AND status = 'succeeded'`,
		remoteID, localID,
	)
	return affectedOne("acknowledging activity", res, err)
}

// MarkActivityFailed stores the remote rejection message of a pending record.
// It reports whether a pending record was updated.
func (q queries) MarkActivityFailed(ctx context.Context, localID int64, message string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE activities SET remote_error = ?
		WHERE local_id = ? AND remote_id IS NULL AND status = 'succeeded'`,
		message, localID,
	)
	return affectedOne("recording activity sync failure", res, err)
}

// RecentActivities returns the newest records first.
func (q queries) RecentActivities(ctx context.Context, limit int) ([]*model.ActivityView, error) {
	return q.listActivityViews(ctx, "listing recent activities", activityViewQuery+`
		ORDER BY a.occurred_date DESC, a.occurred_time DESC, a.local_id DESC
		LIMIT ?`, limit)
}

// ActivitiesBetween returns records whose date falls in [from, to], newest first.
// Dates are YYYY-MM-DD.
func (q queries) ActivitiesBetween(ctx context.Context, from, to string) ([]*model.ActivityView, error) {
	return q.listActivityViews(ctx, "listing activities by date", activityViewQuery+`
		WHERE a.occurred_date BETWEEN ? AND ?
		ORDER BY a.occurred_date DESC, a.occurred_time DESC, a.local_id DESC`, from, to)
}

func affectedOne(op string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return n == 1, nil
}
