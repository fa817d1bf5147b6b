package database

import (
	"context"
	"database/sql"
	"time"

	"kiosk-go/internal/model"
)

// Operation tracking

func (q queries) CreateOperation(ctx context.Context, kind, parameters string) (*model.Operation, error) {
	op := &model.Operation{
		Kind:       kind,
		Parameters: parameters,
		StartedAt:  time.Now().UTC(),
		Status:     "running",
	}
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO operations (kind, parameters, started_at, status) VALUES (?, ?, ?, ?)`,
		op.Kind, op.Parameters, op.StartedAt, op.Status)
	if err != nil {
		return nil, classify("creating operation", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, classify("creating operation", err)
	}
	return op, nil
}

// SetOperationParameters replaces the recorded parameters, e.g. with a reconciliation report.
func (q queries) SetOperationParameters(ctx context.Context, id int64, parameters string) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE operations SET parameters = ? WHERE id = ?`, parameters, id)
	return classify("updating operation parameters", err)
}

func (q queries) FinishOperation(ctx context.Context, id int64, status string) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), status, id)
	return classify("finishing operation", err)
}

func (q queries) ListOperations(ctx context.Context, limit int) ([]*model.Operation, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, kind, parameters, started_at, finished_at, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify("listing operations", err)
	}
	defer rows.Close()

	var result []*model.Operation
	for rows.Next() {
		var (
			op       model.Operation
			finished sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.Kind, &op.Parameters, &op.StartedAt, &finished, &op.Status); err != nil {
			return nil, classify("listing operations", err)
		}
		op.FinishedAt = timePtr(finished)
		result = append(result, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("listing operations", err)
	}
	return result, nil
}
