// Package outbox tracks which locally created activity records the remote
// system has acknowledged. Transport and retry policy belong to the sync
// driver that consumes it.
package outbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"kiosk-go/internal/model"
)

// Repo is the activity table as seen by the queue.
type Repo interface {
	PendingActivities(ctx context.Context) ([]*model.ActivityView, error)
	FindActivity(ctx context.Context, localID int64) (*model.ActivityRecord, error)
	// MarkActivityAcked and MarkActivityFailed only touch pending records and
	// report whether one was updated.
	MarkActivityAcked(ctx context.Context, localID, remoteID int64) (bool, error)
	MarkActivityFailed(ctx context.Context, localID int64, message string) (bool, error)
}

// Logger follows slog conventions: alternating key/value pairs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Queue is the outbox over the activity table.
type Queue struct {
	repo   Repo
	logger Logger
}

func NewQueue(repo Repo, logger Logger) *Queue {
	return &Queue{repo: repo, logger: logger}
}

// Pending returns succeeded records without a remote id, ordered by occurrence
// date, time and local id.
func (q *Queue) Pending(ctx context.Context) ([]*model.ActivityView, error) {
	views, err := q.repo.PendingActivities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending activities: %w", err)
	}
	return views, nil
}

// Ack records the remote id assigned to a record and clears any remote error.
// Acking again with the same remote id is a no-op.
func (q *Queue) Ack(ctx context.Context, localID, remoteID int64) error {
	if remoteID <= 0 {
		return &model.ValidationError{Field: "remote_id", Message: "must be positive"}
	}

	rec, err := q.load(ctx, localID)
	if err != nil {
		return err
	}

	switch {
	case rec.Status != model.ActivitySucceeded:
		return fmt.Errorf("activity %d has status %s: %w", localID, rec.Status, model.ErrInvalidState)
	case rec.RemoteID != nil && *rec.RemoteID == remoteID:
		return nil
	case rec.RemoteID != nil:
		return fmt.Errorf("activity %d already acknowledged as %d, not %d: %w",
			localID, *rec.RemoteID, remoteID, model.ErrConflict)
	}

	updated, err := q.repo.MarkActivityAcked(ctx, localID, remoteID)
	if err != nil {
		return fmt.Errorf("acknowledging activity %d: %w", localID, err)
	}
	if !updated {
		return fmt.Errorf("activity %d changed while acknowledging: %w", localID, model.ErrConflict)
	}

	q.logger.Info("activity acknowledged", "local_id", localID, "remote_id", remoteID)
	return nil
}

// Fail records the remote system's rejection message. The record stays pending;
// retry scheduling is the sync driver's business.
func (q *Queue) Fail(ctx context.Context, localID int64, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return &model.ValidationError{Field: "message", Message: "must not be blank"}
	}

	rec, err := q.load(ctx, localID)
	if err != nil {
		return err
	}
	if rec.Status != model.ActivitySucceeded {
		return fmt.Errorf("activity %d has status %s: %w", localID, rec.Status, model.ErrInvalidState)
	}
	if rec.RemoteID != nil {
		return fmt.Errorf("activity %d already acknowledged: %w", localID, model.ErrInvalidState)
	}

	updated, err := q.repo.MarkActivityFailed(ctx, localID, message)
	if err != nil {
		return fmt.Errorf("recording sync failure for activity %d: %w", localID, err)
	}
	if !updated {
		return fmt.Errorf("activity %d changed while recording failure: %w", localID, model.ErrInvalidState)
	}

	q.logger.Warn("activity sync failed", "local_id", localID, "error", message)
	return nil
}

func (q *Queue) load(ctx context.Context, localID int64) (*model.ActivityRecord, error) {
	rec, err := q.repo.FindActivity(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("finding activity %d: %w", localID, err)
	}
	if rec == nil {
		return nil, &model.NotFoundError{Kind: "activity", Ref: strconv.FormatInt(localID, 10)}
	}
	return rec, nil
}
