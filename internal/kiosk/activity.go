package kiosk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kiosk-go/internal/model"
)

// DefaultRecentLimit is how many records RecentActivities returns when asked for none.
const DefaultRecentLimit = 50

// SubmitRequest is one check-in or check-out at the kiosk.
type SubmitRequest struct {
	Employee    string `json:"employee"`               // local id, #sequence or seq:sequence
	Direction   string `json:"direction"`              // enter or exit
	EvidenceRef string `json:"evidence_ref,omitempty"` // key returned by StoreEvidence
}

// SubmitResult reports what was recorded. Accepted is false when the attempt
// was recorded as failed; Diagnostic then says why.
type SubmitResult struct {
	Accepted   bool   `json:"accepted"`
	LocalID    int64  `json:"local_id"`
	SyncToken  string `json:"sync_token"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// SubmitActivity records an enter or exit. Malformed input is a
// ValidationError and writes nothing. A well-formed reference to an unknown or
// inactive employee is recorded with status failed and never synced.
func (s *KioskService) SubmitActivity(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ref, err := ParseEmployeeRef(req.Employee)
	if err != nil {
		return nil, err
	}
	direction, err := model.ParseDirection(strings.TrimSpace(req.Direction))
	if err != nil {
		return nil, err
	}

	emp, err := s.lookupEmployee(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rec := &model.ActivityRecord{
		SyncToken:    s.idgen.New(),
		RequestedRef: strings.TrimSpace(req.Employee),
		Direction:    direction,
		OccurredDate: now.Format("2006-01-02"),
		OccurredTime: now.Format("15:04:05"),
		EvidencePath: strings.TrimSpace(req.EvidenceRef),
		Status:       model.ActivitySucceeded,
		CreatedAt:    now,
	}
	switch {
	case emp == nil:
		rec.Status = model.ActivityFailed
		rec.LocalError = fmt.Sprintf("employee %s not found", ref)
	case !emp.Active():
		rec.Status = model.ActivityFailed
		rec.LocalError = fmt.Sprintf("employee %s is no longer active", ref)
		rec.EmployeeLocalID = &emp.LocalID
	default:
		rec.EmployeeLocalID = &emp.LocalID
	}

	if _, err := s.store.InsertActivity(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording activity: %w", err)
	}

	result := &SubmitResult{
		Accepted:   rec.Status == model.ActivitySucceeded,
		LocalID:    rec.LocalID,
		SyncToken:  rec.SyncToken,
		Diagnostic: rec.LocalError,
	}
	if result.Accepted {
		s.logger.Info("activity recorded", "local_id", rec.LocalID, "employee", *rec.EmployeeLocalID, "direction", direction)
	} else {
		s.logger.Warn("activity rejected", "local_id", rec.LocalID, "ref", rec.RequestedRef, "error", rec.LocalError)
	}
	return result, nil
}

// RecentActivities returns the newest activity records with their employees.
// A non-positive limit selects DefaultRecentLimit.
func (s *KioskService) RecentActivities(ctx context.Context, limit int) ([]*model.ActivityView, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	views, err := s.store.RecentActivities(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent activities: %w", err)
	}
	return views, nil
}

// ActivitiesBetween returns records that occurred between from and to
// (YYYY-MM-DD, inclusive), newest first.
func (s *KioskService) ActivitiesBetween(ctx context.Context, from, to string) ([]*model.ActivityView, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return nil, &model.ValidationError{Field: "from", Message: "must be a YYYY-MM-DD date"}
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return nil, &model.ValidationError{Field: "to", Message: "must be a YYYY-MM-DD date"}
	}
	if end.Before(start) {
		return nil, &model.ValidationError{Field: "to", Message: "must not be before from"}
	}

	views, err := s.store.ActivitiesBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	return views, nil
}
