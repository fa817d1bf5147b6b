package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/model"
)

// EnrollResult is the outcome of an enrollment attempt. A rejected capture is
// a result, not an error: the kiosk shows the issues and asks for a retake.
type EnrollResult struct {
	Accepted        bool              `json:"accepted"`
	Outcome         model.Outcome     `json:"outcome"`
	Score           int               `json:"score"`
	Issues          []biometric.Issue `json:"issues"`
	EmployeeLocalID int64             `json:"employee_local_id"`
	EvidenceKey     string            `json:"evidence_key,omitempty"`
}

// EnrollmentStatus summarizes one active employee's enrollment.
type EnrollmentStatus struct {
	EmployeeLocalID int64      `json:"employee_local_id"`
	DisplayName     string     `json:"display_name"`
	SequenceNumber  *int64     `json:"external_sequence_number,omitempty"`
	Enrolled        bool       `json:"enrolled"`
	EnrolledAt      *time.Time `json:"enrolled_at,omitempty"`
	HasEvidence     bool       `json:"has_evidence"`
}

// Enroll gates a captured frame, encodes it and stores the vector for the
// employee ref names. The frame is kept as enrollment evidence when a vault is
// configured, replacing any earlier enrollment frame.
func (s *KioskService) Enroll(ctx context.Context, ref EmployeeRef, img image.Image) (*EnrollResult, error) {
	if s.encoder == nil {
		return nil, errors.New("no face encoder configured")
	}

	emp, err := s.activeEmployee(ctx, ref)
	if err != nil {
		return nil, err
	}

	faces, err := s.encoder.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detecting faces: %w", err)
	}

	assessment := s.gate.Evaluate(biometric.Frame{Image: img, Faces: faces})
	result := &EnrollResult{
		Outcome:         assessment.Outcome(),
		Score:           assessment.Score,
		Issues:          assessment.Issues,
		EmployeeLocalID: emp.LocalID,
	}
	if !assessment.Accepted {
		s.logger.Info("enrollment capture rejected", "employee", emp.LocalID, "score", assessment.Score)
		return result, nil
	}

	vector, err := s.encoder.Encode(ctx, img)
	switch {
	case errors.Is(err, biometric.ErrNoFace), errors.Is(err, biometric.ErrMultipleFaces):
		// The detector and the encoder disagreed about this frame.
		result.Outcome = model.OutcomeAmbiguousCapture
		s.logger.Warn("encoder rejected a gated frame", "employee", emp.LocalID, "error", err)
		return result, nil
	case err != nil:
		return nil, fmt.Errorf("encoding face: %w", err)
	}
	if err := s.checkDimension(vector); err != nil {
		return nil, err
	}

	if s.evidence != nil {
		png, err := biometric.EncodePNG(img)
		if err != nil {
			return nil, err
		}
		if result.EvidenceKey, err = s.StoreEvidence(ctx, EvidenceEnrollment, png); err != nil {
			return nil, err
		}
	}

	if err := s.store.SetEnrollment(ctx, emp.LocalID, vector, s.clock.Now(), result.EvidenceKey); err != nil {
		s.dropEvidence(ctx, result.EvidenceKey)
		return nil, fmt.Errorf("saving enrollment: %w", err)
	}
	s.cache.Invalidate()

	if emp.EnrollmentEvidence != "" && emp.EnrollmentEvidence != result.EvidenceKey {
		s.dropEvidence(ctx, emp.EnrollmentEvidence)
	}

	result.Accepted = true
	s.logger.Info("employee enrolled", "employee", emp.LocalID, "score", assessment.Score)
	return result, nil
}

// DeleteEnrollment clears the employee's vector, enrollment timestamp and
// enrollment evidence. An employee with nothing enrolled is ErrInvalidState.
func (s *KioskService) DeleteEnrollment(ctx context.Context, ref EmployeeRef) error {
	emp, err := s.lookupEmployee(ctx, ref)
	if err != nil {
		return err
	}
	if emp == nil {
		return &model.NotFoundError{Kind: "employee", Ref: ref.String()}
	}
	if !emp.Enrolled() && emp.EnrollmentEvidence == "" {
		return fmt.Errorf("employee %d is not enrolled: %w", emp.LocalID, model.ErrInvalidState)
	}

	if err := s.store.ClearEnrollment(ctx, emp.LocalID); err != nil {
		return fmt.Errorf("clearing enrollment: %w", err)
	}
	s.cache.Invalidate()
	s.dropEvidence(ctx, emp.EnrollmentEvidence)

	s.logger.Info("enrollment deleted", "employee", emp.LocalID)
	return nil
}

// EnrollmentStatuses lists every active employee with its enrollment state,
// ordered by name.
func (s *KioskService) EnrollmentStatuses(ctx context.Context) ([]*EnrollmentStatus, error) {
	employees, err := s.store.ListActiveEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing employees: %w", err)
	}

	statuses := make([]*EnrollmentStatus, len(employees))
	for i, e := range employees {
		statuses[i] = &EnrollmentStatus{
			EmployeeLocalID: e.LocalID,
			DisplayName:     e.DisplayName,
			SequenceNumber:  e.SequenceNumber,
			Enrolled:        e.Enrolled(),
			EnrolledAt:      e.EnrolledAt,
			HasEvidence:     e.EnrollmentEvidence != "",
		}
	}
	return statuses, nil
}

func (s *KioskService) checkDimension(vector []float64) error {
	if len(vector) == 0 {
		return errors.New("encoder returned an empty feature vector")
	}
	if s.dimension > 0 && len(vector) != s.dimension {
		return fmt.Errorf("encoder returned %d values, want %d", len(vector), s.dimension)
	}
	return nil
}
