package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/model"
)

// VerifyResult is the outcome of identifying the person in a frame.
type VerifyResult struct {
	Outcome model.Outcome    `json:"outcome"`
	Match   *biometric.Match `json:"match,omitempty"`
	Reason  string           `json:"reason"`
}

// Verify encodes the frame and resolves it against the enrolled employees.
// No match and an unusable capture are results, not errors.
func (s *KioskService) Verify(ctx context.Context, img image.Image) (*VerifyResult, error) {
	if s.encoder == nil {
		return nil, errors.New("no face encoder configured")
	}

	probe, err := s.encoder.Encode(ctx, img)
	switch {
	case errors.Is(err, biometric.ErrNoFace):
		return &VerifyResult{Outcome: model.OutcomeAmbiguousCapture, Reason: biometric.IssueNoFace}, nil
	case errors.Is(err, biometric.ErrMultipleFaces):
		return &VerifyResult{Outcome: model.OutcomeAmbiguousCapture, Reason: biometric.IssueMultipleFaces}, nil
	case err != nil:
		return nil, fmt.Errorf("encoding face: %w", err)
	}

	res, err := s.matcher.Resolve(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("resolving face: %w", err)
	}

	if res.Match == nil {
		s.logger.Info("face not recognized", "reason", res.Reason)
		return &VerifyResult{Outcome: model.OutcomeNoMatch, Reason: res.Reason}, nil
	}

	s.logger.Info("face recognized",
		"employee", res.Match.EmployeeLocalID,
		"distance", res.Match.Distance,
		"reason", res.Reason,
	)
	return &VerifyResult{Outcome: model.OutcomeMatched, Match: res.Match, Reason: res.Reason}, nil
}
