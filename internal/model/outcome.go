package model

// Outcome is the business result of a biometric operation. Negative outcomes
// are not system errors.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeQualityRejected  Outcome = "quality_rejected"
	OutcomeAmbiguousCapture Outcome = "ambiguous_capture"
	OutcomeMatched          Outcome = "matched"
	OutcomeNoMatch          Outcome = "no_match"
)
