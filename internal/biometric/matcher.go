package biometric

import (
	"context"
	"fmt"
	"math"

	"kiosk-go/internal/model"
)

// Distance thresholds.
const (
	DefaultEarlyAcceptDistance = 0.4
	DefaultMatchDistance       = 0.6
)

// Resolution reasons.
const (
	ReasonEarlyAccept   = "early_accept"
	ReasonBestMatch     = "best_match"
	ReasonNoEnrolled    = "no_enrolled_employees"
	ReasonNoCloseEnough = "no_match"
)

// EntrySource supplies the entries to scan, in a fixed order.
type EntrySource interface {
	Get(ctx context.Context) ([]model.MatchCacheEntry, error)
}

// Logger follows slog conventions: alternating key/value pairs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Match is an identified employee.
type Match struct {
	EmployeeLocalID int64   `json:"employee_local_id"`
	DisplayName     string  `json:"display_name"`
	SequenceNumber  *int64  `json:"external_sequence_number,omitempty"`
	Distance        float64 `json:"distance"`
	Confidence      int     `json:"confidence"` // display only
}

// Resolution is the matcher's answer. Match is nil when nobody was identified.
type Resolution struct {
	Match  *Match `json:"match,omitempty"`
	Reason string `json:"reason"`
}

// Thresholds are the distances the matcher decides with.
type Thresholds struct {
	EarlyAccept float64
	Match       float64
}

// DefaultThresholds returns the standard distances.
func DefaultThresholds() Thresholds {
	return Thresholds{EarlyAccept: DefaultEarlyAcceptDistance, Match: DefaultMatchDistance}
}

// Matcher finds the enrolled employee nearest to a probe vector.
type Matcher struct {
	source     EntrySource
	dimension  int
	thresholds Thresholds
	logger     Logger
}

// NewMatcher creates a Matcher. dimension is the expected vector length; zero
// accepts any length that matches the entry being compared.
func NewMatcher(source EntrySource, dimension int, thresholds Thresholds, logger Logger) *Matcher {
	return &Matcher{source: source, dimension: dimension, thresholds: thresholds, logger: logger}
}

// Resolve scans the entries in order. A distance under the early-accept
// threshold ends the scan; otherwise the nearest entry is a match only when
// its distance is under the match threshold. The first entry at the minimum wins.
func (m *Matcher) Resolve(ctx context.Context, probe []float64) (*Resolution, error) {
	if len(probe) == 0 {
		return nil, &model.ValidationError{Field: "probe", Message: "empty feature vector"}
	}
	if m.dimension > 0 && len(probe) != m.dimension {
		return nil, &model.ValidationError{
			Field:   "probe",
			Message: fmt.Sprintf("feature vector has %d values, want %d", len(probe), m.dimension),
		}
	}

	entries, err := m.source.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Resolution{Reason: ReasonNoEnrolled}, nil
	}

	var best *model.MatchCacheEntry
	bestDist := math.Inf(1)
	for i := range entries {
		e := &entries[i]
		if len(e.FeatureVector) != len(probe) {
			m.logger.Warn("skipping match entry with wrong dimension",
				"employee_local_id", e.EmployeeLocalID, "dimension", len(e.FeatureVector))
			continue
		}

		d := Distance(probe, e.FeatureVector)
		if d < bestDist {
			best, bestDist = e, d
		}
		if d < m.thresholds.EarlyAccept {
			return &Resolution{Match: newMatch(e, d), Reason: ReasonEarlyAccept}, nil
		}
	}

	if best == nil {
		return &Resolution{Reason: ReasonNoEnrolled}, nil
	}
	if bestDist < m.thresholds.Match {
		return &Resolution{Match: newMatch(best, bestDist), Reason: ReasonBestMatch}, nil
	}
	return &Resolution{Reason: ReasonNoCloseEnough}, nil
}

func newMatch(e *model.MatchCacheEntry, d float64) *Match {
	return &Match{
		EmployeeLocalID: e.EmployeeLocalID,
		DisplayName:     e.DisplayName,
		SequenceNumber:  e.SequenceNumber,
		Distance:        d,
		Confidence:      Confidence(d),
	}
}

// Distance is the Euclidean distance between two vectors of equal length.
func Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Confidence converts a distance to a rounded percentage in [0, 100].
func Confidence(d float64) int {
	c := int(math.Round((1 - d) * 100))
	return max(0, min(100, c))
}
