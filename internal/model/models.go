package model

import "time"

// Employee is a roster member known to this kiosk.
// Rows are created by roster reconciliation and never hard-deleted.
type Employee struct {
	LocalID            int64
	RemoteID           *int64 // nil until the first successful roster sync
	DisplayName        string
	ExternalCode       string
	SequenceNumber     *int64    // number typed at the kiosk for manual lookup
	FeatureVector      []float64 // nil when not enrolled
	EnrolledAt         *time.Time
	EnrollmentEvidence string // evidence key of the enrollment frame, "" if none
	CreatedAt          time.Time
	DeletedAt          *time.Time // tombstone
}

// Active reports whether the employee has not been tombstoned.
func (e *Employee) Active() bool { return e.DeletedAt == nil }

// Enrolled reports whether the employee carries a feature vector.
func (e *Employee) Enrolled() bool { return len(e.FeatureVector) > 0 }

// Direction of an activity entry.
type Direction string

const (
	DirectionEnter Direction = "enter"
	DirectionExit  Direction = "exit"
)

// ParseDirection accepts the canonical names and the kiosk's legacy in/out labels.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "enter", "in", "IN":
		return DirectionEnter, nil
	case "exit", "out", "OUT":
		return DirectionExit, nil
	default:
		return "", &ValidationError{Field: "direction", Message: "must be enter or exit, got " + quote(s)}
	}
}

// ActivityStatus is fixed when an activity record is created.
type ActivityStatus string

const (
	ActivitySucceeded ActivityStatus = "succeeded"
	ActivityFailed    ActivityStatus = "failed"
)

// ActivityRecord is one enter/exit attempt captured at the kiosk.
type ActivityRecord struct {
	LocalID         int64
	SyncToken       string // idempotency key towards the remote system
	EmployeeLocalID *int64 // nil when the requested employee could not be resolved
	RequestedRef    string // employee reference as given by the caller
	Direction       Direction
	OccurredDate    string // 2006-01-02
	OccurredTime    string // 15:04:05
	EvidencePath    string
	RemoteID        *int64 // non-nil once acknowledged by the remote system
	Status          ActivityStatus
	LocalError      string
	RemoteError     string
	CreatedAt       time.Time
}

// PendingSync reports whether the record still has to be pushed upstream.
func (r *ActivityRecord) PendingSync() bool {
	return r.RemoteID == nil && r.Status == ActivitySucceeded
}

// ActivityView is an activity record joined with its employee, for display
// and for the external sync driver.
type ActivityView struct {
	ActivityRecord
	EmployeeName     string
	EmployeeCode     string
	EmployeeSequence *int64
	EmployeeRemoteID *int64
}

// MatchCacheEntry is the in-memory projection of an enrolled, active employee.
type MatchCacheEntry struct {
	EmployeeLocalID int64
	DisplayName     string
	FeatureVector   []float64
	SequenceNumber  *int64
}

// VectorState tells reconciliation what the roster said about a feature vector.
type VectorState int

const (
	// VectorAbsent means the roster did not mention the vector: no opinion.
	VectorAbsent VectorState = iota
	// VectorCleared means the roster explicitly reported no enrollment.
	VectorCleared
	// VectorProvided means the roster carried a vector.
	VectorProvided
)

// RemoteEmployee is one record of a remote roster snapshot.
type RemoteEmployee struct {
	RemoteID       int64
	SequenceNumber *int64
	DisplayName    string
	ExternalCode   *string // nil: no opinion
	Vector         []float64
	VectorState    VectorState
	EnrolledAt     *time.Time

	// Malformed is set when the record could not be decoded. RemoteID and
	// DisplayName then hold whatever could be read; reconciliation skips it.
	Malformed error
}

// Skip explains why a roster record or a deletion candidate was not applied.
type Skip struct {
	RemoteID    *int64 `json:"remote_id,omitempty"`
	LocalID     int64  `json:"local_id,omitempty"`
	DisplayName string `json:"display_name"`
	Reason      string `json:"reason"`
}

// ReconcileReport is the audit output of one reconciliation pass.
type ReconcileReport struct {
	Added          int    `json:"added"`
	Updated        int    `json:"updated"`
	Deleted        int    `json:"deleted"`
	Skipped        int    `json:"skipped"`
	Skips          []Skip `json:"skips"`
	Restored       int    `json:"restored"`
	VectorsChanged int    `json:"vectors_changed"`

	// ReleasedEvidence lists enrollment evidence keys the roster cleared.
	// The objects are deleted from the vault once the pass has committed.
	ReleasedEvidence []string `json:"-"`
}

// Changed reports whether the pass touched anything the match cache projects
// (vectors, tombstones, or the names and numbers carried by cache entries).
func (r *ReconcileReport) Changed() bool {
	return r.Added > 0 || r.Updated > 0 || r.Deleted > 0
}

// Operation is a persisted record of a mutating kiosk command.
type Operation struct {
	ID         int64
	Kind       string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
}
