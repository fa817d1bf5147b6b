package app

// Operation statuses stored in the operations table.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks a CLI command that may mutate the database.
// Operations are created in memory with ID=0. Only DB-mutating commands
// persist them (giving them an auto-increment ID from the database).
type Operation struct {
	ID         int64
	Kind       string
	Parameters string // JSON
	Status     string
}

// NewOperation creates a new in-memory operation that succeeds unless failed.
func NewOperation(kind, parameters string) *Operation {
	return &Operation{
		Kind:       kind,
		Parameters: parameters,
		Status:     StatusSuccess,
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = StatusError
}
