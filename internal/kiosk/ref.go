package kiosk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"kiosk-go/internal/model"
)

// EmployeeRef identifies an employee the way a kiosk user or the UI names one:
// a bare number is a local id, "#N" or "seq:N" is the manual lookup number.
type EmployeeRef struct {
	LocalID  int64
	Sequence int64
}

// ParseEmployeeRef parses s. Malformed references are a ValidationError.
func ParseEmployeeRef(s string) (EmployeeRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EmployeeRef{}, &model.ValidationError{Field: "employee", Message: "reference is required"}
	}

	raw, bySequence := s, false
	switch {
	case strings.HasPrefix(s, "#"):
		raw, bySequence = s[1:], true
	case strings.HasPrefix(s, "seq:"):
		raw, bySequence = s[len("seq:"):], true
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return EmployeeRef{}, &model.ValidationError{
			Field:   "employee",
			Message: fmt.Sprintf("%q is not a local id, #sequence or seq:sequence", s),
		}
	}
	if bySequence {
		return EmployeeRef{Sequence: n}, nil
	}
	return EmployeeRef{LocalID: n}, nil
}

// LocalRef refers to an employee by local id.
func LocalRef(id int64) EmployeeRef { return EmployeeRef{LocalID: id} }

// SequenceRef refers to an employee by manual lookup number.
func SequenceRef(n int64) EmployeeRef { return EmployeeRef{Sequence: n} }

func (r EmployeeRef) String() string {
	if r.Sequence != 0 {
		return "#" + strconv.FormatInt(r.Sequence, 10)
	}
	return strconv.FormatInt(r.LocalID, 10)
}

// lookupEmployee returns the employee r names, or nil. Sequence lookups only
// see active employees; local id lookups also return tombstoned rows.
func (s *KioskService) lookupEmployee(ctx context.Context, r EmployeeRef) (*model.Employee, error) {
	if r.Sequence != 0 {
		e, err := s.store.FindActiveEmployeeBySequence(ctx, r.Sequence)
		if err != nil {
			return nil, fmt.Errorf("finding employee %s: %w", r, err)
		}
		return e, nil
	}
	e, err := s.store.FindEmployee(ctx, r.LocalID)
	if err != nil {
		return nil, fmt.Errorf("finding employee %s: %w", r, err)
	}
	return e, nil
}

// activeEmployee returns the active employee r names or a NotFoundError.
func (s *KioskService) activeEmployee(ctx context.Context, r EmployeeRef) (*model.Employee, error) {
	e, err := s.lookupEmployee(ctx, r)
	if err != nil {
		return nil, err
	}
	if e == nil || !e.Active() {
		return nil, &model.NotFoundError{Kind: "employee", Ref: r.String()}
	}
	return e, nil
}
