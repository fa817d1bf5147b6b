package kiosk

import (
	"context"
	"fmt"

	"kiosk-go/internal/model"
)

// ListEmployees returns the active roster ordered by name.
func (s *KioskService) ListEmployees(ctx context.Context) ([]*model.Employee, error) {
	employees, err := s.store.ListActiveEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing employees: %w", err)
	}
	return employees, nil
}

// EmployeeBySequence returns the active employee with the given manual lookup number.
func (s *KioskService) EmployeeBySequence(ctx context.Context, sequence int64) (*model.Employee, error) {
	return s.activeEmployee(ctx, SequenceRef(sequence))
}

// Employee returns the employee ref names, tombstoned or not.
func (s *KioskService) Employee(ctx context.Context, ref EmployeeRef) (*model.Employee, error) {
	e, err := s.lookupEmployee(ctx, ref)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &model.NotFoundError{Kind: "employee", Ref: ref.String()}
	}
	return e, nil
}
