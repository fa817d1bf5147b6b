package kiosk

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/model"
)

// DefaultBackfillBatch is the batch size used when none is given.
const DefaultBackfillBatch = 25

// BackfillState is the resumable position of a backfill. It is plain data so
// a caller can persist it between runs and resume with NewBackfill.
type BackfillState struct {
	Cursor   int64 `json:"cursor"` // highest local id processed
	Batches  int   `json:"batches"`
	Encoded  int   `json:"encoded"`
	Rejected int   `json:"rejected"` // evidence the encoder found no single face in
	Failed   int   `json:"failed"`   // evidence missing, unreadable or of the wrong dimension
	Done     bool  `json:"done"`
}

// Backfill computes vectors for active employees that have enrollment evidence
// but no vector, one batch per Step. Each batch reselects employees still
// missing a vector past the cursor, so rerunning a batch is harmless.
type Backfill struct {
	svc        *KioskService
	batchSize  int
	decryptCtx DecryptionContext
	state      BackfillState
}

// NewBackfill creates a backfill resuming from state. decryptCtx is needed
// when enrollment evidence is sealed and may otherwise be nil.
func (s *KioskService) NewBackfill(batchSize int, decryptCtx DecryptionContext, state BackfillState) *Backfill {
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatch
	}
	return &Backfill{svc: s, batchSize: batchSize, decryptCtx: decryptCtx, state: state}
}

// State returns the current position.
func (b *Backfill) State() BackfillState {
	return b.state
}

// Step processes the next batch and reports whether the backfill is done.
// An encoder or store failure stops the step before the failing employee;
// the cursor only covers employees that were fully handled.
func (b *Backfill) Step(ctx context.Context) (bool, error) {
	if b.state.Done {
		return true, nil
	}
	s := b.svc
	if s.encoder == nil {
		return false, errors.New("no face encoder configured")
	}

	employees, err := s.store.EmployeesAwaitingVector(ctx, b.state.Cursor, b.batchSize)
	if err != nil {
		return false, fmt.Errorf("selecting backfill batch: %w", err)
	}

	written := 0
	defer func() {
		if written > 0 {
			s.cache.Invalidate()
		}
	}()

	for _, e := range employees {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		ok, err := b.encodeOne(ctx, e)
		if err != nil {
			return false, err
		}
		if ok {
			written++
		}
		b.state.Cursor = e.LocalID
	}

	b.state.Batches++
	if len(employees) < b.batchSize {
		b.state.Done = true
	}

	s.logger.Info("backfill batch done",
		"batch", b.state.Batches,
		"size", len(employees),
		"encoded", written,
		"cursor", b.state.Cursor,
	)
	return b.state.Done, nil
}

// encodeOne returns true when a vector was stored. Problems with the
// employee's own evidence are counted and skipped; anything else is returned.
func (b *Backfill) encodeOne(ctx context.Context, e *model.Employee) (bool, error) {
	s := b.svc

	var buf bytes.Buffer
	if err := s.OpenEvidence(ctx, e.EnrollmentEvidence, b.decryptCtx, &buf); err != nil {
		s.logger.Warn("backfill: evidence unavailable", "employee", e.LocalID, "key", e.EnrollmentEvidence, "error", err)
		b.state.Failed++
		return false, nil
	}
	img, err := biometric.DecodeImage(&buf)
	if err != nil {
		s.logger.Warn("backfill: evidence unreadable", "employee", e.LocalID, "error", err)
		b.state.Failed++
		return false, nil
	}

	vector, err := s.encoder.Encode(ctx, img)
	switch {
	case errors.Is(err, biometric.ErrNoFace), errors.Is(err, biometric.ErrMultipleFaces):
		s.logger.Warn("backfill: evidence rejected by encoder", "employee", e.LocalID, "error", err)
		b.state.Rejected++
		return false, nil
	case err != nil:
		return false, fmt.Errorf("encoding employee %d: %w", e.LocalID, err)
	}
	if err := s.checkDimension(vector); err != nil {
		s.logger.Warn("backfill: bad vector", "employee", e.LocalID, "error", err)
		b.state.Failed++
		return false, nil
	}

	now := s.clock.Now()
	if err := s.store.SetFeatureVector(ctx, e.LocalID, vector, &now); err != nil {
		return false, fmt.Errorf("storing vector for employee %d: %w", e.LocalID, err)
	}
	b.state.Encoded++
	return true, nil
}
