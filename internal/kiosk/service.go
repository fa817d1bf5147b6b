package kiosk

import (
	"context"
	"fmt"
	"time"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/model"
	"kiosk-go/internal/outbox"
	"kiosk-go/internal/reconcile"
)

// FaceEncoder is the external biometric encoder: it locates faces for the
// quality gate and turns a single-face frame into a feature vector.
type FaceEncoder interface {
	biometric.Detector
	biometric.Encoder
}

// Options tune the biometric pipeline.
type Options struct {
	Dimension       int // required feature vector length; 0 accepts any
	Thresholds      biometric.Thresholds
	MinQualityScore int
	CacheTTL        time.Duration
}

// DefaultOptions returns the standard biometric settings for 128-value vectors.
func DefaultOptions() Options {
	return Options{
		Dimension:       128,
		Thresholds:      biometric.DefaultThresholds(),
		MinQualityScore: biometric.DefaultMinScore,
		CacheTTL:        biometric.DefaultCacheTTL,
	}
}

// KioskService is the orchestration layer that coordinates the identity store,
// the biometric pipeline, roster reconciliation and the outbox to perform the
// operations needed by the CLI and the HTTP API.
type KioskService struct {
	store     Store
	evidence  EvidenceVault
	encryptor Encryptor // nil stores evidence in the clear
	encoder   FaceEncoder
	cache     *biometric.MatchCache
	gate      *biometric.QualityGate
	matcher   *biometric.Matcher
	engine    *reconcile.Engine
	outbox    *outbox.Queue
	dimension int
	logger    Logger
	clock     Clock
	idgen     IDGenerator
}

// NewKioskService creates a new KioskService with the provided dependencies.
// evidence, encryptor and encoder may be nil; operations that need a missing
// collaborator return an error.
func NewKioskService(store Store, evidence EvidenceVault, encryptor Encryptor, encoder FaceEncoder, opts Options, logger Logger, clock Clock, idgen IDGenerator) *KioskService {
	cache := biometric.NewMatchCache(store, clock, opts.CacheTTL)
	return &KioskService{
		store:     store,
		evidence:  evidence,
		encryptor: encryptor,
		encoder:   encoder,
		cache:     cache,
		gate:      biometric.NewQualityGate(opts.MinQualityScore),
		matcher:   biometric.NewMatcher(cache, opts.Dimension, opts.Thresholds, logger),
		engine:    reconcile.NewEngine(store, cache, clock, logger, opts.Dimension),
		outbox:    outbox.NewQueue(store, logger),
		dimension: opts.Dimension,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
	}
}

// MatchCache exposes the cache for health reporting.
func (s *KioskService) MatchCache() *biometric.MatchCache {
	return s.cache
}

// SyncRoster reconciles a remote roster snapshot into the identity store.
// The match cache is invalidated by the engine once the pass has committed;
// enrollment evidence the roster cleared is deleted after that.
func (s *KioskService) SyncRoster(ctx context.Context, roster []model.RemoteEmployee) (*model.ReconcileReport, error) {
	s.logger.Info("roster sync started", "records", len(roster))
	report, err := s.engine.Reconcile(ctx, roster)
	if err != nil {
		return nil, err
	}
	for _, key := range report.ReleasedEvidence {
		s.dropEvidence(ctx, key)
	}
	return report, nil
}

// PendingActivities returns the records still to be pushed upstream, oldest first.
func (s *KioskService) PendingActivities(ctx context.Context) ([]*model.ActivityView, error) {
	return s.outbox.Pending(ctx)
}

// AckActivity records the remote id assigned to an activity record.
func (s *KioskService) AckActivity(ctx context.Context, localID, remoteID int64) error {
	return s.outbox.Ack(ctx, localID, remoteID)
}

// FailActivity records why the remote system refused an activity record.
func (s *KioskService) FailActivity(ctx context.Context, localID int64, message string) error {
	return s.outbox.Fail(ctx, localID, message)
}

// GetHistory returns the most recent operations, newest first.
func (s *KioskService) GetHistory(ctx context.Context, limit int) ([]*model.Operation, error) {
	ops, err := s.store.ListOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}
