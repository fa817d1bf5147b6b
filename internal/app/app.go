package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"time"

	"kiosk-go/internal/api"
	"kiosk-go/internal/biometric"
	"kiosk-go/internal/config"
	"kiosk-go/internal/database"
	"kiosk-go/internal/encoder"
	"kiosk-go/internal/encryption"
	"kiosk-go/internal/evidence"
	"kiosk-go/internal/kiosk"
	"kiosk-go/internal/model"
	"kiosk-go/internal/roster"
)

// Operation kinds recorded for mutating CLI commands.
const (
	OpRosterSync       = "roster sync"
	OpEnroll           = "enroll"
	OpEnrollmentDelete = "enrollment delete"
	OpBackfill         = "backfill"
	OpOutboxAck        = "outbox ack"
	OpOutboxFail       = "outbox fail"
)

// KioskApp is the application layer between the CLI and KioskService.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw CLI arguments, and manages the DB lifecycle on Close.
type KioskApp struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	vault     kiosk.EvidenceVault
	encryptor kiosk.Encryptor // nil unless evidence.encrypt is set
	encoder   *encoder.Client // nil when no encoder url is configured
	service   *kiosk.KioskService
	logger    *slog.Logger
	op        *Operation
	logFile   *os.File
}

// NewKioskApp creates a fully wired KioskApp from the given config.
// operation names the CLI command being run; it is only recorded once the
// command mutates the store. The caller must call Close when done.
func NewKioskApp(ctx context.Context, cfg *config.Config, operation string) (*KioskApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	v, err := evidence.NewVaultFromConfig(ctx, cfg.Evidence)
	if err != nil {
		return nil, fmt.Errorf("creating evidence vault: %w", err)
	}

	var enc kiosk.Encryptor
	if cfg.Evidence.Encrypt {
		enc, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		if !enc.IsConfigured() {
			return nil, errors.New("evidence encryption is enabled but no keys exist: run `kiosk keys init`")
		}
	}

	var client *encoder.Client
	if cfg.Encoder.URL != "" {
		client, err = encoder.NewClientFromConfig(cfg.Encoder)
		if err != nil {
			return nil, fmt.Errorf("creating encoder client: %w", err)
		}
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.KioskID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date (run `kiosk db migrate`): %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	// A nil *encoder.Client must not reach the service as a non-nil interface.
	var faces kiosk.FaceEncoder
	if client != nil {
		faces = client
	}

	svc := kiosk.NewKioskService(store, v, enc, faces, OptionsFromConfig(cfg.Biometric),
		logger, kiosk.SystemClock{}, kiosk.RandomTokens{})

	return &KioskApp{
		cfg:       cfg,
		store:     store,
		vault:     v,
		encryptor: enc,
		encoder:   client,
		service:   svc,
		logger:    logger,
		op:        NewOperation(operation, ""),
		logFile:   logFile,
	}, nil
}

// OptionsFromConfig converts the biometric config section to service options.
func OptionsFromConfig(cfg config.BiometricConfig) kiosk.Options {
	return kiosk.Options{
		Dimension: cfg.VectorDimension,
		Thresholds: biometric.Thresholds{
			EarlyAccept: cfg.EarlyAcceptDistance,
			Match:       cfg.MatchDistance,
		},
		MinQualityScore: cfg.MinQualityScore,
		CacheTTL:        cfg.CacheTTL.Duration,
	}
}

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only DB-mutating commands call it.
func (a *KioskApp) persistOperation(ctx context.Context, kind string, params any) error {
	if a.op.Persisted() {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding operation parameters: %w", err)
	}
	a.op.Kind = kind
	a.op.Parameters = string(raw)

	dbOp, err := a.store.CreateOperation(ctx, a.op.Kind, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// recordParameters replaces the persisted operation's parameters, e.g. with
// the report a command produced.
func (a *KioskApp) recordParameters(ctx context.Context, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		a.logger.Warn("encoding operation result", "error", err)
		return
	}
	a.op.Parameters = string(raw)
	if err := a.store.SetOperationParameters(ctx, a.op.ID, a.op.Parameters); err != nil {
		a.logger.Warn("recording operation result", "operation", a.op.ID, "error", err)
	}
}

// track marks the current operation as failed when err is non-nil and
// passes err through.
func (a *KioskApp) track(err error) error {
	if err != nil {
		a.op.Fail()
	}
	return err
}

// SyncRoster reconciles the roster snapshot file at rosterPath. The report is
// stored as the operation's parameters.
func (a *KioskApp) SyncRoster(ctx context.Context, rosterPath string) (*model.ReconcileReport, error) {
	if err := a.persistOperation(ctx, OpRosterSync, map[string]string{"source": rosterPath}); err != nil {
		return nil, err
	}
	records, err := roster.Load(rosterPath)
	if err != nil {
		return nil, a.track(err)
	}
	report, err := a.service.SyncRoster(ctx, records)
	if err != nil {
		return nil, a.track(err)
	}
	a.recordParameters(ctx, report)
	return report, nil
}

// ListEmployees returns the active employees ordered by name.
func (a *KioskApp) ListEmployees(ctx context.Context) ([]*model.Employee, error) {
	return a.service.ListEmployees(ctx)
}

// ShowEmployee resolves a raw employee reference ("12", "#7", "seq:7").
func (a *KioskApp) ShowEmployee(ctx context.Context, rawRef string) (*model.Employee, error) {
	ref, err := kiosk.ParseEmployeeRef(rawRef)
	if err != nil {
		return nil, err
	}
	return a.service.Employee(ctx, ref)
}

// Enroll reads the frame at imagePath and enrolls it for the employee.
func (a *KioskApp) Enroll(ctx context.Context, rawRef, imagePath string) (*kiosk.EnrollResult, error) {
	ref, err := kiosk.ParseEmployeeRef(rawRef)
	if err != nil {
		return nil, err
	}
	img, err := readImage(imagePath)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(ctx, OpEnroll, map[string]string{"employee": ref.String(), "frame": imagePath}); err != nil {
		return nil, err
	}
	res, err := a.service.Enroll(ctx, ref, img)
	if err != nil {
		return nil, a.track(err)
	}
	a.recordParameters(ctx, map[string]any{"employee": ref.String(), "frame": imagePath, "result": res})
	return res, nil
}

// Verify reads the frame at imagePath and identifies who is in it.
func (a *KioskApp) Verify(ctx context.Context, imagePath string) (*kiosk.VerifyResult, error) {
	img, err := readImage(imagePath)
	if err != nil {
		return nil, err
	}
	return a.service.Verify(ctx, img)
}

// SubmitActivity records a clock event. When framePath is set the frame is
// stored as activity evidence first and its key becomes the evidence ref.
func (a *KioskApp) SubmitActivity(ctx context.Context, rawRef, direction, framePath string) (*kiosk.SubmitResult, error) {
	var evidenceRef string
	if framePath != "" {
		img, err := readImage(framePath)
		if err != nil {
			return nil, err
		}
		data, err := biometric.EncodePNG(img)
		if err != nil {
			return nil, err
		}
		evidenceRef, err = a.service.StoreEvidence(ctx, kiosk.EvidenceActivity, data)
		if err != nil {
			return nil, err
		}
	}
	return a.service.SubmitActivity(ctx, kiosk.SubmitRequest{
		Employee:    rawRef,
		Direction:   direction,
		EvidenceRef: evidenceRef,
	})
}

// RecentActivities returns the newest activity records.
func (a *KioskApp) RecentActivities(ctx context.Context, limit int) ([]*model.ActivityView, error) {
	return a.service.RecentActivities(ctx, limit)
}

// ActivitiesBetween returns activity records whose local date is within
// [from, to] (YYYY-MM-DD).
func (a *KioskApp) ActivitiesBetween(ctx context.Context, from, to string) ([]*model.ActivityView, error) {
	return a.service.ActivitiesBetween(ctx, from, to)
}

// PendingActivities returns the outbox, oldest first.
func (a *KioskApp) PendingActivities(ctx context.Context) ([]*model.ActivityView, error) {
	return a.service.PendingActivities(ctx)
}

// AckActivity records the remote id for an outbox entry.
func (a *KioskApp) AckActivity(ctx context.Context, localID, remoteID int64) error {
	params := map[string]int64{"local_id": localID, "remote_id": remoteID}
	if err := a.persistOperation(ctx, OpOutboxAck, params); err != nil {
		return err
	}
	return a.track(a.service.AckActivity(ctx, localID, remoteID))
}

// FailActivity records a remote refusal for an outbox entry.
func (a *KioskApp) FailActivity(ctx context.Context, localID int64, message string) error {
	params := map[string]any{"local_id": localID, "message": message}
	if err := a.persistOperation(ctx, OpOutboxFail, params); err != nil {
		return err
	}
	return a.track(a.service.FailActivity(ctx, localID, message))
}

// DeleteEnrollment clears the employee's vector and enrollment evidence.
func (a *KioskApp) DeleteEnrollment(ctx context.Context, rawRef string) error {
	ref, err := kiosk.ParseEmployeeRef(rawRef)
	if err != nil {
		return err
	}
	if err := a.persistOperation(ctx, OpEnrollmentDelete, map[string]string{"employee": ref.String()}); err != nil {
		return err
	}
	return a.track(a.service.DeleteEnrollment(ctx, ref))
}

// EnrollmentStatuses lists every active employee with their enrollment state.
func (a *KioskApp) EnrollmentStatuses(ctx context.Context) ([]*kiosk.EnrollmentStatus, error) {
	return a.service.EnrollmentStatuses(ctx)
}

// EvidenceSealed reports whether new evidence is encrypted.
func (a *KioskApp) EvidenceSealed() bool {
	return a.encryptor != nil
}

// Unlock opens the evidence private key for this session.
func (a *KioskApp) Unlock(passphrase string) (kiosk.DecryptionContext, error) {
	if a.encryptor == nil {
		return nil, errors.New("evidence encryption is not enabled")
	}
	return a.encryptor.Unlock(passphrase)
}

// OpenEvidence writes the plaintext evidence stored under key to w.
func (a *KioskApp) OpenEvidence(ctx context.Context, key string, decryptCtx kiosk.DecryptionContext, w io.Writer) error {
	return a.service.OpenEvidence(ctx, key, decryptCtx, w)
}

// Backfill encodes vectors for employees that have enrollment evidence but
// no vector. With resume set it continues from the last unfinished backfill.
// The state is stored as the operation's parameters after every batch, and
// progress is called with it.
func (a *KioskApp) Backfill(ctx context.Context, decryptCtx kiosk.DecryptionContext, resume bool, progress func(kiosk.BackfillState)) (kiosk.BackfillState, error) {
	var state kiosk.BackfillState
	if resume {
		prev, err := a.lastUnfinishedBackfill(ctx)
		if err != nil {
			return state, err
		}
		if prev != nil {
			state = *prev
		}
	}

	if err := a.persistOperation(ctx, OpBackfill, state); err != nil {
		return state, err
	}

	b := a.service.NewBackfill(a.cfg.Backfill.BatchSize, decryptCtx, state)
	for {
		done, err := b.Step(ctx)
		a.recordParameters(ctx, b.State())
		if err != nil {
			return b.State(), a.track(err)
		}
		if progress != nil {
			progress(b.State())
		}
		if done {
			return b.State(), nil
		}
	}
}

// lastUnfinishedBackfill returns the state of the most recent backfill when
// it ended in error, or nil.
func (a *KioskApp) lastUnfinishedBackfill(ctx context.Context) (*kiosk.BackfillState, error) {
	ops, err := a.store.ListOperations(ctx, 100)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	for _, op := range ops {
		if op.Kind != OpBackfill {
			continue
		}
		if op.Status != StatusError {
			return nil, nil
		}
		var state kiosk.BackfillState
		if err := json.Unmarshal([]byte(op.Parameters), &state); err != nil {
			return nil, fmt.Errorf("decoding backfill state of operation %d: %w", op.ID, err)
		}
		return &state, nil
	}
	return nil, nil
}

// GetHistory returns the most recent operations.
func (a *KioskApp) GetHistory(ctx context.Context, limit int) ([]*model.Operation, error) {
	return a.service.GetHistory(ctx, limit)
}

// Serve runs the HTTP API on the configured listen address until ctx is done.
func (a *KioskApp) Serve(ctx context.Context) error {
	var health api.HealthChecker
	if a.encoder != nil {
		health = a.encoder
	}
	h := api.New(a.service, a.store, health, a.logger)

	srv := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	a.logger.Info("api listening", "addr", a.cfg.Server.Listen)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	a.logger.Info("api stopped")
	return nil
}

// readImage decodes the JPEG or PNG frame stored in file.
func readImage(file string) (image.Image, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening frame: %w", err)
	}
	defer f.Close()
	return biometric.DecodeImage(f)
}

// SnapshotKey is the evidence vault key database snapshots are uploaded to.
func SnapshotKey(kioskID string) string {
	return path.Join("snapshots", kioskID, "kiosk.db")
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, snapshots the DB,
// and uploads the snapshot to the evidence vault.
// For non-persisted operations: just closes the database.
func (a *KioskApp) Close() error {
	ctx := context.Background()
	var firstErr error

	if a.op.Persisted() {
		if err := a.store.FinishOperation(ctx, a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}

		tmpPath, err := a.snapshot(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}

		if tmpPath != "" {
			if err := a.uploadSnapshot(ctx, tmpPath); err != nil && firstErr == nil {
				firstErr = err
			}
			os.Remove(tmpPath)
		}
	} else if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// snapshot copies the database to a temp file and returns its path.
func (a *KioskApp) snapshot(ctx context.Context) (string, error) {
	tmpFile, err := os.CreateTemp("", "kiosk-db-snapshot-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for db snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tmpPath)
	if err := a.store.BackupTo(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

func (a *KioskApp) uploadSnapshot(ctx context.Context, tmpPath string) error {
	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening db snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db snapshot: %w", err)
	}

	if err := a.vault.Put(ctx, SnapshotKey(a.cfg.KioskID), f, info.Size()); err != nil {
		return fmt.Errorf("uploading db snapshot: %w", err)
	}
	return nil
}
