package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiosk-go/internal/biometric"
	"kiosk-go/internal/config"
	"kiosk-go/internal/database"
	"kiosk-go/internal/kiosk"
	"kiosk-go/internal/testutil"
)

const testKioskID = "kiosk-test-1"

// newTestConfig returns a config rooted in a temp dir with a migrated sqlite
// database, filesystem evidence and no encoder.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(testKioskID, t.TempDir())
	cfg.Encoder.URL = ""

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.KioskID)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrating store: %v", err)
	}
	store.Close()
	return cfg
}

func openApp(t *testing.T, cfg *config.Config, operation string) *KioskApp {
	t.Helper()
	a, err := NewKioskApp(context.Background(), cfg, operation)
	if err != nil {
		t.Fatalf("NewKioskApp() error = %v", err)
	}
	return a
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return p
}

const twoEmployees = `[
  {"remote_id": 501, "external_sequence_number": 7, "display_name": "Ada Lovelace"},
  {"remote_id": 502, "external_sequence_number": 8, "display_name": "Ben Franklin"}
]`

func TestNewKioskApp(t *testing.T) {
	t.Run("unmigrated database", func(t *testing.T) {
		cfg := config.NewConfig(testKioskID, t.TempDir())
		cfg.Encoder.URL = ""

		_, err := NewKioskApp(context.Background(), cfg, "employees list")
		if err == nil || !strings.Contains(err.Error(), "kiosk db migrate") {
			t.Errorf("NewKioskApp() error = %v, want migrate hint", err)
		}
	})

	t.Run("encryption without keys", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Evidence.Encrypt = true

		_, err := NewKioskApp(context.Background(), cfg, "employees list")
		if err == nil || !strings.Contains(err.Error(), "kiosk keys init") {
			t.Errorf("NewKioskApp() error = %v, want keys init hint", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Biometric.EarlyAcceptDistance = 0.9

		if _, err := NewKioskApp(context.Background(), cfg, "verify"); err == nil {
			t.Error("NewKioskApp() error = nil, want validation error")
		}
	})

	t.Run("bad encoder url", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Encoder.URL = "ftp://encoder"

		if _, err := NewKioskApp(context.Background(), cfg, "verify"); err == nil {
			t.Error("NewKioskApp() error = nil, want encoder error")
		}
	})
}

func TestSyncRoster_RecordsOperationAndSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	rosterPath := writeFile(t, "roster.json", twoEmployees)

	a := openApp(t, cfg, "roster sync")
	report, err := a.SyncRoster(ctx, rosterPath)
	if err != nil {
		t.Fatalf("SyncRoster() error = %v", err)
	}
	if report.Added != 2 {
		t.Errorf("Added = %d, want 2", report.Added)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	snapshot := filepath.Join(cfg.Evidence.Root, "snapshots", testKioskID, "kiosk.db")
	if _, err := os.Stat(snapshot); err != nil {
		t.Errorf("snapshot not uploaded: %v", err)
	}

	b := openApp(t, cfg, "history")
	defer b.Close()

	ops, err := b.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	op := ops[0]
	if op.Kind != OpRosterSync || op.Status != StatusSuccess || op.FinishedAt == nil {
		t.Errorf("operation = %+v, want finished successful roster sync", op)
	}
	if !strings.Contains(op.Parameters, `"added":2`) {
		t.Errorf("Parameters = %s, want the reconcile report", op.Parameters)
	}

	employees, err := b.ListEmployees(ctx)
	if err != nil {
		t.Fatalf("ListEmployees() error = %v", err)
	}
	if len(employees) != 2 || employees[0].DisplayName != "Ada Lovelace" {
		t.Errorf("employees = %+v, want Ada and Ben", employees)
	}
}

func TestSyncRoster_BadFileFailsOperation(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	rosterPath := writeFile(t, "roster.json", `[{"remote_id": 1, "shoe_size": 44}]`)

	a := openApp(t, cfg, "roster sync")
	if _, err := a.SyncRoster(ctx, rosterPath); err == nil {
		t.Fatal("SyncRoster() error = nil, want decode error")
	}
	a.Close()

	b := openApp(t, cfg, "history")
	defer b.Close()
	ops, err := b.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Status != StatusError {
		t.Errorf("operations = %+v, want one failed roster sync", ops)
	}
}

func TestReadOnlyCommandsAreNotRecorded(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	a := openApp(t, cfg, "employees list")
	if _, err := a.ListEmployees(ctx); err != nil {
		t.Fatalf("ListEmployees() error = %v", err)
	}
	if _, err := a.EnrollmentStatuses(ctx); err != nil {
		t.Fatalf("EnrollmentStatuses() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.Evidence.Root, "snapshots")); !os.IsNotExist(err) {
		t.Errorf("read-only command uploaded a snapshot (stat err = %v)", err)
	}

	b := openApp(t, cfg, "history")
	defer b.Close()
	ops, err := b.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("got %d operations, want 0", len(ops))
	}
}

func TestSubmitActivity_StoresFrameAsEvidence(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	a := openApp(t, cfg, "roster sync")
	if _, err := a.SyncRoster(ctx, writeFile(t, "roster.json", twoEmployees)); err != nil {
		t.Fatalf("SyncRoster() error = %v", err)
	}
	a.Close()

	png, err := biometric.EncodePNG(testutil.Checkerboard())
	if err != nil {
		t.Fatalf("EncodePNG() error = %v", err)
	}
	framePath := writeFile(t, "frame.png", string(png))

	b := openApp(t, cfg, "activity submit")
	defer b.Close()

	res, err := b.SubmitActivity(ctx, "#7", "enter", framePath)
	if err != nil {
		t.Fatalf("SubmitActivity() error = %v", err)
	}
	if !res.Accepted {
		t.Fatalf("SubmitActivity() = %+v, want accepted", res)
	}

	recent, err := b.RecentActivities(ctx, 5)
	if err != nil {
		t.Fatalf("RecentActivities() error = %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("got %d activities, want 1", len(recent))
	}
	key := recent[0].EvidencePath
	if !strings.HasPrefix(key, kiosk.EvidenceActivity+"/") {
		t.Errorf("EvidencePath = %q, want activity key", key)
	}

	var buf bytes.Buffer
	if err := b.OpenEvidence(ctx, key, nil, &buf); err != nil {
		t.Fatalf("OpenEvidence() error = %v", err)
	}
	img, err := biometric.DecodeImage(&buf)
	if err != nil {
		t.Fatalf("stored evidence is not an image: %v", err)
	}
	if img.Bounds() != testutil.Checkerboard().Bounds() {
		t.Errorf("evidence bounds = %v, want %v", img.Bounds(), testutil.Checkerboard().Bounds())
	}
}

func TestSubmitActivity_MissingFrame(t *testing.T) {
	cfg := newTestConfig(t)
	a := openApp(t, cfg, "activity submit")
	defer a.Close()

	if _, err := a.SubmitActivity(context.Background(), "#7", "enter", filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Error("SubmitActivity() error = nil, want missing frame error")
	}
}

func TestOutboxOperations(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	a := openApp(t, cfg, "roster sync")
	if _, err := a.SyncRoster(ctx, writeFile(t, "roster.json", twoEmployees)); err != nil {
		t.Fatalf("SyncRoster() error = %v", err)
	}
	a.Close()

	b := openApp(t, cfg, "activity submit")
	res, err := b.SubmitActivity(ctx, "#8", "exit", "")
	if err != nil {
		t.Fatalf("SubmitActivity() error = %v", err)
	}
	b.Close()

	c := openApp(t, cfg, "outbox ack")
	pending, err := c.PendingActivities(ctx)
	if err != nil {
		t.Fatalf("PendingActivities() error = %v", err)
	}
	if len(pending) != 1 || pending[0].LocalID != res.LocalID {
		t.Fatalf("pending = %+v, want the submitted record", pending)
	}
	if err := c.AckActivity(ctx, res.LocalID, 9001); err != nil {
		t.Fatalf("AckActivity() error = %v", err)
	}
	c.Close()

	d := openApp(t, cfg, "outbox fail")
	defer d.Close()
	if err := d.FailActivity(ctx, res.LocalID, "duplicate"); err == nil {
		t.Error("FailActivity() on an acknowledged record = nil, want error")
	}
	ops, err := d.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	// ops[0] is this still running outbox fail.
	if len(ops) != 3 || ops[1].Kind != OpOutboxAck || ops[1].Status != StatusSuccess {
		t.Errorf("operations = %+v, want a successful outbox ack before the running fail", ops)
	}
}

func TestBackfill_ResumesFromFailedRun(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	a := openApp(t, cfg, "seed")
	op, err := a.store.CreateOperation(ctx, OpBackfill, `{"cursor":7,"batches":1,"encoded":3,"rejected":0,"failed":1,"done":false}`)
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if err := a.store.FinishOperation(ctx, op.ID, StatusError); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	a.Close()

	b := openApp(t, cfg, "backfill")
	state, err := b.Backfill(ctx, nil, true, nil)
	if err == nil {
		t.Fatal("Backfill() without an encoder = nil error")
	}
	if state.Cursor != 7 || state.Encoded != 3 || state.Failed != 1 {
		t.Errorf("state = %+v, want resumed from cursor 7", state)
	}
	b.Close()

	c := openApp(t, cfg, "history")
	defer c.Close()
	ops, err := c.GetHistory(ctx, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 2 || ops[0].Status != StatusError || !strings.Contains(ops[0].Parameters, `"cursor":7`) {
		t.Errorf("operations = %+v, want failed backfill carrying the cursor", ops)
	}
}

func TestUnlockWithoutEncryption(t *testing.T) {
	a := openApp(t, newTestConfig(t), "evidence show")
	defer a.Close()

	if a.EvidenceSealed() {
		t.Error("EvidenceSealed() = true without encryption")
	}
	if _, err := a.Unlock("secret"); err == nil {
		t.Error("Unlock() error = nil, want encryption disabled error")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"
	a := openApp(t, cfg, "serve")
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not stop after cancel")
	}
}

func TestServe_BadAddress(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.Listen = "127.0.0.1:-1"
	a := openApp(t, cfg, "serve")
	defer a.Close()

	if err := a.Serve(context.Background()); err == nil {
		t.Error("Serve() error = nil, want listen error")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.NewConfig(testKioskID, "/tmp/kiosk").Biometric
	opts := OptionsFromConfig(cfg)

	if opts.Dimension != 128 || opts.MinQualityScore != 70 || opts.CacheTTL != 5*time.Minute {
		t.Errorf("OptionsFromConfig() = %+v", opts)
	}
	if opts.Thresholds != biometric.DefaultThresholds() {
		t.Errorf("Thresholds = %+v, want defaults", opts.Thresholds)
	}
}

func TestSnapshotKey(t *testing.T) {
	if got := SnapshotKey("lobby"); got != "snapshots/lobby/kiosk.db" {
		t.Errorf("SnapshotKey() = %q", got)
	}
}
