package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kiosk-go/internal/app"
	"kiosk-go/internal/config"
	"kiosk-go/internal/database"
	"kiosk-go/internal/encryption"
	"kiosk-go/internal/kiosk"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, err
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a KioskApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "roster sync").
func newApp(cmd *cobra.Command, operation string) (*app.KioskApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewKioskApp(cmd.Context(), cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// openStore opens the configured database without checking its schema.
func openStore() (*database.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return database.NewStoreFromConfig(cfg.Database, cfg.KioskID)
}

func parseID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return id, nil
}

// stdin is shared so consecutive piped prompts read consecutive lines.
var stdin = bufio.NewReader(os.Stdin)

// readPassphrase prompts on stderr and reads without echo from a terminal,
// or reads one line when stdin is piped.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(b), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// unlock asks for the passphrase when the evidence involved is sealed.
func unlock(a *app.KioskApp, needed bool) (kiosk.DecryptionContext, error) {
	if !needed {
		return nil, nil
	}
	pass, err := readPassphrase("Evidence passphrase: ")
	if err != nil {
		return nil, err
	}
	return a.Unlock(pass)
}

var rootCmd = &cobra.Command{
	Use:   "kiosk",
	Short: "Kiosk identity and activity ledger",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return err
		}

		kioskID, _ := cmd.Flags().GetString("kiosk-id")
		if kioskID == "" {
			kioskID = uuid.New().String()
		}

		cfg := config.NewConfig(kioskID, paths.BaseDir)
		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Kiosk ID: %s\n", kioskID)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Kiosk ID:  %s\n", cfg.KioskID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Evidence:  %s (encrypt=%t)\n", cfg.Evidence.Type, cfg.Evidence.Encrypt)
		fmt.Printf("Encoder:   %s (timeout %s)\n", cfg.Encoder.URL, cfg.Encoder.Timeout)
		fmt.Printf("Listen:    %s\n", cfg.Server.Listen)
		b := cfg.Biometric
		fmt.Printf("Biometric: dimension %d, early accept %g, match %g, cache %s, min score %d\n",
			b.VectorDimension, b.EarlyAcceptDistance, b.MatchDistance, b.CacheTTL, b.MinQualityScore)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\n%s\n%v\n", errFmt("Configuration is invalid:"), err)
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		st, err := store.MigrationStatus()
		if err != nil {
			return err
		}
		fmt.Printf("Database at schema version %d\n", st.Version)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := store.MigrationStatus()
		if err != nil {
			return err
		}
		state := okFmt("current")
		switch {
		case st.Dirty:
			state = errFmt("dirty")
		case !st.Current():
			state = warnFmt("needs migration")
		}
		fmt.Printf("%s: schema version %d of %d (%s)\n", store.Path(), st.Version, st.Latest, state)
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a consistent copy of the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.BackupTo(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Database copied to %s\n", args[0])
		return nil
	},
}

// roster command
var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Reconcile with the remote roster",
}

var rosterSyncCmd = &cobra.Command{
	Use:   "sync FILE",
	Short: "Reconcile a roster snapshot (.json or .yaml)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, app.OpRosterSync)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.SyncRoster(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("roster sync failed: %w", err)
		}
		renderReport(os.Stdout, report)
		return nil
	},
}

// employees command
var employeesCmd = &cobra.Command{
	Use:   "employees",
	Short: "Look up employees",
}

var employeesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active employees",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "employees list")
		if err != nil {
			return err
		}
		defer a.Close()

		employees, err := a.ListEmployees(cmd.Context())
		if err != nil {
			return err
		}
		renderEmployees(os.Stdout, employees)
		return nil
	},
}

var employeesShowCmd = &cobra.Command{
	Use:   "show REF",
	Short: "Show one employee (local id, #sequence or seq:sequence)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "employees show")
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.ShowEmployee(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderEmployee(os.Stdout, e)
		return nil
	},
}

// enroll command
var enrollCmd = &cobra.Command{
	Use:   "enroll REF FRAME",
	Short: "Enroll an employee from a captured frame",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, app.OpEnroll)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Enroll(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}
		renderEnroll(os.Stdout, res)
		return nil
	},
}

// verify command
var verifyCmd = &cobra.Command{
	Use:   "verify FRAME",
	Short: "Identify the person in a captured frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "verify")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		renderVerify(os.Stdout, res)
		return nil
	},
}

// activity command
var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Record and view enter/exit activity",
}

var activitySubmitCmd = &cobra.Command{
	Use:   "submit REF DIRECTION",
	Short: "Record an enter or exit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		frame, _ := cmd.Flags().GetString("frame")

		a, err := newApp(cmd, "activity submit")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.SubmitActivity(cmd.Context(), args[0], args[1], frame)
		if err != nil {
			return err
		}
		renderSubmit(os.Stdout, res)
		return nil
	},
}

var activityRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the newest activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "activity recent")
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.RecentActivities(cmd.Context(), limit)
		if err != nil {
			return err
		}
		renderActivities(os.Stdout, views)
		return nil
	},
}

var activityRangeCmd = &cobra.Command{
	Use:   "range FROM [TO]",
	Short: "Show activity between two dates (YYYY-MM-DD)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to := args[0], args[0]
		if len(args) == 2 {
			to = args[1]
		}

		a, err := newApp(cmd, "activity range")
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.ActivitiesBetween(cmd.Context(), from, to)
		if err != nil {
			return err
		}
		renderActivities(os.Stdout, views)
		return nil
	},
}

// outbox command
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and settle activity awaiting upstream sync",
}

var outboxPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List activity awaiting sync, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "outbox pending")
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.PendingActivities(cmd.Context())
		if err != nil {
			return err
		}
		renderActivities(os.Stdout, views)
		return nil
	},
}

var outboxAckCmd = &cobra.Command{
	Use:   "ack LOCAL_ID REMOTE_ID",
	Short: "Record the remote id assigned to an activity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		localID, err := parseID("local id", args[0])
		if err != nil {
			return err
		}
		remoteID, err := parseID("remote id", args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, app.OpOutboxAck)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.AckActivity(cmd.Context(), localID, remoteID); err != nil {
			return err
		}
		fmt.Printf("Activity #%d synced as %d\n", localID, remoteID)
		return nil
	},
}

var outboxFailCmd = &cobra.Command{
	Use:   "fail LOCAL_ID MESSAGE...",
	Short: "Record why the remote system refused an activity",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		localID, err := parseID("local id", args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, app.OpOutboxFail)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.FailActivity(cmd.Context(), localID, strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("Activity #%d marked as refused\n", localID)
		return nil
	},
}

// enrollment command
var enrollmentCmd = &cobra.Command{
	Use:   "enrollment",
	Short: "Manage enrollments",
}

var enrollmentDeleteCmd = &cobra.Command{
	Use:   "delete REF",
	Short: "Clear an employee's enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, app.OpEnrollmentDelete)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteEnrollment(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Enrollment of %s deleted\n", args[0])
		return nil
	},
}

var enrollmentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enrollment state of active employees",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "enrollment status")
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.EnrollmentStatuses(cmd.Context())
		if err != nil {
			return err
		}
		renderEnrollmentStatuses(os.Stdout, statuses)
		return nil
	},
}

// evidence command
var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Review captured evidence",
}

var evidenceShowCmd = &cobra.Command{
	Use:   "show KEY",
	Short: "Write an evidence frame to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		a, err := newApp(cmd, "evidence show")
		if err != nil {
			return err
		}
		defer a.Close()

		decryptCtx, err := unlock(a, kiosk.IsSealed(args[0]))
		if err != nil {
			return err
		}

		f, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", out, err)
		}
		if err := a.OpenEvidence(cmd.Context(), args[0], decryptCtx, f); err != nil {
			f.Close()
			os.Remove(out)
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		fmt.Printf("Evidence written to %s\n", out)
		return nil
	},
}

// backfill command
var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Encode vectors for enrolled employees that have evidence but no vector",
	RunE: func(cmd *cobra.Command, args []string) error {
		resume, _ := cmd.Flags().GetBool("resume")

		a, err := newApp(cmd, app.OpBackfill)
		if err != nil {
			return err
		}
		defer a.Close()

		decryptCtx, err := unlock(a, a.EvidenceSealed())
		if err != nil {
			return err
		}

		state, err := a.Backfill(cmd.Context(), decryptCtx, resume, func(s kiosk.BackfillState) {
			renderBackfill(os.Stdout, s)
		})
		if err != nil {
			renderBackfill(os.Stderr, state)
			return fmt.Errorf("backfill stopped (rerun with --resume): %w", err)
		}
		fmt.Printf("Backfill done: %d encoded, %d rejected, %d failed\n", state.Encoded, state.Rejected, state.Failed)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the evidence encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the evidence key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("setting up keys: %w", err)
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		if !cfg.Evidence.Encrypt {
			fmt.Println(warnFmt("Set encrypt = true in [evidence] to seal new frames."))
		}
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key frames are sealed to",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		age, ok := enc.(*encryption.AgeEncryptor)
		if !ok {
			return fmt.Errorf("encryption type %q has no public key", cfg.Encryption.Type)
		}
		key, err := age.PublicKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		renderHistory(os.Stdout, ops)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cmd, "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("kiosk-id", "", "Kiosk id (default: a new UUID)")
	configCmd.AddCommand(configListCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbBackupCmd)

	rosterCmd.AddCommand(rosterSyncCmd)

	employeesCmd.AddCommand(employeesListCmd)
	employeesCmd.AddCommand(employeesShowCmd)

	// activity subcommands
	activityCmd.AddCommand(activitySubmitCmd)
	activitySubmitCmd.Flags().String("frame", "", "Captured frame to keep as evidence")
	activityCmd.AddCommand(activityRecentCmd)
	activityRecentCmd.Flags().IntP("limit", "n", 20, "Maximum number of records to show")
	activityCmd.AddCommand(activityRangeCmd)

	// outbox subcommands
	outboxCmd.AddCommand(outboxPendingCmd)
	outboxCmd.AddCommand(outboxAckCmd)
	outboxCmd.AddCommand(outboxFailCmd)

	enrollmentCmd.AddCommand(enrollmentDeleteCmd)
	enrollmentCmd.AddCommand(enrollmentStatusCmd)

	evidenceCmd.AddCommand(evidenceShowCmd)
	evidenceShowCmd.Flags().StringP("out", "o", "evidence.png", "File to write the frame to")

	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)

	backfillCmd.Flags().Bool("resume", false, "Continue the last backfill that stopped with an error")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(rosterCmd)
	rootCmd.AddCommand(employeesCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(enrollmentCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(serveCmd)
}
