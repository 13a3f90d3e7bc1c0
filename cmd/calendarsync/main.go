// CalendarSync is an unattended engine that reconciles CRM meeting, call,
// and task records against external calendar providers per account, with
// checksum-based change detection and timestamp conflict resolution.
//
// Usage:
//
//	calendarsync daemon [--config <path>]       # start the polling engine
//	calendarsync sync-once [--config <path>]    # single sync pass then exit
//	calendarsync migrate [--apply] [--account]  # back-fill linkage for existing events
//	calendarsync test-connection --account <id> # verify an account's provider access
//	calendarsync status                         # show config, DB, and last-run state
//	calendarsync version                        # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crmsync/calendarsync/internal/blob"
	"github.com/crmsync/calendarsync/internal/config"
	"github.com/crmsync/calendarsync/internal/migrate"
	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/provider"
	"github.com/crmsync/calendarsync/internal/provider/google"
	"github.com/crmsync/calendarsync/internal/report"
	"github.com/crmsync/calendarsync/internal/settings"
	"github.com/crmsync/calendarsync/internal/store"
	syncp "github.com/crmsync/calendarsync/internal/sync"
	"github.com/crmsync/calendarsync/internal/telemetry"
	"github.com/crmsync/calendarsync/internal/window"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch os.Args[1] {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "migrate":
		return runMigrate(os.Args[2:])
	case "test-connection":
		return runTestConnection(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("calendarsync", version)
		return nil
	}

	return fmt.Errorf("unknown command %q, run 'calendarsync' for usage", os.Args[1])
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "CalendarSync - reconcile CRM activities with external calendars")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  calendarsync daemon [--config ...]        Run the polling engine")
	fmt.Fprintln(os.Stderr, "  calendarsync sync-once [--config ...]     Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  calendarsync migrate [--apply]            Back-fill linkage for existing events")
	fmt.Fprintln(os.Stderr, "  calendarsync test-connection --account ID Verify provider access for an account")
	fmt.Fprintln(os.Stderr, "  calendarsync status                       Show config, DB, and last-run state")
	fmt.Fprintln(os.Stderr, "  calendarsync version                      Print version")
	fmt.Fprintln(os.Stderr, "")

	os.Exit(1)
	return nil // unreachable
}

// app bundles everything the subcommands compose out of the configuration.
type app struct {
	cfg      *config.Config
	store    *store.Store
	manager  *settings.Manager
	registry *provider.Registry
	log      *slog.Logger

	shutdownTelemetry telemetry.ShutdownFunc
}

// newApp is the composition root shared by all subcommands that touch the
// database and providers.
func newApp(cfgPath string, verbose bool) (*app, error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"db", cfg.DBPath,
		"poll_interval", cfg.PollInterval,
		"provider_dirs", len(cfg.ProviderDirs),
	)

	var shutdownTel telemetry.ShutdownFunc
	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err = telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
			shutdownTel = nil
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database at %q: %w", cfg.DBPath, err)
	}
	logger.Info("database opened", "path", cfg.DBPath)

	manager := settings.NewManager(st, logger)

	factory := provider.NewInstanceFactory(logger)
	factory.RegisterDriver(google.Driver, google.New)

	registry := provider.NewRegistry(factory, provider.NewInternalConstructor(st), cfg.ProviderDirs, logger)
	logger.Info("providers discovered", "types", len(registry.FindAll()))

	return &app{
		cfg:               cfg,
		store:             st,
		manager:           manager,
		registry:          registry,
		log:               logger,
		shutdownTelemetry: shutdownTel,
	}, nil
}

// close flushes telemetry and releases the database.
func (a *app) close() {
	if a.shutdownTelemetry != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownTelemetry(flushCtx); err != nil {
			a.log.Error("telemetry shutdown error", "error", err)
		}
		cancel()
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("closing database", "error", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// --- daemon / sync-once ------------------------------------------------------

func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	reconciler := syncp.NewReconciler(a.registry, a.store, a.store, a.manager, logHook(a.log), a.log)
	engine := syncp.NewEngine(reconciler, a.cfg.PollInterval, a.cfg.ReportPath, a.log)

	ctx, stop := signalContext()
	defer stop()

	if !daemon {
		a.log.Info("running single sync pass")
		status, err := engine.RunOnce(ctx)
		fmt.Println(status.Render())
		if merr := a.manager.SetLastManualRun(ctx, time.Now()); merr != nil {
			a.log.Error("recording manual run time", "error", merr)
		}
		return err
	}

	a.log.Info("daemon starting", "poll_interval", a.cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

// logHook is the default post-operation hook: it surfaces internal-side
// mutations so downstream CRM automation has an audit trail to tail.
func logHook(logger *slog.Logger) syncp.Hook {
	return func(_ context.Context, op model.Operation) {
		logger.Info("calendar event hook",
			"action", op.Action,
			"subject", op.SubjectID,
			"account", op.AccountID,
			"user", op.UserID,
		)
	}
}

// --- migrate -----------------------------------------------------------------

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	apply := fs.Bool("apply", false, "write matched linkage (default is dry-run)")
	accountID := fs.String("account", "", "restrict to a single account id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()

	cfg, err := a.manager.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading sync settings: %w", err)
	}
	w, err := window.ForSyncWindows(time.Now(), cfg.SyncWindowPastDays, cfg.SyncWindowFutureDays, 0)
	if err != nil {
		return fmt.Errorf("building sync window: %w", err)
	}

	accounts, err := a.store.EnabledAccounts(ctx, 0)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	if *accountID != "" {
		var filtered []model.Account
		for _, acct := range accounts {
			if acct.ID == *accountID {
				filtered = append(filtered, acct)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("no enabled account with id %q", *accountID)
		}
		accounts = filtered
	}

	migrator := migrate.NewMigrator(a.store, a.store, a.registry, a.log)

	failed := false
	for _, acct := range accounts {
		res := migrator.Run(ctx, acct, w, !*apply)
		printMigrationResult(res)
		if res.Failed() {
			failed = true
		}
	}
	if !*apply {
		fmt.Println("\ndry run only; re-run with --apply to write linkage")
	}
	if failed {
		return errors.New("migration failed for one or more accounts")
	}
	return nil
}

func printMigrationResult(res report.MigrationResult) {
	switch {
	case res.WasSkipped():
		fmt.Printf("account %s: skipped (%s)\n", res.AccountID, res.Message)
	case res.Failed():
		fmt.Printf("account %s: FAILED (%s)\n", res.AccountID, res.Message)
	case res.IsDryRun():
		fmt.Printf("account %s: %d match(es) found\n", res.AccountID, res.Matched)
		for _, d := range res.Details {
			fmt.Printf("  %s: %s\n", d.Subject, d.Message)
		}
	default:
		fmt.Printf("account %s: %d match(es), %d linked\n", res.AccountID, res.Matched, res.Linked)
	}
}

// --- test-connection ---------------------------------------------------------

func runTestConnection(args []string) error {
	fs := flag.NewFlagSet("test-connection", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	accountID := fs.String("account", "", "account id to test (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *accountID == "" {
		return errors.New("--account is required")
	}

	a, err := newApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()

	acct, err := a.store.Account(ctx, *accountID)
	if err != nil {
		return fmt.Errorf("loading account %q: %w", *accountID, err)
	}
	if acct == nil {
		return fmt.Errorf("no account with id %q", *accountID)
	}

	prov, err := a.registry.ProviderForAccount(*acct)
	if err != nil {
		return err
	}

	res := prov.TestConnection(ctx)
	if !res.Success {
		return fmt.Errorf("connection test failed for account %q: %s (%s)",
			acct.ID, res.ErrorMessage, res.ErrorCode)
	}
	fmt.Printf("account %s: OK (calendar %s)\n", acct.ID, res.ExternalCalendarID)
	return nil
}

// --- status ------------------------------------------------------------------

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("CalendarSync Status")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:   %s (invalid: %v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:   %s\n", *cfgPath)
	fmt.Printf("  Poll:     %s\n", cfg.PollInterval)

	if info, err := os.Stat(cfg.DBPath); err == nil {
		fmt.Printf("  Database: %s (%s)\n", cfg.DBPath, humanSize(info.Size()))
	} else {
		fmt.Printf("  Database: not found (%s)\n", cfg.DBPath)
	}

	var last report.RunStatus
	ok, err := blob.Read(cfg.ReportPath, &last)
	if err != nil {
		return fmt.Errorf("reading last-run report: %w", err)
	}
	if !ok {
		fmt.Println("  Last run: no report available")
		return nil
	}
	fmt.Println("")
	fmt.Println(last.Render())
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
