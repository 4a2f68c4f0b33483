package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tweakengine/internal/config"
	"tweakengine/internal/engine"
	"tweakengine/internal/events"
	"tweakengine/internal/logging"
	"tweakengine/internal/privilege"
	"tweakengine/internal/recovery"
	"tweakengine/internal/store"
	"tweakengine/internal/system"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a process exit code other than 1. A nil err means the
// command already reported everything it had to say.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// app holds the global flags and the components built from them. Components
// are opened lazily so that explain and --help never touch the database.
type app struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
	jsonOut    bool

	// newSystem and gate replace the native backends in tests.
	newSystem func(*config.Config) system.System
	gate      privilege.Gate

	runID   string
	cfg     *config.Config
	logger  *logging.Logger
	audit   *logging.AuditLogger
	store   *store.Store
	events  *events.Dispatcher
	manager *engine.Manager
}

func newApp() *app {
	return &app{
		runID: uuid.NewString(),
		newSystem: func(cfg *config.Config) system.System {
			return system.Native(system.Options{ServiceWait: cfg.ServiceWait()})
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tweakctl",
		Short: "Apply and revert Windows tweaks transactionally",
		Long: `tweakctl applies tweak definitions to the local machine. Every change is
snapshotted into a local history database before it is made, so any tweak can
be reverted and interrupted runs can be recovered.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to config file")
	flags.StringVar(&a.dbPath, "db", "", "path to the history database")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (text, json)")
	flags.BoolVar(&a.jsonOut, "json", false, "output in JSON format")

	root.AddCommand(
		newApplyCmd(a),
		newRevertCmd(a),
		newListCmd(a),
		newHistoryCmd(a),
		newRecoverCmd(a),
		newVerifyCmd(a),
		newExplainCmd(a),
		newMigrateCmd(a),
		newConfigCmd(a),
	)
	return root
}

// loadConfig reads the configuration and applies the command line overrides.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}

	path := a.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if a.dbPath != "" {
		cfg.Storage.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}

	if err := cfg.Validate(); err != nil {
		var verrs config.ValidationErrors
		if !errors.As(err, &verrs) || verrs.HasErrors() {
			return nil, err
		}
	}
	a.cfg = cfg
	return cfg, nil
}

// open builds every component a history-backed command needs.
func (a *app) open(ctx context.Context, command string) error {
	if a.manager != nil {
		return nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.logger = logger.WithRunID(a.runID)

	var verrs config.ValidationErrors
	if errors.As(cfg.Validate(), &verrs) {
		for _, w := range verrs.Warnings() {
			a.logger.Warn("config warning", "field", w.Field, "message", w.Message)
		}
	}

	sinks := []events.Sink{events.LogSink{Logger: a.logger.Logger}}
	if ac := cfg.AuditLoggerConfig(); ac != nil {
		audit, err := logging.NewAuditLogger(ac)
		if err != nil {
			return fmt.Errorf("create audit logger: %w", err)
		}
		a.audit = audit
		sinks = append(sinks, events.AuditSink{Audit: audit})
		if err := audit.LogStartup(logging.ContextWithRunID(ctx, a.runID), command, version); err != nil {
			a.logger.Warn("audit startup record failed", "error", err)
		}
	}

	st, err := store.Open(ctx, cfg.Storage.Path, store.Options{BusyTimeout: cfg.BusyTimeout()})
	if err != nil {
		return err
	}
	a.store = st
	sinks = append(sinks, events.StoreSink{Store: st})
	a.events = events.NewDispatcher(a.logger.Logger, sinks...)

	gate := a.gate
	if gate == nil {
		gate = privilege.Allow()
		if cfg.Engine.RequireElevation {
			gate = privilege.OS()
		}
	}

	a.manager, err = engine.New(engine.Options{
		Store:  st,
		System: a.newSystem(cfg),
		Gate:   gate,
		Events: a.events,
		Logger: a.logger.WithComponent("engine").Logger,
		RunID:  a.runID,
	})
	return err
}

// scanner skips entries updated within staleAfter, which may belong to
// another tweakctl still running.
func (a *app) scanner(staleAfter time.Duration) *recovery.Scanner {
	return &recovery.Scanner{
		Store:      a.store,
		Manager:    a.manager,
		StaleAfter: staleAfter,
		Events:     a.events,
		RunID:      a.runID,
		Logger:     a.logger.WithComponent("recovery").Logger,
	}
}

// recoverOnStartup reconciles interrupted runs before a mutating command
// when the configuration asks for it. A fatal recovery error stops the
// command; anything else is logged and the command proceeds.
func (a *app) recoverOnStartup(ctx context.Context) error {
	if !a.cfg.Recovery.OnStartup {
		return nil
	}
	report, err := a.scanner(a.cfg.StaleAfter()).Recover(ctx)
	if report != nil && report.Detected > 0 {
		a.logger.Info("startup recovery",
			"detected", report.Detected, "recovered", report.Recovered, "failed", report.Failed)
	}
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	return nil
}

func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return logging.OrDiscard(nil)
	}
	return a.logger.Logger
}

// pruneCrashReports removes crash reports older than maxAge. It runs before
// close so that a failure still reaches the log.
func (a *app) pruneCrashReports(crash *logging.CrashHandler, maxAge time.Duration) {
	if err := crash.CleanupOldCrashReports(maxAge); err != nil {
		a.log().Warn("crash report cleanup failed", "error", err)
	}
}

// close releases everything open built, in reverse order.
func (a *app) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
