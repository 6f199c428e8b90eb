package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/escarabajo/internal/config"
	"github.com/dshills/escarabajo/internal/kb"
	"github.com/dshills/escarabajo/internal/pathmap"
	"github.com/dshills/escarabajo/internal/storage"
	"github.com/dshills/escarabajo/internal/telemetry"
)

// Exit codes
const (
	ExitCodeFailure    = 1
	ExitCodeSyncErrors = 3 // the run finished but some sources failed
)

var (
	repoPath  string
	logLevel  string
	version   string
	buildTime string

	svc       *kb.Service
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "escarabajo",
	Short: "Keep plain-text copies of a repository's office documents",
	Long: `escarabajo converts the DOCX, PPTX and PDF documents of a repository into
plain-text files under a cache directory inside the repository, so coding
assistants can read them with ordinary file tools.

Sources are never modified. A ledger records which source each text file
came from and when it was generated; only changed sources are re-extracted.

The repository defaults to the current directory or $` + config.EnvRepo + `.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for commands that never touch the repository
		switch cmd.Name() {
		case "help", "completion", "version", "prompts":
			return nil
		}
		return openService()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeService()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "escarabajo %s\n", version)
		fmt.Fprintf(out, "Build Time: %s\n", buildTime)
		fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
		fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
	},
}

// exitError carries a process exit code through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and exits non-zero on failure
func Execute(ver, built string) {
	version, buildTime = ver, built
	rootCmd.Version = ver

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = closeService()
	if err == nil {
		return
	}

	code := ExitCodeFailure
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}

func init() {
	defaultRepo := os.Getenv(config.EnvRepo)
	if defaultRepo == "" {
		defaultRepo = "."
	}
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "r", defaultRepo, "repository root")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides log.level")
	rootCmd.AddCommand(versionCmd)
}

// openService builds the logger from the repository configuration and
// opens the knowledge base
func openService() error {
	root, err := pathmap.ResolveRoot(repoPath)
	if err != nil {
		return err
	}

	cfg, err := config.Ensure(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	// stdout carries command output and, for serve, the MCP protocol
	logger, logCloser = telemetry.NewLogger(telemetry.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, root, os.Stderr)

	recorder, err := telemetry.NewRecorder(nil)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		recorder = telemetry.NoopRecorder{}
	}

	svc, err = kb.Open(kb.Options{
		Root:          root,
		ServerVersion: version,
		Logger:        logger,
		Recorder:      recorder,
	})
	if err != nil {
		return err
	}
	return nil
}

func closeService() error {
	var err error
	if svc != nil {
		err = svc.Close()
		svc = nil
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
	return err
}

// printJSON writes v as indented JSON to the command's output
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// syncResult prints a report and maps source failures to the sync exit code
func syncResult(cmd *cobra.Command, rep *kb.Report) error {
	if err := printJSON(cmd, rep); err != nil {
		return err
	}
	if rep.Errors > 0 {
		return &exitError{
			code: ExitCodeSyncErrors,
			err:  fmt.Errorf("%d of %d sources failed", rep.Errors, rep.Processed),
		}
	}
	return nil
}
