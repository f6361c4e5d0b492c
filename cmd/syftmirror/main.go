package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
	"github.com/spf13/cobra"
)

// process exit codes
const (
	exitOK       = 0
	exitItems    = 1 // failed items or unresolved conflicts
	exitRunLevel = 2 // bad config, locked, ledger unusable
)

var (
	home, _ = os.UserHomeDir()

	logLevel = new(slog.LevelVar)
	logFile  io.Closer
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// exitError carries a process exit code through cobra.
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

func (e *exitError) Unwrap() error {
	return e.err
}

func runLevel(err error) error {
	return &exitError{code: exitRunLevel, err: err}
}

var rootCmd = &cobra.Command{
	Use:           "syftmirror",
	Short:         "Keep local directories and a remote object store in sync",
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel.Set(slog.LevelDebug)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on stderr")
}

func main() {
	setupLogger()

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, rootCmd)
	stop()
	os.Exit(code)
}

// execute runs the command tree and maps the outcome to an exit code.
func execute(ctx context.Context, root *cobra.Command) int {
	defer func() {
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
	}()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(root.ErrOrStderr(), "%s %s\n", red("ERROR"), ee.err)
		}
		return ee.code
	}

	// anything else is a usage error or failed before a run started
	fmt.Fprintf(root.ErrOrStderr(), "%s %s\n", red("ERROR"), err)
	return exitRunLevel
}

// setupLogger installs a colored stderr handler. stdout is kept for
// reports so that --json output stays parseable.
func setupLogger() {
	logLevel.Set(slog.LevelInfo)
	slog.SetDefault(slog.New(stderrHandler()))
}

func stderrHandler() slog.Handler {
	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
}

// attachLogFile adds a debug level file handler below the state dir.
// Failing to open the file only costs the file log.
func attachLogFile(cfg *config.Config) {
	if logFile != nil {
		return
	}

	path := cfg.LogPath()
	if err := utils.EnsureParent(path); err != nil {
		slog.Warn("log file disabled", "path", path, "error", err)
		return
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("log file disabled", "path", path, "error", err)
		return
	}
	logFile = file

	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stderrHandler(), fileHandler)))
}
