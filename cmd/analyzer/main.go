package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"acl-analyzer/internal/metrics"
)

var (
	logLevel    string
	logFile     string
	metricsFile string
)

// app carries what the subcommands share for one invocation.
type app struct {
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{metrics: metrics.New()}
	rootCmd := &cobra.Command{
		Use:   "acl-analyzer",
		Short: "Evaluate, trace and explain firewall access lists",
		Long: `acl-analyzer compiles firewall policies into access lists and answers questions about
them: which line decides a flow and why, what a list permits, and which lists on a fleet of
devices are really the same.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(setupLogger(logLevel, logFile))
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.metrics.WriteToTextfile(metricsFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when the command finishes")

	rootCmd.AddCommand(
		newFilterCmd(a),
		newExplainCmd(a),
		newCanonicalCmd(a),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// The logger is not set up yet, so a bad path silently falls back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}
