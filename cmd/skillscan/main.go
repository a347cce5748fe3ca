package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"skillscan/internal/config"
	"skillscan/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workers    int

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "skillscan",
	Short: "skillscan - agent-skill security audit pipeline",
	Long: `skillscan audits untrusted agent skills in two stages.

The audit stage sends each skill to an AI analysis tool through a bounded
worker pool, classifies the verdicts into SAFE / SUSPICIOUS / MALICIOUS /
ERROR result files, and skips work that already has a result so interrupted
batches resume cleanly.

The sandbox stage executes confirmed-malicious skills inside isolated,
instrumented containers and collects syscall traces, network captures,
filesystem diffs and tool-use hook reports as forensic evidence.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if workers > 0 {
			cfg.Analyzer.Workers = workers
			cfg.Sandbox.Workers = workers
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		return logging.Initialize(loggingOptions())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// loggingOptions derives the category-logger settings. Debug logging turns
// on through either the config's debug_mode or the --verbose flag.
func loggingOptions() logging.Options {
	return logging.Options{
		DebugMode:  verbose || cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		Dir:        cfg.Logging.Dir,
	}
}

// ledgerPath locates the batch-history database next to the results tree.
func ledgerPath() string {
	return filepath.Join(cfg.Paths.Workspace, "skillscan.db")
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "skillscan.yaml", "Config file path")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Override worker count for audit and sandbox stages")

	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(sandboxCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
