package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skillscan/internal/analyzer"
	"skillscan/internal/keypool"
	"skillscan/internal/ledger"
	"skillscan/internal/logging"
	"skillscan/internal/results"
	"skillscan/internal/task"
)

var (
	auditTasksFile string
	auditForce     bool
	auditLimit     int
	auditDryRun    bool
)

// auditCmd runs the AI analysis stage over the pending queue
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Analyze queued skills and classify the verdicts",
	Long: `Builds the pending queue from the master task list, skipping every task
that already has a SAFE, SUSPICIOUS or MALICIOUS result, then analyzes the
rest through a bounded worker pool. ERROR results do not count as done, so
rerunning the command retries them.

Task lines are pipe-delimited: name|path|prompt|repo_id|risk_level|top_level`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditTasksFile, "tasks", "", "Master task list (default: <tasks>/all_tasks.txt)")
	auditCmd.Flags().BoolVar(&auditForce, "force", false, "Discard existing results and re-analyze everything")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Analyze at most N tasks (0 = all)")
	auditCmd.Flags().BoolVar(&auditDryRun, "dry-run", false, "Show what would run without analyzing")
}

func masterTasksPath() string {
	if auditTasksFile != "" {
		return auditTasksFile
	}
	return filepath.Join(cfg.Paths.Tasks, "all_tasks.txt")
}

// buildPendingQueue loads the master list and filters out completed work.
func buildPendingQueue(store *results.Store) (pending []task.Task, skipped int, err error) {
	raw, err := task.LoadQueue(masterTasksPath())
	if err != nil {
		return nil, 0, err
	}

	idx, err := results.BuildIndex(store.Root())
	if err != nil {
		return nil, 0, err
	}

	pending = task.BuildQueue(raw, idx.Completed())
	skipped = len(raw) - len(pending)
	if auditLimit > 0 && len(pending) > auditLimit {
		pending = pending[:auditLimit]
	}
	logging.Queue("Queue built: %d raw, %d pending, %d already done", len(raw), len(pending), skipped)
	return pending, skipped, nil
}

func buildClient() (analyzer.Client, error) {
	var systemPrompt string
	if cfg.Analyzer.PromptFile != "" {
		data, err := os.ReadFile(cfg.Analyzer.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt file: %w", err)
		}
		systemPrompt = string(data)
	}

	switch cfg.Analyzer.Provider {
	case "gemini":
		return analyzer.NewGeminiClient(cfg.Analyzer.Model, systemPrompt, cfg.AnalyzerTimeout()), nil
	default:
		return analyzer.NewClaudeCLIClient(systemPrompt, cfg.Analyzer.BaseURLEnv, cfg.AnalyzerTimeout()), nil
	}
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal, finishing in-flight tasks")
			cancel()
		case <-ctx.Done():
		}
	}()

	store := results.NewStore(cfg.Paths.Results)
	if auditForce {
		logger.Warn("force: clearing all existing results", zap.String("dir", store.Root()))
		if err := store.ClearAll(); err != nil {
			return err
		}
	}
	if err := store.EnsureDirs(); err != nil {
		return err
	}

	pending, skipped, err := buildPendingQueue(store)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("Nothing to do: every task already has a result.")
		return nil
	}
	if auditDryRun {
		for _, t := range pending {
			fmt.Printf("%s  (%s)\n", t.Identity(), t.RiskLevel)
		}
		fmt.Printf("%d tasks would be analyzed, %d already done\n", len(pending), skipped)
		return nil
	}

	client, err := buildClient()
	if err != nil {
		return err
	}
	pool := keypool.New(cfg.Pool.File, cfg.Pool.CursorFile, cfg.Pool.LockFile)

	logger.Info("Starting audit batch",
		zap.Int("pending", len(pending)),
		zap.Int("workers", cfg.Analyzer.Workers),
		zap.String("provider", client.Name()))

	started := time.Now()
	runner := analyzer.NewRunner(client, pool, store, analyzer.Options{
		Workers: cfg.Analyzer.Workers,
		Stagger: time.Duration(cfg.Analyzer.StaggerMs) * time.Millisecond,
	})
	summary, err := runner.Run(ctx, pending)
	if err != nil {
		return err
	}

	recordBatch(ledger.Batch{
		Stage:      ledger.StageAudit,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Queued:     len(pending),
		Safe:       summary.Safe,
		Suspicious: summary.Suspicious,
		Malicious:  summary.Malicious,
		Errors:     summary.Error,
	})

	fmt.Println(renderAuditSummary(summary, skipped))
	return nil
}

// recordBatch appends to the batch ledger. History is advisory: failure to
// record never fails the batch itself.
func recordBatch(b ledger.Batch) {
	l, err := ledger.Open(ledgerPath())
	if err != nil {
		logger.Warn("batch ledger unavailable", zap.Error(err))
		return
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.Record(ctx, b); err != nil {
		logger.Warn("failed to record batch", zap.Error(err))
	}
}
