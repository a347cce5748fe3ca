package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skillscan/internal/ledger"
	"skillscan/internal/results"
	"skillscan/internal/sandbox"
	"skillscan/internal/task"
)

var (
	sandboxLimit    int
	sandboxIdentity string
)

// sandboxCmd executes confirmed-malicious skills in instrumented containers
var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Execute MALICIOUS-classified skills in isolated containers",
	Long: `Selects every task from the master list whose audit verdict was
MALICIOUS and runs each one inside an isolated container under syscall
tracing, network capture and filesystem monitoring. Each run leaves a
record.json plus collected artifacts under the execution logs directory,
whether it completed, timed out or failed.`,
	RunE: runSandbox,
}

func init() {
	sandboxCmd.Flags().StringVar(&auditTasksFile, "tasks", "", "Master task list (default: <tasks>/all_tasks.txt)")
	sandboxCmd.Flags().IntVar(&sandboxLimit, "limit", 0, "Execute at most N skills (0 = all)")
	sandboxCmd.Flags().StringVar(&sandboxIdentity, "identity", "", "Execute only this task identity, regardless of verdict")
}

// selectSandboxTasks picks the tasks to execute: MALICIOUS verdicts from the
// result index, or a single explicitly named identity.
func selectSandboxTasks() ([]task.Task, error) {
	raw, err := task.LoadQueue(masterTasksPath())
	if err != nil {
		return nil, err
	}

	if sandboxIdentity != "" {
		for _, t := range raw {
			if t.Identity() == sandboxIdentity {
				return []task.Task{t}, nil
			}
		}
		return nil, fmt.Errorf("identity %s not found in task list", sandboxIdentity)
	}

	idx, err := results.BuildIndex(cfg.Paths.Results)
	if err != nil {
		return nil, err
	}
	malicious := make(map[string]bool)
	for _, id := range idx.InCategory(results.CategoryMalicious) {
		malicious[id] = true
	}

	var selected []task.Task
	for _, t := range raw {
		if malicious[t.Identity()] {
			selected = append(selected, t)
		}
	}
	if sandboxLimit > 0 && len(selected) > sandboxLimit {
		selected = selected[:sandboxLimit]
	}
	return selected, nil
}

func runSandbox(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal, stopping sandbox batch")
			cancel()
		case <-ctx.Done():
		}
	}()

	tasks, err := selectSandboxTasks()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No MALICIOUS verdicts to execute.")
		return nil
	}

	runtime := sandbox.NewDockerRuntime()
	if !runtime.Available() {
		return fmt.Errorf("docker is not available; the sandbox stage requires a container engine")
	}

	hookMode := sandbox.HookMode(cfg.Sandbox.HookMode)
	orch := sandbox.NewOrchestrator(runtime, sandbox.Options{
		Image:        cfg.Sandbox.Image,
		Network:      cfg.Sandbox.Network,
		PidsLimit:    cfg.Sandbox.PidsLimit,
		Timeout:      cfg.SandboxTimeout(),
		Workers:      cfg.Sandbox.Workers,
		HookDir:      cfg.Sandbox.HookDir,
		HookMode:     hookMode,
		ReportWait:   cfg.ReportWait(),
		ArtifactsDir: cfg.Paths.ExecutionLogs,
	})

	logger.Info("Starting sandbox batch",
		zap.Int("tasks", len(tasks)),
		zap.Int("workers", cfg.Sandbox.Workers),
		zap.String("image", cfg.Sandbox.Image))

	started := time.Now()
	summary, records := orch.RunBatch(ctx, tasks)

	recordBatch(ledger.Batch{
		Stage:      ledger.StageSandbox,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Queued:     len(tasks),
		Malicious:  summary.Completed + summary.TimedOut,
		Errors:     summary.Errors,
	})

	for _, r := range records {
		if r.HookSummary != nil && r.HookSummary.Alerts > 0 {
			logger.Warn("hook alerts during execution",
				zap.String("identity", r.Identity),
				zap.Int("alerts", r.HookSummary.Alerts))
		}
	}

	fmt.Println(renderSandboxSummary(summary, cfg.Paths.ExecutionLogs))
	return nil
}
