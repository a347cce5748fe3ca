package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"skillscan/internal/results"
	"skillscan/internal/task"
)

var queueOutFile string

// queueCmd materializes the pending queue without running anything
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Build and write the pending task queue",
	Long: `Reads the master task list, drops every task that already has a
SAFE, SUSPICIOUS or MALICIOUS result, and writes the remainder as the
pending queue. ERROR results are treated as not done.`,
	RunE: runQueue,
}

func init() {
	queueCmd.Flags().StringVar(&queueOutFile, "out", "", "Queue output path (default: <tasks>/queue.txt)")
	queueCmd.Flags().StringVar(&auditTasksFile, "tasks", "", "Master task list (default: <tasks>/all_tasks.txt)")
	queueCmd.Flags().IntVar(&auditLimit, "limit", 0, "Cap the queue at N tasks (0 = all)")
}

func runQueue(cmd *cobra.Command, args []string) error {
	store := results.NewStore(cfg.Paths.Results)
	pending, skipped, err := buildPendingQueue(store)
	if err != nil {
		return err
	}

	out := queueOutFile
	if out == "" {
		out = filepath.Join(cfg.Paths.Tasks, "queue.txt")
	}
	if err := task.WriteQueue(out, pending); err != nil {
		return err
	}

	fmt.Printf("Wrote %d pending tasks to %s (%d already done)\n", len(pending), out, skipped)
	return nil
}
