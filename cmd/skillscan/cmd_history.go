package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"skillscan/internal/ledger"
)

var historyLimit int

// historyCmd shows recorded batch runs from the ledger
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent pipeline batches and lifetime totals",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of recent batches to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	l, err := ledger.Open(ledgerPath())
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batches, err := l.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Println("No batches recorded yet.")
		return nil
	}

	fmt.Println(headerStyle.Render("Recent batches"))
	fmt.Printf("%s\n", labelStyle.Render(
		fmt.Sprintf("  %-4s %-8s %-20s %-9s %6s %6s %6s %6s %6s",
			"ID", "STAGE", "STARTED", "TOOK", "QUEUED", "SAFE", "SUSP", "MAL", "ERR")))
	for _, b := range batches {
		fmt.Printf("  %-4d %-8s %-20s %-9s %6d %6d %6d %6d %6d\n",
			b.ID, b.Stage,
			b.StartedAt.Local().Format("2006-01-02 15:04:05"),
			b.Duration().Round(time.Second),
			b.Queued, b.Safe, b.Suspicious, b.Malicious, b.Errors)
	}

	for _, stage := range []ledger.Stage{ledger.StageAudit, ledger.StageSandbox} {
		totals, err := l.Totals(ctx, stage)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s queued=%d safe=%d suspicious=%d malicious=%d errors=%d\n",
			labelStyle.Render(fmt.Sprintf("Lifetime %s:", stage)),
			totals.Queued, totals.Safe, totals.Suspicious, totals.Malicious, totals.Errors)
	}
	return nil
}
