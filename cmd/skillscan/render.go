package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"skillscan/internal/analyzer"
	"skillscan/internal/results"
	"skillscan/internal/sandbox"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	safeStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	suspiciousStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	maliciousStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 2)
)

func categoryStyle(c results.Category) lipgloss.Style {
	switch c {
	case results.CategorySafe:
		return safeStyle
	case results.CategorySuspicious:
		return suspiciousStyle
	case results.CategoryMalicious:
		return maliciousStyle
	default:
		return errorStyle
	}
}

// renderAuditSummary prints the per-category outcome of one audit batch.
func renderAuditSummary(s analyzer.Summary, skipped int) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Audit batch complete"))
	b.WriteString("\n\n")

	rows := []struct {
		c results.Category
		n int
	}{
		{results.CategorySafe, s.Safe},
		{results.CategorySuspicious, s.Suspicious},
		{results.CategoryMalicious, s.Malicious},
		{results.CategoryError, s.Error},
	}
	for _, row := range rows {
		b.WriteString(fmt.Sprintf("  %s %d\n",
			categoryStyle(row.c).Render(fmt.Sprintf("%-12s", row.c)), row.n))
	}
	b.WriteString(fmt.Sprintf("\n  %s %d analyzed, %d already done\n",
		labelStyle.Render("Total:"), s.Total(), skipped))

	if len(s.ByReason) > 0 {
		b.WriteString("\n  " + labelStyle.Render("Error breakdown:") + "\n")
		for reason, n := range s.ByReason {
			b.WriteString(dimStyle.Render(fmt.Sprintf("    %-16s %d", reason, n)) + "\n")
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// renderSandboxSummary prints the outcome of one sandbox batch.
func renderSandboxSummary(s sandbox.BatchSummary, artifactsDir string) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Sandbox batch complete"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("  %s %d\n", safeStyle.Render("Completed: "), s.Completed))
	b.WriteString(fmt.Sprintf("  %s %d\n", suspiciousStyle.Render("Timed out: "), s.TimedOut))
	b.WriteString(fmt.Sprintf("  %s %d\n", errorStyle.Render("Errors:    "), s.Errors))
	b.WriteString("\n  " + dimStyle.Render("Artifacts under "+artifactsDir))
	return boxStyle.Render(b.String())
}
