package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"skillscan/internal/logging"
)

// hookReportFile returns the tool-use log path the in-container hooks write
// for a session. The directory is bind-mounted so the file appears on the
// host as the agent runs.
func hookReportFile(reportDir, sessionID string) string {
	return filepath.Join(reportDir, sessionID+"_tools.jsonl")
}

// WaitForHookReport blocks until the session report file exists or maxWait
// elapses. File creation is detected through fsnotify when the watcher can
// be established, with polling as the fallback. Returns the report path, or
// "" when no report appeared in time.
func WaitForHookReport(ctx context.Context, reportDir, sessionID string, maxWait time.Duration) string {
	target := hookReportFile(reportDir, sessionID)
	if _, err := os.Stat(target); err == nil {
		return target
	}

	deadline := time.Now().Add(maxWait)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(reportDir); err != nil {
			logging.SandboxWarn("hook report watch failed for %s: %v", reportDir, err)
			watcher = nil
		}
	} else {
		watcher = nil
	}

	// Re-check after arming the watcher: the file may have landed between
	// the stat and the Add.
	if _, err := os.Stat(target); err == nil {
		return target
	}

	poll := 100 * time.Millisecond
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ""
		}
		if poll < remaining {
			remaining = poll
		}

		if watcher != nil {
			select {
			case ev := <-watcher.Events:
				if ev.Name == target && ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					return target
				}
			case err := <-watcher.Errors:
				logging.SandboxWarn("hook report watcher error: %v", err)
				watcher = nil
			case <-time.After(remaining):
			case <-ctx.Done():
				return ""
			}
		} else {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return ""
			}
		}

		if _, err := os.Stat(target); err == nil {
			return target
		}
		if poll < 800*time.Millisecond {
			poll *= 2
		}
	}
}

// ParseHookReports reads a tool-use jsonl file into a HookSummary.
// Malformed lines are skipped, not fatal: the hooks append concurrently
// with collection and a torn final line is expected.
func ParseHookReports(path, sessionID string) (*HookSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hook report: %w", err)
	}
	defer f.Close()

	summary := &HookSummary{
		SessionID: sessionID,
		ToolsUsed: make(map[string]int),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var report HookReport
		if err := json.Unmarshal(line, &report); err != nil {
			logging.SandboxWarn("skipping malformed hook report line: %v", err)
			continue
		}
		summary.TotalToolCalls++
		summary.ToolsUsed[report.Tool]++
		if report.MatchedRules > 0 {
			summary.Alerts++
		}
		summary.Reports = append(summary.Reports, report)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hook report: %w", err)
	}
	return summary, nil
}

// writeHookSummary persists the aggregate next to the raw tool log as
// <session>_summary.json.
func writeHookSummary(reportDir string, summary *HookSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode hook summary: %w", err)
	}
	path := filepath.Join(reportDir, summary.SessionID+"_summary.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write hook summary: %w", err)
	}
	return nil
}

// CollectHookSummary waits for and parses the session's hook report.
// Returns nil when hooks are disabled or no report appeared.
func CollectHookSummary(ctx context.Context, reportDir, sessionID string, maxWait time.Duration) *HookSummary {
	if reportDir == "" {
		return nil
	}
	path := WaitForHookReport(ctx, reportDir, sessionID, maxWait)
	if path == "" {
		logging.Sandbox("no hook report for session %s after %s", sessionID, maxWait)
		return nil
	}
	summary, err := ParseHookReports(path, sessionID)
	if err != nil {
		logging.SandboxWarn("hook report parse failed for session %s: %v", sessionID, err)
		return nil
	}
	return summary
}
