// Package sandbox orchestrates dynamic execution of confirmed-malicious
// skills inside isolated, instrumented containers and collects forensic
// artifacts from each run.
//
// One orchestrator run walks a fixed state machine:
//
//	CREATED -> PROVISIONED -> MONITORING -> EXECUTING ->
//	(COMPLETED | TIMED_OUT) -> COLLECTED -> TEARDOWN
//
// Every run, including failures and timeouts, yields a best-effort
// ExecutionRecord whose artifacts persist on the host after the container is
// destroyed.
package sandbox

import (
	"time"
)

// State is a stage in the sandbox run lifecycle.
type State string

const (
	StateCreated     State = "CREATED"
	StateProvisioned State = "PROVISIONED"
	StateMonitoring  State = "MONITORING"
	StateExecuting   State = "EXECUTING"
	StateCompleted   State = "COMPLETED"
	StateTimedOut    State = "TIMED_OUT"
	StateCollected   State = "COLLECTED"
	StateTeardown    State = "TEARDOWN"
)

// Status is the terminal outcome of a run. TIMED_OUT is distinguishable
// from every process exit code.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusError     Status = "ERROR"
)

// ExecutionRecord captures everything collected from one sandboxed run.
// Records are never merged or updated: a rerun produces a fresh record.
type ExecutionRecord struct {
	Identity   string    `json:"identity"`
	RunID      string    `json:"run_id"`
	Status     Status    `json:"status"`
	ExitCode   int       `json:"exit_code"` // -1 when the process never exited normally
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	SyscallTrace   string `json:"syscall_trace,omitempty"`   // path to strace output
	NetworkCapture string `json:"network_capture,omitempty"` // path to pcap
	FilesystemDiff *Diff  `json:"filesystem_diff,omitempty"`

	HookSummary *HookSummary `json:"hook_summary,omitempty"`

	Error string `json:"error,omitempty"` // provisioning/collection failure detail
}

// HookReport is one tool-use entry logged by the protective-hook subsystem.
type HookReport struct {
	Timestamp    string                 `json:"timestamp"`
	SessionID    string                 `json:"session_id"`
	Tool         string                 `json:"tool"`
	Input        map[string]interface{} `json:"input"`
	MatchedRules int                    `json:"matched_rules"`
	RiskScore    float64                `json:"risk_score"`
}

// HookSummary aggregates the hook reports for one session.
type HookSummary struct {
	SessionID      string         `json:"session_id"`
	TotalToolCalls int            `json:"total_tool_calls"`
	ToolsUsed      map[string]int `json:"tools_used"`
	Alerts         int            `json:"alerts"`
	Reports        []HookReport   `json:"reports,omitempty"`
}

// HookMode selects protective-hook behavior inside the sandbox.
type HookMode string

const (
	// HookModeMonitor logs dangerous operations without interfering.
	HookModeMonitor HookMode = "monitor"
	// HookModeBlock actively denies dangerous operations.
	HookModeBlock HookMode = "block"
)

// Options configures the orchestrator. Absent hook assets degrade the run
// to baseline monitoring only.
type Options struct {
	Image        string
	Network      string // "none" or "bridge"
	PidsLimit    int
	Timeout      time.Duration // hard wall-clock limit on agent execution
	Workers      int           // concurrent sandbox runs in a batch
	HookDir      string        // host directory with hook assets; empty disables
	HookMode     HookMode
	ReportWait   time.Duration // max wait for asynchronously written hook reports
	ArtifactsDir string        // root for execution artifacts
}

// BatchSummary aggregates outcomes over one sandbox batch.
type BatchSummary struct {
	Completed int
	TimedOut  int
	Errors    int
}

// Total returns the number of runs counted.
func (b BatchSummary) Total() int {
	return b.Completed + b.TimedOut + b.Errors
}
