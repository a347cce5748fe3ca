package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skillscan/internal/logging"
	"skillscan/internal/task"
)

// Container-side layout. The workspace and report directories are host
// bind mounts so artifacts survive container destruction.
const (
	containerWorkspace = "/workspace"
	containerArtifacts = "/artifacts"
	containerReports   = "/reports"
	containerHooks     = "/opt/hooks"
)

// Orchestrator executes skills in isolated containers and collects
// forensic artifacts. Safe for concurrent use: each run gets its own
// container and artifact directory.
type Orchestrator struct {
	runtime Runtime
	opts    Options
}

// NewOrchestrator wires a container runtime with run options. Defaults are
// applied for unset fields.
func NewOrchestrator(rt Runtime, opts Options) *Orchestrator {
	if opts.Image == "" {
		opts.Image = "skillscan-sandbox:latest"
	}
	if opts.Network == "" {
		opts.Network = "none"
	}
	if opts.PidsLimit <= 0 {
		opts.PidsLimit = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ReportWait <= 0 {
		opts.ReportWait = 10 * time.Second
	}
	return &Orchestrator{runtime: rt, opts: opts}
}

// runDirs holds the host-side layout for one run, rooted at
// ArtifactsDir/<risk_level>/<repo_id>/<name>/<runID>.
type runDirs struct {
	root      string
	workspace string // bind-mounted rw at /workspace
	artifacts string // bind-mounted rw at /artifacts
	hooks     string // bind-mounted rw at /reports
}

func (o *Orchestrator) prepareDirs(t task.Task, runID string) (*runDirs, error) {
	risk := t.RiskLevel
	if risk == "" {
		risk = "unknown"
	}
	root := filepath.Join(o.opts.ArtifactsDir, risk, t.RepoID, t.Name, runID)
	d := &runDirs{
		root:      root,
		workspace: filepath.Join(root, "workspace"),
		artifacts: filepath.Join(root, "artifacts"),
		hooks:     filepath.Join(root, "hooks"),
	}
	for _, dir := range []string{d.workspace, d.artifacts, d.hooks} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}
	return d, nil
}

// Run executes one skill through the full lifecycle and returns its record.
// The record is also persisted as record.json in the run directory, whatever
// the outcome. The returned error reports infrastructure failure only; a
// timed-out or crashed skill is a successful run with a non-COMPLETED status.
func (o *Orchestrator) Run(ctx context.Context, t task.Task) (*ExecutionRecord, error) {
	runID := uuid.New().String()
	record := &ExecutionRecord{
		Identity:  t.Identity(),
		RunID:     runID,
		Status:    StatusError,
		ExitCode:  -1,
		StartedAt: time.Now().UTC(),
	}

	dirs, err := o.prepareDirs(t, runID)
	if err != nil {
		record.Error = err.Error()
		record.FinishedAt = time.Now().UTC()
		return record, err
	}
	defer o.persistRecord(dirs, record)

	logging.Sandbox("[%s] run %s: CREATED", t.Identity(), runID[:8])

	// PROVISIONED: container up, skill payload in place.
	containerID, err := o.provision(ctx, t, runID, dirs)
	if err != nil {
		record.Error = err.Error()
		record.FinishedAt = time.Now().UTC()
		return record, err
	}
	defer func() {
		// Teardown always runs under a fresh context so a canceled run
		// still destroys its container.
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.runtime.Remove(tctx, containerID); err != nil {
			logging.SandboxWarn("[%s] container removal failed: %v", t.Identity(), err)
		}
		logging.Sandbox("[%s] run %s: TEARDOWN", t.Identity(), runID[:8])
	}()
	logging.Sandbox("[%s] run %s: PROVISIONED (container %s)", t.Identity(), runID[:8], containerID[:12])

	// MONITORING: baseline snapshot, capture processes armed.
	baseline, err := TakeSnapshot(dirs.workspace)
	if err != nil {
		record.Error = err.Error()
		record.FinishedAt = time.Now().UTC()
		return record, err
	}
	o.startCapture(ctx, containerID)
	logging.Sandbox("[%s] run %s: MONITORING (%d baseline files)", t.Identity(), runID[:8], len(baseline))

	// EXECUTING: the agent runs the skill under a hard wall-clock limit.
	status, exitCode := o.execute(ctx, t, runID, containerID)
	record.Status = status
	record.ExitCode = exitCode
	record.FinishedAt = time.Now().UTC()
	logging.Sandbox("[%s] run %s: %s (exit %d)", t.Identity(), runID[:8], status, exitCode)

	// COLLECTED: capture processes stop first so their output is flushed,
	// then artifacts are gathered best-effort even after a timeout.
	o.stopCapture(containerID)
	o.collect(ctx, t, runID, dirs, baseline, record)
	logging.Sandbox("[%s] run %s: COLLECTED", t.Identity(), runID[:8])

	return record, nil
}

// provision creates the container and installs the skill payload and hook
// assets.
func (o *Orchestrator) provision(ctx context.Context, t task.Task, runID string, dirs *runDirs) (string, error) {
	spec := ContainerSpec{
		Name:      "skillscan-" + runID[:8],
		Image:     o.opts.Image,
		Network:   o.opts.Network,
		User:      fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		PidsLimit: o.opts.PidsLimit,
		Mounts: []Mount{
			{Host: dirs.workspace, Container: containerWorkspace},
			{Host: dirs.artifacts, Container: containerArtifacts},
			{Host: dirs.hooks, Container: containerReports},
		},
		Env: o.hookEnv(runID),
	}

	containerID, err := o.runtime.Create(ctx, spec)
	if err != nil {
		return "", err
	}

	cleanup := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = o.runtime.Remove(rctx, containerID)
	}

	if o.opts.HookDir != "" {
		if err := o.runtime.CopyIn(ctx, containerID, o.opts.HookDir, containerHooks); err != nil {
			cleanup()
			return "", fmt.Errorf("failed to install hook assets: %w", err)
		}
	}
	if err := o.installPayload(t, dirs); err != nil {
		cleanup()
		return "", err
	}
	return containerID, nil
}

// hookEnv builds the environment the protective hooks read inside the
// container.
func (o *Orchestrator) hookEnv(runID string) []string {
	if o.opts.HookDir == "" {
		return nil
	}
	mode := o.opts.HookMode
	if mode == "" {
		mode = HookModeMonitor
	}
	return []string{
		"SKILLSCAN_HOOK_MODE=" + string(mode),
		"SKILLSCAN_REPORT_DIR=" + containerReports,
		"SKILLSCAN_SESSION_ID=" + runID,
	}
}

// installPayload copies the skill tree into the workspace mount. The copy
// runs host-side; the bind mount makes it visible in the container.
func (o *Orchestrator) installPayload(t task.Task, dirs *runDirs) error {
	dest := filepath.Join(dirs.workspace, filepath.Base(t.Path))
	if err := copyTree(t.Path, dest); err != nil {
		return fmt.Errorf("failed to install skill payload: %w", err)
	}
	return nil
}

// startCapture launches the network capture inside the container when the
// run has network access. Capture failure degrades the run, never aborts it.
func (o *Orchestrator) startCapture(ctx context.Context, containerID string) {
	if o.opts.Network == "none" {
		return
	}
	_, err := o.runtime.Exec(ctx, containerID, true, nil,
		"tcpdump", "-i", "any", "-w", containerArtifacts+"/network.pcap")
	if err != nil {
		logging.SandboxWarn("network capture failed to start: %v", err)
	}
}

// stopCapture interrupts tcpdump so it flushes buffered packets before the
// pcap is collected. Runs under a fresh context: a timed-out run still needs
// its capture stopped. Failure is tolerated, the container may already be
// dead after a kill.
func (o *Orchestrator) stopCapture(containerID string) {
	if o.opts.Network == "none" {
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := o.runtime.Exec(sctx, containerID, false, nil, "pkill", "-INT", "tcpdump"); err != nil {
		logging.SandboxWarn("network capture stop failed: %v", err)
	}
}

// execute runs the agent under strace with the configured timeout. A
// deadline hit kills the container process tree and yields TIMED_OUT.
func (o *Orchestrator) execute(ctx context.Context, t task.Task, runID, containerID string) (Status, int) {
	execCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	command := []string{
		"strace", "-f", "-qq", "-e", "trace=%file,%process,%network",
		"-o", containerArtifacts + "/syscalls.trace",
		"claude", "-p", t.Prompt, "--output-format", "json",
	}
	result, err := o.runtime.Exec(execCtx, containerID, false, o.hookEnv(runID), command...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			kctx, kcancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer kcancel()
			if kerr := o.runtime.Kill(kctx, containerID); kerr != nil {
				logging.SandboxWarn("[%s] kill after timeout failed: %v", t.Identity(), kerr)
			}
			return StatusTimedOut, -1
		}
		logging.SandboxError("[%s] agent execution failed: %v", t.Identity(), err)
		return StatusError, -1
	}
	return StatusCompleted, result.ExitCode
}

// collect gathers every artifact the run produced. Each artifact is
// independent: one missing piece never blocks the others.
func (o *Orchestrator) collect(ctx context.Context, t task.Task, runID string, dirs *runDirs, baseline Snapshot, record *ExecutionRecord) {
	if diff, err := DiffSnapshots(baseline, dirs.workspace); err != nil {
		logging.SandboxWarn("[%s] filesystem diff failed: %v", t.Identity(), err)
	} else {
		record.FilesystemDiff = diff
		if _, err := diff.WriteReport(dirs.artifacts); err != nil {
			logging.SandboxWarn("[%s] %v", t.Identity(), err)
		}
	}

	strace := filepath.Join(dirs.artifacts, "syscalls.trace")
	if _, err := os.Stat(strace); err == nil {
		record.SyscallTrace = strace
	}
	pcap := filepath.Join(dirs.artifacts, "network.pcap")
	if _, err := os.Stat(pcap); err == nil {
		record.NetworkCapture = pcap
	}

	if o.opts.HookDir != "" {
		record.HookSummary = CollectHookSummary(ctx, dirs.hooks, runID, o.opts.ReportWait)
		if record.HookSummary != nil {
			if err := writeHookSummary(dirs.hooks, record.HookSummary); err != nil {
				logging.SandboxWarn("[%s] %v", t.Identity(), err)
			}
		}
	}
}

// persistRecord writes record.json into the run directory. Called on every
// exit path so even provisioning failures leave a record behind.
func (o *Orchestrator) persistRecord(dirs *runDirs, record *ExecutionRecord) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		logging.SandboxError("failed to encode execution record: %v", err)
		return
	}
	path := filepath.Join(dirs.root, "record.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.SandboxError("failed to write execution record: %v", err)
	}
}

// RunBatch executes tasks concurrently up to the configured worker limit
// and aggregates outcomes. Individual run failures are counted, not fatal.
func (o *Orchestrator) RunBatch(ctx context.Context, tasks []task.Task) (BatchSummary, []*ExecutionRecord) {
	type outcome struct {
		record *ExecutionRecord
	}

	outcomes := make(chan outcome, len(tasks))
	done := make(chan struct{})

	var summary BatchSummary
	var records []*ExecutionRecord
	go func() {
		defer close(done)
		for out := range outcomes {
			records = append(records, out.record)
			switch out.record.Status {
			case StatusCompleted:
				summary.Completed++
			case StatusTimedOut:
				summary.TimedOut++
			default:
				summary.Errors++
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			record, err := o.Run(gctx, t)
			if err != nil {
				logging.SandboxError("[%s] sandbox run failed: %v", t.Identity(), err)
			}
			outcomes <- outcome{record: record}
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	<-done

	logging.Sandbox("Batch finished: %d completed, %d timed out, %d errors",
		summary.Completed, summary.TimedOut, summary.Errors)
	return summary, records
}

// copyTree duplicates a file or directory tree. Symlinks are skipped: a
// hostile skill must not smuggle host paths into the workspace through
// links.
func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return nil
	case info.IsDir():
		if err := os.MkdirAll(dest, 0755); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dest, info.Mode().Perm())
	}
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
