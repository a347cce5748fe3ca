package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"skillscan/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// execCall records one Exec invocation against the fake runtime.
type execCall struct {
	command []string
	detach  bool
}

// fakeRuntime simulates a container engine in-process. Exec honors context
// cancellation so timeout behavior can be tested without Docker.
type fakeRuntime struct {
	mu        sync.Mutex
	execDelay time.Duration
	exitCode  int

	created []ContainerSpec
	copied  [][2]string
	execs   []execCall
	killed  []string
	removed []string

	// onExec runs before a foreground exec returns, with the spec of the
	// container being driven. Used to emulate in-container side effects.
	onExec func(spec ContainerSpec)
}

func (f *fakeRuntime) Available() bool { return true }

func (f *fakeRuntime) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return fmt.Sprintf("fake-container-%d", len(f.created)), nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, detach bool, env []string, command ...string) (*ExecResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{command: command, detach: detach})
	spec := f.created[len(f.created)-1]
	hook := f.onExec
	delay := f.execDelay
	code := f.exitCode
	f.mu.Unlock()

	if detach {
		return &ExecResult{}, nil
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		hook(spec)
	}
	return &ExecResult{ExitCode: code}, nil
}

func (f *fakeRuntime) CopyIn(_ context.Context, id, hostPath, containerPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied = append(f.copied, [2]string{hostPath, containerPath})
	return nil
}

func (f *fakeRuntime) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

// mountHost returns the host path bound at a container path in the last
// created container.
func (f *fakeRuntime) mountHost(containerPath string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.created[len(f.created)-1].Mounts {
		if m.Container == containerPath {
			return m.Host
		}
	}
	return ""
}

func makeSkill(t *testing.T) task.Task {
	t.Helper()
	dir := t.TempDir()
	skill := filepath.Join(dir, "evil-skill")
	require.NoError(t, os.MkdirAll(skill, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(skill, "SKILL.md"), []byte("# skill"), 0644))
	return task.Task{
		Name:      "evil-skill",
		Path:      skill,
		Prompt:    "run the skill",
		RepoID:    "repo1",
		RiskLevel: "high",
	}
}

func newTestOrchestrator(t *testing.T, rt Runtime, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Image:        "test-image",
		Timeout:      time.Minute,
		ReportWait:   50 * time.Millisecond,
		ArtifactsDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewOrchestrator(rt, opts)
}

func TestRunCompletes(t *testing.T) {
	rt := &fakeRuntime{}
	o := newTestOrchestrator(t, rt, nil)

	record, err := o.Run(context.Background(), makeSkill(t))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 0, record.ExitCode)
	assert.Equal(t, "repo1_evil-skill", record.Identity)
	assert.NotEmpty(t, record.RunID)
	assert.False(t, record.FinishedAt.Before(record.StartedAt))

	// Container lifecycle: created once, removed once, never killed.
	require.Len(t, rt.created, 1)
	require.Len(t, rt.removed, 1)
	assert.Empty(t, rt.killed)

	// Isolation flags.
	spec := rt.created[0]
	assert.Equal(t, "none", spec.Network)
	assert.Contains(t, spec.User, ":")
	assert.Equal(t, 256, spec.PidsLimit)

	// Payload landed in the workspace mount before execution.
	ws := rt.mountHost(containerWorkspace)
	require.NotEmpty(t, ws)
	_, statErr := os.Stat(filepath.Join(ws, "evil-skill", "SKILL.md"))
	assert.NoError(t, statErr)

	// Agent ran under strace.
	require.Len(t, rt.execs, 1)
	assert.Equal(t, "strace", rt.execs[0].command[0])
	assert.Contains(t, rt.execs[0].command, "run the skill")
	assert.False(t, rt.execs[0].detach)
}

func TestRunStopsNetworkCaptureBeforeCollect(t *testing.T) {
	rt := &fakeRuntime{}
	o := newTestOrchestrator(t, rt, func(opts *Options) {
		opts.Network = "bridge"
	})

	_, err := o.Run(context.Background(), makeSkill(t))
	require.NoError(t, err)

	// Capture starts detached before the agent, and is interrupted again
	// before artifacts are gathered.
	require.Len(t, rt.execs, 3)
	assert.Equal(t, "tcpdump", rt.execs[0].command[0])
	assert.True(t, rt.execs[0].detach)
	assert.Equal(t, "strace", rt.execs[1].command[0])
	assert.Equal(t, []string{"pkill", "-INT", "tcpdump"}, rt.execs[2].command)
	assert.False(t, rt.execs[2].detach)
}

func TestRunWritesRecordFile(t *testing.T) {
	rt := &fakeRuntime{exitCode: 3}
	o := newTestOrchestrator(t, rt, nil)
	tk := makeSkill(t)

	record, err := o.Run(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, 3, record.ExitCode)

	path := filepath.Join(o.opts.ArtifactsDir, tk.RiskLevel, tk.RepoID, tk.Name, record.RunID, "record.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var persisted ExecutionRecord
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, record.RunID, persisted.RunID)
	assert.Equal(t, StatusCompleted, persisted.Status)
}

func TestRunTimeoutYieldsPartialArtifacts(t *testing.T) {
	rt := &fakeRuntime{execDelay: 10 * time.Second}
	rt.onExec = func(ContainerSpec) {
		// Never reached: the deadline fires first.
		t.Error("exec completed despite timeout")
	}
	o := newTestOrchestrator(t, rt, func(opts *Options) {
		opts.Timeout = 100 * time.Millisecond
	})

	record, err := o.Run(context.Background(), makeSkill(t))
	require.NoError(t, err)

	assert.Equal(t, StatusTimedOut, record.Status)
	assert.Equal(t, -1, record.ExitCode)
	require.Len(t, rt.killed, 1)
	require.Len(t, rt.removed, 1)

	// Collection still ran: the filesystem diff exists even though the
	// agent never finished.
	require.NotNil(t, record.FilesystemDiff)
	assert.True(t, record.FilesystemDiff.Empty())
}

func TestRunDetectsFilesystemChanges(t *testing.T) {
	rt := &fakeRuntime{}
	rt.onExec = func(spec ContainerSpec) {
		for _, m := range spec.Mounts {
			if m.Container == containerWorkspace {
				_ = os.WriteFile(filepath.Join(m.Host, "dropped.sh"), []byte("#!/bin/sh\n"), 0755)
			}
		}
	}
	o := newTestOrchestrator(t, rt, nil)

	record, err := o.Run(context.Background(), makeSkill(t))
	require.NoError(t, err)

	require.NotNil(t, record.FilesystemDiff)
	require.Len(t, record.FilesystemDiff.Created, 1)
	assert.Equal(t, "dropped.sh", record.FilesystemDiff.Created[0].Path)
}

func TestRunInstallsHooksAndCollectsReports(t *testing.T) {
	hookDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hookDir, "pre_tool_use.py"), []byte("# hook"), 0644))

	rt := &fakeRuntime{}
	rt.onExec = func(spec ContainerSpec) {
		var session, reports string
		for _, e := range spec.Env {
			if v, ok := strings.CutPrefix(e, "SKILLSCAN_SESSION_ID="); ok {
				session = v
			}
		}
		for _, m := range spec.Mounts {
			if m.Container == containerReports {
				reports = m.Host
			}
		}
		line := `{"timestamp":"t","session_id":"` + session + `","tool":"Bash","input":{},"matched_rules":1,"risk_score":0.5}` + "\n"
		_ = os.WriteFile(hookReportFile(reports, session), []byte(line), 0644)
	}

	o := newTestOrchestrator(t, rt, func(opts *Options) {
		opts.HookDir = hookDir
		opts.HookMode = HookModeBlock
	})

	record, err := o.Run(context.Background(), makeSkill(t))
	require.NoError(t, err)

	// Hook assets were copied into the container.
	require.Len(t, rt.copied, 1)
	assert.Equal(t, hookDir, rt.copied[0][0])
	assert.Equal(t, containerHooks, rt.copied[0][1])

	// Block mode reached the container environment.
	assert.Contains(t, rt.created[0].Env, "SKILLSCAN_HOOK_MODE=block")

	require.NotNil(t, record.HookSummary)
	assert.Equal(t, 1, record.HookSummary.TotalToolCalls)
	assert.Equal(t, 1, record.HookSummary.Alerts)

	// The aggregate landed next to the raw tool log.
	hooksDir := rt.mountHost(containerReports)
	_, statErr := os.Stat(filepath.Join(hooksDir, record.RunID+"_summary.json"))
	assert.NoError(t, statErr)
}

func TestRunBatchAggregates(t *testing.T) {
	rt := &fakeRuntime{}
	o := newTestOrchestrator(t, rt, func(opts *Options) {
		opts.Workers = 2
	})

	tasks := []task.Task{makeSkill(t), makeSkill(t), makeSkill(t)}
	for i := range tasks {
		tasks[i].Name = fmt.Sprintf("skill-%d", i)
	}

	summary, records := o.RunBatch(context.Background(), tasks)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 0, summary.TimedOut)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 3, summary.Total())
	require.Len(t, records, 3)
	require.Len(t, rt.removed, 3)
}
