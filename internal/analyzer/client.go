// Package analyzer drives the AI audit stage: a bounded worker pool invoking
// an external analysis tool per task and streaming classified outcomes to a
// single aggregator.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"skillscan/internal/logging"
	"skillscan/internal/task"
)

// ToolError indicates the analysis tool invocation itself failed: non-zero
// exit, empty output, or a transport error. Task-local and never fatal to
// the batch.
type ToolError struct {
	Tool   string
	Stderr string
	Err    error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s invocation failed: %v (stderr: %s)", e.Tool, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s invocation failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error { return e.Err }

// Client invokes the external analysis tool for one task. credential may be
// empty, in which case the tool's ambient credential applies.
type Client interface {
	Analyze(ctx context.Context, t task.Task, credential string) (string, error)
	Name() string
}

// taskPrompt combines the task prompt with the target path so the tool
// always knows which directory to audit, even when the prompt text itself
// does not name it.
func taskPrompt(t task.Task) string {
	if t.Path == "" {
		return t.Prompt
	}
	return t.Prompt + "\n\nTarget skill directory: " + t.Path
}

// ClaudeCLIClient runs the audit through the claude CLI subprocess:
// `claude -p --output-format json --append-system-prompt <audit prompt>`.
type ClaudeCLIClient struct {
	binary       string
	systemPrompt string
	baseURLEnv   string
	timeout      time.Duration
}

// NewClaudeCLIClient creates a CLI client. systemPrompt is the audit prompt
// appended as a system prompt; baseURLEnv names the env var carrying an API
// base URL override.
func NewClaudeCLIClient(systemPrompt, baseURLEnv string, timeout time.Duration) *ClaudeCLIClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ClaudeCLIClient{
		binary:       "claude",
		systemPrompt: systemPrompt,
		baseURLEnv:   baseURLEnv,
		timeout:      timeout,
	}
}

// Name identifies the backend.
func (c *ClaudeCLIClient) Name() string { return "claude-cli" }

// Available reports whether the CLI binary is on PATH.
func (c *ClaudeCLIClient) Available() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// Analyze invokes the CLI bounded by the client timeout and returns combined
// stdout. The credential, when present, overrides ANTHROPIC_API_KEY for this
// invocation only.
func (c *ClaudeCLIClient) Analyze(ctx context.Context, t task.Task, credential string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := []string{
		"-p",
		"--output-format", "json",
	}
	if c.systemPrompt != "" {
		args = append(args, "--append-system-prompt", c.systemPrompt)
	}
	args = append(args, taskPrompt(t))

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Env = c.buildEnv(credential)
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Analyzer("Invoking %s for %s", c.binary, t.Identity())
	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &ToolError{Tool: c.binary, Err: fmt.Errorf("timed out after %v", c.timeout)}
		}
		return "", &ToolError{Tool: c.binary, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	out := stdout.String()
	if strings.TrimSpace(out) == "" {
		return "", &ToolError{Tool: c.binary, Stderr: strings.TrimSpace(stderr.String()), Err: errors.New("empty response")}
	}
	return out, nil
}

// buildEnv copies the process environment and applies the per-task
// credential and base URL override.
func (c *ClaudeCLIClient) buildEnv(credential string) []string {
	env := os.Environ()
	if credential != "" {
		env = append(env, "ANTHROPIC_API_KEY="+credential)
	}
	if c.baseURLEnv != "" {
		if base := os.Getenv(c.baseURLEnv); base != "" {
			env = append(env, "ANTHROPIC_BASE_URL="+base)
		}
	}
	return env
}
