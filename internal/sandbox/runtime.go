package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"skillscan/internal/logging"
)

// Mount maps a host path into the container.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// ContainerSpec describes the isolated environment to allocate.
type ContainerSpec struct {
	Name      string
	Image     string
	Network   string
	User      string // uid:gid mapping for output-file ownership
	PidsLimit int
	Mounts    []Mount
	Env       []string // KEY=VALUE
}

// ExecResult captures one in-container command invocation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout and stderr joined.
func (r *ExecResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runtime abstracts the container engine so the orchestrator can be tested
// without Docker. The real implementation shells out to the docker CLI.
type Runtime interface {
	// Available reports whether the engine is usable on this host.
	Available() bool

	// Create allocates and starts a detached container, returning its ID.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Exec runs a command inside the container and waits for it. detach
	// starts it in the background instead (capture processes).
	Exec(ctx context.Context, id string, detach bool, env []string, command ...string) (*ExecResult, error)

	// CopyIn copies a host path into the container.
	CopyIn(ctx context.Context, id, hostPath, containerPath string) error

	// Kill forcibly terminates the container's process tree.
	Kill(ctx context.Context, id string) error

	// Remove destroys the container. Host-side artifacts are unaffected.
	Remove(ctx context.Context, id string) error
}

// DockerRuntime drives containers through the docker CLI.
type DockerRuntime struct {
	dockerPath string
	available  bool
}

// NewDockerRuntime probes for a responsive docker binary.
func NewDockerRuntime() *DockerRuntime {
	r := &DockerRuntime{}
	path, err := exec.LookPath("docker")
	if err != nil {
		return r
	}
	r.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return r
	}
	r.available = true
	return r
}

// Available reports whether Docker responded to a version probe.
func (r *DockerRuntime) Available() bool {
	return r.available
}

// Create runs `docker run -d` with isolation flags and a keeper process so
// the container stays up for subsequent execs.
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"run", "-d", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}

	network := spec.Network
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", spec.PidsLimit))
	}
	args = append(args, "--security-opt", "no-new-privileges")

	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.Host, m.Container, mode))
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}

	args = append(args, spec.Image, "sleep", "infinity")

	out, err := r.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("container creation failed: %w", err)
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("container creation failed: %s", strings.TrimSpace(out.Stderr))
	}
	id := strings.TrimSpace(out.Stdout)
	if id == "" {
		return "", fmt.Errorf("container creation returned no ID")
	}
	logging.Sandbox("Created container %s (image %s, network %s)", id[:12], spec.Image, network)
	return id, nil
}

// Exec runs `docker exec` inside an existing container.
func (r *DockerRuntime) Exec(ctx context.Context, id string, detach bool, env []string, command ...string) (*ExecResult, error) {
	args := []string{"exec"}
	if detach {
		args = append(args, "-d")
	}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, id)
	args = append(args, command...)

	return r.run(ctx, args...)
}

// CopyIn runs `docker cp` host -> container.
func (r *DockerRuntime) CopyIn(ctx context.Context, id, hostPath, containerPath string) error {
	out, err := r.run(ctx, "cp", hostPath, fmt.Sprintf("%s:%s", id, containerPath))
	if err != nil {
		return fmt.Errorf("copy into container failed: %w", err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("copy into container failed: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

// Kill runs `docker kill`, terminating the whole process tree.
func (r *DockerRuntime) Kill(ctx context.Context, id string) error {
	_, err := r.run(ctx, "kill", id)
	return err
}

// Remove runs `docker rm -f`.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	_, err := r.run(ctx, "rm", "-f", id)
	return err
}

// run invokes the docker binary and captures output. A non-zero exit is not
// an error here; callers inspect ExitCode. Context expiry is an error.
func (r *DockerRuntime) run(ctx context.Context, args ...string) (*ExecResult, error) {
	if !r.available {
		return nil, fmt.Errorf("docker is not available on this system")
	}

	cmd := exec.CommandContext(ctx, r.dockerPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}
