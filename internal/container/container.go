// Package container abstracts over the three supported container
// runtimes: thin os/exec wrappers with CombinedOutput and wrapped
// errors, over a runtime binary detected once per process.
package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agenttree/agenttree/internal/apierr"
)

// Runtime names, probed in this order.
const (
	Docker  = "docker"
	Podman  = "podman"
	Nerdctl = "nerdctl"
)

var detectionOrder = []string{Docker, Podman, Nerdctl}

// Mount describes one bind mount into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Handle identifies a running container.
type Handle struct {
	Name    string
	Runtime string
}

// Manager starts, execs into, stops, and removes containers using
// whichever runtime is detected on the host.
type Manager struct {
	runtime string
}

// Detect probes for docker, podman, then nerdctl (in that order),
// returning a single aggregated error when none is available.
func Detect(ctx context.Context) (string, error) {
	var tried []string
	for _, name := range detectionOrder {
		if _, err := exec.LookPath(name); err != nil {
			tried = append(tried, name)
			continue
		}
		cmd := exec.CommandContext(ctx, name, "version")
		if err := cmd.Run(); err != nil {
			tried = append(tried, name)
			continue
		}
		return name, nil
	}
	return "", apierr.New(apierr.ExternalTool, fmt.Sprintf(
		"no container runtime available (tried %s) — install one of: docker, podman, nerdctl",
		strings.Join(tried, ", ")))
}

// New builds a Manager bound to a pre-detected runtime. Callers
// typically call Detect once at startup and reuse the result.
func New(runtime string) *Manager {
	return &Manager{runtime: runtime}
}

func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.runtime, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), apierr.Wrap(apierr.ExternalTool, fmt.Errorf("%s %s: %w: %s", m.runtime, strings.Join(args, " "), err, strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

// Start launches a long-running container with the worktree mounted at
// /workspace. The process is started detached
// (-d) and kept alive with `tail -f /dev/null` the way long-lived
// exec-target containers conventionally do, since the AI tool itself
// runs via exec into named sessions, not as the container's PID 1.
func (m *Manager) Start(ctx context.Context, name, image string, mounts []Mount, env map[string]string, network string) (Handle, error) {
	args := []string{"run", "-d", "--name", name}
	if network != "" {
		args = append(args, "--network", network)
	}
	for _, mnt := range mounts {
		spec := fmt.Sprintf("%s:%s", mnt.HostPath, mnt.ContainerPath)
		if mnt.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, image, "tail", "-f", "/dev/null")

	if _, err := m.run(ctx, args...); err != nil {
		return Handle{}, err
	}
	return Handle{Name: name, Runtime: m.runtime}, nil
}

// Exec runs argv inside the named container, returning its exit code
// and combined stdout+stderr.
func (m *Manager) Exec(ctx context.Context, name string, argv []string) (exitCode int, output string, err error) {
	args := append([]string{"exec", name}, argv...)
	cmd := exec.CommandContext(ctx, m.runtime, args...)
	out, runErr := cmd.CombinedOutput()
	output = string(out)
	if runErr == nil {
		return 0, output, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), output, nil
	}
	return -1, output, apierr.Wrap(apierr.ExternalTool, fmt.Errorf("%s exec %s: %w", m.runtime, name, runErr))
}

// Stop stops the named container.
func (m *Manager) Stop(ctx context.Context, name string) error {
	_, err := m.run(ctx, "stop", name)
	return err
}

// Remove removes the named container. Idempotent: removing an already
// absent container is not an error.
func (m *Manager) Remove(ctx context.Context, name string) error {
	_, err := m.run(ctx, "rm", "-f", name)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

// ContainerName is the per-issue container naming convention
// ("{project}-issue-{id}").
func ContainerName(project, issueID string) string {
	return fmt.Sprintf("%s-issue-%s", project, issueID)
}
