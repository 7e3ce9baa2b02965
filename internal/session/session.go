// Package session wraps tmux to give humans and the controller a named,
// attachable terminal for each running agent role. It shells out to the
// real `tmux` binary, following the same os/exec-wrapping shape as
// internal/container.
package session

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agenttree/agenttree/internal/apierr"
)

// Manager creates and controls tmux sessions.
type Manager struct{}

// New returns a session Manager.
func New() *Manager { return &Manager{} }

func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), apierr.Wrap(apierr.ExternalTool, fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

// Create starts a new detached named session running argv in cwd with
// env applied.
func (m *Manager) Create(ctx context.Context, name, cwd string, env map[string]string, argv []string) error {
	args := []string{"new-session", "-d", "-s", name, "-c", cwd}
	if len(argv) > 0 {
		args = append(args, strings.Join(argv, " "))
	}
	if _, err := m.run(ctx, args...); err != nil {
		return err
	}
	for k, v := range env {
		if _, err := m.run(ctx, "set-environment", "-t", name, k, v); err != nil {
			return err
		}
	}
	return nil
}

// SendKeys injects text into the session followed by Enter.
func (m *Manager) SendKeys(ctx context.Context, name, text string) error {
	_, err := m.run(ctx, "send-keys", "-t", name, text, "Enter")
	return err
}

// Capture snapshots the visible pane content.
func (m *Manager) Capture(ctx context.Context, name string) (string, error) {
	return m.run(ctx, "capture-pane", "-t", name, "-p")
}

// Kill terminates the session. Idempotent: killing an absent session is
// not an error.
func (m *Manager) Kill(ctx context.Context, name string) error {
	if !m.Exists(ctx, name) {
		return nil
	}
	_, err := m.run(ctx, "kill-session", "-t", name)
	if err != nil && strings.Contains(err.Error(), "session not found") {
		return nil
	}
	return err
}

// Exists reports whether a session by this name is currently running.
func (m *Manager) Exists(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", name)
	return cmd.Run() == nil
}

// DeveloperSessionName is the per-role session naming convention
// ("{project}-{role}-{id}").
func DeveloperSessionName(project, role, issueID string) string {
	return fmt.Sprintf("%s-%s-%s", project, role, issueID)
}

// ServeSessionName is the optional dev-server session naming convention
// ("{project}-serve-{id}").
func ServeSessionName(project, issueID string) string {
	return fmt.Sprintf("%s-serve-%s", project, issueID)
}
