package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/container"
	"github.com/agenttree/agenttree/internal/session"
	"github.com/agenttree/agenttree/internal/skillfile"
)

// defaultImage is the container image AgentTree mounts an issue's
// worktree into. Spec.md §4.4 leaves image selection to the project;
// real projects are expected to override via AGENTTREE_IMAGE.
const defaultImage = "agenttree/agent:latest"

// StartAgent allocates the container/worktree/session/port quadruple for
// one issue+role, reusing anything that already exists. This is the
// implementation the `start` command and the Dispatcher adapter (sync
// loop step 7, starting newly-unblocked issues) both call through.
func (a *App) StartAgent(ctx context.Context, issueID, role string) error {
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return err
	}

	if _, ok, err := a.Allocator.GetAgent(issueID, role); err != nil {
		return err
	} else if ok {
		a.log.Info("agent already live, reusing", "issue", issueID, "role", role)
		return nil
	}

	rc, ok := a.cfg.Roles[role]
	if !ok {
		return fmt.Errorf("role %q is not declared in config", role)
	}
	tool := rc.Tool
	if tool == "" {
		tool = a.cfg.DefaultTool
	}
	toolCfg, ok := a.cfg.Tools[tool]
	if !ok {
		return fmt.Errorf("tool %q is not declared in config", tool)
	}

	branch := iss.Branch
	if branch == "" {
		branch = fmt.Sprintf("agenttree/%s", iss.DirName())
	}
	worktreePath, err := a.Worktrees.Create(ctx, iss.DirName(), branch, "main")
	if err != nil {
		return err
	}

	containerName := container.ContainerName(a.cfg.Project, issueID)
	sessionName := session.DeveloperSessionName(a.cfg.Project, role, issueID)

	// Registration allocates the issue's deterministic port, so it
	// happens before the container starts; any later failure rolls the
	// entry back.
	port, err := a.Allocator.RegisterAgent(issueID, role, containerName, sessionName, branch, worktreePath)
	if err != nil {
		return err
	}

	env := map[string]string{
		"PORT":                   fmt.Sprintf("%d", port),
		"AGENTTREE_CONTAINER":    "1",
		"AGENTTREE_ISSUE_ID":     issueID,
		"AGENTTREE_ROLE":         role,
		"AGENTTREE_PROJECT":      a.cfg.Project,
		"AGENTTREE_GITHUB_TOKEN": os.Getenv("GITHUB_TOKEN"),
		"AGENTTREE_TOOL_API_KEY": os.Getenv("AGENTTREE_TOOL_API_KEY"),
	}
	image := os.Getenv("AGENTTREE_IMAGE")
	if image == "" {
		image = defaultImage
	}
	mounts := []container.Mount{{HostPath: worktreePath, ContainerPath: "/workspace"}}
	if _, err := a.Containers.Start(ctx, containerName, image, mounts, env, ""); err != nil {
		_ = a.Allocator.UnregisterAgent(issueID, role)
		return err
	}

	if err := a.Sessions.Create(ctx, sessionName, "/workspace", env, []string{toolCfg.Command}); err != nil {
		_ = a.Allocator.UnregisterAgent(issueID, role)
		return err
	}

	if _, err := a.Issues.Assign(issueID, role, branch); err != nil {
		return err
	}

	if serveCmd, ok := a.cfg.Commands["serve"]; ok && serveCmd != "" {
		serveEnv := map[string]string{"PORT": fmt.Sprintf("%d", port)}
		serveSession := session.ServeSessionName(a.cfg.Project, issueID)
		if !a.Sessions.Exists(ctx, serveSession) {
			_ = a.Sessions.Create(ctx, serveSession, "/workspace", serveEnv, []string{serveCmd})
		}
	}

	return nil
}

// StartIssue implements sync.Dispatcher: it starts the issue's already
// assigned role, falling back to the project's default role when none is
// recorded yet.
func (a *App) StartIssue(ctx context.Context, issueID string) error {
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return err
	}
	role := iss.AssignedAgent
	if role == "" {
		role = defaultRole(a.cfg)
	}
	if role == "" {
		return fmt.Errorf("issue %s has no assigned or default role to start", issueID)
	}
	return a.StartAgent(ctx, issueID, role)
}

// defaultRole picks the "developer" role if declared, else an arbitrary
// configured role, else none. Map iteration order is otherwise
// unspecified, so "developer" is preferred whenever present to keep
// behavior deterministic for the common single-role project.
func defaultRole(cfg *config.Config) string {
	if _, ok := cfg.Roles["developer"]; ok {
		return "developer"
	}
	for name := range cfg.Roles {
		return name
	}
	return ""
}

// CleanupAgent implements stage.ResourceCleaner: on entry into a
// terminal stage, every live role for the issue is torn down and its
// worktree removed.
func (a *App) CleanupAgent(issueID string) error {
	ctx := context.Background()
	entries, err := a.Allocator.ListAgents()
	if err != nil {
		return err
	}
	var firstErr error
	for _, e := range entries {
		if e.IssueID != issueID {
			continue
		}
		if err := a.Sessions.Kill(ctx, e.Session); err != nil && firstErr == nil {
			firstErr = err
		}
		containerName := container.ContainerName(a.cfg.Project, issueID)
		if err := a.Containers.Stop(ctx, containerName); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := a.Containers.Remove(ctx, containerName); err != nil && firstErr == nil {
			firstErr = err
		}
		if e.Worktree != "" {
			if err := a.Worktrees.Remove(ctx, e.Worktree); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := a.Allocator.UnregisterAgent(issueID, e.Role); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	serveSession := session.ServeSessionName(a.cfg.Project, issueID)
	_ = a.Sessions.Kill(ctx, serveSession)
	return firstErr
}

// WriteSkillFile implements stage.SkillWriter: it composes the new
// stage's skill markdown with the issue's current artifacts into
// TASK.md at the worktree root.
func (a *App) WriteSkillFile(issueID, skillName string) error {
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return err
	}
	worktreePath := a.Worktrees.PathFor(iss.DirName())
	if _, err := os.Stat(worktreePath); err != nil {
		// No live worktree yet (issue hasn't been started) - nothing to
		// write into. Not an error: the next `start` will pick up the
		// current stage's skill via the same composition path.
		return nil
	}
	issueDir := filepath.Join(a.Issues.RootDir(), iss.DirName())
	skillsDir := filepath.Join(a.sidecarRoot, "skills")
	return skillfile.Write(worktreePath, skillsDir, issueDir, skillName, skillfile.DefaultArtifacts)
}

// Notify implements sync.Notifier: it forwards a step_back message into
// the issue's assigned role session.
func (a *App) Notify(ctx context.Context, issueID, message string) error {
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return err
	}
	role := iss.AssignedAgent
	if role == "" {
		role = defaultRole(a.cfg)
	}
	if role == "" {
		return fmt.Errorf("issue %s has no assigned role session to notify", issueID)
	}
	sessionName := session.DeveloperSessionName(a.cfg.Project, role, issueID)
	return a.Sessions.SendKeys(ctx, sessionName, message)
}
