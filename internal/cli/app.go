// Package cli wires the internal workflow-engine packages into the
// stable external command surface. It is the composition root: the only
// place that imports every internal package at once and satisfies the
// small collaborator interfaces (stage.ResourceCleaner,
// stage.SkillWriter, sync.Dispatcher, sync.Notifier, sync.AgentRegistry)
// that internal/stage and internal/sync deliberately leave to their
// caller, keeping those packages free of container/session/allocator
// imports.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenttree/agenttree/internal/allocator"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/container"
	"github.com/agenttree/agenttree/internal/forge"
	"github.com/agenttree/agenttree/internal/hook"
	"github.com/agenttree/agenttree/internal/issue"
	"github.com/agenttree/agenttree/internal/logging"
	"github.com/agenttree/agenttree/internal/session"
	"github.com/agenttree/agenttree/internal/sidecar"
	"github.com/agenttree/agenttree/internal/stage"
	syncloop "github.com/agenttree/agenttree/internal/sync"
	"github.com/agenttree/agenttree/internal/worktree"
)

// sidecarDirName is the local sidecar clone directory inside the project
// tree.
const sidecarDirName = "_agenttree"

// App holds every collaborator a command needs, built once per process
// invocation from the loaded Config.
type App struct {
	cfg *config.Config
	log logging.Logger

	repoRoot    string
	sidecarRoot string

	Sidecar    *sidecar.Manager
	Issues     *issue.Store
	Allocator  *allocator.Allocator
	HookState  *allocator.SyncHookState
	Worktrees  *worktree.Manager
	Containers *container.Manager
	Sessions   *session.Manager
	Hooks      *hook.Engine
	Forge      forge.Client
	Stages     *stage.Machine
	Loop       *syncloop.Loop
}

// newApp loads the project config and wires every collaborator. Command
// files call this first; it is idempotent to call more than once per
// process since nothing here is a package-level singleton.
func newApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getwd: %w", err)
	}
	sidecarRoot := filepath.Join(repoRoot, sidecarDirName)

	log := logging.New("agenttree")

	owner, repo := forgeOwnerRepo()
	forgeClient := forge.New(os.Getenv("GITHUB_TOKEN"), owner, repo)

	remote := os.Getenv("AGENTTREE_SIDECAR_REMOTE")
	if remote == "" && owner != "" && os.Getenv("GITHUB_TOKEN") != "" {
		remote, err = forgeClient.EnsureRepo(ctx, cfg.Project+"-agents")
		if err != nil {
			return nil, fmt.Errorf("create sidecar remote: %w", err)
		}
	}
	sc := sidecar.New(sidecarRoot, remote, log,
		sidecar.WithCredentials(sidecar.Credentials{
			Username: "x-access-token",
			Password: os.Getenv("GITHUB_TOKEN"),
		}),
	)
	if remote != "" {
		if err := sc.EnsureRepo(); err != nil {
			return nil, fmt.Errorf("ensure sidecar repo: %w", err)
		}
	} else if err := ensureLocalSidecarSkeleton(sidecarRoot); err != nil {
		return nil, fmt.Errorf("initialize local sidecar: %w", err)
	}
	if err := ensureIgnored(repoRoot, sidecarDirName+"/"); err != nil {
		log.Warn("could not update main repo .gitignore", "error", err.Error())
	}

	issues, err := issue.NewStore(filepath.Join(sidecarRoot, "issues"), log)
	if err != nil {
		return nil, fmt.Errorf("open issue store: %w", err)
	}

	alloc := allocator.New(filepath.Join(sidecarRoot, "state.yaml"), cfg.PortRange.Min, cfg.PortRange.Max)
	hookState := allocator.NewSyncHookState(filepath.Join(sidecarRoot, ".sync_hook_state.yaml"))

	worktreesDir := expandHome(cfg.WorktreesDir)
	wt := worktree.New(repoRoot, worktreesDir, cfg.Project)

	runtime, _ := container.Detect(ctx)
	cm := container.New(runtime)
	sm := session.New()

	hooks := hook.New(log)

	app := &App{
		cfg:         cfg,
		log:         log,
		repoRoot:    repoRoot,
		sidecarRoot: sidecarRoot,
		Sidecar:     sc,
		Issues:      issues,
		Allocator:   alloc,
		HookState:   hookState,
		Worktrees:   wt,
		Containers:  cm,
		Sessions:    sm,
		Hooks:       hooks,
		Forge:       forgeClient,
	}

	app.Stages = stage.New(cfg, issues, hooks, app, app, log)
	app.registerBuiltinActions()
	app.Loop = syncloop.New(
		cfg, issues, &agentRegistryAdapter{alloc}, wt, sc, forgeClient, hooks, app.Stages, hookState,
		alloc.IncrementSyncCount, log,
		syncloop.WithDispatcher(app),
		syncloop.WithNotifier(app),
		syncloop.WithHookStatePruner(hookState),
	)

	return app, nil
}

// IssueDir returns the on-disk artifact directory for an issue id.
func (a *App) IssueDir(issueID string) (string, error) {
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.Issues.RootDir(), iss.DirName()), nil
}

// WorktreePath returns the worktree path for an issue id.
func (a *App) WorktreePath(issueID string) (string, error) {
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return "", err
	}
	return a.Worktrees.PathFor(iss.DirName()), nil
}

// ensureLocalSidecarSkeleton creates the sidecar's directory skeleton
// without touching git, for projects that haven't configured a sidecar
// remote yet (AGENTTREE_SIDECAR_REMOTE unset and no forge owner/token
// to create one). sidecar.Manager.EnsureRepo requires a cloneable
// remote URL, so this mirrors only the skeleton half of it.
func ensureLocalSidecarSkeleton(root string) error {
	for _, dir := range []string{"issues", "templates", "skills"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ensureIgnored appends entry to the main repository's .gitignore when
// not already present.
func ensureIgnored(repoRoot, entry string) error {
	path := filepath.Join(repoRoot, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func expandHome(p string) string {
	if p == "~" || len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			if p == "~" {
				return home
			}
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// forgeOwnerRepo reads the code-forge owner/repo AgentTree talks to from
// the environment, the way the container's forwarded forge auth token is
// itself host-env-sourced: AGENTTREE_FORGE_OWNER and
// AGENTTREE_FORGE_REPO.
func forgeOwnerRepo() (owner, repo string) {
	return os.Getenv("AGENTTREE_FORGE_OWNER"), os.Getenv("AGENTTREE_FORGE_REPO")
}

// agentRegistryAdapter satisfies sync.AgentRegistry over
// *allocator.Allocator, translating allocator.AgentEntry into the sync
// package's own local AgentEntry type so internal/sync never needs to
// import internal/allocator directly.
type agentRegistryAdapter struct {
	alloc *allocator.Allocator
}

func (r *agentRegistryAdapter) ListAgents() ([]syncloop.AgentEntry, error) {
	entries, err := r.alloc.ListAgents()
	if err != nil {
		return nil, err
	}
	out := make([]syncloop.AgentEntry, len(entries))
	for i, e := range entries {
		out[i] = syncloop.AgentEntry{IssueID: e.IssueID, Role: e.Role, Branch: e.Branch, Worktree: e.Worktree}
	}
	return out, nil
}

// hookForgeAdapter satisfies hook.ForgeClient for transitions run directly
// from the CLI (advance/approve), mirroring the unexported adapter
// internal/sync builds for the sync loop's own hook evaluation, since
// internal/hook intentionally stays ignorant of internal/forge's richer
// PR type.
type hookForgeAdapter struct {
	app *App
}

func (f *hookForgeAdapter) GetPR(ctx context.Context, n int) (hook.PRStatus, error) {
	pr, err := f.app.Forge.GetPR(ctx, n)
	if err != nil {
		return hook.PRStatus{}, err
	}
	return hook.PRStatus{
		State:       pr.State,
		Merged:      pr.Merged,
		Mergeable:   pr.Mergeable,
		Approved:    pr.Approved,
		ChecksState: pr.ChecksState,
	}, nil
}

func (f *hookForgeAdapter) RebaseBranch(ctx context.Context, branch, base string) error {
	entries, err := f.app.Allocator.ListAgents()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Branch == branch {
			return f.app.Worktrees.RebaseBranch(ctx, e.Worktree, base)
		}
	}
	return fmt.Errorf("no live worktree found for branch %q", branch)
}

// HookForgeClient builds the hook.ForgeClient adapter for a single
// transition call.
func (a *App) HookForgeClient() hook.ForgeClient {
	return &hookForgeAdapter{app: a}
}
