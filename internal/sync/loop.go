// Package sync implements the controller sync loop: the single
// reconciler that pulls the sidecar, pushes agent branches, ensures PRs,
// detects external merges, advances host-controlled stages, starts
// unblocked issues, runs configured post_sync hooks, and commits the
// sidecar back, in that order. Collaborators are injected interfaces so
// each numbered step is independently testable, a sequence of small
// steps rather than one monolithic reconcile function.
package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/forge"
	"github.com/agenttree/agenttree/internal/hook"
	"github.com/agenttree/agenttree/internal/issue"
	"github.com/agenttree/agenttree/internal/logging"
	"github.com/agenttree/agenttree/internal/stage"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// SidecarRepo is the slice of internal/sidecar.Manager the loop needs.
type SidecarRepo interface {
	Sync(pullOnly bool) error
	Commit(message string) error
}

// AgentRegistry is the slice of internal/allocator.Allocator the loop
// needs to find live agents and their branches/worktrees.
type AgentRegistry interface {
	ListAgents() ([]AgentEntry, error)
}

// AgentEntry mirrors internal/allocator.AgentEntry's fields the loop
// reads, kept local so this package does not import internal/allocator.
type AgentEntry struct {
	IssueID  string
	Role     string
	Branch   string
	Worktree string
}

// BranchGitOps is the slice of internal/worktree.Manager the loop needs
// to push branches and auto-commit worktree changes.
type BranchGitOps interface {
	HasUnpushedCommits(ctx context.Context, path, branch string) (bool, error)
	PushBranch(ctx context.Context, path, branch string) error
	CommitAll(ctx context.Context, path, message string) (bool, error)
	RebaseBranch(ctx context.Context, path, base string) error
}

// forgeHookAdapter satisfies hook.ForgeClient over a forge.Client plus
// the worktree operations needed for auto-rebase, so internal/hook's
// generic evaluators never need to know about internal/forge's richer
// PR type or internal/worktree's git plumbing directly.
type forgeHookAdapter struct {
	forge      forge.Client
	worktrees  BranchGitOps
	findBranch func(branch string) (worktreePath string, ok bool)
}

func (a *forgeHookAdapter) GetPR(ctx context.Context, n int) (hook.PRStatus, error) {
	pr, err := a.forge.GetPR(ctx, n)
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

func (a *forgeHookAdapter) RebaseBranch(ctx context.Context, branch, base string) error {
	path, ok := a.findBranch(branch)
	if !ok {
		return fmt.Errorf("no live worktree found for branch %q", branch)
	}
	return a.worktrees.RebaseBranch(ctx, path, base)
}

// Dispatcher starts a newly-unblocked issue's assigned agent. The
// concrete implementation is internal/cli's App, which has access to
// the container/session/allocator managers this package does not import.
type Dispatcher interface {
	StartIssue(ctx context.Context, issueID string) error
}

// Notifier pushes a message into a live agent's session, used by
// StepBack's notify callback. May be nil.
type Notifier interface {
	Notify(ctx context.Context, issueID, message string) error
}

// HookStatePruner garbage-collects .sync_hook_state.yaml entries for
// hooks no longer present in configuration. May be nil.
type HookStatePruner interface {
	Prune(validNames []string) (int, error)
}

// Loop is the controller's reconciler. One instance per project,
// intended to be invoked by a timer or by the CLI's `sync` command.
type Loop struct {
	cfg         *config.Config
	issues      *issue.Store
	agents      AgentRegistry
	worktrees   BranchGitOps
	sidecar     SidecarRepo
	forge       forge.Client
	hookForge   hook.ForgeClient
	hooks       *hook.Engine
	stages      *stage.Machine
	limiter     hook.RateLimiter
	dispatcher  Dispatcher
	notifier    Notifier
	pruner      HookStatePruner
	log         logging.Logger
	reentrant   atomic.Bool
	syncCounter func() (int, error)
}

// Option configures optional Loop collaborators.
type Option func(*Loop)

func WithDispatcher(d Dispatcher) Option       { return func(l *Loop) { l.dispatcher = d } }
func WithNotifier(n Notifier) Option           { return func(l *Loop) { l.notifier = n } }
func WithHookStatePruner(p HookStatePruner) Option { return func(l *Loop) { l.pruner = p } }

// New builds a Loop. syncCounter increments and returns the project's
// all-time sync tick count (internal/allocator.Allocator.IncrementSyncCount),
// injected so this package does not need to import internal/allocator
// directly. This is separate from run_every_n_syncs gating, which the
// RateLimiter now tracks per hook via RateLimiter.Tick; syncCounter only
// feeds project-wide diagnostics (e.g. a status command reporting how
// many sync ticks a project has run).
func New(cfg *config.Config, issues *issue.Store, agents AgentRegistry, worktrees BranchGitOps, sidecarRepo SidecarRepo, forgeClient forge.Client, hooks *hook.Engine, stages *stage.Machine, limiter hook.RateLimiter, syncCounter func() (int, error), log logging.Logger, opts ...Option) *Loop {
	if log == nil {
		log = logging.Nop()
	}
	l := &Loop{
		cfg:         cfg,
		issues:      issues,
		agents:      agents,
		worktrees:   worktrees,
		sidecar:     sidecarRepo,
		forge:       forgeClient,
		hooks:       hooks,
		stages:      stages,
		limiter:     limiter,
		syncCounter: syncCounter,
		log:         log,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.hookForge = &forgeHookAdapter{
		forge:     forgeClient,
		worktrees: worktrees,
		findBranch: func(branch string) (string, bool) {
			agents, err := l.agents.ListAgents()
			if err != nil {
				return "", false
			}
			for _, a := range agents {
				if a.Branch == branch {
					return a.Worktree, true
				}
			}
			return "", false
		},
	}
	return l
}

// Result summarizes one completed tick, for the CLI's `sync` and
// `status` output.
type Result struct {
	RunID          string
	Skipped        bool
	PushedBranches []string
	CreatedPRs     map[string]int
	MergedIssues   []string
	Advanced       []string
	Started        []string
	Errors         []string
}

// Tick runs one sync iteration. Step 1 (the sidecar's own non-blocking
// lock) is handled inside SidecarRepo.Sync; this method additionally
// guards against recursion — hooks invoked from the loop must never
// themselves invoke sync() — so a reentrancy flag is set for the
// duration of the tick and any nested call short-circuits.
func (l *Loop) Tick(ctx context.Context) (Result, error) {
	runID := uuid.New().String()[:8]
	res := Result{RunID: runID, CreatedPRs: map[string]int{}}

	if !l.reentrant.CompareAndSwap(false, true) {
		l.log.Warn("sync tick skipped: already running", "run_id", runID)
		res.Skipped = true
		return res, nil
	}
	defer l.reentrant.Store(false)

	// step 2: pull.
	if err := l.sidecar.Sync(true); err != nil {
		l.log.Warn("sidecar lock held or pull failed; skipping tick", "run_id", runID, "error", err.Error())
		res.Skipped = true
		return res, nil
	}

	issues, err := l.issues.List()
	if err != nil {
		return res, fmt.Errorf("sync: failed to list issues: %w", err)
	}

	// step 3: push pending agent branches.
	pushed, pushErrs := l.pushPendingBranches(ctx)
	res.PushedBranches = pushed
	res.Errors = append(res.Errors, pushErrs...)

	// step 4: ensure PR at implementation-review gate.
	created, ensureErrs := l.ensurePRs(ctx, issues)
	res.CreatedPRs = created
	res.Errors = append(res.Errors, ensureErrs...)

	// step 5: detect external merges.
	merged, mergeErrs := l.detectExternalMerges(ctx, issues)
	res.MergedIssues = merged
	res.Errors = append(res.Errors, mergeErrs...)

	// step 6: advance host-controlled stages.
	advanced, advanceErrs := l.advanceHostStages(ctx, issues)
	res.Advanced = advanced
	res.Errors = append(res.Errors, advanceErrs...)

	// step 7: start newly-unblocked issues.
	started, startErrs := l.startBlockedIssues(ctx, issues)
	res.Started = started
	res.Errors = append(res.Errors, startErrs...)

	// step 8: configured post_sync hooks, rate-limited.
	if err := l.runPostSyncHooks(ctx); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	// periodic prune of stale .sync_hook_state.yaml entries, run once
	// per tick after post_sync hooks and before the sidecar commit so
	// the prune itself is captured in that commit.
	if l.pruner != nil {
		names := make([]string, 0, len(l.cfg.ControllerHooks.PostSync))
		for _, d := range l.cfg.ControllerHooks.PostSync {
			names = append(names, d.Name)
		}
		if _, err := l.pruner.Prune(names); err != nil {
			l.log.Warn("hook state prune failed", "error", err.Error())
		}
	}

	// step 9: commit and push sidecar changes.
	if err := l.sidecar.Commit(fmt.Sprintf("sync: run %s", runID)); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("sidecar commit failed: %v", err))
	}

	// step 10: release lock happens implicitly via the deferred
	// reentrant.Store(false) above and the sidecar's own TryWithLock
	// semantics inside Sync/Commit.
	return res, nil
}

// pushPendingBranches is step 3. Each agent's push runs independently;
// a panic or error in one must not take down the others, so this uses
// a conc pool, which has panic recovery built in.
func (l *Loop) pushPendingBranches(ctx context.Context) ([]string, []string) {
	agents, err := l.agents.ListAgents()
	if err != nil {
		return nil, []string{fmt.Sprintf("list agents: %v", err)}
	}

	type outcome struct {
		branch string
		err    error
	}

	p := pool.NewWithResults[outcome]().WithContext(ctx).WithMaxGoroutines(4)
	for _, a := range agents {
		a := a
		if a.Branch == "" || a.Worktree == "" {
			continue
		}
		p.Go(func(ctx context.Context) (outcome, error) {
			hasUnpushed, err := l.worktrees.HasUnpushedCommits(ctx, a.Worktree, a.Branch)
			if err != nil {
				return outcome{branch: a.Branch, err: err}, nil
			}
			if !hasUnpushed {
				return outcome{}, nil
			}
			if err := l.worktrees.PushBranch(ctx, a.Worktree, a.Branch); err != nil {
				return outcome{branch: a.Branch, err: err}, nil
			}
			return outcome{branch: a.Branch}, nil
		})
	}

	results, _ := p.Wait()
	var pushed, errs []string
	for _, r := range results {
		switch {
		case r.branch == "":
			continue
		case r.err != nil:
			l.log.Warn("push pending branch failed", "branch", r.branch, "error", r.err.Error())
			errs = append(errs, fmt.Sprintf("push %s: %v", r.branch, r.err))
		default:
			pushed = append(pushed, r.branch)
		}
	}
	return pushed, errs
}

// ensurePRs is step 4: for every issue at implementation_review with no
// pr_number, auto-commit, push, and create a PR (idempotent on the
// forge side).
func (l *Loop) ensurePRs(ctx context.Context, issues []*issue.Issue) (map[string]int, []string) {
	created := map[string]int{}
	var errs []string

	for _, iss := range issues {
		if iss.Stage != "implementation_review" || iss.PRNumber != nil || iss.Branch == "" {
			continue
		}

		worktreePath := l.worktreePathFor(iss)
		if worktreePath != "" {
			if _, err := l.worktrees.CommitAll(ctx, worktreePath, fmt.Sprintf("agenttree: checkpoint for issue %s", iss.ID)); err != nil {
				errs = append(errs, fmt.Sprintf("issue %s: auto-commit: %v", iss.ID, err))
				continue
			}
			if err := l.worktrees.PushBranch(ctx, worktreePath, iss.Branch); err != nil {
				errs = append(errs, fmt.Sprintf("issue %s: push before PR: %v", iss.ID, err))
				continue
			}
		}

		prNumber, err := l.forge.CreatePR(ctx, iss.Branch, "main", fmt.Sprintf("%s: %s", iss.ID, iss.Title), fmt.Sprintf("Automated PR for issue %s.", iss.ID))
		if err != nil {
			errs = append(errs, fmt.Sprintf("issue %s: create PR: %v", iss.ID, err))
			continue
		}
		if _, err := l.issues.SetPR(iss.ID, prNumber); err != nil {
			errs = append(errs, fmt.Sprintf("issue %s: record PR number: %v", iss.ID, err))
			continue
		}
		created[iss.ID] = prNumber
	}
	return created, errs
}

// detectExternalMerges is step 5: an issue whose PR was merged on the
// forge directly (bypassing `approve`) is advanced to accepted. The
// transition still goes through Approve rather than Advance: the review
// stages the forge let someone merge past are human_review stages, and
// Advance refuses to cross those on its own.
func (l *Loop) detectExternalMerges(ctx context.Context, issues []*issue.Issue) ([]string, []string) {
	var mergedIDs, errs []string

	for _, iss := range issues {
		if iss.Stage != "implementation_review" || iss.PRNumber == nil {
			continue
		}
		pr, err := l.forge.GetPR(ctx, *iss.PRNumber)
		if err != nil {
			errs = append(errs, fmt.Sprintf("issue %s: get PR: %v", iss.ID, err))
			continue
		}
		if !pr.Merged {
			continue
		}

		issueDir := l.issueDirFor(iss)
		in := stage.TransitionInput{InContainer: false, Forge: l.hookForge, RateLimiter: l.limiter}
		if _, _, err := l.stages.Approve(ctx, issueDir, iss.ID, in); err != nil {
			errs = append(errs, fmt.Sprintf("issue %s: advance on external merge: %v", iss.ID, err))
			continue
		}
		mergedIDs = append(mergedIDs, iss.ID)
	}
	return mergedIDs, errs
}

// advanceHostStages is step 6: host-controlled stages (config's `host:
// true`) whose pre-completion hooks now pass advance automatically; on
// failure the issue steps back with a reason.
func (l *Loop) advanceHostStages(ctx context.Context, issues []*issue.Issue) ([]string, []string) {
	var advanced, errs []string

	for _, iss := range issues {
		sd, ok := l.cfg.StageByName(iss.Stage)
		if !ok || !sd.Host || sd.Terminal || sd.HumanReview {
			continue
		}

		issueDir := l.issueDirFor(iss)
		in := stage.TransitionInput{InContainer: false, Forge: l.hookForge, RateLimiter: l.limiter}
		_, _, err := l.stages.Advance(ctx, issueDir, iss.ID, in)
		if err == nil {
			advanced = append(advanced, iss.ID)
			continue
		}
		if !apierr.Is(err, apierr.Validation) {
			errs = append(errs, fmt.Sprintf("issue %s: advance host stage: %v", iss.ID, err))
			continue
		}

		var notify func(string) error
		if l.notifier != nil {
			notify = func(msg string) error { return l.notifier.Notify(ctx, iss.ID, msg) }
		}
		backStage, backSub := iss.Stage, iss.Substage
		if sd.StepBackTo != "" {
			backStage, backSub = config.SplitStageRef(sd.StepBackTo)
		}
		if _, sbErr := l.stages.StepBack(iss.ID, backStage, backSub, err.Error(), notify); sbErr != nil {
			errs = append(errs, fmt.Sprintf("issue %s: step_back after failed advance: %v", iss.ID, sbErr))
		}
	}
	return advanced, errs
}

// startBlockedIssues is step 7: any issue whose blocked_by list is fully
// terminal-accepted becomes eligible to start.
func (l *Loop) startBlockedIssues(ctx context.Context, issues []*issue.Issue) ([]string, []string) {
	if l.dispatcher == nil {
		return nil, nil
	}

	byID := make(map[string]*issue.Issue, len(issues))
	for _, iss := range issues {
		byID[iss.ID] = iss
	}

	var started, errs []string
	for _, iss := range issues {
		if len(iss.BlockedBy) == 0 || iss.AssignedAgent != "" {
			continue
		}
		allAccepted := true
		for _, depID := range iss.BlockedBy {
			dep, ok := byID[depID]
			if !ok || dep.Stage != "accepted" {
				allAccepted = false
				break
			}
		}
		if !allAccepted {
			continue
		}
		if err := l.dispatcher.StartIssue(ctx, iss.ID); err != nil {
			errs = append(errs, fmt.Sprintf("issue %s: start blocked issue: %v", iss.ID, err))
			continue
		}
		started = append(started, iss.ID)
	}
	return started, errs
}

// runPostSyncHooks is step 8: the configured controller_hooks.post_sync
// list, evaluated in declaration order with rate-limiting.
func (l *Loop) runPostSyncHooks(ctx context.Context) error {
	defs := make([]hook.Def, 0, len(l.cfg.ControllerHooks.PostSync))
	for _, d := range l.cfg.ControllerHooks.PostSync {
		defs = append(defs, hook.Def{
			Name:           d.Name,
			Kind:           d.Kind,
			HostOnly:       d.HostOnly,
			Optional:       true, // a single misbehaving post_sync hook must not fail the whole tick.
			TimeoutS:       d.TimeoutS,
			MinIntervalS:   d.MinIntervalS,
			RunEveryNSyncs: d.RunEveryNSyncs,
			Args:           d.Args,
		})
	}
	if l.syncCounter != nil {
		if _, err := l.syncCounter(); err != nil {
			l.log.Warn("failed to increment sync counter", "error", err.Error())
		}
	}

	if len(defs) == 0 {
		return nil
	}

	ec := hook.EvalContext{Forge: l.hookForge}
	_, err := l.hooks.Run(ctx, defs, ec, l.limiter)
	return err
}

func (l *Loop) issueDirFor(iss *issue.Issue) string {
	return filepath.Join(l.issues.RootDir(), iss.DirName())
}

func (l *Loop) worktreePathFor(iss *issue.Issue) string {
	agents, err := l.agents.ListAgents()
	if err != nil {
		return ""
	}
	for _, a := range agents {
		if a.IssueID == iss.ID {
			return a.Worktree
		}
	}
	return ""
}

// tickInterval is the default timer period for a long-running sync
// daemon.
const tickInterval = 60 * time.Second

// Run drives Tick on a fixed interval until ctx is cancelled, for
// long-running callers that don't need the CLI's config-watching
// `sync --watch` mode.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Tick(ctx); err != nil {
				l.log.Error("sync tick failed", "error", err.Error())
			}
		}
	}
}
