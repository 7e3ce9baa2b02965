// This file registers the hook-engine evaluators for the built-in
// *action* kinds that perform side effects (create_pr, merge_pr,
// rebase, cleanup_agent). Unlike the file/section/PR validators
// internal/hook registers for itself, these four need collaborators
// (the forge client, the worktree manager, the resource cleaner) that
// only this composition root holds, so they are registered here via
// hook.Engine.Register.
//
// The sync loop's own built-in step names (push_pending_branches,
// check_merged_prs, check_controller_stages, start_blocked_issues) are
// deliberately NOT registered as hook kinds: they already run
// unconditionally every tick as internal/sync's own steps, which is
// what makes their behavior tick-guaranteed rather than opt-in.
// Registering them a second time as declarable hooks would let a
// misconfigured project skip them via
// min_interval_s/run_every_n_syncs. step_back is likewise not
// user-declarable: it is a transition primitive the sync loop invokes
// directly with a specific target stage/substage and message, not a
// hook with a pass/fail outcome.
package cli

import (
	"context"
	"fmt"

	"github.com/agenttree/agenttree/internal/forge"
	"github.com/agenttree/agenttree/internal/hook"
)

// registerBuiltinActions wires create_pr/merge_pr/rebase/cleanup_agent
// into app's hook engine. Called once from newApp after every
// collaborator the actions need (Forge, Worktrees, Issues, CleanupAgent)
// is built.
func (a *App) registerBuiltinActions() {
	a.Hooks.Register("create_pr", hook.EvaluatorFunc(a.evalCreatePR))
	a.Hooks.Register("merge_pr", hook.EvaluatorFunc(a.evalMergePR))
	a.Hooks.Register("rebase", hook.EvaluatorFunc(a.evalRebase))
	a.Hooks.Register("cleanup_agent", hook.EvaluatorFunc(a.evalCleanupAgent))
}

func issueIDFrom(ec hook.EvalContext) string {
	return ec.Placeholders["issue_id"]
}

func baseBranchFrom(ec hook.EvalContext, args map[string]interface{}) string {
	if b, ok := args["base"].(string); ok && b != "" {
		return b
	}
	if ec.BaseBranch != "" {
		return ec.BaseBranch
	}
	return "main"
}

// evalCreatePR is the standalone form of sync.Loop's "ensure PR" step
//, usable as a per-issue post_start hook so a
// project can open the PR the instant an issue enters a gate instead of
// waiting for the next sync tick. Idempotent: if the issue already has a
// pr_number, this is a no-op pass.
func (a *App) evalCreatePR(ctx context.Context, ec hook.EvalContext, args map[string]interface{}) (bool, string, error) {
	issueID := issueIDFrom(ec)
	if issueID == "" {
		return false, "create_pr: no issue id in context", nil
	}
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return false, "", err
	}
	if iss.PRNumber != nil {
		return true, fmt.Sprintf("PR #%d already exists", *iss.PRNumber), nil
	}
	if iss.Branch == "" {
		return false, "create_pr: issue has no branch", nil
	}

	base := baseBranchFrom(ec, args)
	if path, perr := a.WorktreePath(issueID); perr == nil && path != "" {
		if _, err := a.Worktrees.CommitAll(ctx, path, fmt.Sprintf("agenttree: checkpoint for issue %s", issueID)); err != nil {
			return false, "", fmt.Errorf("create_pr: auto-commit: %w", err)
		}
		if err := a.Worktrees.PushBranch(ctx, path, iss.Branch); err != nil {
			return false, "", fmt.Errorf("create_pr: push: %w", err)
		}
	}

	prNumber, err := a.Forge.CreatePR(ctx, iss.Branch, base, fmt.Sprintf("%s: %s", iss.ID, iss.Title), fmt.Sprintf("Automated PR for issue %s.", iss.ID))
	if err != nil {
		return false, "", fmt.Errorf("create_pr: %w", err)
	}
	if _, err := a.Issues.SetPR(issueID, prNumber); err != nil {
		return false, "", fmt.Errorf("create_pr: record pr_number: %w", err)
	}
	return true, fmt.Sprintf("created PR #%d", prNumber), nil
}

// evalMergePR merges the issue's PR, failing closed if checks or
// mergeability aren't satisfied.
func (a *App) evalMergePR(ctx context.Context, ec hook.EvalContext, args map[string]interface{}) (bool, string, error) {
	issueID := issueIDFrom(ec)
	iss, err := a.Issues.Get(issueID)
	if err != nil {
		return false, "", err
	}
	if iss.PRNumber == nil {
		return false, "merge_pr: issue has no pr_number", nil
	}

	strategy := forge.MergeSquash
	if s, ok := args["strategy"].(string); ok && s != "" {
		strategy = forge.MergeStrategy(s)
	}
	if err := a.Forge.MergePR(ctx, *iss.PRNumber, strategy); err != nil {
		return false, fmt.Sprintf("merge PR #%d failed: %v", *iss.PRNumber, err), nil
	}
	return true, fmt.Sprintf("merged PR #%d", *iss.PRNumber), nil
}

// evalRebase rebases the issue's live worktree branch onto base, as a
// post_start hook on approval of a plan-review gate.
func (a *App) evalRebase(ctx context.Context, ec hook.EvalContext, args map[string]interface{}) (bool, string, error) {
	issueID := issueIDFrom(ec)
	path, err := a.WorktreePath(issueID)
	if err != nil || path == "" {
		return false, "rebase: no live worktree for issue", nil
	}
	base := baseBranchFrom(ec, args)
	if err := a.Worktrees.RebaseBranch(ctx, path, base); err != nil {
		return false, fmt.Sprintf("rebase onto %s failed: %v", base, err), nil
	}
	return true, fmt.Sprintf("rebased onto %s", base), nil
}

// evalCleanupAgent lets a project also declare cleanup_agent explicitly
// (e.g. as an implementation_review post_start hook run before the
// terminal stage is even reached); internal/stage already calls
// ResourceCleaner.CleanupAgent unconditionally on entry into a terminal
// stage, so this is a convenience alias, not the only path to cleanup.
func (a *App) evalCleanupAgent(ctx context.Context, ec hook.EvalContext, args map[string]interface{}) (bool, string, error) {
	issueID := issueIDFrom(ec)
	if issueID == "" {
		return false, "cleanup_agent: no issue id in context", nil
	}
	if err := a.CleanupAgent(issueID); err != nil {
		return false, "", err
	}
	return true, "cleaned up agent resources", nil
}
