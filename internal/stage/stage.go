// Package stage implements the stage machine: the totally ordered stage
// graph with optional per-stage substages, and the three transition
// primitives advance/approve/step_back. It is built as a thin
// coordinator over internal/config (the graph), internal/issue
// (persistence), and internal/hook (gating) — a sequence of small,
// independently testable steps rather than one monolithic state
// machine.
package stage

import (
	"context"
	"fmt"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/config"
	"github.com/agenttree/agenttree/internal/hook"
	"github.com/agenttree/agenttree/internal/issue"
	"github.com/agenttree/agenttree/internal/logging"
)

// ResourceCleaner releases an issue's live agent resources (container,
// sessions, worktree, port, registry entry) on entry into a terminal
// stage. Implemented by internal/cli's App, which has
// access to the allocator/container/session/worktree managers this
// package deliberately does not import.
type ResourceCleaner interface {
	CleanupAgent(issueID string) error
}

// SkillWriter surfaces a stage's skill-file content to the agent on
// successful advance: "the new stage's skill content and
// the current issue artifacts are combined into a TASK.md placed at the
// worktree root." Implemented by internal/cli's App,
// which has access to the sidecar's skills/ directory and the issue's
// worktree path this package deliberately does not import.
type SkillWriter interface {
	WriteSkillFile(issueID, skillName string) error
}

// TransitionInput supplies everything the hook engine needs to evaluate
// pre-completion/post-start hooks for one transition, beyond what is
// already on the issue record.
type TransitionInput struct {
	InContainer   bool
	FailureReason string
	PRURL         string
	Forge         hook.ForgeClient
	RateLimiter   hook.RateLimiter
}

// Machine drives stage transitions for a single project's issue store.
type Machine struct {
	cfg     *config.Config
	issues  *issue.Store
	hooks   *hook.Engine
	cleaner ResourceCleaner
	skills  SkillWriter
	log     logging.Logger
}

// New builds a Machine. cleaner and skills may be nil if terminal-stage
// cleanup and skill-file composition are handled by the caller instead.
func New(cfg *config.Config, issues *issue.Store, hooks *hook.Engine, cleaner ResourceCleaner, skills SkillWriter, log logging.Logger) *Machine {
	if log == nil {
		log = logging.Nop()
	}
	return &Machine{cfg: cfg, issues: issues, hooks: hooks, cleaner: cleaner, skills: skills, log: log}
}

func toHookDefs(defs []config.HookDef) []hook.Def {
	out := make([]hook.Def, 0, len(defs))
	for _, d := range defs {
		out = append(out, hook.Def{
			Name:           d.Name,
			Kind:           d.Kind,
			HostOnly:       d.HostOnly,
			Optional:       d.Optional,
			TimeoutS:       d.TimeoutS,
			MinIntervalS:   d.MinIntervalS,
			RunEveryNSyncs: d.RunEveryNSyncs,
			Args:           d.Args,
		})
	}
	return out
}

// target computes the next (stage, substage): the next substage within
// the current stage if one remains, else the first substage (or bare
// stage) of the next stage in the ordered list.
func target(cfg *config.Config, stageName, substage string) (nextStage, nextSubstage string, ok bool) {
	idx := cfg.StageIndex(stageName)
	if idx < 0 {
		return "", "", false
	}
	sd := cfg.Stages[idx]

	if len(sd.Substages) > 0 {
		curIdx := -1
		for i, s := range sd.Substages {
			if s == substage {
				curIdx = i
				break
			}
		}
		if curIdx >= 0 && curIdx+1 < len(sd.Substages) {
			return stageName, sd.Substages[curIdx+1], true
		}
	}

	if idx+1 >= len(cfg.Stages) {
		return "", "", false
	}
	next := cfg.Stages[idx+1]
	firstSubstage := ""
	if len(next.Substages) > 0 {
		firstSubstage = next.Substages[0]
	}
	return next.Name, firstSubstage, true
}

func evalContextFor(iss *issue.Issue, in TransitionInput) hook.EvalContext {
	prNumber := 0
	if iss.PRNumber != nil {
		prNumber = *iss.PRNumber
	}
	return hook.EvalContext{
		IssueDir:      "", // set by the caller from its issueDir argument
		Branch:        iss.Branch,
		PRNumber:      prNumber,
		PRURL:         in.PRURL,
		InContainer:   in.InContainer,
		FailureReason: in.FailureReason,
		Forge:         in.Forge,
		Placeholders:  map[string]string{"issue_id": iss.ID},
	}
}

// Advance runs the automatic transition primitive. It refuses to run on
// terminal stages or on human_review stages without approve intent —
// callers wanting the latter use Approve.
func (m *Machine) Advance(ctx context.Context, issueDir, issueID string, in TransitionInput) (*issue.Issue, []hook.Result, error) {
	return m.transition(ctx, issueDir, issueID, in, false)
}

// Approve runs the transition primitive with approve intent, permitted
// on human_review stages.
func (m *Machine) Approve(ctx context.Context, issueDir, issueID string, in TransitionInput) (*issue.Issue, []hook.Result, error) {
	return m.transition(ctx, issueDir, issueID, in, true)
}

func (m *Machine) transition(ctx context.Context, issueDir, issueID string, in TransitionInput, approve bool) (*issue.Issue, []hook.Result, error) {
	iss, err := m.issues.Get(issueID)
	if err != nil {
		return nil, nil, err
	}

	curDef, ok := m.cfg.StageByName(iss.Stage)
	if !ok {
		return nil, nil, apierr.New(apierr.CorruptRecord, fmt.Sprintf("issue %s is at unknown stage %q", issueID, iss.Stage))
	}
	if curDef.Terminal {
		return nil, nil, apierr.New(apierr.Validation, fmt.Sprintf("issue %s is at terminal stage %q", issueID, iss.Stage))
	}
	if curDef.HumanReview && !approve {
		return nil, nil, apierr.New(apierr.Validation, fmt.Sprintf("issue %s is at human-review stage %q; requires approve", issueID, iss.Stage))
	}

	nextStage, nextSubstage, ok := target(m.cfg, iss.Stage, iss.Substage)
	if !ok {
		return nil, nil, apierr.New(apierr.Validation, fmt.Sprintf("issue %s has no further transition from %q/%q", issueID, iss.Stage, iss.Substage))
	}

	ec := evalContextFor(iss, in)
	ec.IssueDir = issueDir

	preResults, err := m.hooks.Run(ctx, toHookDefs(curDef.PreCompletion), ec, in.RateLimiter)
	if err != nil {
		return nil, preResults, err
	}

	updated, err := m.issues.UpdateStage(issueID, nextStage, nextSubstage)
	if err != nil {
		return nil, preResults, err
	}

	nextDef, _ := m.cfg.StageByName(nextStage)

	postEC := evalContextFor(updated, in)
	postEC.IssueDir = issueDir
	postResults, postErr := m.hooks.Run(ctx, toHookDefs(nextDef.PostStart), postEC, in.RateLimiter)
	if postErr != nil {
		m.log.Warn("post-start hook failure (non-fatal)", "issue", issueID, "stage", nextStage, "error", postErr.Error())
	}

	if nextDef.Terminal && m.cleaner != nil {
		if err := m.cleaner.CleanupAgent(issueID); err != nil {
			m.log.Warn("terminal-stage cleanup failed", "issue", issueID, "stage", nextStage, "error", err.Error())
		}
	} else if nextDef.Skill != "" && m.skills != nil {
		if err := m.skills.WriteSkillFile(issueID, nextDef.Skill); err != nil {
			m.log.Warn("skill file composition failed", "issue", issueID, "stage", nextStage, "error", err.Error())
		}
	}

	allResults := append(preResults, postResults...)
	return updated, allResults, nil
}

// StepBack moves an issue backward to an earlier stage/substage when the
// sync loop detects CI failure or an unresolvable conflict.
// Pre-completion hooks are not evaluated: this is a forced transition,
// not an earned one. Resource state (container,
// branch, worktree) is preserved — no cleaner is invoked. message is
// recorded as the history entry's reason and, when notify is non-nil,
// pushed into the agent's role session.
func (m *Machine) StepBack(issueID, toStage, toSubstage, message string, notify func(string) error) (*issue.Issue, error) {
	if _, ok := m.cfg.StageByName(toStage); !ok {
		return nil, apierr.New(apierr.Validation, fmt.Sprintf("step_back: unknown stage %q", toStage))
	}

	updated, err := m.issues.UpdateStageWithReason(issueID, toStage, toSubstage, message)
	if err != nil {
		return nil, err
	}

	if notify != nil {
		if err := notify(message); err != nil {
			m.log.Warn("failed to notify agent session of step_back", "issue", issueID, "error", err.Error())
		}
	}

	return updated, nil
}
