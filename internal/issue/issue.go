// Package issue implements the filesystem-backed issue store: one
// directory per issue under the sidecar repository's issues/ tree,
// holding issue.yaml as the canonical record plus markdown artifacts
// produced and consumed by hooks. Persistence is mutex-guarded
// whole-file YAML snapshots; there are no incremental in-place edits.
package issue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/ids"
	"github.com/agenttree/agenttree/internal/logging"
	"gopkg.in/yaml.v3"
)

// Priority is one of low|medium|high|critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// HookState tracks rate-limit bookkeeping for one issue-scoped hook.
type HookState struct {
	LastRunAt   time.Time `yaml:"last_run_at"`
	RunCount    int       `yaml:"run_count"`
	LastSuccess bool      `yaml:"last_success"`
}

// HistoryEntry records one stage transition.
// Reason is set only on forced transitions (step_back), recording why
// the issue moved backward.
type HistoryEntry struct {
	Stage     string    `yaml:"stage"`
	Substage  string    `yaml:"substage,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`
	Reason    string    `yaml:"reason,omitempty"`
}

// Issue is the canonical on-disk issue record.
type Issue struct {
	ID            string               `yaml:"id"`
	Slug          string               `yaml:"slug"`
	Title         string               `yaml:"title"`
	Created       time.Time            `yaml:"created"`
	Updated       time.Time            `yaml:"updated"`
	Stage         string               `yaml:"stage"`
	Substage      string               `yaml:"substage,omitempty"`
	AssignedAgent string               `yaml:"assigned_agent,omitempty"`
	Branch        string               `yaml:"branch,omitempty"`
	PRNumber      *int                 `yaml:"pr_number,omitempty"`
	Labels        []string             `yaml:"labels,omitempty"`
	Priority      Priority             `yaml:"priority"`
	ForgeIssue    *int                 `yaml:"forge_issue,omitempty"`
	BlockedBy     []string             `yaml:"blocked_by,omitempty"`
	HookState     map[string]HookState `yaml:"hook_state,omitempty"`
	History       []HistoryEntry       `yaml:"history"`
}

// RootDir returns the directory the store is rooted at, so callers can
// compute an issue's on-disk directory without reaching into the store's
// internals.
func (s *Store) RootDir() string { return s.rootDir }

// DirName returns the "{id}-{slug}" directory name for this issue.
func (i Issue) DirName() string { return ids.DirName(i.ID, i.Slug) }

// IsTerminal reports whether the issue sits in a stage from which no
// further transitions are permitted. Callers pass the set of terminal
// stage names from config, since Issue itself has no config reference.
func (i Issue) IsTerminal(terminalStages map[string]bool) bool {
	return terminalStages[i.Stage]
}

const issueFileName = "issue.yaml"

// Store is a filesystem-backed CRUD layer over issue records, rooted at
// the sidecar repository's issues/ directory.
type Store struct {
	mu      sync.Mutex
	rootDir string
	log     logging.Logger
}

// NewStore creates a Store rooted at rootDir (typically
// "_agenttree/issues"). The directory is created if absent.
func NewStore(rootDir string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create issues directory: %w", err)
	}
	return &Store{rootDir: rootDir, log: log}, nil
}

// problemTemplate seeds a newly created issue's problem.md artifact.
const problemTemplate = `# %s

## Problem

(describe the problem this issue addresses)
`

// Create allocates the next unused issue id (max existing id + 1),
// writes issue.yaml and a seeded problem.md, and seeds history with the
// initial stage.
func (s *Store) Create(title string, priority Priority, initialStage string, labels, blockedBy []string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.listLocked()
	if err != nil {
		return nil, err
	}

	maxID := 0
	for _, iss := range existing {
		n, err := ids.ParseID(iss.ID)
		if err != nil {
			continue
		}
		if n > maxID {
			maxID = n
		}
	}

	now := time.Now().UTC()
	issue := &Issue{
		ID:       ids.PadID(maxID + 1),
		Slug:     ids.Slugify(title),
		Title:    title,
		Created:  now,
		Updated:  now,
		Stage:    initialStage,
		Labels:   labels,
		Priority: priority,
		BlockedBy: blockedBy,
		History: []HistoryEntry{
			{Stage: initialStage, Timestamp: now},
		},
	}

	dir := filepath.Join(s.rootDir, issue.DirName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create issue directory: %w", err)
	}

	if err := writeYAML(filepath.Join(dir, issueFileName), issue); err != nil {
		return nil, err
	}

	problemPath := filepath.Join(dir, "problem.md")
	if _, err := os.Stat(problemPath); os.IsNotExist(err) {
		content := fmt.Sprintf(problemTemplate, title)
		if err := os.WriteFile(problemPath, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write problem.md: %w", err)
		}
	}

	return issue, nil
}

// List returns all readable issues. Corrupt YAML is skipped with a
// logged warning rather than failing the whole listing.
func (s *Store) List() ([]*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]*Issue, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list issues directory: %w", err)
	}

	var out []*Issue
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.rootDir, e.Name(), issueFileName)
		iss, err := readYAML(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.log.Warn("skipping corrupt issue record", "path", path, "error", err.Error())
			continue
		}
		out = append(out, iss)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get loads a single issue by id. Unlike List, a corrupt or missing
// record is a hard failure: direct access fails loudly.
func (s *Store) Get(id string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*Issue, error) {
	dir, err := s.findDirLocked(id)
	if err != nil {
		return nil, err
	}
	iss, err := readYAML(filepath.Join(dir, issueFileName))
	if err != nil {
		return nil, apierr.Wrap(apierr.CorruptRecord, fmt.Errorf("issue %s: %w", id, err))
	}
	return iss, nil
}

// GetBySlug finds an issue by its slug.
func (s *Store) GetBySlug(slug string) (*Issue, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, iss := range all {
		if iss.Slug == slug {
			return iss, nil
		}
	}
	return nil, fmt.Errorf("no issue with slug %q", slug)
}

// Find returns issues whose id, slug, or title contains query.
func (s *Store) Find(query string) ([]*Issue, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Issue
	q := strings.ToLower(query)
	for _, iss := range all {
		if strings.Contains(strings.ToLower(iss.ID), q) ||
			strings.Contains(strings.ToLower(iss.Slug), q) ||
			strings.Contains(strings.ToLower(iss.Title), q) {
			out = append(out, iss)
		}
	}
	return out, nil
}

func (s *Store) findDirLocked(id string) (string, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return "", fmt.Errorf("failed to list issues directory: %w", err)
	}
	prefix := id + "-"
	for _, e := range entries {
		if e.IsDir() && (e.Name() == id || strings.HasPrefix(e.Name(), prefix)) {
			return filepath.Join(s.rootDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("issue %s not found", id)
}

// UpdateStage transitions an issue's stage/substage, bumping Updated and
// appending a history entry. It does not itself enforce
// that the transition is legal — callers go through the stage machine
// (internal/stage), which checks legality before calling this.
func (s *Store) UpdateStage(id, newStage, newSubstage string) (*Issue, error) {
	return s.UpdateStageWithReason(id, newStage, newSubstage, "")
}

// UpdateStageWithReason is UpdateStage with a reason recorded on the
// history entry, used by forced transitions (step_back) so the trail
// explains why the issue moved backward.
func (s *Store) UpdateStageWithReason(id, newStage, newSubstage, reason string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	iss.Stage = newStage
	iss.Substage = newSubstage
	iss.Updated = now
	iss.History = append(iss.History, HistoryEntry{Stage: newStage, Substage: newSubstage, Timestamp: now, Reason: reason})

	if err := s.saveLocked(iss); err != nil {
		return nil, err
	}
	return iss, nil
}

// Assign records the agent role and working branch for an issue.
func (s *Store) Assign(id, role, branch string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	iss.AssignedAgent = role
	iss.Branch = branch
	iss.Updated = time.Now().UTC()
	if err := s.saveLocked(iss); err != nil {
		return nil, err
	}
	return iss, nil
}

// Unassign clears the assigned agent and branch.
func (s *Store) Unassign(id string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	iss.AssignedAgent = ""
	iss.Branch = ""
	iss.Updated = time.Now().UTC()
	if err := s.saveLocked(iss); err != nil {
		return nil, err
	}
	return iss, nil
}

// SetPR records the PR number associated with an issue's branch.
func (s *Store) SetPR(id string, prNumber int) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	iss.PRNumber = &prNumber
	iss.Updated = time.Now().UTC()
	if err := s.saveLocked(iss); err != nil {
		return nil, err
	}
	return iss, nil
}

// RecordHookRun updates an issue's per-hook rate-limit bookkeeping
// under hook_state, for issue-scoped rate-limited hooks.
func (s *Store) RecordHookRun(id, hookName string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if iss.HookState == nil {
		iss.HookState = make(map[string]HookState)
	}
	st := iss.HookState[hookName]
	st.LastRunAt = time.Now().UTC()
	st.RunCount++
	st.LastSuccess = success
	iss.HookState[hookName] = st

	return s.saveLocked(iss)
}

// ArtifactPath returns the path to a named artifact file (problem.md,
// research.md, spec.md, review.md, ...) within an issue's directory.
func (s *Store) ArtifactPath(id, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.findDirLocked(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (s *Store) saveLocked(iss *Issue) error {
	dir := filepath.Join(s.rootDir, iss.DirName())
	return writeYAML(filepath.Join(dir, issueFileName), iss)
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readYAML(path string) (*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var iss Issue
	if err := yaml.Unmarshal(data, &iss); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if iss.ID == "" {
		return nil, fmt.Errorf("failed to parse %s: no id field", path)
	}
	return &iss, nil
}

