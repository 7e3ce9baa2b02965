package issue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agenttree/agenttree/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, logging.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_CreateAssignsSequentialIDs(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Create("Fix login bug", PriorityHigh, "backlog", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID != "001" {
		t.Fatalf("first issue ID = %q, want 001", a.ID)
	}
	if a.Slug != "fix-login-bug" {
		t.Fatalf("Slug = %q, want fix-login-bug", a.Slug)
	}

	b, err := s.Create("Add dark mode", PriorityLow, "backlog", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID != "002" {
		t.Fatalf("second issue ID = %q, want 002", b.ID)
	}

	if len(a.History) != 1 || a.History[0].Stage != "backlog" {
		t.Fatalf("expected seeded history, got %+v", a.History)
	}
}

func TestStore_CreateWritesProblemArtifact(t *testing.T) {
	s := newTestStore(t)
	iss, err := s.Create("Investigate flaky test", PriorityMedium, "backlog", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := filepath.Join(s.rootDir, iss.DirName(), "problem.md")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected problem.md to exist: %v", err)
	}
}

func TestStore_GetAndGetBySlug(t *testing.T) {
	s := newTestStore(t)
	created, err := s.Create("Improve caching", PriorityMedium, "backlog", []string{"perf"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Improve caching" {
		t.Fatalf("Title = %q", got.Title)
	}

	bySlug, err := s.GetBySlug("improve-caching")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if bySlug.ID != created.ID {
		t.Fatalf("GetBySlug ID = %q, want %q", bySlug.ID, created.ID)
	}

	if _, err := s.Get("999"); err == nil {
		t.Fatalf("expected error for missing issue")
	}
}

func TestStore_ListSkipsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("Good issue", PriorityLow, "backlog", nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	badDir := filepath.Join(s.rootDir, "002-bad-issue")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, issueFileName), []byte(":::not yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("List returned %d issues, want 1 (corrupt record should be skipped)", len(all))
	}
}

func TestStore_GetFailsLoudlyOnCorruptRecord(t *testing.T) {
	s := newTestStore(t)
	badDir := filepath.Join(s.rootDir, "001-bad-issue")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, issueFileName), []byte(":::not yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := s.Get("001"); err == nil {
		t.Fatalf("expected Get to fail loudly on corrupt record")
	}
}

func TestStore_UpdateStageAppendsHistory(t *testing.T) {
	s := newTestStore(t)
	iss, err := s.Create("Ship feature", PriorityMedium, "backlog", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.UpdateStage(iss.ID, "define", "")
	if err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if updated.Stage != "define" {
		t.Fatalf("Stage = %q, want define", updated.Stage)
	}
	if len(updated.History) != 2 {
		t.Fatalf("History len = %d, want 2", len(updated.History))
	}

	updated, err = s.UpdateStage(iss.ID, "implement", "draft")
	if err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if updated.Substage != "draft" {
		t.Fatalf("Substage = %q, want draft", updated.Substage)
	}
	if len(updated.History) != 3 {
		t.Fatalf("History len = %d, want 3", len(updated.History))
	}
}

func TestStore_AssignAndUnassign(t *testing.T) {
	s := newTestStore(t)
	iss, err := s.Create("Refactor parser", PriorityLow, "backlog", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	assigned, err := s.Assign(iss.ID, "developer", "agenttree/001-refactor-parser")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assigned.AssignedAgent != "developer" || assigned.Branch != "agenttree/001-refactor-parser" {
		t.Fatalf("unexpected assignment: %+v", assigned)
	}

	unassigned, err := s.Unassign(iss.ID)
	if err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	if unassigned.AssignedAgent != "" || unassigned.Branch != "" {
		t.Fatalf("expected assignment cleared, got %+v", unassigned)
	}
}

func TestStore_SetPR(t *testing.T) {
	s := newTestStore(t)
	iss, err := s.Create("Write docs", PriorityLow, "backlog", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := s.SetPR(iss.ID, 42)
	if err != nil {
		t.Fatalf("SetPR: %v", err)
	}
	if updated.PRNumber == nil || *updated.PRNumber != 42 {
		t.Fatalf("PRNumber = %v, want 42", updated.PRNumber)
	}
}

func TestStore_RecordHookRun(t *testing.T) {
	s := newTestStore(t)
	iss, err := s.Create("Add tests", PriorityMedium, "backlog", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.RecordHookRun(iss.ID, "section_check", true); err != nil {
		t.Fatalf("RecordHookRun: %v", err)
	}
	if err := s.RecordHookRun(iss.ID, "section_check", false); err != nil {
		t.Fatalf("RecordHookRun: %v", err)
	}

	got, err := s.Get(iss.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	st, ok := got.HookState["section_check"]
	if !ok {
		t.Fatalf("expected hook_state entry for section_check")
	}
	if st.RunCount != 2 {
		t.Fatalf("RunCount = %d, want 2", st.RunCount)
	}
	if st.LastSuccess {
		t.Fatalf("LastSuccess = true, want false (last call failed)")
	}
}

func TestStore_Find(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("Fix login bug", PriorityHigh, "backlog", nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("Add dark mode", PriorityLow, "backlog", nil, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := s.Find("login")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(found) != 1 || found[0].Title != "Fix login bug" {
		t.Fatalf("Find(login) = %+v", found)
	}

	found, err = s.Find("")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Find(\"\") = %d results, want 2", len(found))
	}
}
