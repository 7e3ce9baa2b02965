package hook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEngine_FileExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "problem.md"), []byte("content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := New(nil)
	ec := EvalContext{IssueDir: dir}

	defs := []Def{{Name: "has-problem", Kind: string(KindFileExists), Args: map[string]interface{}{"path": "problem.md"}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Pass {
		t.Fatalf("expected file_exists to pass, got %+v", results[0])
	}

	defs = []Def{{Name: "has-missing", Kind: string(KindFileExists), Args: map[string]interface{}{"path": "missing.md"}}}
	_, err = e.Run(context.Background(), defs, ec, nil)
	if err == nil {
		t.Fatalf("expected validation error for missing file")
	}
}

func TestEngine_SectionCheck(t *testing.T) {
	dir := t.TempDir()
	content := "## Approach\n\nSome approach content here.\n\n## Risks\n\n"
	if err := os.WriteFile(filepath.Join(dir, "spec.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := New(nil)
	ec := EvalContext{IssueDir: dir}

	defs := []Def{{Name: "approach", Kind: string(KindSectionCheck), Args: map[string]interface{}{"file": "spec.md", "section": "Approach", "expect": "non-empty"}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Pass {
		t.Fatalf("expected section_check to pass, got %+v", results[0])
	}

	defs = []Def{{Name: "risks", Kind: string(KindSectionCheck), Args: map[string]interface{}{"file": "spec.md", "section": "Risks", "expect": "non-empty"}}}
	_, err = e.Run(context.Background(), defs, ec, nil)
	if err == nil {
		t.Fatalf("expected empty Risks section to fail")
	}
}

func TestEngine_HostOnlySkippedInContainer(t *testing.T) {
	e := New(nil)
	ec := EvalContext{InContainer: true}

	defs := []Def{{Name: "host-check", Kind: string(KindFileExists), HostOnly: true, Args: map[string]interface{}{"path": "/nonexistent"}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("expected host_only hook to be skipped without error, got %v", err)
	}
	if !results[0].Skipped {
		t.Fatalf("expected hook to be skipped, got %+v", results[0])
	}
}

func TestEngine_OptionalFailureDoesNotBlock(t *testing.T) {
	e := New(nil)
	ec := EvalContext{IssueDir: t.TempDir()}

	defs := []Def{{Name: "optional-check", Kind: string(KindFileExists), Optional: true, Args: map[string]interface{}{"path": "missing.md"}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("expected optional failure not to block, got %v", err)
	}
	if results[0].Pass {
		t.Fatalf("expected hook to report failure even though optional")
	}
}

func TestEngine_Command(t *testing.T) {
	e := New(nil)
	ec := EvalContext{IssueDir: t.TempDir()}

	defs := []Def{{Name: "ok", Kind: string(KindCommand), Args: map[string]interface{}{"command": "true"}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Pass {
		t.Fatalf("expected command to pass, got %+v", results[0])
	}

	defs = []Def{{Name: "fail", Kind: string(KindCommand), Args: map[string]interface{}{"command": "false"}}}
	_, err = e.Run(context.Background(), defs, ec, nil)
	if err == nil {
		t.Fatalf("expected failing command to block")
	}
}

func TestEngine_Webhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(nil)
	ec := EvalContext{}
	defs := []Def{{Name: "notify", Kind: string(KindWebhook), Args: map[string]interface{}{"url": srv.URL}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Pass {
		t.Fatalf("expected webhook to pass, got %+v", results[0])
	}
}

func TestEngine_PlaceholderSubstitution(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "feature-branch.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := New(nil)
	ec := EvalContext{IssueDir: dir, Branch: "feature-branch"}
	defs := []Def{{Name: "branch-file", Kind: string(KindFileExists), Args: map[string]interface{}{"path": "{{branch}}.md"}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Pass {
		t.Fatalf("expected placeholder-substituted path to resolve, got %+v", results[0])
	}
}

type fakeRateLimiter struct {
	states  map[string]RateState
	ticks   map[string]int
	records []string
}

func (f *fakeRateLimiter) Get(name string) (RateState, bool) {
	st, ok := f.states[name]
	return st, ok
}

func (f *fakeRateLimiter) Tick(name string) (int, error) {
	if f.ticks == nil {
		f.ticks = map[string]int{}
	}
	f.ticks[name]++
	return f.ticks[name], nil
}

func (f *fakeRateLimiter) Record(name string) error {
	f.records = append(f.records, name)
	return nil
}

func TestEngine_MinIntervalSkipsWithinWindow(t *testing.T) {
	e := New(nil)
	ec := EvalContext{IssueDir: t.TempDir()}
	limiter := &fakeRateLimiter{states: map[string]RateState{
		"poll": {LastRunAt: time.Now()},
	}}

	defs := []Def{{Name: "poll", Kind: string(KindCommand), MinIntervalS: 60, Args: map[string]interface{}{"command": "true"}}}
	results, err := e.Run(context.Background(), defs, ec, limiter)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Skipped {
		t.Fatalf("expected hook to be rate-limited, got %+v", results[0])
	}
	if len(limiter.records) != 0 {
		t.Fatalf("did not expect Record to be called for a skipped hook")
	}
}

func TestEngine_RunEveryNSyncs(t *testing.T) {
	e := New(nil)
	ec := EvalContext{IssueDir: t.TempDir()}
	// Pre-seed the tick counter at 1, so this Run call advances it to 2
	// -- not a multiple of 3, so the hook must be skipped.
	limiter := &fakeRateLimiter{ticks: map[string]int{"periodic": 1}}

	defs := []Def{{Name: "periodic", Kind: string(KindCommand), RunEveryNSyncs: 3, Args: map[string]interface{}{"command": "true"}}}
	results, err := e.Run(context.Background(), defs, ec, limiter)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Skipped {
		t.Fatalf("expected hook skipped when tick %% N != 0, got %+v", results[0])
	}
}

func TestEngine_RunEveryNSyncsRunsOnDueTick(t *testing.T) {
	e := New(nil)
	ec := EvalContext{IssueDir: t.TempDir()}
	// Pre-seed at 2, so this Run call advances the tick to 3 -- due.
	limiter := &fakeRateLimiter{ticks: map[string]int{"periodic": 2}}

	defs := []Def{{Name: "periodic", Kind: string(KindCommand), RunEveryNSyncs: 3, Args: map[string]interface{}{"command": "true"}}}
	results, err := e.Run(context.Background(), defs, ec, limiter)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Skipped {
		t.Fatalf("expected hook to run on a tick congruent to 0 mod N, got %+v", results[0])
	}
	if len(limiter.records) != 1 || limiter.records[0] != "periodic" {
		t.Fatalf("expected Record to be called once the hook actually runs, got %v", limiter.records)
	}
}

func TestEngine_RunEveryNSyncsDoesNotGetStuckForever(t *testing.T) {
	// Regression test: a hook that is skipped must still advance on
	// later ticks, rather than being permanently stuck once its tick
	// count first lands on a non-multiple of N.
	e := New(nil)
	limiter := &fakeRateLimiter{}
	defs := []Def{{Name: "periodic", Kind: string(KindCommand), RunEveryNSyncs: 3, Args: map[string]interface{}{"command": "true"}}}

	var ran int
	for i := 0; i < 6; i++ {
		results, err := e.Run(context.Background(), defs, EvalContext{IssueDir: t.TempDir()}, limiter)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !results[0].Skipped {
			ran++
		}
	}
	if ran != 2 {
		t.Fatalf("expected the hook to run on ticks 3 and 6 of 6, ran %d times", ran)
	}
}

type fakeForge struct {
	status      PRStatus
	rebaseErr   error
	rebaseCalls int
}

func (f *fakeForge) GetPR(_ context.Context, _ int) (PRStatus, error) {
	return f.status, nil
}

func (f *fakeForge) RebaseBranch(_ context.Context, _, _ string) error {
	f.rebaseCalls++
	return f.rebaseErr
}

func TestEngine_PRApproved(t *testing.T) {
	e := New(nil)
	forge := &fakeForge{status: PRStatus{Approved: true, Mergeable: true, ChecksState: "success"}}
	ec := EvalContext{Forge: forge, PRNumber: 7}

	defs := []Def{{Name: "approved", Kind: string(KindPRApproved)}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results[0].Pass {
		t.Fatalf("expected pr_approved to pass")
	}
}

func TestEngine_CheckCIStatus(t *testing.T) {
	e := New(nil)

	tests := []struct {
		name     string
		status   string
		prNumber int
		wantPass bool
	}{
		{"success passes", "success", 7, true},
		{"failure fails", "failure", 7, false},
		{"pending fails without blocking", "pending", 7, false},
		{"no PR passes vacuously", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forge := &fakeForge{status: PRStatus{ChecksState: tt.status}}
			ec := EvalContext{Forge: forge, PRNumber: tt.prNumber}
			defs := []Def{{Name: "ci", Kind: string(KindCheckCIStatus), Optional: true}}
			results, err := e.Run(context.Background(), defs, ec, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if results[0].Pass != tt.wantPass {
				t.Fatalf("Pass = %v, want %v (%s)", results[0].Pass, tt.wantPass, results[0].Message)
			}
		})
	}
}

func TestEngine_CheckConflictsAutoRebase(t *testing.T) {
	e := New(nil)
	forge := &fakeForge{status: PRStatus{Mergeable: false}}
	ec := EvalContext{Forge: forge, PRNumber: 7, Branch: "feature", BaseBranch: "main"}

	defs := []Def{{Name: "conflicts", Kind: string(KindCheckConflicts), Args: map[string]interface{}{"auto_rebase": true}}}
	results, err := e.Run(context.Background(), defs, ec, nil)
	if err == nil {
		t.Fatalf("expected Run to report the still-conflicting non-optional hook as a blocking error")
	}
	if results[0].Pass {
		t.Fatalf("expected check_conflicts to still fail since fakeForge never reports mergeable after rebase")
	}
	if forge.rebaseCalls != 1 {
		t.Fatalf("expected exactly one rebase attempt, got %d", forge.rebaseCalls)
	}
}
