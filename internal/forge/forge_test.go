package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v66/github"
)

func newTestClient(t *testing.T, mux *http.ServeMux) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)

	gh := github.NewClient(nil)
	baseURL, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	gh.BaseURL = baseURL

	return NewWithGitHub(gh, "acme", "widgets"), srv
}

func TestClient_GetIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"title": "Fix login bug", "body": "steps to reproduce", "labels": [{"name": "bug"}], "html_url": "https://github.com/acme/widgets/issues/42"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	iss, err := client.GetIssue(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if iss.Title != "Fix login bug" {
		t.Fatalf("Title = %q", iss.Title)
	}
	if len(iss.Labels) != 1 || iss.Labels[0] != "bug" {
		t.Fatalf("Labels = %v", iss.Labels)
	}
}

func TestClient_CreatePRIsIdempotent(t *testing.T) {
	mux := http.NewServeMux()
	createCalls := 0
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if r.URL.Query().Get("head") == "acme:agenttree/001-fix-login" {
				fmt.Fprint(w, `[{"number": 7, "state": "open"}]`)
				return
			}
			fmt.Fprint(w, `[]`)
			return
		}
		createCalls++
		fmt.Fprint(w, `{"number": 8}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	n, err := client.CreatePR(context.Background(), "agenttree/001-fix-login", "main", "Fix login", "body")
	if err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if n != 7 {
		t.Fatalf("PR number = %d, want 7 (existing PR)", n)
	}
	if createCalls != 0 {
		t.Fatalf("expected no Create call when a PR already exists, got %d", createCalls)
	}
}

func TestClient_CreatePRCreatesWhenAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `{"number": 9}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	n, err := client.CreatePR(context.Background(), "agenttree/002-new-feature", "main", "New feature", "body")
	if err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if n != 9 {
		t.Fatalf("PR number = %d, want 9", n)
	}
}

func TestClient_GetPRMapsMergeableAndChecks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 5, "state": "open", "merged": false, "mergeable": true, "head": {"sha": "abc123"}, "user": {"login": "agent-bot"}}`)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/5/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"state": "APPROVED"}]`)
	})
	mux.HandleFunc("/repos/acme/widgets/commits/abc123/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state": "success"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	pr, err := client.GetPR(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetPR: %v", err)
	}
	if !pr.Mergeable {
		t.Fatalf("expected Mergeable true")
	}
	if !pr.Approved {
		t.Fatalf("expected Approved true")
	}
	if pr.ChecksState != "success" {
		t.Fatalf("ChecksState = %q, want success", pr.ChecksState)
	}
	if pr.Author != "agent-bot" {
		t.Fatalf("Author = %q", pr.Author)
	}
}

func TestClient_GetPRApprovalTracksReviewersIndependently(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/6", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 6, "state": "open", "mergeable": true, "head": {"sha": "def456"}, "user": {"login": "agent-bot"}}`)
	})
	// ReviewerA approves, ReviewerB requests changes, ReviewerA
	// re-approves. ReviewerB's change request is still outstanding, so
	// the PR must not read as approved.
	mux.HandleFunc("/repos/acme/widgets/pulls/6/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"state": "APPROVED", "user": {"login": "reviewer-a"}},
			{"state": "CHANGES_REQUESTED", "user": {"login": "reviewer-b"}},
			{"state": "APPROVED", "user": {"login": "reviewer-a"}}
		]`)
	})
	mux.HandleFunc("/repos/acme/widgets/commits/def456/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state": "success"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	pr, err := client.GetPR(context.Background(), 6)
	if err != nil {
		t.Fatalf("GetPR: %v", err)
	}
	if pr.Approved {
		t.Fatalf("expected Approved false while a change request is outstanding")
	}
}

func TestClient_GetPRApprovalClearsWhenRequesterReapproves(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 8, "state": "open", "mergeable": true, "head": {"sha": "aaa111"}, "user": {"login": "agent-bot"}}`)
	})
	// The same reviewer requests changes then approves: their later
	// review supersedes the earlier one.
	mux.HandleFunc("/repos/acme/widgets/pulls/8/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"state": "CHANGES_REQUESTED", "user": {"login": "reviewer-a"}},
			{"state": "APPROVED", "user": {"login": "reviewer-a"}}
		]`)
	})
	mux.HandleFunc("/repos/acme/widgets/commits/aaa111/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state": "success"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	pr, err := client.GetPR(context.Background(), 8)
	if err != nil {
		t.Fatalf("GetPR: %v", err)
	}
	if !pr.Approved {
		t.Fatalf("expected Approved true once the requester re-approved")
	}
}

func TestClient_MergePRRefusesWhenChecksFail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 5, "state": "open", "mergeable": true, "head": {"sha": "abc123"}, "user": {"login": "agent-bot"}}`)
	})
	mux.HandleFunc("/repos/acme/widgets/pulls/5/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/repos/acme/widgets/commits/abc123/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state": "failure"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	if err := client.MergePR(context.Background(), 5, MergeSquash); err == nil {
		t.Fatalf("expected MergePR to refuse when checks have not passed")
	}
}

func TestClient_EnsureRepoIsIdempotent(t *testing.T) {
	mux := http.NewServeMux()
	createCalls := 0
	mux.HandleFunc("/repos/acme/widgets-agents", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name": "widgets-agents", "clone_url": "https://github.com/acme/widgets-agents.git"}`)
	})
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		createCalls++
		fmt.Fprint(w, `{"name": "widgets-agents"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	url, err := client.EnsureRepo(context.Background(), "widgets-agents")
	if err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if url != "https://github.com/acme/widgets-agents.git" {
		t.Fatalf("clone URL = %q", url)
	}
	if createCalls != 0 {
		t.Fatalf("expected no create call for an existing repo, got %d", createCalls)
	}
}

func TestClient_EnsureRepoCreatesWhenAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets-agents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name": "widgets-agents", "private": true, "clone_url": "https://github.com/acme/widgets-agents.git"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	url, err := client.EnsureRepo(context.Background(), "widgets-agents")
	if err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if url != "https://github.com/acme/widgets-agents.git" {
		t.Fatalf("clone URL = %q", url)
	}
}

func TestClient_GetIssueMapsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/999", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	client, srv := newTestClient(t, mux)
	defer srv.Close()

	_, err := client.GetIssue(context.Background(), 999)
	if err == nil {
		t.Fatalf("expected error for missing issue")
	}
}
