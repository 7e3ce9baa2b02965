// Package forge implements the code-forge client: a thin interface over
// the forge's REST API covering exactly the operations the stage
// machine and sync loop need. A small hand-picked interface backed by a
// struct holding a *github.Client, rather than exposing go-github's
// full surface to callers.
package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/ghauth"
	"github.com/google/go-github/v66/github"
)

// Issue is the subset of forge issue fields the stage machine surfaces
// to an agent's task context.
type Issue struct {
	Title  string
	Body   string
	Labels []string
	URL    string
}

// PR is the subset of forge PR fields hooks and the sync loop need.
type PR struct {
	State       string
	Merged      bool
	Mergeable   bool
	Approved    bool
	Author      string
	ChecksState string // success|failure|pending
}

// MergeStrategy is one of the strategies merge_pr accepts.
type MergeStrategy string

const (
	MergeMerge  MergeStrategy = "merge"
	MergeSquash MergeStrategy = "squash"
	MergeRebase MergeStrategy = "rebase"
)

// Client is the code-forge operations the core consumes.
type Client interface {
	GetIssue(ctx context.Context, number int) (Issue, error)
	// CreatePR is idempotent: if a PR for branch already exists, its
	// number is returned without creating a duplicate.
	CreatePR(ctx context.Context, branch, base, title, body string) (prNumber int, err error)
	GetPR(ctx context.Context, number int) (PR, error)
	PRChecks(ctx context.Context, number int) (state string, err error)
	ApprovePR(ctx context.Context, number int) error
	MergePR(ctx context.Context, number int, strategy MergeStrategy) error
	// EnsureRepo idempotently creates the private sidecar repository on
	// the forge and returns its clone URL.
	EnsureRepo(ctx context.Context, name string) (cloneURL string, err error)
}

// client implements Client over go-github.
type client struct {
	gh    *github.Client
	owner string
	repo  string
}

// New builds a Client authenticated with token, talking to owner/repo.
func New(token, owner, repo string) Client {
	return &client{
		gh:    github.NewClient(nil).WithAuthToken(token),
		owner: owner,
		repo:  repo,
	}
}

// NewWithGitHub builds a Client from an existing *github.Client, used in
// tests to point at an httptest server.
func NewWithGitHub(gh *github.Client, owner, repo string) Client {
	return &client{gh: gh, owner: owner, repo: repo}
}

// appTransport refreshes the installation token from tm on every request,
// so the long-lived *github.Client never holds a stale credential.
type appTransport struct {
	tm   *ghauth.TokenManager
	base http.RoundTripper
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tm.Token()
	if err != nil {
		return nil, fmt.Errorf("forge: refresh installation token: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "token "+token)
	return t.base.RoundTrip(clone)
}

// NewFromApp builds a Client authenticated as a GitHub App
// installation: tm refreshes its token automatically as it nears expiry
// (ghauth.TokenManager), so the returned client never needs a
// long-lived personal access token.
func NewFromApp(tm *ghauth.TokenManager, owner, repo string) Client {
	httpClient := &http.Client{Transport: &appTransport{tm: tm, base: http.DefaultTransport}}
	return &client{
		gh:    github.NewClient(httpClient),
		owner: owner,
		repo:  repo,
	}
}

func (c *client) GetIssue(ctx context.Context, number int) (Issue, error) {
	iss, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return Issue{}, mapError(err)
	}
	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Title:  iss.GetTitle(),
		Body:   iss.GetBody(),
		Labels: labels,
		URL:    iss.GetHTMLURL(),
	}, nil
}

func (c *client) CreatePR(ctx context.Context, branch, base, title, body string) (int, error) {
	existing, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		Head:        c.owner + ":" + branch,
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, mapError(err)
	}
	if len(existing) > 0 {
		return existing[0].GetNumber(), nil
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(branch),
		Base:  github.String(base),
	})
	if err != nil {
		// a 422 here usually means the PR was created concurrently
		// between the List above and this Create; re-query once.
		if isUnprocessable(err) {
			existing, _, listErr := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
				Head:        c.owner + ":" + branch,
				State:       "open",
				ListOptions: github.ListOptions{PerPage: 1},
			})
			if listErr == nil && len(existing) > 0 {
				return existing[0].GetNumber(), nil
			}
		}
		return 0, mapError(err)
	}
	return pr.GetNumber(), nil
}

func (c *client) GetPR(ctx context.Context, number int) (PR, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return PR{}, mapError(err)
	}

	checksState, err := c.PRChecks(ctx, number)
	if err != nil {
		checksState = "pending"
	}

	approved, err := c.isApproved(ctx, number)
	if err != nil {
		approved = false
	}

	return PR{
		State:       pr.GetState(),
		Merged:      pr.GetMerged(),
		Mergeable:   pr.GetMergeable(),
		Approved:    approved,
		Author:      pr.GetUser().GetLogin(),
		ChecksState: checksState,
	}, nil
}

// isApproved reports whether the PR has at least one approving review
// and no outstanding requested changes. Reviews arrive in submission
// order and a reviewer's later review supersedes their earlier one, so
// state is tracked per reviewer: ReviewerA's re-approval does not clear
// ReviewerB's still-open change request.
func (c *client) isApproved(ctx context.Context, number int) (bool, error) {
	reviews, _, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return false, mapError(err)
	}

	latest := make(map[string]string)
	for _, r := range reviews {
		switch r.GetState() {
		case "APPROVED", "CHANGES_REQUESTED":
			latest[r.GetUser().GetLogin()] = r.GetState()
		}
	}

	anyApproved := false
	for _, state := range latest {
		if state == "CHANGES_REQUESTED" {
			return false, nil
		}
		anyApproved = true
	}
	return anyApproved, nil
}

func (c *client) PRChecks(ctx context.Context, number int) (string, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return "", mapError(err)
	}

	status, _, err := c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, pr.GetHead().GetSHA(), nil)
	if err != nil {
		return "", mapError(err)
	}

	switch status.GetState() {
	case "success":
		return "success", nil
	case "failure", "error":
		return "failure", nil
	default:
		return "pending", nil
	}
}

func (c *client) ApprovePR(ctx context.Context, number int) error {
	_, _, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, number, &github.PullRequestReviewRequest{
		Event: github.String("APPROVE"),
	})
	return mapError(err)
}

func (c *client) MergePR(ctx context.Context, number int, strategy MergeStrategy) error {
	pr, err := c.GetPR(ctx, number)
	if err != nil {
		return err
	}
	if !pr.Mergeable {
		return apierr.New(apierr.Validation, fmt.Sprintf("PR %d is not mergeable", number))
	}
	if pr.ChecksState != "success" {
		return apierr.New(apierr.Validation, fmt.Sprintf("PR %d checks have not passed", number))
	}

	_, _, err = c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "", &github.PullRequestOptions{
		MergeMethod: string(strategy),
	})
	return mapError(err)
}

func (c *client) EnsureRepo(ctx context.Context, name string) (string, error) {
	repo, resp, err := c.gh.Repositories.Get(ctx, c.owner, name)
	if err == nil {
		return repo.GetCloneURL(), nil
	}
	if resp == nil || resp.StatusCode != 404 {
		return "", mapError(err)
	}

	newRepo := &github.Repository{Name: github.String(name), Private: github.Bool(true)}
	created, _, err := c.gh.Repositories.Create(ctx, c.owner, newRepo)
	if err != nil {
		// c.owner may be a user rather than an org; user repos are
		// created with an empty org argument.
		created, _, err = c.gh.Repositories.Create(ctx, "", newRepo)
		if err != nil {
			return "", mapError(err)
		}
	}
	return created.GetCloneURL(), nil
}

func isUnprocessable(err error) bool {
	if ghErr, ok := err.(*github.ErrorResponse); ok {
		return ghErr.Response != nil && ghErr.Response.StatusCode == 422
	}
	return false
}

// mapError classifies a go-github error into the structured categories
// the sync loop uses for retry decisions.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	ghErr, ok := err.(*github.ErrorResponse)
	if !ok {
		return apierr.Wrap(apierr.ExternalTool, err)
	}

	wrapped := &apierr.Error{Kind: apierr.ExternalTool, Err: err}
	switch {
	case ghErr.Response == nil:
		wrapped.Category = apierr.CategoryOther
	case ghErr.Response.StatusCode == 401 || ghErr.Response.StatusCode == 403:
		wrapped.Category = apierr.CategoryAuth
	case ghErr.Response.StatusCode == 404:
		wrapped.Category = apierr.CategoryNotFound
	case ghErr.Response.StatusCode == 429 || strings.Contains(strings.ToLower(ghErr.Message), "rate limit"):
		wrapped.Category = apierr.CategoryRateLimited
	case ghErr.Response.StatusCode == 409 || ghErr.Response.StatusCode == 422:
		wrapped.Category = apierr.CategoryConflict
	default:
		wrapped.Category = apierr.CategoryOther
	}
	return wrapped
}
