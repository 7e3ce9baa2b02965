// Package sidecar manages the sidecar git repository that holds every
// issue's metadata and artifacts. It is built on
// github.com/go-git/go-git/v5, a pure-Go git implementation, so clone,
// fetch, and push happen in-process. All network operations are
// serialized behind the interprocess lock from internal/lock, since
// multiple host processes could start a sync tick.
package sidecar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/agenttree/agenttree/internal/lock"
	"github.com/agenttree/agenttree/internal/logging"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

const lockFileName = ".sync.lock"

// skeletonDirs are created under the sidecar root on first init.
var skeletonDirs = []string{"issues", "templates", "skills"}

// Credentials supplies the HTTP basic-auth pair go-git uses for fetch
// and push.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) toAuth() *http.BasicAuth {
	if c.Password == "" {
		return nil
	}
	return &http.BasicAuth{Username: c.Username, Password: c.Password}
}

// Manager is the sidecar repo manager for one local clone.
type Manager struct {
	path    string
	remote  string
	creds   Credentials
	fl      *lock.FileLock
	log     logging.Logger
	authorName  string
	authorEmail string
}

// Option configures a Manager.
type Option func(*Manager)

// WithCredentials sets the HTTP auth used for fetch/push.
func WithCredentials(creds Credentials) Option {
	return func(m *Manager) { m.creds = creds }
}

// WithAuthor sets the commit author identity (default "agenttree-bot").
func WithAuthor(name, email string) Option {
	return func(m *Manager) {
		m.authorName = name
		m.authorEmail = email
	}
}

// New returns a Manager for the local clone at path, tracking remote.
func New(path, remote string, log logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	m := &Manager{
		path:        path,
		remote:      remote,
		fl:          lock.New(filepath.Join(path, lockFileName)),
		log:         log,
		authorName:  "agenttree-bot",
		authorEmail: "agenttree-bot@users.noreply.github.com",
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Path returns the manager's local clone path.
func (m *Manager) Path() string { return m.path }

// EnsureRepo idempotently creates the local clone: if path already has
// a .git directory it is reused as-is; otherwise it is cloned from
// remote (which the caller is responsible for having created on the
// forge first) and the skeleton directories are written, committed, and
// pushed.
func (m *Manager) EnsureRepo() error {
	if _, err := os.Stat(filepath.Join(m.path, ".git")); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}

	cloneOpts := &git.CloneOptions{URL: m.remote}
	if auth := m.creds.toAuth(); auth != nil {
		cloneOpts.Auth = auth
	}

	repo, err := git.PlainClone(m.path, false, cloneOpts)
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		repo, err = git.PlainInit(m.path, false)
		if err == nil {
			_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{m.remote}})
		}
	}
	if err != nil {
		return fmt.Errorf("failed to clone sidecar repo: %w", err)
	}

	if err := m.writeSkeleton(); err != nil {
		return err
	}

	return m.commitAndPush(repo, "Initialize agenttree sidecar")
}

func (m *Manager) writeSkeleton() error {
	for _, dir := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(m.path, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	gitignorePath := filepath.Join(m.path, ".gitignore")
	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(gitignorePath, []byte("*.log\n.sync.lock\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}

	readmePath := filepath.Join(m.path, "README.md")
	if _, err := os.Stat(readmePath); os.IsNotExist(err) {
		content := "# agenttree sidecar\n\nManaged by agenttree. Do not edit issues/ or state.yaml by hand while agents are running.\n"
		if err := os.WriteFile(readmePath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write README.md: %w", err)
		}
	}

	return nil
}

// Sync pulls the remote onto the local clone and, unless pullOnly,
// pushes local changes. The whole operation is
// bracketed by the sync lock; a held lock surfaces as a Resource-locked
// error so the sync loop skips its tick rather than proceeding
// unlocked.
func (m *Manager) Sync(pullOnly bool) error {
	acquired, err := m.fl.TryWithLock(func() error {
		return m.syncLocked(pullOnly)
	})
	if err != nil {
		return err
	}
	if !acquired {
		return apierr.New(apierr.ResourceLocked, "sidecar sync lock already held")
	}
	return nil
}

func (m *Manager) syncLocked(pullOnly bool) error {
	repo, err := git.PlainOpen(m.path)
	if err != nil {
		return fmt.Errorf("failed to open sidecar repo: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	pullOpts := &git.PullOptions{RemoteName: "origin"}
	if auth := m.creds.toAuth(); auth != nil {
		pullOpts.Auth = auth
	}
	if err := wt.Pull(pullOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to pull sidecar repo: %w", err)
	}

	if pullOnly {
		return nil
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	if err := m.commitAndPush(repo, "Sync agenttree state"); err != nil {
		return err
	}
	return nil
}

// Commit stages all changes, commits if the working tree is non-clean,
// and pushes. Never commits on a clean tree.
func (m *Manager) Commit(message string) error {
	acquired, err := m.fl.TryWithLock(func() error {
		repo, err := git.PlainOpen(m.path)
		if err != nil {
			return fmt.Errorf("failed to open sidecar repo: %w", err)
		}
		return m.commitAndPush(repo, message)
	})
	if err != nil {
		return err
	}
	if !acquired {
		return apierr.New(apierr.ResourceLocked, "sidecar sync lock already held")
	}
	return nil
}

func (m *Manager) commitAndPush(repo *git.Repository, message string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  m.authorName,
			Email: m.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	pushOpts := &git.PushOptions{RemoteName: "origin"}
	if auth := m.creds.toAuth(); auth != nil {
		pushOpts.Auth = auth
	}
	if err := repo.Push(pushOpts); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return m.retryWithLeaseForce(repo, pushOpts)
	}
	return nil
}

// retryWithLeaseForce handles a non-fast-forward rejection with a
// force-with-lease push: it fetches the remote's current tip and only
// forces if the remote ref still points there at push time
// (RequireRemoteRefs carries the expected old SHA). The sidecar repo
// has a single writer by construction (only the sync loop pushes), so
// the lease can only displace state written by a stale, still-running
// instance of this same process.
func (m *Manager) retryWithLeaseForce(repo *git.Repository, opts *git.PushOptions) error {
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD for lease-force push: %w", err)
	}
	m.log.Warn("sidecar push rejected, retrying with lease-force", "ref", head.Name().String())

	fetchOpts := &git.FetchOptions{RemoteName: "origin"}
	if auth := m.creds.toAuth(); auth != nil {
		fetchOpts.Auth = auth
	}
	if err := repo.Fetch(fetchOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch before lease-force push: %w", err)
	}

	forceOpts := *opts
	forceOpts.RefSpecs = []config.RefSpec{
		config.RefSpec(fmt.Sprintf("+%s:%s", head.Name(), head.Name())),
	}
	forceOpts.Force = true

	remoteName := plumbing.NewRemoteReferenceName("origin", head.Name().Short())
	if remoteRef, err := repo.Reference(remoteName, true); err == nil {
		forceOpts.RequireRemoteRefs = []config.RefSpec{
			config.RefSpec(fmt.Sprintf("%s:%s", remoteRef.Hash(), head.Name())),
		}
	}

	if err := repo.Push(&forceOpts); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("push rejected after lease-force retry: %w", err)
	}
	return nil
}
