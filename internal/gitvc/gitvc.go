// Package gitvc wraps the version-control plumbing behind a narrow
// interface: stage, commit, fast-forward pull, push. The rest of the
// system treats the repository as a transactional log and never assumes a
// specific version-control tool.
package gitvc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/smallfactory/sf/internal/sferr"
)

// DefaultRemote is the remote reconciled against and pushed to.
const DefaultRemote = "origin"

// Fallback commit identity when the repository has no user configured.
const (
	fallbackName  = "smallFactory"
	fallbackEmail = "noreply@smallfactory.local"
)

// Client is the version-control surface the mutation coordinator needs.
// Implementations must stage exactly the given paths, commit them in one
// commit, and only ever fast-forward on pull.
type Client interface {
	// Stage marks the given paths (absolute or repo-relative) for the
	// next commit, including deletions beneath directory paths.
	Stage(paths []string) error

	// Commit records the staged changes and returns the commit hash.
	// A commit with nothing staged is not an error; the current head
	// hash is returned.
	Commit(message string) (string, error)

	// Pull fast-forwards the local branch from the default remote. A
	// divergent remote is a ConcurrencyAbort, never a merge.
	Pull(ctx context.Context) error

	// Push sends local commits to the default remote.
	Push(ctx context.Context) error

	// HasRemote reports whether the default remote is configured.
	HasRemote() bool

	// Dirty reports tracked modifications in the working tree.
	// Untracked files are permitted and do not count.
	Dirty() (bool, error)

	// Head returns the current head commit hash, or "" before the
	// first commit.
	Head() (string, error)
}

// Repo is the go-git backed Client over one working tree.
type Repo struct {
	path string
	repo *git.Repository
}

var _ Client = (*Repo)(nil)

// Open opens an existing repository at path.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Repo{path: path, repo: repo}, nil
}

// Init creates a new repository with a working tree at path.
func Init(path string) (*Repo, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repository %s: %w", path, err)
	}
	return &Repo{path: path, repo: repo}, nil
}

// Path returns the working tree root.
func (r *Repo) Path() string { return r.path }

func (r *Repo) worktree() (*git.Worktree, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	return wt, nil
}

// rel converts an absolute path to the repo-relative form go-git expects.
func (r *Repo) rel(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(path), nil
	}
	rel, err := filepath.Rel(r.path, path)
	if err != nil {
		return "", fmt.Errorf("path %s is outside the repository: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

func (r *Repo) Stage(paths []string) error {
	wt, err := r.worktree()
	if err != nil {
		return err
	}
	for _, p := range paths {
		rel, err := r.rel(p)
		if err != nil {
			return err
		}
		if _, err := wt.Add(rel); err != nil {
			return fmt.Errorf("stage %s: %w", rel, err)
		}
	}
	return nil
}

func (r *Repo) Commit(message string) (string, error) {
	wt, err := r.worktree()
	if err != nil {
		return "", err
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: r.signature()})
	if errors.Is(err, git.ErrEmptyCommit) {
		return r.Head()
	}
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// signature builds the commit identity from git config, falling back to a
// fixed tool identity so commits never fail on a bare environment.
func (r *Repo) signature() *object.Signature {
	name, email := fallbackName, fallbackEmail
	if cfg, err := r.repo.ConfigScoped(gitconfig.GlobalScope); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}
}

func (r *Repo) Pull(ctx context.Context) error {
	wt, err := r.worktree()
	if err != nil {
		return err
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: DefaultRemote})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return sferr.New(sferr.CodeConcurrencyAbort, "remote has diverged, refusing to merge").Wrap(err)
	default:
		return fmt.Errorf("pull: %w", err)
	}
}

func (r *Repo) Push(ctx context.Context) error {
	err := r.repo.PushContext(ctx, &git.PushOptions{RemoteName: DefaultRemote})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return sferr.New(sferr.CodeConcurrencyAbort, "push rejected, remote has diverged").Wrap(err)
	default:
		return fmt.Errorf("push: %w", err)
	}
}

// AddRemote configures the default remote.
func (r *Repo) AddRemote(url string) error {
	_, err := r.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: DefaultRemote,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("add remote %s: %w", url, err)
	}
	return nil
}

func (r *Repo) HasRemote() bool {
	_, err := r.repo.Remote(DefaultRemote)
	return err == nil
}

func (r *Repo) Dirty() (bool, error) {
	wt, err := r.worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	for _, fs := range status {
		if fs.Staging == git.Untracked || fs.Worktree == git.Untracked {
			continue
		}
		if fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repo) Head() (string, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	return ref.Hash().String(), nil
}
