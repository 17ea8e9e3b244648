// Package vcs resolves project revisions from their git remotes using bare
// mirrors kept on the orchestrator host.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

// ErrNoRepository indicates the project has no repository configured.
var ErrNoRepository = errors.New("vcs: project has no repository url")

// BranchPattern restricts branch names passed to git.
var BranchPattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

const maxBehindWalk = 500

// Mirror keeps one bare mirror per project under root.
type Mirror struct {
	root   string
	token  string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMirror creates the mirror root if needed. token authenticates HTTPS
// remotes and may be empty.
func NewMirror(root, token string, logger *slog.Logger) (*Mirror, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("mirror root required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create mirror root: %w", err)
	}
	return &Mirror{
		root:   root,
		token:  token,
		logger: logger.With("component", "vcs"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// CurrentCommit fetches the project branch and returns its head commit.
func (m *Mirror) CurrentCommit(ctx context.Context, project domain.Project) (*domain.Commit, error) {
	repo, ref, err := m.sync(ctx, project)
	if err != nil {
		return nil, err
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", ref.Hash(), err)
	}
	return toCommit(c), nil
}

// CheckForUpdates compares the deployed commit with the remote branch head.
// CommitsBehind is -1 when the deployed commit is not in the branch history.
func (m *Mirror) CheckForUpdates(ctx context.Context, project domain.Project) (*domain.UpdateStatus, error) {
	repo, ref, err := m.sync(ctx, project)
	if err != nil {
		return nil, err
	}
	status := &domain.UpdateStatus{
		LocalCommit:  project.CurrentCommitHash,
		RemoteCommit: ref.Hash().String(),
	}
	if sameCommit(status.LocalCommit, status.RemoteCommit) {
		status.UpToDate = true
		return status, nil
	}
	status.CommitsBehind = -1
	if status.LocalCommit == "" {
		return status, nil
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("walk history: %w", err)
	}
	defer iter.Close()
	walked := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if sameCommit(status.LocalCommit, c.Hash.String()) {
			status.CommitsBehind = walked
			return storer.ErrStop
		}
		walked++
		if walked >= maxBehindWalk {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk history: %w", err)
	}
	return status, nil
}

func (m *Mirror) sync(ctx context.Context, project domain.Project) (*git.Repository, *plumbing.Reference, error) {
	url := strings.TrimSpace(project.RepositoryURL)
	if url == "" {
		return nil, nil, ErrNoRepository
	}
	branch := project.Branch
	if branch == "" {
		branch = "main"
	}
	if !BranchPattern.MatchString(branch) {
		return nil, nil, fmt.Errorf("invalid branch name %q", branch)
	}

	lock := m.lockFor(project.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.open(project.ID, url)
	if err != nil {
		return nil, nil, err
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       m.auth(url),
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, nil, fmt.Errorf("fetch %s: %w", branch, err)
	}
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	m.logger.Debug("mirror synced", "project_id", project.ID, "branch", branch, "commit", ref.Hash().String())
	return repo, ref, nil
}

// open returns the project's mirror, creating it or repointing its remote
// when the repository URL changed.
func (m *Mirror) open(projectID, url string) (*git.Repository, error) {
	dir := filepath.Join(m.root, projectID+".git")
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, true)
	}
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	remote, err := repo.Remote("origin")
	switch {
	case errors.Is(err, git.ErrRemoteNotFound):
	case err != nil:
		return nil, fmt.Errorf("read mirror remote: %w", err)
	case len(remote.Config().URLs) > 0 && remote.Config().URLs[0] == url:
		return repo, nil
	default:
		if err := repo.DeleteRemote("origin"); err != nil {
			return nil, fmt.Errorf("reset mirror remote: %w", err)
		}
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{url}}); err != nil {
		return nil, fmt.Errorf("configure mirror remote: %w", err)
	}
	return repo, nil
}

func (m *Mirror) auth(url string) transport.AuthMethod {
	if m.token == "" || !strings.HasPrefix(url, "https://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "devflow", Password: m.token}
}

func (m *Mirror) lockFor(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	return l
}

func toCommit(c *object.Commit) *domain.Commit {
	return &domain.Commit{
		Hash:      c.Hash.String(),
		Message:   strings.TrimSpace(c.Message),
		Author:    c.Author.Name,
		Timestamp: c.Author.When.UTC(),
	}
}

// sameCommit compares full hashes or an abbreviated prefix of at least 7 characters.
func sameCommit(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return len(a) >= 7 && strings.HasPrefix(b, a)
}
