package vcs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/MohamedRoshdi/devflow-sub019/internal/domain"
)

func TestCurrentCommitAndUpdates(t *testing.T) {
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	if err != nil {
		t.Fatalf("init source: %v", err)
	}
	first := commitFile(t, repo, src, "index.php", "v1", "Initial release")

	mirror, err := NewMirror(t.TempDir(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewMirror returned error: %v", err)
	}
	project := domain.Project{ID: "p-1", RepositoryURL: src, Branch: "master"}

	commit, err := mirror.CurrentCommit(context.Background(), project)
	if err != nil {
		t.Fatalf("CurrentCommit returned error: %v", err)
	}
	if commit.Hash != first.String() || commit.Message != "Initial release" {
		t.Fatalf("unexpected commit %+v", commit)
	}

	commitFile(t, repo, src, "index.php", "v2", "Fix checkout")
	commitFile(t, repo, src, "index.php", "v3", "Add invoices")

	project.CurrentCommitHash = first.String()
	status, err := mirror.CheckForUpdates(context.Background(), project)
	if err != nil {
		t.Fatalf("CheckForUpdates returned error: %v", err)
	}
	if status.UpToDate || status.CommitsBehind != 2 {
		t.Fatalf("expected 2 commits behind, got %+v", status)
	}

	project.CurrentCommitHash = status.RemoteCommit[:7]
	status, err = mirror.CheckForUpdates(context.Background(), project)
	if err != nil {
		t.Fatalf("CheckForUpdates returned error: %v", err)
	}
	if !status.UpToDate {
		t.Fatalf("expected up to date with abbreviated hash, got %+v", status)
	}
}

func TestSyncRejectsBadInput(t *testing.T) {
	mirror, _ := NewMirror(t.TempDir(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := mirror.CurrentCommit(context.Background(), domain.Project{ID: "p"}); !errors.Is(err, ErrNoRepository) {
		t.Fatalf("expected ErrNoRepository, got %v", err)
	}
	_, err := mirror.CurrentCommit(context.Background(), domain.Project{ID: "p", RepositoryURL: "/tmp/x", Branch: "main; rm -rf /"})
	if err == nil {
		t.Fatalf("expected invalid branch error")
	}
}

func TestSameCommit(t *testing.T) {
	full := "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	if !sameCommit(full, "4b825dc") || !sameCommit("4b825dc", full) {
		t.Fatalf("expected abbreviated hash to match")
	}
	if sameCommit(full, "4b82") || sameCommit("", full) {
		t.Fatalf("expected short or empty hashes not to match")
	}
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content, message string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add: %v", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash
}
