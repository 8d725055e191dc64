// Package vcs resolves the integration target's HEAD for the merge queue's
// freshness guard.
package vcs

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrBranchNotFound is returned when the target branch does not exist.
var ErrBranchNotFound = errors.New("target branch not found")

// Target names the branch work is integrated into.
type Target struct {
	RepoPath string
	Branch   string
}

func NewTarget(repoPath, branch string) *Target {
	if branch == "" {
		branch = "main"
	}
	if repoPath == "" {
		repoPath = "."
	}
	return &Target{RepoPath: repoPath, Branch: branch}
}

// HeadSHA returns the commit the target branch points at. The repository is
// reopened on every call so commits made by other processes are seen.
func (t *Target) HeadSHA(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	repo, err := git.PlainOpenWithOptions(t.RepoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", t.RepoPath, err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(t.Branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, t.Branch)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", t.Branch, err)
	}
	return ref.Hash().String(), nil
}

// FindRepoRoot walks up from path to the nearest repository root.
func FindRepoRoot(path string) (string, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("find git repository from %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("repository at %s has no worktree: %w", path, err)
	}
	return wt.Filesystem.Root(), nil
}
