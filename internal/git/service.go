// Package git wraps repository access for the verifier: resolving
// refs, reading commit and tag objects, reading files from a commit's
// tree, and managing the signed checkpoint tag.
package git

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var ErrFileNotFound = errors.New("file not found in commit tree")

type Service struct {
	repo repoState
}

type repoState struct {
	*gitlib.Repository
	path string
}

func Open(repoPath string) (*Service, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	repo, err := gitlib.PlainOpenWithOptions(abs, &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return &Service{repo: repoState{path: abs, Repository: repo}}, nil
}

// NewFromRepository wraps an already-open repository, e.g. an
// in-memory one in tests.
func NewFromRepository(repo *gitlib.Repository) *Service {
	return &Service{repo: repoState{Repository: repo}}
}

func (s *Service) RepoPath() string {
	return s.repo.path
}

// Head returns the commit HEAD points at.
func (s *Service) Head() (*object.Commit, error) {
	ref, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read HEAD commit: %w", err)
	}
	return commit, nil
}

func (s *Service) Commit(hash plumbing.Hash) (*object.Commit, error) {
	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return commit, nil
}

// FileContentAt reads a file from the tree of the given commit, never
// from the worktree.
func (s *Service) FileContentAt(commit *object.Commit, path string) (string, error) {
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", fmt.Errorf("%s at commit %s: %w", path, commit.Hash, ErrFileNotFound)
		}
		return "", fmt.Errorf("read %s at commit %s: %w", path, commit.Hash, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s at commit %s: %w", path, commit.Hash, err)
	}
	return content, nil
}

// FormatCommit renders a short human-readable description of a commit
// for diagnostics.
func FormatCommit(c *object.Commit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  commit %s\n", c.Hash)
	fmt.Fprintf(&b, "  author: %s <%s>\n", c.Author.Name, c.Author.Email)
	message := strings.TrimSpace(c.Message)
	if message == "" {
		message = "(no commit message)"
	} else {
		message = strings.SplitN(message, "\n", 2)[0]
	}
	fmt.Fprintf(&b, "  %s\n", message)
	return b.String()
}
