package git_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/git"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/gittest"
	"github.com/go-git/go-git/v5/plumbing"
)

func TestHeadResolvesBranchTip(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	first := repo.Commit(gittest.CommitOpts{Files: map[string]string{"f": "1\n"}})
	second := repo.Commit(gittest.CommitOpts{
		Parents: []plumbing.Hash{first},
		Files:   map[string]string{"f": "2\n"},
	})
	repo.SetHead(second)

	head, err := repo.Svc.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Hash != second {
		t.Fatalf("head = %s, want %s", head.Hash, second)
	}
}

func TestFileContentAt(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	first := repo.Commit(gittest.CommitOpts{Files: map[string]string{"keys": "old\n"}})
	second := repo.Commit(gittest.CommitOpts{
		Parents: []plumbing.Hash{first},
		Files:   map[string]string{"keys": "new\n"},
	})
	repo.SetHead(second)

	commit, err := repo.Svc.Commit(first)
	if err != nil {
		t.Fatalf("read commit: %v", err)
	}
	content, err := repo.Svc.FileContentAt(commit, "keys")
	if err != nil {
		t.Fatalf("FileContentAt: %v", err)
	}
	if content != "old\n" {
		t.Fatalf("content = %q, want the first commit's version", content)
	}

	_, err = repo.Svc.FileContentAt(commit, "absent")
	if !errors.Is(err, git.ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}

func TestFormatCommit(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	hash := repo.Commit(gittest.CommitOpts{
		Files:   map[string]string{"f": "1\n"},
		Message: "Subject line\n\nBody detail",
	})
	commit, err := repo.Svc.Commit(hash)
	if err != nil {
		t.Fatalf("read commit: %v", err)
	}
	got := git.FormatCommit(commit)
	if !strings.Contains(got, hash.String()) {
		t.Fatalf("missing hash in %q", got)
	}
	if !strings.Contains(got, "Test Author <author@example.com>") {
		t.Fatalf("missing author in %q", got)
	}
	if !strings.Contains(got, "Subject line") || strings.Contains(got, "Body detail") {
		t.Fatalf("expected only the subject line in %q", got)
	}
}

func TestSignedPayloadExcludesSignature(t *testing.T) {
	t.Parallel()

	alice := gittest.NewEntity(t, "alice")
	repo := gittest.NewRepo(t)
	hash := repo.Commit(gittest.CommitOpts{
		Files:  map[string]string{"f": "1\n"},
		Signer: alice,
	})
	commit, err := repo.Svc.Commit(hash)
	if err != nil {
		t.Fatalf("read commit: %v", err)
	}
	if commit.PGPSignature == "" {
		t.Fatal("fixture commit should be signed")
	}
	payload, err := git.SignedPayload(commit)
	if err != nil {
		t.Fatalf("SignedPayload: %v", err)
	}
	if strings.Contains(string(payload), "gpgsig") {
		t.Fatal("payload must not contain the signature header")
	}
	if !strings.Contains(string(payload), "tree ") {
		t.Fatalf("payload does not look like a commit: %q", payload)
	}
}
