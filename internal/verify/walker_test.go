package verify

import (
	"errors"
	"testing"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/gittest"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func commitOf(t *testing.T, repo *gittest.Repo, hash plumbing.Hash) *object.Commit {
	t.Helper()
	commit, err := repo.Svc.Commit(hash)
	if err != nil {
		t.Fatalf("read commit %s: %v", hash, err)
	}
	return commit
}

func walkHashes(t *testing.T, repo *gittest.Repo, checkpoint, head plumbing.Hash) []plumbing.Hash {
	t.Helper()
	commits, err := walk(repo.Svc, commitOf(t, repo, checkpoint), commitOf(t, repo, head))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	hashes := make([]plumbing.Hash, 0, len(commits))
	for _, c := range commits {
		hashes = append(hashes, c.Hash)
	}
	return hashes
}

func TestWalkLinearParentsFirst(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	base := repo.Commit(gittest.CommitOpts{Files: map[string]string{"f": "0\n"}})
	c1 := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{base}, Files: map[string]string{"f": "1\n"}})
	c2 := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{c1}, Files: map[string]string{"f": "2\n"}})
	c3 := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{c2}, Files: map[string]string{"f": "3\n"}})

	got := walkHashes(t, repo, base, c3)
	want := []plumbing.Hash{c1, c2, c3}
	if len(got) != len(want) {
		t.Fatalf("walked %d commits, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestWalkDiamondVisitsSharedAncestorOnce(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	base := repo.Commit(gittest.CommitOpts{Files: map[string]string{"f": "0\n"}})
	shared := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{base}, Files: map[string]string{"f": "s\n"}})
	left := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{shared}, Files: map[string]string{"f": "l\n"}})
	right := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{shared}, Files: map[string]string{"f": "r\n"}})
	merge := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{left, right}, Files: map[string]string{"f": "m\n"}})

	got := walkHashes(t, repo, base, merge)
	if len(got) != 4 {
		t.Fatalf("walked %d commits, want 4 (shared ancestor once)", len(got))
	}
	seen := map[plumbing.Hash]int{}
	position := map[plumbing.Hash]int{}
	for i, h := range got {
		seen[h]++
		position[h] = i
	}
	for h, n := range seen {
		if n != 1 {
			t.Fatalf("commit %s visited %d times", h, n)
		}
	}
	if position[shared] > position[left] || position[shared] > position[right] {
		t.Fatal("shared ancestor must precede both branches")
	}
	if position[merge] != len(got)-1 {
		t.Fatal("merge must come after its parents")
	}
}

func TestWalkSkipsBranchForkedBelowCheckpoint(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	ancient := repo.Commit(gittest.CommitOpts{Files: map[string]string{"f": "a\n"}})
	base := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{ancient}, Files: map[string]string{"f": "0\n"}})
	tip := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{base}, Files: map[string]string{"f": "1\n"}})
	// A long-lived branch forked before the checkpoint, merged back in.
	old := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{ancient}, Files: map[string]string{"g": "1\n"}})
	merge := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{tip, old}, Files: map[string]string{"f": "1\n", "g": "1\n"}})

	got := walkHashes(t, repo, base, merge)
	if len(got) != 3 {
		t.Fatalf("walked %d commits, want 3", len(got))
	}
	for _, h := range got {
		if h == ancient {
			t.Fatal("ancestors of the checkpoint must stay out of the walk")
		}
		if h == base {
			t.Fatal("the checkpoint commit must stay out of the walk")
		}
	}
}

func TestWalkHeadAtCheckpoint(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	base := repo.Commit(gittest.CommitOpts{Files: map[string]string{"f": "0\n"}})

	got := walkHashes(t, repo, base, base)
	if len(got) != 0 {
		t.Fatalf("walked %d commits, want 0", len(got))
	}
}

func TestWalkCheckpointNotAncestor(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	base := repo.Commit(gittest.CommitOpts{Files: map[string]string{"f": "0\n"}})
	left := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{base}, Files: map[string]string{"f": "l\n"}})
	right := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{base}, Files: map[string]string{"f": "r\n"}})

	_, err := walk(repo.Svc, commitOf(t, repo, left), commitOf(t, repo, right))
	if !errors.Is(err, ErrCheckpointNotAncestor) {
		t.Fatalf("err = %v, want ErrCheckpointNotAncestor", err)
	}
}

func TestWalkHeadBehindCheckpoint(t *testing.T) {
	t.Parallel()

	repo := gittest.NewRepo(t)
	base := repo.Commit(gittest.CommitOpts{Files: map[string]string{"f": "0\n"}})
	tip := repo.Commit(gittest.CommitOpts{Parents: []plumbing.Hash{base}, Files: map[string]string{"f": "1\n"}})

	_, err := walk(repo.Svc, commitOf(t, repo, tip), commitOf(t, repo, base))
	if !errors.Is(err, ErrCheckpointNotAncestor) {
		t.Fatalf("err = %v, want ErrCheckpointNotAncestor", err)
	}
}
