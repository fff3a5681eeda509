package verify

import (
	"errors"
	"fmt"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/git"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrCheckpointNotAncestor means HEAD does not descend from the
// checkpoint: either history was rewritten or HEAD is behind the
// checkpoint. Reporting it loudly beats silently verifying nothing.
var ErrCheckpointNotAncestor = errors.New("checkpoint is not an ancestor of HEAD")

// walk returns every commit reachable from head by parent edges,
// stopping at the checkpoint commit and at any of its ancestors (a
// merge may bring in a branch forked below the checkpoint; everything
// at or before the checkpoint is trusted and stays out of the walk).
// The result is ordered so each commit appears after all of its walked
// parents, and each commit is visited exactly once however many merge
// paths reach it.
func walk(svc *git.Service, checkpoint, head *object.Commit) ([]*object.Commit, error) {
	if head.Hash == checkpoint.Hash {
		return nil, nil
	}

	type frame struct {
		commit *object.Commit
		next   int
	}

	var order []*object.Commit
	visited := map[plumbing.Hash]struct{}{head.Hash: {}}
	metCheckpoint := false
	stack := []frame{{commit: head}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.commit.ParentHashes) {
			parentHash := top.commit.ParentHashes[top.next]
			top.next++
			if parentHash == checkpoint.Hash {
				metCheckpoint = true
				continue
			}
			if _, seen := visited[parentHash]; seen {
				continue
			}
			visited[parentHash] = struct{}{}
			parent, err := svc.Commit(parentHash)
			if err != nil {
				return nil, err
			}
			trusted, err := parent.IsAncestor(checkpoint)
			if err != nil {
				return nil, fmt.Errorf("check ancestry of %s: %w", parentHash, err)
			}
			if trusted {
				continue
			}
			stack = append(stack, frame{commit: parent})
			continue
		}
		// Parents exhausted: emit post-order so children follow parents.
		order = append(order, top.commit)
		stack = stack[:len(stack)-1]
	}

	if !metCheckpoint {
		return nil, ErrCheckpointNotAncestor
	}
	return order, nil
}
