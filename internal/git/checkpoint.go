package git

import (
	"errors"
	"fmt"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CheckpointTag is the named pointer marking the last fully verified
// commit. It is the only durable state the verifier owns.
const CheckpointTag = "SIGN_VERIFIED"

var (
	ErrCheckpointExists     = errors.New("checkpoint tag already exists")
	ErrCheckpointMissing    = errors.New("checkpoint tag not found, run init first")
	ErrCheckpointUnsigned   = errors.New("checkpoint tag carries no signature")
	ErrCheckpointNotForward = errors.New("checkpoint may only advance to a descendant of its current target")
)

// Checkpoint is the resolved state of the SIGN_VERIFIED tag: the tag
// object itself and the commit it points at. Tag is nil for a
// lightweight tag, which the verifier treats as unsigned.
type Checkpoint struct {
	Tag    *object.Tag
	Commit *object.Commit
}

// Signature returns the tag's armored signature, or
// ErrCheckpointUnsigned when the tag is lightweight or unsigned.
func (c *Checkpoint) Signature() (string, error) {
	if c.Tag == nil || c.Tag.PGPSignature == "" {
		return "", ErrCheckpointUnsigned
	}
	return c.Tag.PGPSignature, nil
}

func (s *Service) ReadCheckpoint() (*Checkpoint, error) {
	ref, err := s.repo.Reference(plumbing.NewTagReferenceName(CheckpointTag), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrCheckpointMissing
		}
		return nil, fmt.Errorf("resolve checkpoint tag: %w", err)
	}

	tag, err := s.repo.TagObject(ref.Hash())
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			// Lightweight tag: the ref points straight at a commit.
			commit, err := s.Commit(ref.Hash())
			if err != nil {
				return nil, err
			}
			return &Checkpoint{Commit: commit}, nil
		}
		return nil, fmt.Errorf("read checkpoint tag object: %w", err)
	}
	commit, err := s.Commit(tag.Target)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{Tag: tag, Commit: commit}, nil
}

// HasCheckpoint reports whether the checkpoint tag exists, regardless
// of its shape.
func (s *Service) HasCheckpoint() (bool, error) {
	_, err := s.repo.Reference(plumbing.NewTagReferenceName(CheckpointTag), true)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("resolve checkpoint tag: %w", err)
}

// CreateCheckpoint creates the checkpoint tag at the given commit,
// signed with signKey. Fails with ErrCheckpointExists when the tag is
// already present.
func (s *Service) CreateCheckpoint(commit *object.Commit, signKey *openpgp.Entity) error {
	exists, err := s.HasCheckpoint()
	if err != nil {
		return err
	}
	if exists {
		return ErrCheckpointExists
	}
	return s.writeCheckpoint(commit, signKey)
}

// AdvanceCheckpoint moves the checkpoint to a new commit. The move is
// forward-only: the current target must be an ancestor of the new one.
// Advancing to the current target is a no-op.
func (s *Service) AdvanceCheckpoint(to *object.Commit, signKey *openpgp.Entity) error {
	current, err := s.ReadCheckpoint()
	if err != nil {
		return err
	}
	if current.Commit.Hash == to.Hash {
		return nil
	}
	ancestor, err := current.Commit.IsAncestor(to)
	if err != nil {
		return fmt.Errorf("check checkpoint ancestry: %w", err)
	}
	if !ancestor {
		return fmt.Errorf("%s does not descend from %s: %w",
			to.Hash, current.Commit.Hash, ErrCheckpointNotForward)
	}
	if err := s.repo.DeleteTag(CheckpointTag); err != nil {
		return fmt.Errorf("delete checkpoint tag: %w", err)
	}
	if err := s.writeCheckpoint(to, signKey); err != nil {
		// Put the previous tag back: a failed advance must never leave
		// the repository without a checkpoint.
		prev := current.Commit.Hash
		if current.Tag != nil {
			prev = current.Tag.Hash
		}
		ref := plumbing.NewHashReference(plumbing.NewTagReferenceName(CheckpointTag), prev)
		if restoreErr := s.repo.Storer.SetReference(ref); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("restore checkpoint tag: %w", restoreErr))
		}
		return err
	}
	return nil
}

func (s *Service) writeCheckpoint(commit *object.Commit, signKey *openpgp.Entity) error {
	name, email, err := s.UserIdentity()
	if err != nil {
		return err
	}
	_, err = s.repo.CreateTag(CheckpointTag, commit.Hash, &gitlib.CreateTagOptions{
		Tagger:  &object.Signature{Name: name, Email: email, When: time.Now()},
		Message: "Verification checkpoint managed by git-sign-verifier",
		SignKey: signKey,
	})
	if err != nil {
		return fmt.Errorf("create checkpoint tag: %w", err)
	}
	return nil
}
