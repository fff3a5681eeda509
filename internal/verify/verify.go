// Package verify implements the verification engine: the commit graph
// walk from checkpoint to HEAD and the per-commit signature policy,
// judged against the authorized keys resolved at the checkpoint commit.
package verify

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/git"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/gpg"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/keys"
)

const checkpointTagName = git.CheckpointTag

var (
	ErrCheckpointSignatureInvalid = errors.New("checkpoint tag signature is not from an authorized key")
	ErrNoSigningKey               = errors.New("no usable signing key found in the keyring home directory")
)

// Runner binds a repository and a keyring session for one or more
// verification runs. Per-run state (authorized set, verdict cache) is
// rebuilt on every call; the checkpoint tag is the only state that
// survives between runs.
type Runner struct {
	svc     *git.Service
	session *gpg.Session
}

func NewRunner(svc *git.Service, session *gpg.Session) *Runner {
	return &Runner{svc: svc, session: session}
}

// Verify judges every commit between the checkpoint and HEAD and
// returns the full report. Structural problems (missing or tampered
// checkpoint, missing authorized_keys, diverged HEAD) are returned as
// errors before any commit is judged; per-commit failures land in the
// report instead.
func (r *Runner) Verify() (*Report, error) {
	checkpoint, err := r.svc.ReadCheckpoint()
	if err != nil {
		return nil, err
	}

	// The authorized set is always read from the checkpoint commit,
	// never from HEAD: a commit that edits authorized_keys is judged
	// against the keys that were authorized before it.
	authorized, err := keys.ResolveAt(r.svc, checkpoint.Commit, r.session)
	if err != nil {
		return nil, err
	}
	if err := r.checkCheckpointSignature(checkpoint, authorized); err != nil {
		return nil, err
	}

	head, err := r.svc.Head()
	if err != nil {
		return nil, err
	}
	slog.Debug("verification run",
		slog.String("checkpoint", checkpoint.Commit.Hash.String()),
		slog.String("head", head.Hash.String()),
		slog.Int("authorized_keys", authorized.Len()),
	)

	commits, err := walk(r.svc, checkpoint.Commit, head)
	if err != nil {
		return nil, err
	}

	engine := newEngine(r.svc, r.session, authorized, checkpoint.Commit)
	report := &Report{Checkpoint: checkpoint.Commit.Hash, Head: head.Hash}
	for _, commit := range commits {
		report.Results = append(report.Results, engine.judge(commit))
	}
	return report, nil
}

// checkCheckpointSignature verifies the tag's own signature against
// the authorized set resolved at the very commit the tag points to.
// A checkpoint anyone could move would defeat the whole scheme.
func (r *Runner) checkCheckpointSignature(checkpoint *git.Checkpoint, authorized keys.Set) error {
	sig, err := checkpoint.Signature()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointSignatureInvalid, err)
	}
	payload, err := git.SignedPayload(checkpoint.Tag)
	if err != nil {
		return fmt.Errorf("checkpoint tag: %w", err)
	}
	verification, err := r.session.VerifyDetached(payload, sig)
	if err != nil {
		return fmt.Errorf("checkpoint tag: %w", err)
	}
	switch {
	case !verification.Valid:
		return fmt.Errorf("%w: %s", ErrCheckpointSignatureInvalid, verification.Reason)
	case verification.Expired:
		return fmt.Errorf("%w: key %s expired", ErrCheckpointSignatureInvalid, gpg.KeyIDString(verification.SignerKeyID))
	case verification.Revoked:
		return fmt.Errorf("%w: key %s revoked", ErrCheckpointSignatureInvalid, gpg.KeyIDString(verification.SignerKeyID))
	case !authorized.Contains(verification.SignerKeyID):
		return fmt.Errorf("%w: key %s", ErrCheckpointSignatureInvalid, gpg.KeyIDString(verification.SignerKeyID))
	}
	return nil
}

// Advance moves the checkpoint to the given head after a fully
// authorized run. This is a caller decision, deliberately outside
// Verify itself.
func (r *Runner) Advance(report *Report) error {
	if !report.OK() {
		return fmt.Errorf("refusing to advance checkpoint: run has unauthorized commits")
	}
	head, err := r.svc.Commit(report.Head)
	if err != nil {
		return err
	}
	signer := r.session.Signer()
	if signer == nil {
		return ErrNoSigningKey
	}
	return r.svc.AdvanceCheckpoint(head, signer)
}
