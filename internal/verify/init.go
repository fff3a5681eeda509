package verify

import (
	"github.com/demarches-simplifiees/git-sign-verifier/internal/keys"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Init establishes the first checkpoint at HEAD. It requires the
// authorized_keys file to be committed at HEAD and a local signing key
// to sign the tag with; it fails without touching the repository when
// a checkpoint already exists.
func (r *Runner) Init() (*object.Commit, error) {
	head, err := r.svc.Head()
	if err != nil {
		return nil, err
	}
	// Resolve keys before writing anything: an init that cannot name
	// its authorized set must not create a checkpoint.
	if _, err := keys.ResolveAt(r.svc, head, r.session); err != nil {
		return nil, err
	}
	signer := r.session.Signer()
	if signer == nil {
		return nil, ErrNoSigningKey
	}
	if err := r.svc.CreateCheckpoint(head, signer); err != nil {
		return nil, err
	}
	return head, nil
}
