package verify

import (
	"strings"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/git"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/gpg"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/keys"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const pgpSignatureHeader = "-----BEGIN PGP SIGNATURE-----"

// engine judges commits against the authorized key set of one run.
// Results are memoized by commit hash so shared ancestors of merge
// commits are evaluated exactly once.
type engine struct {
	svc        *git.Service
	session    *gpg.Session
	authorized keys.Set
	checkpoint *object.Commit
	results    map[plumbing.Hash]*Result
}

func newEngine(svc *git.Service, session *gpg.Session, authorized keys.Set, checkpoint *object.Commit) *engine {
	return &engine{
		svc:        svc,
		session:    session,
		authorized: authorized,
		checkpoint: checkpoint,
		results:    map[plumbing.Hash]*Result{},
	}
}

// judge returns the memoized verdict for a commit, computing it if
// needed. Callers feed commits parents-first, so a merge normally finds
// its parents already judged; the recursive fallback covers any other
// order.
func (e *engine) judge(commit *object.Commit) *Result {
	if result, ok := e.results[commit.Hash]; ok {
		return result
	}
	result := &Result{Commit: commit, Status: StatusPending}
	e.results[commit.Hash] = result
	e.evaluate(commit, result)
	return result
}

func (e *engine) evaluate(commit *object.Commit, result *Result) {
	// Every commit, merge or not, must itself be signed by an
	// authorized key.
	reason, detail, signer := e.checkSignature(commit)
	result.SignerKeyID = signer
	if reason != ReasonNone {
		result.Status = StatusUnauthorized
		result.Reason = reason
		result.Detail = detail
		return
	}

	if commit.NumParents() >= 2 {
		// A merge is authorized only when everything it merges is:
		// each parent outside the trusted checkpoint history must
		// itself resolve to Authorized under the same policy.
		for _, parentHash := range commit.ParentHashes {
			trusted, err := e.trustedParent(parentHash)
			if err != nil {
				result.Status = StatusUnauthorized
				result.Reason = ReasonProviderError
				result.Detail = err.Error()
				return
			}
			if trusted {
				continue
			}
			parentResult, err := e.judgeHash(parentHash)
			if err != nil {
				result.Status = StatusUnauthorized
				result.Reason = ReasonProviderError
				result.Detail = err.Error()
				return
			}
			if parentResult.Status != StatusAuthorized {
				result.Status = StatusUnauthorized
				result.Reason = ReasonUnauthorizedParent
				result.Detail = "parent " + parentHash.String()
				return
			}
		}
	}

	result.Status = StatusAuthorized
}

// trustedParent reports whether a merge parent lies at or below the
// checkpoint. Such parents are trusted by definition and never judged.
func (e *engine) trustedParent(hash plumbing.Hash) (bool, error) {
	if hash == e.checkpoint.Hash {
		return true, nil
	}
	// Anything already judged was reached above the checkpoint.
	if _, ok := e.results[hash]; ok {
		return false, nil
	}
	parent, err := e.svc.Commit(hash)
	if err != nil {
		return false, err
	}
	return parent.IsAncestor(e.checkpoint)
}

func (e *engine) judgeHash(hash plumbing.Hash) (*Result, error) {
	if result, ok := e.results[hash]; ok {
		return result, nil
	}
	commit, err := e.svc.Commit(hash)
	if err != nil {
		return nil, err
	}
	return e.judge(commit), nil
}

// checkSignature applies the per-commit signature rule: the signature
// must be cryptographically valid, the key neither expired nor revoked,
// and the signer a member of the authorized set.
func (e *engine) checkSignature(commit *object.Commit) (Reason, string, uint64) {
	sig := commit.PGPSignature
	if sig == "" {
		return ReasonSignatureMissing, "", 0
	}
	firstLine := strings.TrimSpace(strings.SplitN(sig, "\n", 2)[0])
	if firstLine != pgpSignatureHeader {
		// SSH and other signature schemes are not supported.
		return ReasonSignatureInvalid, "unsupported signature type: " + firstLine, 0
	}

	payload, err := git.SignedPayload(commit)
	if err != nil {
		return ReasonProviderError, err.Error(), 0
	}
	verification, err := e.session.VerifyDetached(payload, sig)
	if err != nil {
		return ReasonProviderError, err.Error(), 0
	}

	signer := verification.SignerKeyID
	signerID := gpg.KeyIDString(signer)
	switch {
	case verification.Expired:
		return ReasonKeyExpired, "key " + signerID, signer
	case verification.Revoked:
		return ReasonKeyRevoked, "key " + signerID, signer
	case !verification.Valid:
		return ReasonSignatureInvalid, verification.Reason, signer
	case !e.authorized.Contains(signer):
		return ReasonUnauthorizedSigner, "key " + signerID, signer
	}
	return ReasonNone, "", signer
}
