package verify

import (
	"fmt"
	"strings"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/gpg"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type Status int

const (
	StatusPending Status = iota
	StatusAuthorized
	StatusUnauthorized
)

// Reason explains why a commit was judged unauthorized.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSignatureMissing
	ReasonSignatureInvalid
	ReasonKeyExpired
	ReasonKeyRevoked
	ReasonUnauthorizedSigner
	ReasonUnauthorizedParent
	ReasonProviderError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonSignatureMissing:
		return "commit is not signed"
	case ReasonSignatureInvalid:
		return "signature is invalid"
	case ReasonKeyExpired:
		return "signing key expired"
	case ReasonKeyRevoked:
		return "signing key revoked"
	case ReasonUnauthorizedSigner:
		return "signer is not an authorized key"
	case ReasonUnauthorizedParent:
		return "merge brings in an unauthorized commit"
	case ReasonProviderError:
		return "signature engine error"
	default:
		return "unknown"
	}
}

// Result is the verification verdict for a single commit.
type Result struct {
	Commit *object.Commit
	Status Status
	Reason Reason
	// Detail names the offending key or parent, or carries the engine
	// message.
	Detail string
	// SignerKeyID is the issuer of the commit signature when one could
	// be determined.
	SignerKeyID uint64
}

func (r *Result) String() string {
	hash := r.Commit.Hash.String()
	switch r.Status {
	case StatusAuthorized:
		return fmt.Sprintf("ok   %s signed by %s", hash, gpg.KeyIDString(r.SignerKeyID))
	case StatusUnauthorized:
		msg := fmt.Sprintf("FAIL %s: %s", hash, r.Reason)
		if r.Detail != "" {
			msg += " (" + r.Detail + ")"
		}
		return msg
	default:
		return fmt.Sprintf("?    %s", hash)
	}
}

// Report collects the verdicts of one verification run, parents before
// children.
type Report struct {
	Checkpoint plumbing.Hash
	Head       plumbing.Hash
	Results    []*Result
}

// OK reports whether every judged commit is authorized.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if res.Status != StatusAuthorized {
			return false
		}
	}
	return true
}

// Unauthorized returns every failing verdict, in judgement order.
func (r *Report) Unauthorized() []*Result {
	var failed []*Result
	for _, res := range r.Results {
		if res.Status == StatusUnauthorized {
			failed = append(failed, res)
		}
	}
	return failed
}

// Render returns the human-readable run summary.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verifying commits from %s=%s to HEAD=%s\n",
		checkpointTagName, r.Checkpoint, r.Head)
	if len(r.Results) == 0 {
		b.WriteString("Nothing to verify, HEAD is the checkpoint.\n")
		return b.String()
	}
	for _, res := range r.Results {
		b.WriteString(res.String())
		b.WriteByte('\n')
	}
	if r.OK() {
		b.WriteString("All commits are signed by authorized keys.\n")
	} else {
		fmt.Fprintf(&b, "%d commit(s) failed verification.\n", len(r.Unauthorized()))
	}
	return b.String()
}
