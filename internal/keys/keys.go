// Package keys resolves the set of authorized signing keys from the
// authorized_keys file as stored in the repository at a given commit.
// Reading the file from the commit tree rather than the worktree is
// what makes key changes subject to the same verification rules as any
// other commit.
package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/demarches-simplifiees/git-sign-verifier/internal/git"
	"github.com/demarches-simplifiees/git-sign-verifier/internal/gpg"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// AuthorizedKeysFile is the in-repository file listing authorized
// public keys: armored key blocks separated by optional #-prefixed
// comment lines.
const AuthorizedKeysFile = "authorized_keys"

var (
	ErrMissingAuthorizedKeysFile = errors.New("authorized keys file not found, commit one before running init")
	ErrNoPublicKeys              = errors.New("authorized keys file contains no public key blocks")
)

const (
	armorBegin = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	armorEnd   = "-----END PGP PUBLIC KEY BLOCK-----"
)

// Set is the authorized key set in effect for one verification run.
// Membership is by key id, covering primaries and signing subkeys of
// every imported entity.
type Set struct {
	byID map[uint64]gpg.Key
}

func (s Set) Contains(id uint64) bool {
	_, ok := s.byID[id]
	return ok
}

func (s Set) Key(id uint64) (gpg.Key, bool) {
	k, ok := s.byID[id]
	return k, ok
}

func (s Set) Len() int {
	return len(s.byID)
}

// ResolveAt reads the authorized_keys file from the tree of commit,
// imports every key block into the session keyring and returns the
// resulting set. The set fully replaces any previously resolved one;
// the keyring import itself is additive.
func ResolveAt(svc *git.Service, commit *object.Commit, session *gpg.Session) (Set, error) {
	content, err := svc.FileContentAt(commit, AuthorizedKeysFile)
	if err != nil {
		if errors.Is(err, git.ErrFileNotFound) {
			return Set{}, fmt.Errorf("commit %s: %w", commit.Hash, ErrMissingAuthorizedKeysFile)
		}
		return Set{}, err
	}
	return Parse(content, session)
}

// Parse imports the key blocks of an authorized_keys document and
// returns the set of their key ids.
func Parse(content string, session *gpg.Session) (Set, error) {
	blocks := splitArmoredBlocks(content)
	if len(blocks) == 0 {
		return Set{}, ErrNoPublicKeys
	}
	set := Set{byID: map[uint64]gpg.Key{}}
	for _, block := range blocks {
		imported, err := session.ImportArmored(strings.NewReader(block))
		if err != nil {
			return Set{}, fmt.Errorf("authorized keys: %w", err)
		}
		for _, key := range imported {
			set.byID[key.ID] = key
		}
	}
	return set, nil
}

// splitArmoredBlocks drops #-comment lines and cuts the remaining text
// into individual armored public key blocks, so files concatenating
// several exports (one per signer) import cleanly.
func splitArmoredBlocks(content string) []string {
	var blocks []string
	var current []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == armorBegin {
				inBlock = true
				current = []string{line}
			}
			// Comments and blank lines between blocks are ignored.
			continue
		}
		current = append(current, line)
		if trimmed == armorEnd {
			blocks = append(blocks, strings.Join(current, "\n")+"\n")
			current = nil
			inBlock = false
		}
	}
	return blocks
}
