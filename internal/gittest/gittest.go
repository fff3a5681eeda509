// Package gittest builds in-memory repositories with arbitrary commit
// DAGs and OpenPGP-signed commits and tags, so engine tests need
// neither a git binary nor a gpg installation.
package gittest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	internalgit "github.com/demarches-simplifiees/git-sign-verifier/internal/git"
)

// Epoch is the fixed base time used for deterministic commits and
// keys.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewEntity generates a fresh Ed25519 identity.
func NewEntity(t *testing.T, name string) *openpgp.Entity {
	t.Helper()
	return NewEntityWithConfig(t, name, &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
		Time:      func() time.Time { return Epoch },
	})
}

func NewEntityWithConfig(t *testing.T, name string, config *packet.Config) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "", name+"@example.com", config)
	if err != nil {
		t.Fatalf("generate key for %s: %v", name, err)
	}
	return entity
}

// ArmorPublic exports an entity's public key as an armored block.
func ArmorPublic(t *testing.T, entity *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serialize public key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("armor close: %v", err)
	}
	return buf.String()
}

// ArmorPrivate exports an entity including its private key.
func ArmorPrivate(t *testing.T, entity *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatalf("armor: %v", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		t.Fatalf("serialize private key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("armor close: %v", err)
	}
	return buf.String()
}

// AuthorizedKeysDoc renders an authorized_keys document listing the
// given entities, with comment headers the parser must skip.
func AuthorizedKeysDoc(t *testing.T, entities ...*openpgp.Entity) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("# authorized signing keys\n\n")
	for _, entity := range entities {
		name := ""
		if id := entity.PrimaryIdentity(); id != nil {
			name = id.Name
		}
		fmt.Fprintf(&b, "# %s\n%s\n", name, ArmorPublic(t, entity))
	}
	return b.String()
}

// Repo is an in-memory repository under construction.
type Repo struct {
	t    *testing.T
	Repo *gitlib.Repository
	Svc  *internalgit.Service
	seq  int
}

func NewRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := gitlib.Init(memory.NewStorage(), nil)
	if err != nil {
		t.Fatalf("init in-memory repository: %v", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg.User.Name = "Test Operator"
	cfg.User.Email = "operator@example.com"
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &Repo{t: t, Repo: repo, Svc: internalgit.NewFromRepository(repo)}
}

// CommitOpts describes one commit to synthesize. Files is the complete
// tree content of the commit; a nil Signer leaves the commit unsigned.
type CommitOpts struct {
	Parents []plumbing.Hash
	Files   map[string]string
	Signer  *openpgp.Entity
	Message string
	// SignAt overrides the signature creation time (defaults to the
	// commit time).
	SignAt time.Time
	// RawSignature attaches an arbitrary signature blob verbatim, for
	// malformed or foreign signature schemes.
	RawSignature string
}

// Commit writes a commit object (and its tree and blobs) and returns
// its hash. Commit times advance deterministically with each call.
func (r *Repo) Commit(opts CommitOpts) plumbing.Hash {
	r.t.Helper()
	r.seq++
	when := Epoch.Add(time.Duration(r.seq) * time.Minute)

	treeHash := r.writeTree(opts.Files)
	message := opts.Message
	if message == "" {
		message = fmt.Sprintf("commit %d", r.seq)
	}
	signature := object.Signature{Name: "Test Author", Email: "author@example.com", When: when}
	commit := &object.Commit{
		Author:       signature,
		Committer:    signature,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: opts.Parents,
	}

	if opts.Signer != nil {
		signAt := opts.SignAt
		if signAt.IsZero() {
			signAt = when
		}
		payload, err := internalgit.SignedPayload(commit)
		if err != nil {
			r.t.Fatalf("commit payload: %v", err)
		}
		var sig bytes.Buffer
		err = openpgp.ArmoredDetachSign(&sig, opts.Signer, bytes.NewReader(payload), &packet.Config{
			Time: func() time.Time { return signAt },
		})
		if err != nil {
			r.t.Fatalf("sign commit: %v", err)
		}
		commit.PGPSignature = sig.String()
	}
	if opts.RawSignature != "" {
		commit.PGPSignature = opts.RawSignature
	}

	obj := r.Repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		r.t.Fatalf("encode commit: %v", err)
	}
	hash, err := r.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		r.t.Fatalf("store commit: %v", err)
	}
	return hash
}

// SetHead points refs/heads/main (and HEAD) at the given commit.
func (r *Repo) SetHead(hash plumbing.Hash) {
	r.t.Helper()
	branch := plumbing.NewBranchReferenceName("main")
	if err := r.Repo.Storer.SetReference(plumbing.NewHashReference(branch, hash)); err != nil {
		r.t.Fatalf("set branch ref: %v", err)
	}
	if err := r.Repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branch)); err != nil {
		r.t.Fatalf("set HEAD: %v", err)
	}
}

// Checkpoint creates the SIGN_VERIFIED tag at the given commit, signed
// by signer (or unsigned-lightweight when signer is nil).
func (r *Repo) Checkpoint(hash plumbing.Hash, signer *openpgp.Entity) {
	r.t.Helper()
	if signer == nil {
		ref := plumbing.NewHashReference(plumbing.NewTagReferenceName(internalgit.CheckpointTag), hash)
		if err := r.Repo.Storer.SetReference(ref); err != nil {
			r.t.Fatalf("set lightweight tag: %v", err)
		}
		return
	}
	commit, err := r.Svc.Commit(hash)
	if err != nil {
		r.t.Fatalf("read commit: %v", err)
	}
	if err := r.Svc.CreateCheckpoint(commit, signer); err != nil {
		r.t.Fatalf("create checkpoint: %v", err)
	}
}

func (r *Repo) writeTree(files map[string]string) plumbing.Hash {
	r.t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]object.TreeEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, object.TreeEntry{
			Name: name,
			Mode: filemode.Regular,
			Hash: r.writeBlob(files[name]),
		})
	}
	tree := &object.Tree{Entries: entries}
	obj := r.Repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		r.t.Fatalf("encode tree: %v", err)
	}
	hash, err := r.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		r.t.Fatalf("store tree: %v", err)
	}
	return hash
}

func (r *Repo) writeBlob(content string) plumbing.Hash {
	r.t.Helper()
	obj := r.Repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		r.t.Fatalf("blob writer: %v", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		r.t.Fatalf("write blob: %v", err)
	}
	if err := w.Close(); err != nil {
		r.t.Fatalf("close blob: %v", err)
	}
	hash, err := r.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		r.t.Fatalf("store blob: %v", err)
	}
	return hash
}
