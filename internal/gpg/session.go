// Package gpg adapts the OpenPGP engine used to judge commit and tag
// signatures. A Session owns a keyring scoped to one verification run;
// it reports cryptographic validity and key lifecycle status, never
// trust decisions.
package gpg

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Key describes one imported public key (primary or subkey).
type Key struct {
	ID          uint64
	Fingerprint string
	Identity    string
}

// Verification is the outcome of checking one detached signature.
// A signature is acceptable only when Valid is true and Expired and
// Revoked are both false; authorization of the signer is the caller's
// concern.
type Verification struct {
	SignerKeyID       uint64
	SignerFingerprint string
	Valid             bool
	Expired           bool
	Revoked           bool
	// Reason carries the engine's failure detail when Valid is false.
	Reason string
}

type Session struct {
	homeDir string
	now     func() time.Time
	keyring openpgp.EntityList
}

// NewSession creates a keyring session. When homeDir is non-empty every
// readable key file in it (armored or binary) is preloaded; this is how
// the operator's own signing key and any locally trusted keys enter the
// session.
func NewSession(homeDir string) (*Session, error) {
	s := &Session{homeDir: homeDir, now: time.Now}
	if homeDir == "" {
		return s, nil
	}
	if err := s.loadHomeDir(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock overrides the time used for expiry and revocation checks.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Session) loadHomeDir() error {
	entries, err := os.ReadDir(s.homeDir)
	if err != nil {
		return fmt.Errorf("read keyring home %s: %w", s.homeDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.homeDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key file %s: %w", path, err)
		}
		entities, err := readKeyRing(data)
		if err != nil {
			slog.Debug("skipping unparseable keyring file",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		s.keyring = append(s.keyring, entities...)
	}
	return nil
}

func readKeyRing(data []byte) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err == nil {
		return entities, nil
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

// ImportArmored adds every entity from an armored key block to the
// session keyring. Import is additive and idempotent at the keyring
// level; re-importing a key yields the same ids. The returned keys
// cover primaries and subkeys so signatures issued by signing subkeys
// can be matched back to the imported identity.
func (s *Session) ImportArmored(r io.Reader) ([]Key, error) {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("import key block: %w", err)
	}
	var keys []Key
	for _, entity := range entities {
		s.keyring = append(s.keyring, entity)
		keys = append(keys, entityKeys(entity)...)
	}
	return keys, nil
}

func entityKeys(entity *openpgp.Entity) []Key {
	identity := ""
	if id := entity.PrimaryIdentity(); id != nil {
		identity = id.Name
	}
	keys := []Key{{
		ID:          entity.PrimaryKey.KeyId,
		Fingerprint: fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint),
		Identity:    identity,
	}}
	for _, sub := range entity.Subkeys {
		keys = append(keys, Key{
			ID:          sub.PublicKey.KeyId,
			Fingerprint: fmt.Sprintf("%X", sub.PublicKey.Fingerprint),
			Identity:    identity,
		})
	}
	return keys
}

// Signer returns the first usable private key of the session, or nil
// when the keyring home holds none. It is used to sign the checkpoint
// tag with the operator's local identity.
func (s *Session) Signer() *openpgp.Entity {
	for _, entity := range s.keyring {
		if entity.PrivateKey != nil && !entity.PrivateKey.Encrypted {
			return entity
		}
	}
	return nil
}

// VerifyDetached checks an armored detached signature over payload
// against the session keyring. A failed check is reported through the
// Verification, not as an error; errors are reserved for signatures the
// engine cannot parse at all.
func (s *Session) VerifyDetached(payload []byte, armoredSig string) (*Verification, error) {
	issuer, err := issuerKeyID(armoredSig)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	v := &Verification{SignerKeyID: issuer}

	keys := s.keyring.KeysById(issuer)
	if len(keys) == 0 {
		v.Reason = "signer key not present in keyring"
		return v, nil
	}
	now := s.now()
	key := keys[0]
	v.SignerFingerprint = fmt.Sprintf("%X", key.PublicKey.Fingerprint)
	if key.SelfSignature != nil && key.PublicKey.KeyExpired(key.SelfSignature, now) {
		v.Expired = true
	}
	if key.Revoked(now) {
		v.Revoked = true
	}

	config := &packet.Config{Time: s.now}
	signer, err := openpgp.CheckArmoredDetachedSignature(
		s.keyring, bytes.NewReader(payload), strings.NewReader(armoredSig), config)
	if err != nil {
		v.Reason = err.Error()
		return v, nil
	}
	v.Valid = true
	if signer != nil {
		v.SignerFingerprint = fmt.Sprintf("%X", signer.PrimaryKey.Fingerprint)
	}
	return v, nil
}

// issuerKeyID extracts the issuer key id from an armored signature
// without verifying it, so unknown signers can still be named in
// diagnostics.
func issuerKeyID(armoredSig string) (uint64, error) {
	block, err := armor.Decode(strings.NewReader(armoredSig))
	if err != nil {
		return 0, err
	}
	reader := packet.NewReader(block.Body)
	for {
		p, err := reader.Next()
		if err != nil {
			return 0, fmt.Errorf("no signature packet found: %w", err)
		}
		sig, ok := p.(*packet.Signature)
		if !ok {
			continue
		}
		if sig.IssuerKeyId == nil {
			return 0, fmt.Errorf("signature carries no issuer key id")
		}
		return *sig.IssuerKeyId, nil
	}
}

// KeyIDString renders a key id the way GnuPG prints long ids.
func KeyIDString(id uint64) string {
	return fmt.Sprintf("%016X", id)
}
