package git

import (
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
)

// signedObject is any git object that can be re-encoded without its
// signature to reconstruct the byte payload the signature covers.
// Both object.Commit and object.Tag satisfy it.
type signedObject interface {
	EncodeWithoutSignature(o plumbing.EncodedObject) error
}

// SignedPayload reconstructs the bytes a detached git signature was
// computed over: the object's canonical encoding minus its signature
// header.
func SignedPayload(obj signedObject) ([]byte, error) {
	encoded := &plumbing.MemoryObject{}
	if err := obj.EncodeWithoutSignature(encoded); err != nil {
		return nil, fmt.Errorf("encode object payload: %w", err)
	}
	r, err := encoded.Reader()
	if err != nil {
		return nil, fmt.Errorf("read object payload: %w", err)
	}
	defer r.Close()
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object payload: %w", err)
	}
	return payload, nil
}
