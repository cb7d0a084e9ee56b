package wire

import (
	"crypto/ed25519"
	"fmt"

	"github.com/distributed-systems-labs/corelink/pkg/codec/jsoncanon"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
)

// Sign computes msg's signature with the sending node's Ed25519 identity
// key over the canonical JSON form of the message minus the signature
// field, and stores it on msg. An empty signature remains legal on the
// wire; peers that do not sign are accepted, merely unauthenticated at the
// application layer.
func Sign(msg *Message, id *identity.Identity) error {
	msg.Signature = nil
	data, err := jsoncanon.EncodeForSigning(msg, "signature")
	if err != nil {
		return fmt.Errorf("wire: encode message for signing: %w", err)
	}
	msg.Signature = id.Sign(data)
	return nil
}

// VerifySignature checks msg's signature against pub, the sender's Ed25519
// public key. Messages with an empty signature verify as unsigned rather
// than invalid; the caller decides whether unsigned is acceptable.
func VerifySignature(msg Message, pub ed25519.PublicKey) (signed bool, err error) {
	if len(msg.Signature) == 0 {
		return false, nil
	}
	sig := msg.Signature
	msg.Signature = nil
	data, err := jsoncanon.EncodeForSigning(msg, "signature")
	if err != nil {
		return true, fmt.Errorf("wire: encode message for verification: %w", err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return true, ErrVerificationFailed("message signature does not match sender key")
	}
	return true, nil
}
