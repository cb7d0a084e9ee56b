// Package identity implements CoreLink node identity: Ed25519 signing
// keys, X25519 key-agreement keys for session handshakes, and the NodeId
// derived from a node's public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// NodeId is the BLAKE3 digest of a node's Ed25519 public key.
type NodeId [32]byte

// NodeIdFromPublicKey derives a NodeId from an Ed25519 public key.
func NodeIdFromPublicKey(pub ed25519.PublicKey) NodeId {
	var id NodeId
	hasher := blake3.New(32, nil)
	hasher.Write(pub)
	copy(id[:], hasher.Sum(nil))
	return id
}

// String returns the hex encoding of the NodeId.
func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

// ParseNodeId decodes a hex-encoded NodeId.
func ParseNodeId(s string) (NodeId, error) {
	var id NodeId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: invalid node id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("identity: node id %q has wrong length %d", s, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Identity holds a node's signing and key-agreement key pairs.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	nodeID NodeId
}

// Generate creates a new identity with fresh Ed25519 and X25519 key pairs.
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: generate key-agreement key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.nodeID = NodeIdFromPublicKey(sigPub)
	return id, nil
}

// NodeId returns this identity's NodeId, computing it if necessary.
func (id *Identity) NodeId() NodeId {
	var zero NodeId
	if id.nodeID == zero {
		id.nodeID = NodeIdFromPublicKey(id.SigningPublicKey)
	}
	return id.nodeID
}

// Sign signs data with the identity's Ed25519 private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.SigningPrivateKey, data)
}

// Verify checks an Ed25519 signature against this identity's public key.
func (id *Identity) Verify(data, sig []byte) bool {
	return ed25519.Verify(id.SigningPublicKey, data, sig)
}

// VerifyWithKey checks an Ed25519 signature against an arbitrary public key.
func VerifyWithKey(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// SaveToFile persists the identity as JSON with restricted permissions.
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("identity: write file: %w", err)
	}
	return nil
}

// LoadFromFile loads an identity previously written by SaveToFile.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("identity: read file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("identity: unmarshal: %w", err)
	}
	id.nodeID = NodeIdFromPublicKey(id.SigningPublicKey)
	return &id, nil
}
