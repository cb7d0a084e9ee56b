// Package session authenticates a raw connection-oracle transport.Session
// against a peer's CoreLink identity using a Noise IK handshake, so that by
// the time the Connection Handler sees a Session, RemotePeer() is trustworthy.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/codec/jsoncanon"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/flynn/noise"
)

// Hello is exchanged by both sides of a handshake as the Noise payload. It
// carries the sender's Ed25519 public key (so the receiver can verify both
// the signature and that the key hashes to the claimed NodeID) plus the
// sender's static X25519 key-agreement public key, its Noise static key.
type Hello struct {
	ProtocolVersion uint16            `json:"protocol_version"`
	NodeID          identity.NodeId   `json:"node_id"`
	PublicKey       ed25519.PublicKey `json:"public_key"`
	Nonce           uint64            `json:"nonce"`
	Capabilities    []string          `json:"capabilities"`
	NoiseKey        []byte            `json:"noise_key"`
	Signature       []byte            `json:"signature,omitempty"`
}

// ProtocolVersion is the Hello wire version this package produces and
// accepts.
const ProtocolVersion uint16 = 1

// Sign signs h with priv, excluding the signature field from the signed
// bytes.
func (h *Hello) Sign(priv ed25519.PrivateKey) error {
	data, err := jsoncanon.EncodeForSigning(h, "signature")
	if err != nil {
		return fmt.Errorf("session: encode hello for signing: %w", err)
	}
	h.Signature = ed25519.Sign(priv, data)
	return nil
}

// Verify checks that h.PublicKey hashes to h.NodeID and that h's signature
// was produced by that key.
func (h *Hello) Verify() error {
	if len(h.Signature) == 0 {
		return fmt.Errorf("session: hello has no signature")
	}
	if identity.NodeIdFromPublicKey(h.PublicKey) != h.NodeID {
		return fmt.Errorf("session: hello public key does not hash to claimed node id")
	}
	data, err := jsoncanon.EncodeForSigning(h, "signature")
	if err != nil {
		return fmt.Errorf("session: encode hello for verification: %w", err)
	}
	if !ed25519.Verify(h.PublicKey, data, h.Signature) {
		return fmt.Errorf("session: hello signature verification failed")
	}
	return nil
}

// Handshake drives one Noise IK exchange, binding the resulting transport
// session to a verified identity.NodeId.
type Handshake struct {
	identity    *identity.Identity
	nonce       uint64
	complete    bool
	noiseState  *noise.HandshakeState
	cipherSuite noise.CipherSuite
	isInitiator bool
	peerNodeID  identity.NodeId
	peerKey     ed25519.PublicKey
	sequences   *SequenceTracker

	send *noise.CipherState
	recv *noise.CipherState
}

func newNonce() uint64 {
	var b [8]byte
	rand.Read(b[:])
	n := uint64(time.Now().UnixNano())
	for i, x := range b {
		n ^= uint64(x) << (8 * i)
	}
	return n
}

// NewInitiatorHandshake starts a client-side handshake against a peer whose
// X25519 public key (obtained out of band, e.g. via discovery) is
// peerNoiseKey.
func NewInitiatorHandshake(id *identity.Identity, peerNoiseKey []byte) (*Handshake, error) {
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: suite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: id.KeyAgreementPrivateKey[:],
			Public:  id.KeyAgreementPublicKey[:],
		},
		PeerStatic: peerNoiseKey,
	})
	if err != nil {
		return nil, fmt.Errorf("session: create initiator handshake: %w", err)
	}
	return &Handshake{
		identity:    id,
		nonce:       newNonce(),
		noiseState:  state,
		cipherSuite: suite,
		isInitiator: true,
		sequences:   NewSequenceTracker(),
	}, nil
}

// NewResponderHandshake starts a server-side handshake.
func NewResponderHandshake(id *identity.Identity) (*Handshake, error) {
	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: suite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: id.KeyAgreementPrivateKey[:],
			Public:  id.KeyAgreementPublicKey[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: create responder handshake: %w", err)
	}
	return &Handshake{
		identity:    id,
		nonce:       newNonce(),
		noiseState:  state,
		cipherSuite: suite,
		isInitiator: false,
		sequences:   NewSequenceTracker(),
	}, nil
}

func (h *Handshake) hello() (*Hello, error) {
	hello := &Hello{
		ProtocolVersion: ProtocolVersion,
		NodeID:          h.identity.NodeId(),
		PublicKey:       h.identity.SigningPublicKey,
		Nonce:           h.nonce,
		Capabilities:    []string{"corelink/msg/1.0.0"},
		NoiseKey:        append([]byte(nil), h.identity.KeyAgreementPublicKey[:]...),
	}
	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, err
	}
	return hello, nil
}

// WriteMessage produces the next Noise handshake message. On the first
// call it carries this side's signed Hello as payload; on later calls it
// simply advances the Noise state machine with an empty payload.
func (h *Handshake) WriteMessage(first bool) (message []byte, err error) {
	var payload []byte
	if first {
		hello, err := h.hello()
		if err != nil {
			return nil, err
		}
		payload, err = jsoncanon.Marshal(hello)
		if err != nil {
			return nil, fmt.Errorf("session: marshal hello: %w", err)
		}
	}

	out, cs1, cs2, err := h.noiseState.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("session: write handshake message: %w", err)
	}
	h.finishIfComplete(cs1, cs2)
	return out, nil
}

// ReadMessage consumes a Noise handshake message, decodes its Hello
// payload, verifies it, and records the peer's NodeId. A Hello whose
// nonce was already seen by this handshake is rejected as a replay.
func (h *Handshake) ReadMessage(message []byte) (*Hello, error) {
	payload, cs1, cs2, err := h.noiseState.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("session: read handshake message: %w", err)
	}
	h.finishIfComplete(cs1, cs2)

	if len(payload) == 0 {
		return nil, nil
	}

	var hello Hello
	if err := jsoncanon.Unmarshal(payload, &hello); err != nil {
		return nil, fmt.Errorf("session: unmarshal hello: %w", err)
	}
	if err := hello.Verify(); err != nil {
		return nil, err
	}
	if !h.sequences.ValidateReceiveSequence(hello.Nonce) {
		return nil, fmt.Errorf("session: hello nonce %d rejected as replayed", hello.Nonce)
	}

	h.peerNodeID = hello.NodeID
	h.peerKey = hello.PublicKey
	return &hello, nil
}

func (h *Handshake) finishIfComplete(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	h.complete = true
	// flynn/noise returns (initiator->responder cipher, responder->initiator
	// cipher) regardless of which side calls WriteMessage/ReadMessage last.
	if h.isInitiator {
		h.send, h.recv = cs1, cs2
	} else {
		h.send, h.recv = cs2, cs1
	}
}

// IsComplete reports whether the handshake has produced transport ciphers.
func (h *Handshake) IsComplete() bool { return h.complete }

// PeerNodeID returns the peer's NodeId once the handshake has read a Hello.
func (h *Handshake) PeerNodeID() identity.NodeId { return h.peerNodeID }

// PeerSigningKey returns the peer's verified Ed25519 public key once the
// handshake has read a Hello. Hello.Verify has already checked that this
// key hashes to PeerNodeID.
func (h *Handshake) PeerSigningKey() ed25519.PublicKey { return h.peerKey }
