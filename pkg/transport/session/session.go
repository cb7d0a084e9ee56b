package session

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/transport"
)

// HandshakeProtocolID is the substream protocol used to carry the Noise IK
// handshake that authenticates a Session's remote peer.
const HandshakeProtocolID transport.ProtocolID = "/corelink/handshake/1.0.0"

// peerSetter is implemented by the tcp and quicx Session types, letting
// Authenticate attach the verified identity once the handshake completes.
type peerSetter interface {
	SetRemotePeer(identity.NodeId)
}

// PeerInfo is what a completed handshake learned about the remote side:
// its NodeId and the Ed25519 key that NodeId was verified against.
type PeerInfo struct {
	NodeID     identity.NodeId
	SigningKey ed25519.PublicKey
}

// Authenticate runs a Noise IK handshake over a new substream of sess and,
// on success, records the verified peer NodeId on sess via SetRemotePeer.
// isInitiator must match which side of sess dialed the underlying
// connection: the dialer authenticates as the Noise initiator.
func Authenticate(ctx context.Context, sess transport.Session, id *identity.Identity, peerNoiseKey []byte, isInitiator bool) (PeerInfo, error) {
	setter, ok := sess.(peerSetter)
	if !ok {
		return PeerInfo{}, fmt.Errorf("session: %T does not support SetRemotePeer", sess)
	}

	var stream transport.Stream
	var err error
	if isInitiator {
		stream, err = sess.OpenStream(ctx, HandshakeProtocolID)
	} else {
		_, stream, err = sess.AcceptStream(ctx)
	}
	if err != nil {
		return PeerInfo{}, fmt.Errorf("session: open handshake substream: %w", err)
	}
	defer stream.Close()

	var hs *Handshake
	if isInitiator {
		hs, err = runInitiator(stream, id, peerNoiseKey)
	} else {
		hs, err = runResponder(stream, id)
	}
	if err != nil {
		return PeerInfo{}, err
	}

	info := PeerInfo{NodeID: hs.PeerNodeID(), SigningKey: hs.PeerSigningKey()}
	setter.SetRemotePeer(info.NodeID)
	return info, nil
}

func runInitiator(stream transport.Stream, id *identity.Identity, peerNoiseKey []byte) (*Handshake, error) {
	hs, err := NewInitiatorHandshake(id, peerNoiseKey)
	if err != nil {
		return nil, err
	}

	msg1, err := hs.WriteMessage(true)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, msg1); err != nil {
		return nil, fmt.Errorf("session: send handshake message 1: %w", err)
	}

	msg2, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("session: receive handshake message 2: %w", err)
	}
	hello, err := hs.ReadMessage(msg2)
	if err != nil {
		return nil, err
	}
	if hello == nil {
		return nil, fmt.Errorf("session: handshake message 2 carried no hello")
	}

	return hs, nil
}

func runResponder(stream transport.Stream, id *identity.Identity) (*Handshake, error) {
	hs, err := NewResponderHandshake(id)
	if err != nil {
		return nil, err
	}

	msg1, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("session: receive handshake message 1: %w", err)
	}
	hello, err := hs.ReadMessage(msg1)
	if err != nil {
		return nil, err
	}
	if hello == nil {
		return nil, fmt.Errorf("session: handshake message 1 carried no hello")
	}

	msg2, err := hs.WriteMessage(true)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, msg2); err != nil {
		return nil, fmt.Errorf("session: send handshake message 2: %w", err)
	}

	return hs, nil
}

// writeFrame/readFrame length-prefix raw handshake messages, since a
// transport.Stream otherwise has no message boundaries.
func writeFrame(w io.Writer, data []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > 1<<20 {
		return nil, fmt.Errorf("session: handshake frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
