package node

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/behavior"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/transport"
	"github.com/distributed-systems-labs/corelink/pkg/transport/session"
	"github.com/distributed-systems-labs/corelink/pkg/wire"
)

// memSession pairs two in-process transport.Sessions: a stream opened on
// one side pops out of AcceptStream on the other, over a net.Pipe. It
// stands in for the TCP/QUIC backings so these tests exercise the whole
// node pipeline without sockets or handshakes.
type memSession struct {
	remote   identity.NodeId
	peer     *memSession
	incoming chan memInbound
}

type memInbound struct {
	proto  transport.ProtocolID
	stream transport.Stream
}

func newMemPair(peerA, peerB identity.NodeId) (*memSession, *memSession) {
	a := &memSession{remote: peerB, incoming: make(chan memInbound, 8)}
	b := &memSession{remote: peerA, incoming: make(chan memInbound, 8)}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *memSession) OpenStream(ctx context.Context, proto transport.ProtocolID) (transport.Stream, error) {
	local, remote := net.Pipe()
	select {
	case s.peer.incoming <- memInbound{proto: proto, stream: pipeStream{remote}}:
		return pipeStream{local}, nil
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

func (s *memSession) AcceptStream(ctx context.Context) (transport.ProtocolID, transport.Stream, error) {
	select {
	case in := <-s.incoming:
		return in.proto, in.stream, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (s *memSession) RemotePeer() identity.NodeId { return s.remote }
func (s *memSession) LocalAddr() net.Addr         { return nil }
func (s *memSession) RemoteAddr() net.Addr        { return nil }
func (s *memSession) Close() error                { return nil }

type pipeStream struct{ conn net.Conn }

func (s pipeStream) Read(b []byte) (int, error)    { return s.conn.Read(b) }
func (s pipeStream) Write(b []byte) (int, error)   { return s.conn.Write(b) }
func (s pipeStream) Close() error                  { return s.conn.Close() }
func (s pipeStream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// connectedNodes starts two nodes joined by a memSession pair, with node a
// as the dialing side.
func connectedNodes(t *testing.T) (a, b *Node) {
	t.Helper()
	ctx := context.Background()

	idA, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	idB, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}

	a, err = New(idA, Config{StoragePath: t.TempDir()})
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err = New(idB, Config{StoragePath: t.TempDir()})
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Stop(stopCtx)
		b.Stop(stopCtx)
	})

	sessA, sessB := newMemPair(idA.NodeId(), idB.NodeId())
	infoB := session.PeerInfo{NodeID: idB.NodeId(), SigningKey: idB.SigningPublicKey}
	infoA := session.PeerInfo{NodeID: idA.NodeId(), SigningKey: idA.SigningPublicKey}
	if err := a.AddSession(infoB, sessA, true); err != nil {
		t.Fatalf("a.AddSession: %v", err)
	}
	if err := b.AddSession(infoA, sessB, false); err != nil {
		t.Fatalf("b.AddSession: %v", err)
	}
	return a, b
}

func waitEvent[T behavior.Event](t *testing.T, events <-chan behavior.Event) T {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestEndToEndFileTransfer(t *testing.T) {
	a, b := connectedNodes(t)

	// Prime the substreams: a dialed, so it may open the first outbound
	// stream; b earns outbound permission once its inbound negotiates.
	if err := a.BroadcastDiscovery(); err != nil {
		t.Fatalf("BroadcastDiscovery: %v", err)
	}
	waitEvent[behavior.MessageReceived](t, b.Events())

	content := make([]byte, 200_000)
	for i := range content {
		content[i] = byte(i % 256)
	}
	sourcePath := filepath.Join(t.TempDir(), "dataset.bin")
	if err := os.WriteFile(sourcePath, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := b.OfferFile(sourcePath); err != nil {
		t.Fatalf("OfferFile: %v", err)
	}

	offered := waitEvent[behavior.FileOffered](t, a.Events())
	if offered.Peer != b.NodeId() {
		t.Errorf("offer peer = %s, want %s", offered.Peer, b.NodeId())
	}
	if offered.Metadata.Size != uint64(len(content)) {
		t.Errorf("offer size = %d, want %d", offered.Metadata.Size, len(content))
	}

	outputPath := filepath.Join(a.cfg.StoragePath, "downloads", offered.Metadata.Name)
	if _, err := a.RequestFile(offered.Metadata, outputPath, offered.Peer); err != nil {
		t.Fatalf("RequestFile: %v", err)
	}

	done := waitEvent[behavior.TransferComplete](t, a.Events())
	if done.FileID != offered.Metadata.FileID {
		t.Errorf("completed file id = %s, want %s", done.FileID, offered.Metadata.FileID)
	}

	finalPath := filepath.Join(a.cfg.StoragePath, "complete", offered.Metadata.Name)
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read completed file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("completed file does not match the offered content")
	}
}

func TestSendToUnknownPeerSurfacesSendFailed(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	n, err := New(id, Config{StoragePath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Stop(stopCtx)
	})

	stranger := identity.NodeId{0xab}
	if err := n.SendMessage(stranger, wire.NewPingMessage(n.NodeId(), stranger)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	failed := waitEvent[behavior.SendFailed](t, n.Events())
	if failed.Peer != stranger {
		t.Errorf("SendFailed peer = %s, want %s", failed.Peer, stranger)
	}
}

func TestHostOperationsRequireRunningNode(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	n, err := New(id, Config{StoragePath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := n.OfferFile("whatever"); err == nil {
		t.Error("OfferFile on a stopped node should fail")
	}
	if err := n.BroadcastDiscovery(); err == nil {
		t.Error("BroadcastDiscovery on a stopped node should fail")
	}
}
