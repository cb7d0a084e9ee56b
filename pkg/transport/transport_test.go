package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/identity"
)

type mockSession struct {
	peer   identity.NodeId
	closed bool
}

func (m *mockSession) OpenStream(ctx context.Context, proto ProtocolID) (Stream, error) {
	return &mockStream{}, nil
}

func (m *mockSession) AcceptStream(ctx context.Context) (ProtocolID, Stream, error) {
	return "mock/1", &mockStream{}, nil
}

func (m *mockSession) RemotePeer() identity.NodeId { return m.peer }
func (m *mockSession) LocalAddr() net.Addr         { return &net.TCPAddr{} }
func (m *mockSession) RemoteAddr() net.Addr        { return &net.TCPAddr{} }
func (m *mockSession) Close() error                { m.closed = true; return nil }

type mockStream struct{ closed bool }

func (m *mockStream) Read(b []byte) (int, error)    { return 0, nil }
func (m *mockStream) Write(b []byte) (int, error)   { return len(b), nil }
func (m *mockStream) Close() error                  { m.closed = true; return nil }
func (m *mockStream) SetDeadline(t time.Time) error { return nil }

type mockDialer struct{ dialed string }

func (m *mockDialer) Dial(ctx context.Context, addr string) (Session, error) {
	m.dialed = addr
	return &mockSession{}, nil
}

func TestRegistryDialerRoundTrip(t *testing.T) {
	registry := NewRegistry()
	dialer := &mockDialer{}
	registry.RegisterDialer("mock", dialer)

	got, ok := registry.Dialer("mock")
	if !ok {
		t.Fatal("expected to find registered dialer")
	}
	session, err := got.Dial(context.Background(), "127.0.0.1:9999")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if session == nil {
		t.Fatal("expected a session")
	}
	if dialer.dialed != "127.0.0.1:9999" {
		t.Errorf("dialed = %q, want %q", dialer.dialed, "127.0.0.1:9999")
	}

	if _, ok := registry.Dialer("nonexistent"); ok {
		t.Error("expected not to find unregistered dialer")
	}
}

func TestRegistryListenUnknownTransport(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Listen(context.Background(), "nonexistent", "127.0.0.1:0")
	if err == nil {
		t.Fatal("expected an error for unknown transport")
	}
	var unknownErr *UnknownTransportError
	if !asUnknownTransportError(err, &unknownErr) {
		t.Errorf("expected UnknownTransportError, got %T: %v", err, err)
	}
}

func asUnknownTransportError(err error, target **UnknownTransportError) bool {
	if e, ok := err.(*UnknownTransportError); ok {
		*target = e
		return true
	}
	return false
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if len(config.ALPNProtocols) == 0 || config.ALPNProtocols[0] != "corelink/1" {
		t.Errorf("ALPNProtocols = %v, want [corelink/1]", config.ALPNProtocols)
	}
	if config.ConnectTimeout == 0 {
		t.Error("expected connect timeout to be set")
	}
	if config.KeepAlive == 0 {
		t.Error("expected keep-alive to be set")
	}
	if config.MaxIdleTimeout == 0 {
		t.Error("expected max idle timeout to be set")
	}
}

func TestSessionInterfaceOverMock(t *testing.T) {
	var s Session = &mockSession{peer: identity.NodeId{0x01}}
	stream, err := s.OpenStream(context.Background(), "corelink/test/1")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := stream.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
