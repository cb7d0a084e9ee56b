// Package transport defines the connection oracle: the abstraction the
// Connection Handler uses to obtain authenticated, protocol-tagged
// substreams to a peer, independent of whichever concrete transport
// (TCP+TLS, QUIC) and session authenticator (Noise) backs it.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/identity"
)

// ProtocolID names a substream protocol negotiated over a Session, e.g.
// wire.ProtocolID.
type ProtocolID string

// Stream is one substream of a Session: an ordered, reliable byte pipe.
type Stream interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

// Session is one authenticated connection to a peer, able to open new
// outbound substreams and accept new inbound ones.
type Session interface {
	OpenStream(ctx context.Context, proto ProtocolID) (Stream, error)
	AcceptStream(ctx context.Context) (ProtocolID, Stream, error)

	// RemotePeer identifies the peer this session was authenticated
	// against, populated by a session authenticator (see package session).
	RemotePeer() identity.NodeId

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Dialer establishes outbound Sessions.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// Listener accepts inbound Sessions.
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Close() error
	Addr() net.Addr
}

// Config holds dialer/listener configuration shared across backings.
type Config struct {
	ALPNProtocols  []string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns the settings CoreLink transports use unless
// overridden.
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{"corelink/1"},
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// Registry maps transport names ("tcp", "quic") to Dialer/Listener
// factories, letting a node pick its backing at startup without the rest
// of the core knowing which one is in use.
type Registry struct {
	dialers   map[string]Dialer
	listeners map[string]func(ctx context.Context, addr string) (Listener, error)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:   make(map[string]Dialer),
		listeners: make(map[string]func(ctx context.Context, addr string) (Listener, error)),
	}
}

// RegisterDialer registers a Dialer under name.
func (r *Registry) RegisterDialer(name string, d Dialer) {
	r.dialers[name] = d
}

// RegisterListener registers a listen function under name.
func (r *Registry) RegisterListener(name string, listen func(ctx context.Context, addr string) (Listener, error)) {
	r.listeners[name] = listen
}

// Dialer returns the Dialer registered under name.
func (r *Registry) Dialer(name string) (Dialer, bool) {
	d, ok := r.dialers[name]
	return d, ok
}

// Listen starts a Listener using the listen function registered under name.
func (r *Registry) Listen(ctx context.Context, name, addr string) (Listener, error) {
	listen, ok := r.listeners[name]
	if !ok {
		return nil, &UnknownTransportError{Name: name}
	}
	return listen(ctx, addr)
}

// UnknownTransportError reports a lookup by a name no Dialer/Listener was
// registered under.
type UnknownTransportError struct{ Name string }

func (e *UnknownTransportError) Error() string {
	return "transport: unknown transport " + e.Name
}

// DefaultRegistry is a process-wide Registry for hosts that pick a backing
// by name. cmd/corelinkd does not use it; it dials and listens with the
// QUIC backing directly.
var DefaultRegistry = NewRegistry()
