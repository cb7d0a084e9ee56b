// Package quicx backs the connection oracle with QUIC, using its native
// stream multiplexing directly as transport.Session: one QUIC connection
// carries every substream CoreLink opens to a peer.
package quicx

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/transport"
	"github.com/quic-go/quic-go"
)

// Dialer dials QUIC connections and wraps them as transport.Session.
type Dialer struct {
	TLSConfig *tls.Config
	Config    *transport.Config
}

// NewDialer creates a Dialer using cfg, or transport.DefaultConfig() if nil.
func NewDialer(tlsConfig *tls.Config, cfg *transport.Config) *Dialer {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	return &Dialer{TLSConfig: tlsConfig, Config: cfg}
}

func (d *Dialer) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  d.Config.MaxIdleTimeout,
		KeepAlivePeriod: d.Config.KeepAlive,
	}
}

func (d *Dialer) tlsConfig() *tls.Config {
	cfg := d.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = d.Config.ALPNProtocols
	}
	return cfg
}

// Dial establishes a QUIC connection to addr.
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	conn, err := quic.DialAddr(ctx, addr, d.tlsConfig(), d.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quicx: dial %s: %w", addr, err)
	}
	return &Session{conn: conn}, nil
}

// Listener accepts QUIC connections and wraps them as transport.Session.
type Listener struct {
	listener *quic.Listener
}

// Listen starts a QUIC listener on addr.
func Listen(ctx context.Context, addr string, tlsConfig *tls.Config, cfg *transport.Config) (*Listener, error) {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	serverTLS := tlsConfig.Clone()
	if serverTLS == nil {
		serverTLS = &tls.Config{}
	}
	if len(serverTLS.NextProtos) == 0 {
		serverTLS.NextProtos = cfg.ALPNProtocols
	}

	listener, err := quic.ListenAddr(addr, serverTLS, &quic.Config{
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
		KeepAlivePeriod: cfg.KeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("quicx: listen %s: %w", addr, err)
	}
	return &Listener{listener: listener}, nil
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// Close closes the listener.
func (l *Listener) Close() error { return l.listener.Close() }

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Session wraps one QUIC connection as a transport.Session. RemotePeer
// returns the zero NodeId until a session authenticator (see package
// session) runs the Noise handshake over it and attaches the verified peer.
type Session struct {
	conn     quic.Connection
	remote   identity.NodeId
	verified bool
}

// SetRemotePeer records the peer identity a session authenticator verified
// for this connection.
func (s *Session) SetRemotePeer(peer identity.NodeId) {
	s.remote = peer
	s.verified = true
}

// RemotePeer returns the verified remote identity, or the zero NodeId if
// no authenticator has run yet.
func (s *Session) RemotePeer() identity.NodeId { return s.remote }

// OpenStream opens a new QUIC stream and writes the protocol tag as a
// length-prefixed header, since QUIC streams carry no protocol negotiation
// of their own.
func (s *Session) OpenStream(ctx context.Context, proto transport.ProtocolID) (transport.Stream, error) {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicx: open stream: %w", err)
	}
	if err := writeProtocolTag(stream, proto); err != nil {
		stream.Close()
		return nil, err
	}
	return &streamConn{stream: stream}, nil
}

// AcceptStream accepts the next inbound QUIC stream and reads its protocol
// tag header.
func (s *Session) AcceptStream(ctx context.Context) (transport.ProtocolID, transport.Stream, error) {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return "", nil, err
	}
	proto, err := readProtocolTag(stream)
	if err != nil {
		stream.Close()
		return "", nil, err
	}
	return proto, &streamConn{stream: stream}, nil
}

// LocalAddr returns the local network address of the underlying connection.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the remote network address of the underlying connection.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close closes the underlying QUIC connection.
func (s *Session) Close() error {
	return s.conn.CloseWithError(0, "normal close")
}

type streamConn struct {
	stream quic.Stream
}

func (c *streamConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *streamConn) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *streamConn) Close() error                { return c.stream.Close() }
func (c *streamConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// writeProtocolTag and readProtocolTag implement the minimal framing used
// to tag a raw QUIC stream with the logical protocol it carries: a 2-byte
// big-endian length followed by the protocol id string.
func writeProtocolTag(w io.Writer, proto transport.ProtocolID) error {
	tag := []byte(proto)
	if len(tag) > 0xFFFF {
		return fmt.Errorf("quicx: protocol id too long: %d bytes", len(tag))
	}
	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(tag)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(tag)
	return err
}

func readProtocolTag(r io.Reader) (transport.ProtocolID, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(header)
	tag := make([]byte, n)
	if _, err := io.ReadFull(r, tag); err != nil {
		return "", err
	}
	return transport.ProtocolID(tag), nil
}
