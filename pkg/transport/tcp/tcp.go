// Package tcp backs the connection oracle with TCP+TLS 1.3. Unlike QUIC,
// a TCP connection carries no native stream multiplexing, so each
// transport.Session here wraps exactly one physical connection and offers
// exactly one substream: opening (or accepting) a second substream to the
// same peer means dialing (or accepting) another connection.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/transport"
)

// ErrStreamAlreadyOpened is returned by OpenStream once a Session's single
// underlying connection has already been claimed; AcceptStream returns
// io.EOF in that case.
var ErrStreamAlreadyOpened = errors.New("tcp: session's substream already opened")

// Dialer dials TCP+TLS connections and wraps each as a transport.Session.
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

// Dial establishes a TCP+TLS connection to addr.
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	clientTLS := d.TLSConfig.Clone()
	if clientTLS == nil {
		clientTLS = &tls.Config{}
	}
	if len(clientTLS.NextProtos) == 0 {
		clientTLS.NextProtos = d.Config.ALPNProtocols
	}
	if clientTLS.MinVersion == 0 {
		clientTLS.MinVersion = tls.VersionTLS13
	}

	dialer := &net.Dialer{Timeout: d.Config.ConnectTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, clientTLS)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	return &Session{conn: conn}, nil
}

// Listener accepts TCP+TLS connections, wrapping each as its own
// transport.Session.
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
}

// Listen starts a TCP+TLS listener on addr.
func Listen(ctx context.Context, addr string, tlsConfig *tls.Config, cfg *transport.Config) (*Listener, error) {
	if cfg == nil {
		cfg = transport.DefaultConfig()
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", addr, err)
	}

	serverTLS := tlsConfig.Clone()
	if serverTLS == nil {
		serverTLS = &tls.Config{}
	}
	if len(serverTLS.NextProtos) == 0 {
		serverTLS.NextProtos = cfg.ALPNProtocols
	}
	if serverTLS.MinVersion == 0 {
		serverTLS.MinVersion = tls.VersionTLS13
	}

	return &Listener{listener: ln, tlsConfig: serverTLS}, nil
}

// Accept waits for and wraps the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("tcp: TLS handshake: %w", err)
	}

	return &Session{conn: tlsConn}, nil
}

// Close closes the listener.
func (l *Listener) Close() error { return l.listener.Close() }

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Session wraps one TCP+TLS connection as a transport.Session offering a
// single substream. RemotePeer returns the zero NodeId until a session
// authenticator (see package session) attaches the Noise-verified peer.
type Session struct {
	conn   *tls.Conn
	remote identity.NodeId
	opened bool
}

// SetRemotePeer records the peer identity a session authenticator verified
// for this connection.
func (s *Session) SetRemotePeer(peer identity.NodeId) { s.remote = peer }

// RemotePeer returns the verified remote identity, or the zero NodeId if
// no authenticator has run yet.
func (s *Session) RemotePeer() identity.NodeId { return s.remote }

// OpenStream claims this Session's single substream, writing proto as a
// length-prefixed tag header before handing back the connection.
func (s *Session) OpenStream(ctx context.Context, proto transport.ProtocolID) (transport.Stream, error) {
	if s.opened {
		return nil, ErrStreamAlreadyOpened
	}
	s.opened = true
	if err := writeProtocolTag(s.conn, proto); err != nil {
		return nil, err
	}
	return &connStream{conn: s.conn}, nil
}

// AcceptStream claims this Session's single substream, reading the proto
// tag header the dialer wrote.
func (s *Session) AcceptStream(ctx context.Context) (transport.ProtocolID, transport.Stream, error) {
	if s.opened {
		return "", nil, io.EOF
	}
	s.opened = true
	proto, err := readProtocolTag(s.conn)
	if err != nil {
		return "", nil, err
	}
	return proto, &connStream{conn: s.conn}, nil
}

// LocalAddr returns the local network address.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

type connStream struct {
	conn *tls.Conn
}

func (c *connStream) Read(b []byte) (int, error)    { return c.conn.Read(b) }
func (c *connStream) Write(b []byte) (int, error)   { return c.conn.Write(b) }
func (c *connStream) Close() error                  { return c.conn.Close() }
func (c *connStream) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

func writeProtocolTag(w io.Writer, proto transport.ProtocolID) error {
	tag := []byte(proto)
	if len(tag) > 0xFF {
		return fmt.Errorf("tcp: protocol id too long: %d bytes", len(tag))
	}
	if _, err := w.Write([]byte{byte(len(tag))}); err != nil {
		return err
	}
	_, err := w.Write(tag)
	return err
}

func readProtocolTag(r io.Reader) (transport.ProtocolID, error) {
	header := make([]byte, 1)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	tag := make([]byte, header[0])
	if _, err := io.ReadFull(r, tag); err != nil {
		return "", err
	}
	return transport.ProtocolID(tag), nil
}
