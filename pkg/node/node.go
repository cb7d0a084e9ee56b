// Package node implements the CoreLink node event loop: the single
// goroutine that owns one Peer Behavior (and through it the Transfer
// Manager) and the set of live Connection Handlers. Every Behavior and
// Manager call happens on that one goroutine, which is what makes their
// lock-free internals safe; all blocking I/O lives in handler goroutines
// and is funneled back through channels.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/behavior"
	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/connhandler"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/transfer"
	"github.com/distributed-systems-labs/corelink/pkg/transport"
	"github.com/distributed-systems-labs/corelink/pkg/transport/session"
	"github.com/distributed-systems-labs/corelink/pkg/wire"
)

// State represents the current state of the node.
type State int

const (
	// StateStopped indicates the node is not running.
	StateStopped State = iota
	// StateStarting indicates the node is in the process of starting.
	StateStarting
	// StateRunning indicates the node is running normally.
	StateRunning
	// StateStopping indicates the node is in the process of stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds everything a Node needs beyond its identity.
type Config struct {
	// StoragePath is the transfer storage root (uploads/, downloads/,
	// complete/ are created under it).
	StoragePath string

	// Transfer overrides the transfer manager configuration. Zero-valued
	// fields fall back to transfer.DefaultConfig(StoragePath).
	Transfer *transfer.Config

	// Dialer establishes outbound sessions; required for Connect.
	Dialer transport.Dialer

	// Listener accepts inbound sessions; optional. When set, Start runs an
	// accept loop that authenticates and registers each inbound session.
	Listener transport.Listener

	// Capabilities and ProtocolVersion are advertised in Discovery
	// broadcasts.
	Capabilities    []string
	ProtocolVersion string
}

type peerEvent struct {
	peer identity.NodeId
	ev   connhandler.Event
}

type peerState struct {
	handler *connhandler.Handler
	sess    transport.Session
	info    session.PeerInfo
}

// Node is one CoreLink process: an identity, a Behavior, and the live
// connections it routes messages over.
type Node struct {
	mu    sync.RWMutex
	state State

	id       *identity.Identity
	cfg      Config
	behavior *behavior.Behavior

	// Touched only by the run goroutine once Start returns.
	peers map[identity.NodeId]*peerState

	commands      chan func()
	handlerEvents chan peerEvent
	events        chan behavior.Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Node for id, building its Transfer Manager under
// cfg.StoragePath.
func New(id *identity.Identity, cfg Config) (*Node, error) {
	tcfg := transfer.DefaultConfig(cfg.StoragePath)
	if cfg.Transfer != nil {
		if cfg.Transfer.StoragePath != "" {
			tcfg.StoragePath = cfg.Transfer.StoragePath
		}
		if cfg.Transfer.ChunkSize != 0 {
			tcfg.ChunkSize = cfg.Transfer.ChunkSize
		}
		if cfg.Transfer.CacheCapacity != 0 {
			tcfg.CacheCapacity = cfg.Transfer.CacheCapacity
		}
		if cfg.Transfer.RequestBatchSize != 0 {
			tcfg.RequestBatchSize = cfg.Transfer.RequestBatchSize
		}
	}
	manager, err := transfer.NewManager(tcfg)
	if err != nil {
		return nil, err
	}

	return &Node{
		state:         StateStopped,
		id:            id,
		cfg:           cfg,
		behavior:      behavior.New(id, manager),
		peers:         make(map[identity.NodeId]*peerState),
		commands:      make(chan func()),
		handlerEvents: make(chan peerEvent, 64),
		events:        make(chan behavior.Event, 256),
		done:          make(chan struct{}),
	}, nil
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity { return n.id }

// NodeId returns the node's NodeId.
func (n *Node) NodeId() identity.NodeId { return n.id.NodeId() }

// State returns the current state of the node.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Events returns the channel Behavior events are surfaced on. When the
// host falls behind the buffer, further events are dropped with a log
// line rather than stalling the event loop.
func (n *Node) Events() <-chan behavior.Event { return n.events }

// Start launches the event loop and, if a Listener is configured, the
// accept loop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateStopped {
		n.mu.Unlock()
		return fmt.Errorf("node: already %s", n.state)
	}
	n.state = StateStarting
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	n.mu.Unlock()

	go n.run()
	if n.cfg.Listener != nil {
		go n.acceptLoop()
	}

	n.setState(StateRunning)
	return nil
}

// Stop shuts the node down, waiting for the event loop to exit or ctx to
// expire.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return fmt.Errorf("node: not running")
	}
	n.state = StateStopping
	cancel := n.cancel
	n.mu.Unlock()

	if n.cfg.Listener != nil {
		n.cfg.Listener.Close()
	}
	cancel()

	select {
	case <-n.done:
	case <-ctx.Done():
		n.setState(StateStopped)
		return fmt.Errorf("node: timeout waiting for event loop to stop")
	}

	n.setState(StateStopped)
	return nil
}

// run is the node event loop: the only goroutine that touches Behavior,
// the Transfer Manager, and the peer map.
func (n *Node) run() {
	defer close(n.done)
	defer func() {
		for peer, ps := range n.peers {
			ps.handler.Close()
			ps.sess.Close()
			delete(n.peers, peer)
		}
	}()

	for {
		select {
		case <-n.ctx.Done():
			return
		case fn := <-n.commands:
			fn()
			n.flush()
		case pe := <-n.handlerEvents:
			n.handlePeerEvent(pe)
			n.flush()
		}
	}
}

// do runs fn on the event loop goroutine and waits for it to finish.
func (n *Node) do(fn func()) error {
	n.mu.RLock()
	ctx := n.ctx
	n.mu.RUnlock()
	if ctx == nil {
		return fmt.Errorf("node: not running")
	}

	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	select {
	case n.commands <- wrapped:
	case <-ctx.Done():
		return fmt.Errorf("node: stopped")
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("node: stopped")
	}
}

func (n *Node) handlePeerEvent(pe peerEvent) {
	switch ev := pe.ev.(type) {
	case connhandler.MessageReceivedEvent:
		n.verifyInbound(pe.peer, ev.Message)
		n.behavior.Dispatch(pe.peer, ev.Message)
	case connhandler.SendErrorEvent:
		n.behavior.HandleSendError(pe.peer, ev.Message, chunkfile.SendErrorf(ev.Err, "write to %s", pe.peer))
	case connhandler.MessageSentEvent:
		// Delivery confirmations carry no routing decision.
	case connhandler.InboundClosedEvent:
		n.dropPeer(pe.peer)
	}
}

// verifyInbound checks a signed message against the sender's handshake
// key. Failure is logged, never fatal: real peer authentication is the
// Noise session layer, this signature is application-layer provenance.
func (n *Node) verifyInbound(peer identity.NodeId, msg wire.Message) {
	ps, ok := n.peers[peer]
	if !ok || len(ps.info.SigningKey) == 0 {
		return
	}
	if msg.From != peer {
		fmt.Printf("node: message from session %s claims sender %s\n", peer, msg.From)
	}
	if _, err := wire.VerifySignature(msg, ps.info.SigningKey); err != nil {
		fmt.Printf("node: inbound message from %s: %v\n", peer, err)
	}
}

// flush drains Behavior's pending sends into handlers and its pending
// events to the host channel. Called after every command and every
// handler event, on the event loop goroutine.
func (n *Node) flush() {
	for {
		out, ok := n.behavior.PollSend()
		if !ok {
			break
		}
		ps, connected := n.peers[out.Peer]
		if !connected {
			n.behavior.HandleSendError(out.Peer, out.Message, chunkfile.SendErrorf(nil, "peer %s not connected", out.Peer))
			continue
		}
		msg := out.Message
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().Unix()
		}
		if err := wire.Sign(&msg, n.id); err != nil {
			fmt.Printf("node: sign message to %s: %v\n", out.Peer, err)
		}
		ps.handler.SendMessage(n.ctx, msg)
	}

	for {
		ev, ok := n.behavior.PollEvent()
		if !ok {
			break
		}
		select {
		case n.events <- ev:
		default:
			fmt.Printf("node: host event buffer full, dropping %T\n", ev)
		}
	}
}

func (n *Node) addPeer(info session.PeerInfo, sess transport.Session, initiator bool) {
	if old, ok := n.peers[info.NodeID]; ok {
		old.handler.Close()
		old.sess.Close()
	}

	h := connhandler.New(sess, wire.ProtocolID, initiator)
	h.Start(n.ctx)
	n.peers[info.NodeID] = &peerState{handler: h, sess: sess, info: info}
	n.behavior.PeerConnected(info.NodeID)

	go n.forwardEvents(info.NodeID, h)
}

func (n *Node) dropPeer(peer identity.NodeId) {
	ps, ok := n.peers[peer]
	if !ok {
		return
	}
	delete(n.peers, peer)
	n.behavior.PeerDisconnected(peer)
	ps.handler.Close()
	ps.sess.Close()
}

func (n *Node) forwardEvents(peer identity.NodeId, h *connhandler.Handler) {
	for {
		select {
		case ev := <-h.Events():
			select {
			case n.handlerEvents <- peerEvent{peer: peer, ev: ev}:
			case <-n.ctx.Done():
				return
			}
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) acceptLoop() {
	for {
		sess, err := n.cfg.Listener.Accept(n.ctx)
		if err != nil {
			select {
			case <-n.ctx.Done():
			default:
				fmt.Printf("node: accept: %v\n", err)
			}
			return
		}
		go func() {
			info, err := session.Authenticate(n.ctx, sess, n.id, nil, false)
			if err != nil {
				fmt.Printf("node: inbound handshake: %v\n", err)
				sess.Close()
				return
			}
			if err := n.do(func() { n.addPeer(info, sess, false) }); err != nil {
				sess.Close()
			}
		}()
	}
}

// Connect dials addr with the configured Dialer, authenticates the peer
// (whose X25519 handshake key must be known out of band), and registers
// the session. Returns the verified peer NodeId.
func (n *Node) Connect(ctx context.Context, addr string, peerNoiseKey []byte) (identity.NodeId, error) {
	if n.cfg.Dialer == nil {
		return identity.NodeId{}, fmt.Errorf("node: no dialer configured")
	}
	sess, err := n.cfg.Dialer.Dial(ctx, addr)
	if err != nil {
		return identity.NodeId{}, err
	}
	info, err := session.Authenticate(ctx, sess, n.id, peerNoiseKey, true)
	if err != nil {
		sess.Close()
		return identity.NodeId{}, err
	}
	if err := n.do(func() { n.addPeer(info, sess, true) }); err != nil {
		sess.Close()
		return identity.NodeId{}, err
	}
	return info.NodeID, nil
}

// AddSession registers an already-authenticated session, for hosts that
// dial and authenticate on their own.
func (n *Node) AddSession(info session.PeerInfo, sess transport.Session, initiator bool) error {
	return n.do(func() { n.addPeer(info, sess, initiator) })
}

// OfferFile offers path locally and fans a FileOffer out to every
// connected peer.
func (n *Node) OfferFile(path string) (chunkfile.FileMetadata, error) {
	var metadata chunkfile.FileMetadata
	var opErr error
	if err := n.do(func() { metadata, opErr = n.behavior.OfferFile(path) }); err != nil {
		return chunkfile.FileMetadata{}, err
	}
	return metadata, opErr
}

// RequestFile begins downloading metadata from peer into outputPath and
// issues the first request batch.
func (n *Node) RequestFile(metadata chunkfile.FileMetadata, outputPath string, peer identity.NodeId) (string, error) {
	var fileID string
	var opErr error
	if err := n.do(func() { fileID, opErr = n.behavior.RequestFile(metadata, outputPath, peer) }); err != nil {
		return "", err
	}
	return fileID, opErr
}

// CancelDownload abandons an in-progress download and deletes its partial
// file.
func (n *Node) CancelDownload(fileID string) error {
	var opErr error
	if err := n.do(func() { opErr = n.behavior.CancelDownload(fileID) }); err != nil {
		return err
	}
	return opErr
}

// SendMessage queues msg for delivery to peer.
func (n *Node) SendMessage(peer identity.NodeId, msg wire.Message) error {
	return n.do(func() { n.behavior.SendMessage(peer, msg) })
}

// BroadcastDiscovery fans a Discovery announcement out to every connected
// peer.
func (n *Node) BroadcastDiscovery() error {
	return n.do(func() {
		n.behavior.BroadcastDiscovery(n.cfg.Capabilities, n.cfg.ProtocolVersion)
	})
}

// ConnectedPeers returns the NodeIds of every connected peer.
func (n *Node) ConnectedPeers() ([]identity.NodeId, error) {
	var peers []identity.NodeId
	if err := n.do(func() { peers = n.behavior.ConnectedPeers() }); err != nil {
		return nil, err
	}
	return peers, nil
}
