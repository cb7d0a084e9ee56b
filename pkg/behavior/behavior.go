// Package behavior implements Peer Behavior: the component that dispatches
// inbound wire.Message values to the Transfer Manager, translates the
// results back into outbound messages, and surfaces high-level events to
// whatever drives it.
//
// Behavior takes no lock of its own. In CoreLink it is driven exclusively
// by the node event loop, which is the only caller of Dispatch and the
// host-facing operations below; that single caller is what makes the
// "serialized access without additional locking" guarantee true.
package behavior

import (
	"fmt"

	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/transfer"
	"github.com/distributed-systems-labs/corelink/pkg/wire"
)

// RequestBatchSize is the fixed number of chunk requests issued per batch
// after a chunk arrives. Balances pipelining throughput against
// head-of-line blocking on a single substream.
const RequestBatchSize = transfer.DefaultRequestBatchSize

// Outbound is one message this Behavior wants sent to a peer.
type Outbound struct {
	Peer    identity.NodeId
	Message wire.Message
}

// Behavior tracks connected peers, a pending-send queue, a pending-event
// queue, and owns a Transfer Manager.
type Behavior struct {
	self     *identity.Identity
	transfer *transfer.Manager

	connectedPeers map[identity.NodeId]struct{}
	pendingSends   []Outbound
	pendingEvents  []Event
}

// New creates a Behavior for identity self, backed by a Transfer Manager.
func New(self *identity.Identity, tm *transfer.Manager) *Behavior {
	return &Behavior{
		self:           self,
		transfer:       tm,
		connectedPeers: make(map[identity.NodeId]struct{}),
	}
}

// PeerConnected registers peer as reachable for sends and broadcasts.
func (b *Behavior) PeerConnected(peer identity.NodeId) {
	b.connectedPeers[peer] = struct{}{}
}

// PeerDisconnected removes peer from the connected set.
func (b *Behavior) PeerDisconnected(peer identity.NodeId) {
	delete(b.connectedPeers, peer)
}

// ConnectedPeers returns the currently connected peer set.
func (b *Behavior) ConnectedPeers() []identity.NodeId {
	peers := make([]identity.NodeId, 0, len(b.connectedPeers))
	for p := range b.connectedPeers {
		peers = append(peers, p)
	}
	return peers
}

// PollEvent pops the next pending upward event, if any.
func (b *Behavior) PollEvent() (Event, bool) {
	if len(b.pendingEvents) == 0 {
		return nil, false
	}
	ev := b.pendingEvents[0]
	b.pendingEvents = b.pendingEvents[1:]
	return ev, true
}

// PollSend pops the next pending outbound message, if any.
func (b *Behavior) PollSend() (Outbound, bool) {
	if len(b.pendingSends) == 0 {
		return Outbound{}, false
	}
	out := b.pendingSends[0]
	b.pendingSends = b.pendingSends[1:]
	return out, true
}

func (b *Behavior) emit(ev Event) { b.pendingEvents = append(b.pendingEvents, ev) }
func (b *Behavior) send(peer identity.NodeId, msg wire.Message) {
	b.pendingSends = append(b.pendingSends, Outbound{Peer: peer, Message: msg})
}

// Dispatch routes one inbound message from peer. Every MessageType the
// core interprets itself is handled here; every other variant is surfaced
// unchanged as a generic MessageReceived event for the host.
func (b *Behavior) Dispatch(peer identity.NodeId, msg wire.Message) {
	switch payload := msg.Type.(type) {
	case wire.FileOfferPayload:
		b.emit(FileOffered{Peer: peer, Metadata: payload.FileMetadata})
	case wire.ChunkRequestPayload:
		b.handleChunkRequest(peer, payload)
	case wire.ChunkDataPayload:
		b.handleChunkData(peer, payload)
	default:
		b.emit(MessageReceived{From: peer, Message: msg})
	}
}

func (b *Behavior) handleChunkRequest(peer identity.NodeId, req wire.ChunkRequestPayload) {
	chunk, err := b.transfer.HandleChunkRequest(req.FileID, req.ChunkIndex)
	if err != nil {
		fmt.Printf("behavior: chunk request %s/%d from %s: %v\n", req.FileID, req.ChunkIndex, peer, err)
		return
	}
	if chunk == nil {
		return
	}
	b.send(peer, wire.NewChunkDataMessage(b.self.NodeId(), peer, *chunk))
}

func (b *Behavior) handleChunkData(source identity.NodeId, data wire.ChunkDataPayload) {
	status, err := b.transfer.HandleChunkReceived(data.FileChunk)
	if err != nil {
		b.emit(TransferFailed{FileID: data.FileChunk.FileID, Peer: source, Reason: err.Error()})
		return
	}

	switch status.Kind {
	case transfer.StatusVerificationFailed:
		// Fatal to the download: there is no per-chunk retry from an
		// alternate peer, so abandon it and tell the sender to stop.
		reason := fmt.Sprintf("chunk %d failed verification", status.ChunkIndex)
		b.emit(TransferFailed{FileID: data.FileChunk.FileID, Peer: source, Reason: reason})
		b.send(source, wire.NewTransferCancelMessage(b.self.NodeId(), source, data.FileChunk.FileID, reason))
		if err := b.transfer.CancelDownload(data.FileChunk.FileID); err != nil {
			fmt.Printf("behavior: cancel failed download %s: %v\n", data.FileChunk.FileID, err)
		}

	case transfer.StatusTransferComplete:
		b.emit(TransferComplete{FileID: data.FileChunk.FileID, Peer: source})
		b.send(source, wire.NewTransferCompleteMessage(b.self.NodeId(), source, data.FileChunk.FileID, true))

	case transfer.StatusChunkReceived:
		b.emit(ChunkReceived{
			FileID:     data.FileChunk.FileID,
			Peer:       source,
			Progress:   status.Progress,
			ChunkIndex: status.ChunkIndex,
		})
		for _, idx := range b.transfer.GetNextChunksToRequest(data.FileChunk.FileID, RequestBatchSize) {
			b.send(source, wire.NewChunkRequestMessage(b.self.NodeId(), source, data.FileChunk.FileID, idx))
		}
	}
}

// SendMessage queues msg for delivery to peer.
func (b *Behavior) SendMessage(peer identity.NodeId, msg wire.Message) {
	b.send(peer, msg)
}

// BroadcastDiscovery fans a Discovery announcement out to every connected
// peer.
func (b *Behavior) BroadcastDiscovery(capabilities []string, protocolVersion string) {
	announcement := wire.NewDiscoveryMessage(b.self.NodeId(), capabilities, protocolVersion)
	for peer := range b.connectedPeers {
		b.send(peer, announcement)
	}
}

// OfferFile offers path locally via the Transfer Manager and fans a
// FileOffer out to every connected peer.
func (b *Behavior) OfferFile(path string) (chunkfile.FileMetadata, error) {
	metadata, err := b.transfer.OfferFile(path)
	if err != nil {
		return chunkfile.FileMetadata{}, err
	}

	offer := wire.NewFileOfferMessage(b.self.NodeId(), metadata)
	for peer := range b.connectedPeers {
		b.send(peer, offer)
	}
	return metadata, nil
}

// RequestFile begins a download of metadata from peer, writing to
// outputPath, and issues the first batch of ChunkRequests.
func (b *Behavior) RequestFile(metadata chunkfile.FileMetadata, outputPath string, peer identity.NodeId) (string, error) {
	fileID, err := b.transfer.RequestFile(metadata, outputPath, peer)
	if err != nil {
		return "", err
	}

	for _, idx := range b.transfer.GetNextChunksToRequest(fileID, RequestBatchSize) {
		b.send(peer, wire.NewChunkRequestMessage(b.self.NodeId(), peer, fileID, idx))
	}
	return fileID, nil
}

// CancelDownload abandons an in-progress download.
func (b *Behavior) CancelDownload(fileID string) error {
	return b.transfer.CancelDownload(fileID)
}

// HandleSendError lets the node event loop report a handler-level
// SendError. Behavior does not automatically retry; if the undelivered
// message was a ChunkRequest, the affected download is aborted and
// reported as TransferFailed, since that peer can no longer serve it.
func (b *Behavior) HandleSendError(peer identity.NodeId, msg wire.Message, sendErr error) {
	b.emit(SendFailed{Peer: peer, Message: msg, Reason: sendErr.Error()})

	if req, ok := msg.Type.(wire.ChunkRequestPayload); ok {
		if err := b.transfer.CancelDownload(req.FileID); err == nil {
			b.emit(TransferFailed{FileID: req.FileID, Peer: peer, Reason: sendErr.Error()})
		}
	}
}
