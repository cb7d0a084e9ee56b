package wire

import (
	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
)

func newMessage(from identity.NodeId, to *identity.NodeId, t MessageType) Message {
	return Message{From: from, To: to, Type: t}
}

// NewPingMessage builds an unsigned Ping addressed to a single peer.
func NewPingMessage(from, to identity.NodeId) Message {
	return newMessage(from, &to, TypePing)
}

// NewPongMessage builds an unsigned Pong addressed to a single peer.
func NewPongMessage(from, to identity.NodeId) Message {
	return newMessage(from, &to, TypePong)
}

// NewDiscoveryMessage builds a broadcast Discovery announcement.
func NewDiscoveryMessage(from identity.NodeId, capabilities []string, protocolVersion string) Message {
	return newMessage(from, nil, DiscoveryPayload{Capabilities: capabilities, ProtocolVersion: protocolVersion})
}

// NewFileOfferMessage builds a broadcast FileOffer announcement.
func NewFileOfferMessage(from identity.NodeId, metadata chunkfile.FileMetadata) Message {
	return newMessage(from, nil, FileOfferPayload{FileMetadata: metadata})
}

// NewChunkRequestMessage builds a ChunkRequest addressed to the peer holding
// the file.
func NewChunkRequestMessage(from, to identity.NodeId, fileID string, chunkIndex uint32) Message {
	return newMessage(from, &to, ChunkRequestPayload{FileID: fileID, ChunkIndex: chunkIndex})
}

// NewChunkRequestBatchMessage builds a ChunkRequestBatch addressed to the
// peer holding the file.
func NewChunkRequestBatchMessage(from, to identity.NodeId, fileID string, indices []uint32) Message {
	return newMessage(from, &to, ChunkRequestBatchPayload{FileID: fileID, ChunkIndices: indices})
}

// NewChunkDataMessage builds a ChunkData response addressed to the requester.
func NewChunkDataMessage(from, to identity.NodeId, chunk chunkfile.FileChunk) Message {
	return newMessage(from, &to, ChunkDataPayload{FileChunk: chunk})
}

// NewTransferCompleteMessage builds a TransferComplete notification.
func NewTransferCompleteMessage(from, to identity.NodeId, fileID string, success bool) Message {
	return newMessage(from, &to, TransferCompletePayload{FileID: fileID, Success: success})
}

// NewTransferCancelMessage builds a TransferCancel notification.
func NewTransferCancelMessage(from, to identity.NodeId, fileID, reason string) Message {
	return newMessage(from, &to, TransferCancelPayload{FileID: fileID, Reason: reason})
}
