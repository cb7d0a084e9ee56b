package behavior

import (
	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/wire"
)

// Event is something Behavior surfaces upward to whatever drives it (the
// node event loop, and from there the host). Dispatch never blocks on a
// host consuming these; they sit on a FIFO queue drained by Poll.
type Event interface {
	eventTag() string
}

// FileOffered reports an incoming FileOffer. The core never auto-downloads;
// the host decides whether to call RequestFile.
type FileOffered struct {
	Peer     identity.NodeId
	Metadata chunkfile.FileMetadata
}

func (FileOffered) eventTag() string { return "file_offered" }

// ChunkReceived reports download progress after a chunk was verified and
// written.
type ChunkReceived struct {
	FileID     string
	Peer       identity.NodeId
	Progress   float64
	ChunkIndex uint32
}

func (ChunkReceived) eventTag() string { return "chunk_received" }

// TransferComplete reports that every chunk of a download arrived and
// verified.
type TransferComplete struct {
	FileID string
	Peer   identity.NodeId
}

func (TransferComplete) eventTag() string { return "transfer_complete" }

// TransferFailed reports that a download was abandoned, either because a
// chunk failed verification or because of an I/O error.
type TransferFailed struct {
	FileID string
	Peer   identity.NodeId
	Reason string
}

func (TransferFailed) eventTag() string { return "transfer_failed" }

// MessageReceived reports any inbound Message whose MessageType the core
// does not interpret itself (Discovery, Ping, Pong, DataTransfer, Consensus,
// FileRequest, ChunkRequestBatch, and TransferComplete/TransferCancel
// arriving at the side that served the transfer). The host is free to act
// on it.
type MessageReceived struct {
	From    identity.NodeId
	Message wire.Message
}

func (MessageReceived) eventTag() string { return "message_received" }

// SendFailed reports that the connection handler could not deliver a
// queued message to a peer. The core does not automatically retry.
type SendFailed struct {
	Peer    identity.NodeId
	Message wire.Message
	Reason  string
}

func (SendFailed) eventTag() string { return "send_failed" }
