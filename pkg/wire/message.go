// Package wire implements the CoreLink frame codec: a single JSON-encoded
// Message per frame, length-prefixed on the substream negotiated under
// /corelink/msg/1.0.0.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
)

// ProtocolID is the substream protocol identifier negotiated by the
// connection oracle before any Message is exchanged.
const ProtocolID = "/corelink/msg/1.0.0"

// Message is the single envelope exchanged over a CoreLink substream.
type Message struct {
	From      identity.NodeId
	To        *identity.NodeId
	Type      MessageType
	Timestamp int64
	Signature []byte
}

// MessageType is a closed sum type: every payload implementing it names its
// own wire tag. Unlike an open interface, new variants may only be added in
// this package, so a decode switch here can be exhaustive.
type MessageType interface {
	messageTag() string
}

// unit variants carry no payload.
type unitType string

func (u unitType) messageTag() string { return string(u) }

const (
	TypePing unitType = "Ping"
	TypePong unitType = "Pong"
)

// DiscoveryPayload advertises a node's capabilities to a newly connected peer.
type DiscoveryPayload struct {
	Capabilities    []string `json:"capabilities"`
	ProtocolVersion string   `json:"protocol_version"`
}

func (DiscoveryPayload) messageTag() string { return "Discovery" }

// DataTransferPayload is a generic chunked-data envelope preserved for
// forward compatibility; the core never constructs one.
type DataTransferPayload struct {
	DataHash    [32]byte `json:"data_hash"`
	ChunkIndex  uint32   `json:"chunk_index"`
	TotalChunks uint32   `json:"total_chunks"`
	Data        []byte   `json:"data"`
}

func (DataTransferPayload) messageTag() string { return "DataTransfer" }

// ConsensusPayload carries a voting round preserved for forward
// compatibility; the core never constructs or interprets one.
type ConsensusPayload struct {
	ProposalID   [32]byte `json:"proposal_id"`
	ProposalType string   `json:"proposal_type"`
	Votes        []Vote   `json:"votes"`
}

func (ConsensusPayload) messageTag() string { return "Consensus" }

// Vote is one participant's ballot in a ConsensusPayload.
type Vote struct {
	Voter         identity.NodeId `json:"voter"`
	Approve       bool            `json:"approve"`
	PhysicalProof *PhysicalProof  `json:"physical_proof,omitempty"`
}

// PhysicalProof is an optional signal-strength attestation attached to a Vote.
type PhysicalProof struct {
	SignalStrength   int32    `json:"signal_strength"`
	DistanceEstimate *float32 `json:"distance_estimate,omitempty"`
	Timestamp        int64    `json:"timestamp"`
}

// FileOfferPayload announces a file available for download.
type FileOfferPayload struct {
	chunkfile.FileMetadata
}

func (FileOfferPayload) messageTag() string { return "FileOffer" }

// FileRequestPayload asks a peer to begin offering chunks of a file it has
// already offered or is known to hold; preserved for forward compatibility,
// the core drives requests via ChunkRequest/ChunkRequestBatch instead.
type FileRequestPayload struct {
	FileID    string          `json:"file_id"`
	Requester identity.NodeId `json:"requester"`
}

func (FileRequestPayload) messageTag() string { return "FileRequest" }

// ChunkRequestPayload asks a peer for a single chunk of a file.
type ChunkRequestPayload struct {
	FileID     string `json:"file_id"`
	ChunkIndex uint32 `json:"chunk_index"`
}

func (ChunkRequestPayload) messageTag() string { return "ChunkRequest" }

// ChunkDataPayload carries one chunk of a file in response to a request.
type ChunkDataPayload struct {
	chunkfile.FileChunk
}

func (ChunkDataPayload) messageTag() string { return "ChunkData" }

// ChunkRequestBatchPayload asks a peer for several chunks at once; preserved
// for forward compatibility, the core issues individual ChunkRequests.
type ChunkRequestBatchPayload struct {
	FileID       string   `json:"file_id"`
	ChunkIndices []uint32 `json:"chunk_indices"`
}

func (ChunkRequestBatchPayload) messageTag() string { return "ChunkRequestBatch" }

// TransferCompletePayload announces the outcome of a transfer.
type TransferCompletePayload struct {
	FileID  string `json:"file_id"`
	Success bool   `json:"success"`
}

func (TransferCompletePayload) messageTag() string { return "TransferComplete" }

// TransferCancelPayload asks a peer to abandon an in-flight transfer.
type TransferCancelPayload struct {
	FileID string `json:"file_id"`
	Reason string `json:"reason"`
}

func (TransferCancelPayload) messageTag() string { return "TransferCancel" }

// wireMessage is the on-the-wire shape of Message: msg_type is tagged
// externally, {"Tag": {...fields}} for payload variants or "Tag" for unit
// variants, matching how a tagged-union enum serializes by default.
type wireMessage struct {
	From      identity.NodeId  `json:"from"`
	To        *identity.NodeId `json:"to,omitempty"`
	MsgType   json.RawMessage  `json:"msg_type"`
	Timestamp int64            `json:"timestamp"`
	Signature []byte           `json:"signature,omitempty"`
}

// MarshalJSON renders the Message in externally-tagged form.
func (m Message) MarshalJSON() ([]byte, error) {
	tagged, err := encodeMessageType(m.Type)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		From:      m.From,
		To:        m.To,
		MsgType:   tagged,
		Timestamp: m.Timestamp,
		Signature: m.Signature,
	})
}

// UnmarshalJSON decodes a Message, dispatching msg_type by its tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return NewError(ErrorMalformedFrame, fmt.Sprintf("decode message envelope: %v", err))
	}
	msgType, err := decodeMessageType(w.MsgType)
	if err != nil {
		return err
	}
	m.From = w.From
	m.To = w.To
	m.Type = msgType
	m.Timestamp = w.Timestamp
	m.Signature = w.Signature
	return nil
}

func encodeMessageType(t MessageType) (json.RawMessage, error) {
	if u, ok := t.(unitType); ok {
		return json.Marshal(string(u))
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s payload: %w", t.messageTag(), err)
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{t.messageTag(): payload})
	if err != nil {
		return nil, fmt.Errorf("wire: wrap %s payload: %w", t.messageTag(), err)
	}
	return wrapped, nil
}

func decodeMessageType(raw json.RawMessage) (MessageType, error) {
	var unit string
	if err := json.Unmarshal(raw, &unit); err == nil {
		switch unit {
		case string(TypePing):
			return TypePing, nil
		case string(TypePong):
			return TypePong, nil
		default:
			return nil, ErrUnknownMessageType(unit)
		}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, NewError(ErrorMalformedFrame, fmt.Sprintf("decode msg_type: %v", err))
	}
	if len(envelope) != 1 {
		return nil, NewError(ErrorMalformedFrame, fmt.Sprintf("msg_type envelope must have exactly one tag, got %d", len(envelope)))
	}

	for tag, body := range envelope {
		switch tag {
		case "Discovery":
			var p DiscoveryPayload
			return p, json.Unmarshal(body, &p)
		case "DataTransfer":
			var p DataTransferPayload
			return p, json.Unmarshal(body, &p)
		case "Consensus":
			var p ConsensusPayload
			return p, json.Unmarshal(body, &p)
		case "FileOffer":
			var p FileOfferPayload
			return p, json.Unmarshal(body, &p)
		case "FileRequest":
			var p FileRequestPayload
			return p, json.Unmarshal(body, &p)
		case "ChunkRequest":
			var p ChunkRequestPayload
			return p, json.Unmarshal(body, &p)
		case "ChunkData":
			var p ChunkDataPayload
			return p, json.Unmarshal(body, &p)
		case "ChunkRequestBatch":
			var p ChunkRequestBatchPayload
			return p, json.Unmarshal(body, &p)
		case "TransferComplete":
			var p TransferCompletePayload
			return p, json.Unmarshal(body, &p)
		case "TransferCancel":
			var p TransferCancelPayload
			return p, json.Unmarshal(body, &p)
		default:
			return nil, ErrUnknownMessageType(tag)
		}
	}
	panic("unreachable")
}
