package connhandler

import "github.com/distributed-systems-labs/corelink/pkg/wire"

// Event is something a Handler reports to whatever drives it (the node
// event loop): a received message, confirmation a send completed, or a
// send failure.
type Event interface {
	eventTag() string
}

// MessageReceivedEvent reports a decoded Message read off the inbound
// substream.
type MessageReceivedEvent struct {
	Message wire.Message
}

func (MessageReceivedEvent) eventTag() string { return "message_received" }

// MessageSentEvent reports that a queued message was written successfully.
type MessageSentEvent struct {
	Message wire.Message
}

func (MessageSentEvent) eventTag() string { return "message_sent" }

// SendErrorEvent reports that writing a queued message failed.
type SendErrorEvent struct {
	Message wire.Message
	Err     error
}

func (SendErrorEvent) eventTag() string { return "send_error" }

// InboundClosedEvent reports that the inbound substream's read loop ended.
type InboundClosedEvent struct {
	Err error
}

func (InboundClosedEvent) eventTag() string { return "inbound_closed" }
