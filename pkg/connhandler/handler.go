// Package connhandler implements the Connection Handler: the per-peer
// component that owns one inbound and one outbound message substream over
// a Session, decoding incoming frames and serializing outgoing ones.
//
// Each direction is a small state machine with at most one thing in
// flight: one goroutine blocked on exactly one blocking call
// (wire.ReadMessage or wire.WriteMessage), reporting its outcome over a
// channel. Handler's exported methods are safe to call concurrently with
// those goroutines; an internal mutex guards the state they share.
package connhandler

import (
	"context"
	"fmt"
	"sync"

	"github.com/distributed-systems-labs/corelink/pkg/transport"
	"github.com/distributed-systems-labs/corelink/pkg/wire"
)

// MaxDialUpgradeFailures is the number of consecutive outbound substream
// open failures after which a Handler revokes its permission to open
// outbound substreams and clears anything queued. A later SendMessage does
// not restore that permission; only accepting the inbound substream grants it.
const MaxDialUpgradeFailures = 3

// Handler manages the single inbound and single outbound message
// substream of one Session.
type Handler struct {
	sess  transport.Session
	proto transport.ProtocolID

	mu                  sync.Mutex
	inbound             transport.Stream
	outbound            transport.Stream
	pending             []wire.Message
	dialUpgradeFailures int
	canRequestOutbound  bool
	outboundBusy        bool

	events chan Event
	done   chan struct{}
}

// New creates a Handler for sess, negotiating substreams tagged with proto.
// initiator must be true for the side that dialed the underlying Session:
// that side is permitted to open the first outbound substream on its own.
// The listening side only gains that permission once its own inbound
// substream negotiates, so a peer that refuses the protocol is never
// dialed into a tight upgrade loop.
func New(sess transport.Session, proto transport.ProtocolID, initiator bool) *Handler {
	return &Handler{
		sess:               sess,
		proto:              proto,
		canRequestOutbound: initiator,
		events:             make(chan Event, 64),
		done:               make(chan struct{}),
	}
}

// Events returns the channel Handler reports outcomes on.
func (h *Handler) Events() <-chan Event { return h.events }

// Start begins accepting the inbound substream and launches its read loop.
// It opens nothing outbound: SendMessage opens the outbound substream once
// there is something queued and outbound requests are permitted.
func (h *Handler) Start(ctx context.Context) {
	go h.acceptInboundLoop(ctx)
}

// Close tears down both substreams.
func (h *Handler) Close() error {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.inbound != nil {
		err = h.inbound.Close()
	}
	if h.outbound != nil {
		if e := h.outbound.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (h *Handler) acceptInboundLoop(ctx context.Context) {
	for {
		proto, stream, err := h.sess.AcceptStream(ctx)
		if err != nil {
			h.emit(InboundClosedEvent{Err: err})
			return
		}
		if proto != h.proto {
			stream.Close()
			continue
		}

		h.mu.Lock()
		h.inbound = stream
		h.canRequestOutbound = true
		h.mu.Unlock()

		// Negotiating an inbound substream is what first permits outbound
		// requests on the listening side; drain anything queued before it.
		go h.pumpOutbound(ctx)

		h.readLoop(stream)
		return
	}
}

func (h *Handler) readLoop(stream transport.Stream) {
	for {
		msg, err := wire.ReadMessage(stream)
		if err != nil {
			h.emit(InboundClosedEvent{Err: err})
			return
		}
		h.emit(MessageReceivedEvent{Message: msg})
	}
}

// SendMessage queues msg for delivery on the outbound substream, opening
// it first if necessary. Results are reported asynchronously via Events:
// MessageSentEvent on success, SendErrorEvent on failure.
func (h *Handler) SendMessage(ctx context.Context, msg wire.Message) {
	h.mu.Lock()
	h.pending = append(h.pending, msg)
	h.mu.Unlock()

	go h.pumpOutbound(ctx)
}

func (h *Handler) pumpOutbound(ctx context.Context) {
	h.mu.Lock()
	if h.outboundBusy {
		h.mu.Unlock()
		return
	}
	h.outboundBusy = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.outboundBusy = false
		h.mu.Unlock()
	}()

	for {
		stream, ok := h.ensureOutboundStream(ctx)
		if !ok {
			return
		}

		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			return
		}
		msg := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		if err := wire.WriteMessage(stream, msg); err != nil {
			h.mu.Lock()
			h.outbound = nil
			h.mu.Unlock()
			h.emit(SendErrorEvent{Message: msg, Err: err})
			continue
		}
		h.emit(MessageSentEvent{Message: msg})
	}
}

// ensureOutboundStream returns the handler's outbound substream, opening
// one if none is active. ok is false if there is nothing queued to send, if
// outbound requests are not currently permitted (not yet granted, or revoked
// after MaxDialUpgradeFailures), or if opening the substream fails.
func (h *Handler) ensureOutboundStream(ctx context.Context) (transport.Stream, bool) {
	h.mu.Lock()
	if h.outbound != nil {
		stream := h.outbound
		h.mu.Unlock()
		return stream, true
	}
	canRequest := h.canRequestOutbound
	hasPending := len(h.pending) > 0
	h.mu.Unlock()

	if !hasPending {
		return nil, false
	}
	if !canRequest {
		return nil, false
	}

	stream, err := h.sess.OpenStream(ctx, h.proto)
	if err != nil {
		h.onDialUpgradeError(err)
		return nil, false
	}

	h.mu.Lock()
	h.outbound = stream
	h.canRequestOutbound = true
	h.dialUpgradeFailures = 0
	h.mu.Unlock()
	return stream, true
}

func (h *Handler) onDialUpgradeError(err error) {
	h.mu.Lock()
	h.dialUpgradeFailures++
	failures := h.dialUpgradeFailures
	cleared := failures >= MaxDialUpgradeFailures
	if cleared {
		h.pending = nil
		h.canRequestOutbound = false
	}
	h.mu.Unlock()

	if cleared {
		fmt.Printf("connhandler: %d consecutive dial upgrade failures, clearing pending sends: %v\n", failures, err)
	} else {
		fmt.Printf("connhandler: dial upgrade failed (attempt %d): %v\n", failures, err)
	}
}

func (h *Handler) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}
