package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the length prefix accepted by ReadMessage, guarding
// against a peer claiming an absurd body size.
const MaxFrameSize = 16 * 1024 * 1024

// WriteMessage encodes msg as JSON, prefixes it with its length as a
// 4-byte big-endian integer, and flushes if w supports it.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge(len(body))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write message body: %w", err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("wire: flush: %w", err)
		}
	}
	return nil
}

type flusher interface {
	Flush() error
}

// ReadMessage reads one length-prefixed JSON frame and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > MaxFrameSize {
		return Message{}, ErrFrameTooLarge(int(length))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("wire: read message body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		var werr *Error
		if errors.As(err, &werr) {
			return Message{}, werr
		}
		return Message{}, NewError(ErrorMalformedFrame, err.Error())
	}
	return msg, nil
}
