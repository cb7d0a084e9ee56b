package chunkfile

import (
	"errors"
	"fmt"
)

// Kind classifies a chunkfile/transfer error.
type Kind int

const (
	KindNotFound Kind = iota
	KindAlreadyExists
	KindInvalidInput
	KindInvalidData
	KindIo
	KindSendError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidInput:
		return "InvalidInput"
	case KindInvalidData:
		return "InvalidData"
	case KindIo:
		return "Io"
	case KindSendError:
		return "SendError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type shared by the chunker/verifier and transfer
// manager operations.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return newErr(KindNotFound, nil, format, args...)
}

func AlreadyExistsf(format string, args ...any) *Error {
	return newErr(KindAlreadyExists, nil, format, args...)
}

func InvalidInputf(format string, args ...any) *Error {
	return newErr(KindInvalidInput, nil, format, args...)
}

func InvalidDataf(format string, args ...any) *Error {
	return newErr(KindInvalidData, nil, format, args...)
}

func Iof(cause error, format string, args ...any) *Error {
	return newErr(KindIo, cause, format, args...)
}

func SendErrorf(cause error, format string, args ...any) *Error {
	return newErr(KindSendError, cause, format, args...)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool      { return IsKind(err, KindNotFound) }
func IsAlreadyExists(err error) bool { return IsKind(err, KindAlreadyExists) }
func IsInvalidInput(err error) bool  { return IsKind(err, KindInvalidInput) }
func IsInvalidData(err error) bool   { return IsKind(err, KindInvalidData) }
func IsIo(err error) bool            { return IsKind(err, KindIo) }
func IsSendError(err error) bool     { return IsKind(err, KindSendError) }
