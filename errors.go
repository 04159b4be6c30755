package spop

import (
	"errors"
	"fmt"
)

// ErrNeedMore signals that a decode call needs more bytes than the
// buffer currently holds. It is resumable: the caller should read more
// data and retry the same call, and the input offset must not have
// advanced.
var ErrNeedMore = errors.New("spop: need more bytes")

// ErrVarintOverflow is returned when a varint accumulates more than 10
// bytes without terminating.
var ErrVarintOverflow = errors.New("spop: varint overflow")

// ErrorKind classifies a ProtocolError per the taxonomy in distilled
// spec §7, so callers can decide the right DISCONNECT status code
// without string matching.
type ErrorKind int

const (
	KindTruncated ErrorKind = iota
	KindUnknownFrameType
	KindInvalidFlags
	KindAbortRequested
	KindUnknownValueType
	KindDuplicateKey
	KindMissingRequiredKey
	KindWrongTypeForKey
	KindFrameTooLarge
	KindVersionMismatch
	KindCapabilityMismatch
	KindUnexpectedFrame
	KindTrailingGarbage
	KindInvalidUtf8
)

func (k ErrorKind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindUnknownFrameType:
		return "unknown-frame-type"
	case KindInvalidFlags:
		return "invalid-flags"
	case KindAbortRequested:
		return "abort-requested"
	case KindUnknownValueType:
		return "unknown-value-type"
	case KindDuplicateKey:
		return "duplicate-key"
	case KindMissingRequiredKey:
		return "missing-required-key"
	case KindWrongTypeForKey:
		return "wrong-type-for-key"
	case KindFrameTooLarge:
		return "frame-too-large"
	case KindVersionMismatch:
		return "version-mismatch"
	case KindCapabilityMismatch:
		return "capability-mismatch"
	case KindUnexpectedFrame:
		return "unexpected-frame"
	case KindTrailingGarbage:
		return "trailing-garbage"
	case KindInvalidUtf8:
		return "invalid-utf8"
	default:
		return "unknown"
	}
}

// ProtocolError is a frame-level or session-level protocol violation.
// Frame-level parse errors never silently truncate a connection: they
// always carry enough information (Kind, Message) to build an
// actionable DISCONNECT frame.
type ProtocolError struct {
	Kind    ErrorKind
	Message string
	Key     string // populated for KindDuplicateKey/MissingRequiredKey/WrongTypeForKey

	// StreamID/FrameID are populated for KindAbortRequested so the
	// caller knows which in-flight handler to cancel.
	StreamID uint64
	FrameID  uint64
}

func (e *ProtocolError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("spop: %s: %s (key=%q)", e.Kind, e.Message, e.Key)
	}
	return fmt.Sprintf("spop: %s: %s", e.Kind, e.Message)
}

func newProtoErr(kind ErrorKind, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func newProtoErrKey(kind ErrorKind, key string, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: fmt.Sprintf(format, args...), Key: key}
}

// AsProtocolError unwraps err into a *ProtocolError, mirroring the
// errors.As idiom the rest of the module uses for wrapped errors.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
