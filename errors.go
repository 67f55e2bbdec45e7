package smb3

import (
	"errors"
	"fmt"
)

// Kind classifies an Error per the connection runtime's error taxonomy.
// It names a handling strategy, not a Go type: fatal kinds drain the
// pending table and move the connection to FAILED; non-fatal kinds
// affect only the originating call.
type Kind int

const (
	// KindTransportIo is a socket-level failure; fatal to the connection.
	KindTransportIo Kind = iota
	// KindProtocolViolation is a malformed frame (bad magic, wrong
	// structure size, impossible NextCommand); fatal.
	KindProtocolViolation
	// KindSecurityViolation is a signature mismatch, nonce replay, or
	// decrypt failure; fatal.
	KindSecurityViolation
	// KindServerStatus wraps a non-success NTSTATUS returned by the
	// server; surfaced to the caller, non-fatal.
	KindServerStatus
	// KindCancelled is user-initiated or timeout-driven cancellation.
	KindCancelled
	// KindDisconnected is returned for any operation attempted once the
	// connection has reached FAILED or CLOSED.
	KindDisconnected
	// KindInsufficientCredits is transient; the caller may retry once
	// more credits are granted.
	KindInsufficientCredits
	// KindUnsupported is a negotiated-capability mismatch, e.g.
	// encryption required but no cipher was agreed.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindTransportIo:
		return "TransportIo"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindSecurityViolation:
		return "SecurityViolation"
	case KindServerStatus:
		return "ServerStatus"
	case KindCancelled:
		return "Cancelled"
	case KindDisconnected:
		return "Disconnected"
	case KindInsufficientCredits:
		return "InsufficientCredits"
	case KindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error is the single error type surfaced by this package. Status
// carries the server NTSTATUS when Kind is KindServerStatus; it is
// STATUS_SUCCESS otherwise.
type Error struct {
	Kind    Kind
	Status  NTStatus
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Status != STATUS_SUCCESS {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Message: msg}
}

func wrapError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func serverStatusError(op string, status NTStatus) *Error {
	return &Error{Op: op, Kind: KindServerStatus, Status: status}
}

var (
	// ErrDisconnected is returned by any operation attempted on a
	// connection that has reached FAILED or CLOSED.
	ErrDisconnected = errors.New("connection disconnected")

	// ErrCancelled indicates a pending request was cancelled before a
	// final reply was observed.
	ErrCancelled = errors.New("request cancelled")

	// ErrInsufficientCredits indicates the credit window cannot cover
	// the requested allocation right now.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidConfig indicates the Config failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidFrame indicates a frame was too short or malformed to
	// decode.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnsupportedDialect indicates none of the offered dialects were
	// accepted by the server.
	ErrUnsupportedDialect = errors.New("unsupported SMB dialect")

	// ErrReplay indicates an inbound TRANSFORM frame's nonce was not
	// strictly greater than the highest nonce previously accepted for
	// that direction.
	ErrReplay = errors.New("nonce replay detected")

	// ErrUnsupported indicates a negotiated-capability mismatch.
	ErrUnsupported = errors.New("unsupported capability")
)

// netError is the duck-typed interface satisfied by net.Error; used to
// classify transport failures without importing net in this file.
type netError interface {
	Timeout() bool
	Temporary() bool
}

// isRetryable returns true if err indicates a transient failure that
// might succeed if the caller retries (connection establishment, not
// in-flight request state).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr netError
	if errors.As(err, &netErr) {
		if netErr.Temporary() || netErr.Timeout() {
			return true
		}
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindInsufficientCredits, KindTransportIo:
			return true
		}
	}

	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return true
	}

	unwrapped := errors.Unwrap(err)
	if unwrapped != nil && unwrapped != err {
		return isRetryable(unwrapped)
	}

	return false
}
