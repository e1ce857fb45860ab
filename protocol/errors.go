package protocol

import (
	"errors"
	"fmt"
)

// Format errors. Any of these makes the reader resynchronize.
var (
	ErrBadMarker        = errors.New("bad marker")
	ErrSizeOutOfRange   = errors.New("payload size out of range")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrShortBuffer      = errors.New("buffer too short")
	ErrNotImage         = errors.New("payload is not a JPEG image")
)

// Stream errors
var (
	// ErrTimeout means no byte arrived within the transport read timeout.
	// It is never fatal and never counts against the recovery budget.
	ErrTimeout = errors.New("read timeout")
	// ErrSyncNotFound means the marker search exhausted its byte budget.
	ErrSyncNotFound = errors.New("marker not found")
	// ErrRecoveryExhausted means repeated resynchronization failed to
	// produce a valid packet.
	ErrRecoveryExhausted = errors.New("packet recovery exhausted")
	// ErrConnectionClosed means the stream ended. Always fatal.
	ErrConnectionClosed = errors.New("connection closed")
)

// FormatError describes why a byte buffer was rejected as a packet.
type FormatError struct {
	Kind   error // one of the format sentinels above
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *FormatError) Unwrap() error {
	return e.Kind
}

func formatErr(kind error, format string, args ...any) error {
	return &FormatError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsFormatError reports whether err is a recoverable framing or validation
// failure.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsTimeout reports whether err is a non-fatal read timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err must end the current connection on its own,
// regardless of how many errors preceded it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}
