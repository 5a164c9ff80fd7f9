package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWindow is returned when a policy reports a window size below 1.
	ErrInvalidWindow = errors.New("batchmux: policy window size must be at least 1")

	// ErrUnsupported is returned when the transport lacks an optional capability.
	ErrUnsupported = errors.New("batchmux: operation not supported by transport")

	// ErrBatchAborted marks messages that were not handled because an earlier
	// message in the same batch failed.
	ErrBatchAborted = errors.New("batchmux: batch aborted by earlier failure")

	// ErrResultMismatch is reported when a BatchHandler returns a result count
	// different from the batch size.
	ErrResultMismatch = errors.New("batchmux: result count does not match batch size")

	// ErrEncode is returned when a message body cannot be serialized.
	ErrEncode = errors.New("batchmux: encode message body")

	// ErrTransportClosed is returned by transports used after Close.
	ErrTransportClosed = errors.New("batchmux: transport is closed")

	// ErrUnknownTag is returned when a transport is asked to settle a
	// delivery tag it has no outstanding delivery for.
	ErrUnknownTag = errors.New("batchmux: unknown delivery tag")
)

// HandlerError is a failure raised by user processing code. Policies turn it
// into a reject; it never propagates out of Dispatch.
type HandlerError struct {
	Tag DeliveryTag
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("batchmux: handler failed for message %d: %v", e.Tag, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TransportError wraps a failed call into the Transport. It is fatal for the
// current pass and is returned from Consume and Send unchanged.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("batchmux: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
