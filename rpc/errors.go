package rpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCancelled = errors.New("call cancelled")
	ErrNotDone   = errors.New("call still pending")
)

// ProtocolError is a request the server could not route: no type, an unknown type or an invalid payload.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

// HandlerError wraps an error returned, or a panic raised, by a request handler.
type HandlerError struct {
	Type  string
	Cause error
	Stack []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling %q: %s", e.Type, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// diagnostic is what gets sent to the peer. Panics carry their stack unless redacted, in which case
// neither the panic value nor the stack leave the process. Redaction also cuts errors to their first
// line, which drops stacks forwarded from a further peer.
func (e *HandlerError) diagnostic(redact bool) string {
	if !redact {
		if len(e.Stack) == 0 {
			return e.Error()
		}
		return e.Error() + "\n" + string(e.Stack)
	}
	if len(e.Stack) > 0 {
		return fmt.Sprintf("handling %q: internal error", e.Type)
	}
	msg, _, _ := strings.Cut(e.Error(), "\n")
	return msg
}

// RemoteError is the client-side form of a failure response.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %q failed: %s", e.Type, e.Message)
}

// TransportClosedError completes every call that was pending when its connection went away.
type TransportClosedError struct {
	Cause error
}

func (e *TransportClosedError) Error() string {
	if e.Cause == nil {
		return "transport closed"
	}
	return "transport closed: " + e.Cause.Error()
}

func (e *TransportClosedError) Unwrap() error {
	return e.Cause
}

// IsTransportClosed reports whether err stems from a lost connection rather than a failed call.
func IsTransportClosed(err error) bool {
	var closedErr *TransportClosedError
	return errors.As(err, &closedErr)
}
