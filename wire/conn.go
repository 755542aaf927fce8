package wire

import (
	"encoding/json"
	"errors"
)

// ErrClosed is reported to receivers when the local side closed the connection.
var ErrClosed = errors.New("connection closed")

// Receiver consumes what arrives on a Conn.
//
// Receive is called once per inbound frame, from a single goroutine per physical transport.
// Closed is called exactly once, after the last Receive, with the reason the connection ended:
// ErrClosed for a local close, io.EOF for a clean peer shutdown, a *FramingError, or the transport error.
type Receiver interface {
	Receive(text json.RawMessage, blobs [][]byte)
	Closed(err error)
}

// Conn is a message-oriented connection carrying JSON values with binary attachments.
//
// A Conn delivers to exactly one Receiver, bound once with Bind. Send is safe for concurrent use.
type Conn interface {
	Send(v any, blobs [][]byte) error
	Bind(r Receiver)
	Close() error
}
