package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/scriptmux/wire"
	"go.uber.org/zap"
)

const (
	typeResponse = "response"
	typeFailure  = "failure"
)

type request struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type response struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type inboundResponse struct {
	ID      *string         `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type failurePayload struct {
	Message string `json:"message"`
}

type pendingCall struct {
	typ    string
	future *Future
}

// Client issues requests on a connection and correlates the responses.
type Client struct {
	log  *zap.SugaredLogger
	conn wire.Conn

	prefix  string
	idMut   sync.Mutex
	counter uint64

	mut     sync.Mutex
	pending map[string]pendingCall
	closed  bool
	cause   error
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// WithIDPrefix overrides the random prefix of request ids.
func WithIDPrefix(prefix string) ClientOption {
	return func(c *Client) {
		c.prefix = prefix
	}
}

// NewClient builds a client and binds it as the receiver of conn.
func NewClient(conn wire.Conn, opts ...ClientOption) *Client {
	c := &Client{
		log:     defaultLogger,
		conn:    conn,
		prefix:  uuid.NewString(),
		pending: map[string]pendingCall{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("rpc_client")
	conn.Bind(c)
	return c
}

func (c *Client) nextID() string {
	c.idMut.Lock()
	n := c.counter
	c.counter++
	c.idMut.Unlock()
	return fmt.Sprintf("%s--%d", c.prefix, n)
}

// Submit sends a request and returns its future without waiting for the response.
// A nil payload is sent as an empty object.
func (c *Client) Submit(typ string, payload any, blobs [][]byte) *Future {
	if payload == nil {
		payload = struct{}{}
	}
	f := NewFuture()
	id := c.nextID()
	f.setCancelHook(func() { c.forget(id) })

	c.mut.Lock()
	if c.closed {
		cause := c.cause
		c.mut.Unlock()
		f.Fail(&TransportClosedError{Cause: cause})
		return f
	}
	c.pending[id] = pendingCall{typ: typ, future: f}
	c.mut.Unlock()

	c.log.Debugw("sending request", "ID", id, "Type", typ)
	if err := c.conn.Send(request{ID: id, Type: typ, Payload: payload}, blobs); err != nil {
		c.forget(id)
		if errors.Is(err, wire.ErrClosed) {
			f.Fail(&TransportClosedError{Cause: err})
		} else {
			f.Fail(fmt.Errorf("sending %q request: %w", typ, err))
		}
	}
	return f
}

// Call submits a request, waits for its reply and decodes the payload into out.
// Returns the reply attachments.
func (c *Client) Call(ctx context.Context, typ string, payload any, out any) ([][]byte, error) {
	reply, err := c.Submit(typ, payload, nil).Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := reply.Decode(out); err != nil {
		return nil, err
	}
	return reply.Blobs, nil
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// Err returns why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if !c.closed {
		return nil
	}
	return &TransportClosedError{Cause: c.cause}
}

// Close closes the underlying connection, which fails every pending call.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) forget(id string) {
	c.mut.Lock()
	delete(c.pending, id)
	c.mut.Unlock()
}

func (c *Client) Receive(text json.RawMessage, blobs [][]byte) {
	var resp inboundResponse
	if err := json.Unmarshal(text, &resp); err != nil || resp.ID == nil {
		c.log.Debugw("dropping malformed response", "Error", err)
		return
	}

	c.mut.Lock()
	call, ok := c.pending[*resp.ID]
	delete(c.pending, *resp.ID)
	c.mut.Unlock()
	if !ok {
		c.log.Debugw("dropping stale response", "ID", *resp.ID, "Type", resp.Type)
		return
	}
	if call.future.Cancelled() {
		return
	}

	switch resp.Type {
	case typeResponse:
		call.future.Resolve(&Reply{Payload: resp.Payload, Blobs: blobs})
	case typeFailure:
		var fp failurePayload
		if err := json.Unmarshal(resp.Payload, &fp); err != nil {
			fp.Message = string(resp.Payload)
		}
		call.future.Fail(&RemoteError{Type: call.typ, Message: fp.Message})
	default:
		call.future.Fail(&ProtocolError{Message: fmt.Sprintf("unexpected response type %q", resp.Type)})
	}
}

func (c *Client) Closed(err error) {
	c.mut.Lock()
	c.closed = true
	c.cause = err
	pending := c.pending
	c.pending = map[string]pendingCall{}
	c.mut.Unlock()

	if len(pending) > 0 {
		c.log.Debugw("failing pending calls", "Count", len(pending), "Cause", err)
	}
	for _, call := range pending {
		call.future.Fail(&TransportClosedError{Cause: err})
	}
}
