package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/guseggert/scriptmux/wire"
	"go.uber.org/zap"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar()
}

// Task is one received request. Exactly one of Run or Reject must be called.
type Task struct {
	run    func()
	reject func(error)
}

// Run dispatches the request and sends its response.
func (t Task) Run() { t.run() }

// Reject answers the request with a failure without running it.
func (t Task) Reject(err error) { t.reject(err) }

// Executor schedules tasks. It is called from a connection reader and should not block for long.
type Executor func(t Task)

// GoExecutor runs every task in its own goroutine.
func GoExecutor(t Task) {
	go t.Run()
}

type inboundRequest struct {
	ID      *string         `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Server answers requests arriving on a connection using a DispatchTable.
// Every request with an id gets exactly one response.
type Server struct {
	log    *zap.SugaredLogger
	conn   wire.Conn
	table  *DispatchTable
	exec   Executor
	redact bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	onClose   []func(error)
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

func WithExecutor(e Executor) ServerOption {
	return func(s *Server) {
		s.exec = e
	}
}

// WithRedactedErrors keeps panic values and stacks out of failure responses. They are still logged.
func WithRedactedErrors() ServerOption {
	return func(s *Server) {
		s.redact = true
	}
}

// WithCloseHook runs fn once the connection is closed.
func WithCloseHook(fn func(error)) ServerOption {
	return func(s *Server) {
		s.onClose = append(s.onClose, fn)
	}
}

// NewServer builds a server and binds it as the receiver of conn.
func NewServer(conn wire.Conn, table *DispatchTable, opts ...ServerOption) *Server {
	s := &Server{
		log:   defaultLogger,
		conn:  conn,
		table: table,
		exec:  GoExecutor,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("rpc_server")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	conn.Bind(s)
	return s
}

// Context is cancelled once the connection closes.
func (s *Server) Context() context.Context {
	return s.ctx
}

func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) Receive(text json.RawMessage, blobs [][]byte) {
	var in inboundRequest
	if err := json.Unmarshal(text, &in); err != nil {
		s.log.Debugw("dropping malformed request", "Error", err)
		return
	}
	if in.ID == nil {
		s.log.Debugw("dropping request without id", "Type", in.Type)
		return
	}
	req := &Request{ID: *in.ID, Type: in.Type, Payload: in.Payload, Blobs: blobs}
	r := &responder{server: s, id: req.ID}
	s.exec(Task{
		run:    func() { s.serve(r, req) },
		reject: r.fail,
	})
}

func (s *Server) Closed(err error) {
	s.closeOnce.Do(func() {
		s.log.Debugw("connection closed", "Cause", err)
		s.cancel()
		for _, fn := range s.onClose {
			fn(err)
		}
	})
}

func (s *Server) serve(r *responder, req *Request) {
	handler, err := s.table.lookup(req)
	if err != nil {
		r.fail(err)
		return
	}
	resp, err := s.invoke(handler, req)
	if err != nil {
		r.fail(err)
		return
	}
	r.respond(resp)
}

func (s *Server) invoke(handler HandlerFunc, req *Request) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = &HandlerError{Type: req.Type, Cause: fmt.Errorf("panic: %v", p), Stack: debug.Stack()}
		}
	}()
	resp, err = handler(s.ctx, req)
	if err == nil {
		return resp, nil
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return nil, err
	}
	return nil, &HandlerError{Type: req.Type, Cause: err}
}

// responder sends the single response of one request.
type responder struct {
	server *Server
	id     string
	once   sync.Once
}

func (r *responder) respond(resp *Response) {
	if resp == nil {
		resp = &Response{}
	}
	r.send(response{ID: r.id, Type: typeResponse, Payload: resp.Payload}, resp.Blobs)
}

func (r *responder) fail(err error) {
	msg := err.Error()
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		msg = handlerErr.diagnostic(r.server.redact)
		if len(handlerErr.Stack) > 0 {
			r.server.log.Errorw("request handler panicked", "ID", r.id, "Error", err, "Stack", string(handlerErr.Stack))
		} else {
			r.server.log.Debugw("request failed", "ID", r.id, "Error", err)
		}
	} else {
		r.server.log.Debugw("rejecting request", "ID", r.id, "Error", err)
	}
	r.send(response{ID: r.id, Type: typeFailure, Payload: failurePayload{Message: msg}}, nil)
}

// send delivers resp. A reply that cannot be encoded or exceeds the frame limit is replaced by a failure,
// so only a closed transport leaves a request unanswered.
func (r *responder) send(resp response, blobs [][]byte) {
	r.once.Do(func() {
		err := r.server.conn.Send(resp, blobs)
		if err == nil {
			return
		}
		if errors.Is(err, wire.ErrClosed) || resp.Type == typeFailure {
			r.server.log.Debugw("unable to send response", "ID", r.id, "Error", err)
			return
		}
		r.server.log.Warnw("unable to send response, sending failure instead", "ID", r.id, "Error", err)
		failure := response{ID: r.id, Type: typeFailure, Payload: failurePayload{Message: fmt.Sprintf("encoding response: %s", err)}}
		if err := r.server.conn.Send(failure, nil); err != nil {
			r.server.log.Debugw("unable to send failure", "ID", r.id, "Error", err)
		}
	})
}
