// Package server exposes a script pool to remote peers over TCP and WebSocket.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/scriptmux/script"
	"github.com/guseggert/scriptmux/wire"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	DefaultListenAddr = "127.0.0.1:21987"
	DefaultHTTPAddr   = "127.0.0.1:21988"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar()
}

// Pool is the script manager a server exposes.
type Pool interface {
	script.Manager
	Names() []string
}

// Server accepts peer connections on a TCP listener and on the WebSocket endpoint of an HTTP listener.
// Every connection gets a controller serving the connection's control channel.
type Server struct {
	log        *zap.SugaredLogger
	pool       Pool
	listenAddr string
	httpAddr   string
	tlsConfig  *tls.Config
	limits     wire.Limits

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	mut         sync.Mutex
	controllers map[*controller]struct{}
	started     time.Time
	closed      bool
	closedCh    chan struct{}
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithHTTPAddr sets the address of the HTTP listener. An empty address disables it.
func WithHTTPAddr(addr string) Option {
	return func(s *Server) {
		s.httpAddr = addr
	}
}

// WithListener serves TCP peers on l instead of listening on the listen address.
func WithListener(l net.Listener) Option {
	return func(s *Server) {
		s.listener = l
	}
}

// WithHTTPListener serves HTTP on l instead of listening on the HTTP address.
func WithHTTPListener(l net.Listener) Option {
	return func(s *Server) {
		s.httpListener = l
	}
}

// WithTLS serves both listeners with TLS, typically a config from ServerTLSConfig requiring client certs.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

func WithLimits(l wire.Limits) Option {
	return func(s *Server) {
		s.limits = l
	}
}

func New(pool Pool, opts ...Option) *Server {
	s := &Server{
		log:         defaultLogger,
		pool:        pool,
		listenAddr:  DefaultListenAddr,
		httpAddr:    DefaultHTTPAddr,
		limits:      wire.DefaultLimits(),
		controllers: map[*controller]struct{}{},
		closedCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("server")
	return s
}

// Listen opens the listeners that were not given as options.
func (s *Server) Listen() error {
	if s.listener == nil {
		l, err := net.Listen("tcp", s.listenAddr)
		if err != nil {
			return fmt.Errorf("listening TCP: %w", err)
		}
		s.listener = l
	}
	if s.httpListener == nil && s.httpAddr != "" {
		l, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			s.listener.Close()
			return fmt.Errorf("listening HTTP: %w", err)
		}
		s.httpListener = l
	}
	if s.tlsConfig != nil {
		s.listener = tls.NewListener(s.listener, s.tlsConfig)
		if s.httpListener != nil {
			s.httpListener = tls.NewListener(s.httpListener, s.tlsConfig)
		}
	}
	return nil
}

// Addr is the address of the TCP listener.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// HTTPAddr is the address of the HTTP listener, or nil if it is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/scripts", s.scripts)
	router.GET("/ws", s.websocket)
	return router
}

// Serve serves the listeners until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mut.Lock()
	s.started = time.Now()
	if s.httpListener != nil {
		s.httpServer = &http.Server{Handler: s.router()}
	}
	httpServer := s.httpServer
	s.mut.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return s.Close()
		case <-s.closedCh:
			return nil
		}
	})
	g.Go(func() error {
		s.log.Infow("listening", "Addr", s.listener.Addr())
		return s.acceptLoop()
	})
	if httpServer != nil {
		g.Go(func() error {
			s.log.Infow("listening HTTP", "Addr", s.httpListener.Addr())
			err := httpServer.Serve(s.httpListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Run listens and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mut.Lock()
			closed := s.closed
			s.mut.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting: %w", err)
		}
		s.log.Debugw("accepted conn", "Remote", conn.RemoteAddr())
		if _, err := s.serveConn(conn, conn.RemoteAddr().String()); err != nil {
			s.log.Warnw("error serving conn", "Remote", conn.RemoteAddr(), "Error", err)
			conn.Close()
		}
	}
}

func (s *Server) serveConn(conn net.Conn, remote string) (*controller, error) {
	name := clientName(remote)
	sc := wire.NewSocketConn(conn, wire.WithLogger(s.log.With("Client", name)), wire.WithLimits(s.limits))

	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil, errors.New("server closed")
	}
	c, err := newController(s.log, name, s.pool, sc)
	if err != nil {
		s.mut.Unlock()
		return nil, err
	}
	s.controllers[c] = struct{}{}
	s.mut.Unlock()

	go func() {
		<-c.Done()
		s.mut.Lock()
		delete(s.controllers, c)
		s.mut.Unlock()
	}()
	return c, nil
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("WebSocket accept error: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(int64(wire.MaxFrameHardLimit) + 4)
	netConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)

	c, err := s.serveConn(netConn, r.RemoteAddr)
	if err != nil {
		s.log.Debugf("error serving WebSocket conn: %s", err)
		wsConn.Close(websocket.StatusInternalError, "unable to serve")
		return
	}
	// the NetConn lives as long as the request
	<-c.Done()
}

type heartbeatResponse struct {
	Started     string
	Connections int
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mut.Lock()
	resp := heartbeatResponse{
		Started:     s.started.UTC().Format(time.RFC3339),
		Connections: len(s.controllers),
	}
	s.mut.Unlock()
	writeJSON(s.log, w, resp)
}

func (s *Server) scripts(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	names := s.pool.Names()
	if names == nil {
		names = []string{}
	}
	writeJSON(s.log, w, names)
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Close stops accepting and disconnects every peer. Scripts of disconnected peers are destroyed.
func (s *Server) Close() error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedCh)
	controllers := make([]*controller, 0, len(s.controllers))
	for c := range s.controllers {
		controllers = append(controllers, c)
	}
	httpServer := s.httpServer
	s.mut.Unlock()

	var err error
	if s.listener != nil {
		err = multierr.Append(err, ignoreClosed(s.listener.Close()))
	}
	if httpServer != nil {
		err = multierr.Append(err, httpServer.Close())
	} else if s.httpListener != nil {
		err = multierr.Append(err, ignoreClosed(s.httpListener.Close()))
	}
	for _, c := range controllers {
		c.Close()
		<-c.Done()
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
