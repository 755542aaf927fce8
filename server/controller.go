package server

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/guseggert/scriptmux/mux"
	"github.com/guseggert/scriptmux/rpc"
	"github.com/guseggert/scriptmux/script"
	"github.com/guseggert/scriptmux/service"
	"github.com/guseggert/scriptmux/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// clientName identifies a remote peer. Pool script names are prefixed with it.
func clientName(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "script::" + addr
	}
	return fmt.Sprintf("script::%s::%s", host, port)
}

// served is a pool script exposed to a peer on a channel of the peer's connection.
type served struct {
	poolName string
	svc      *service.ScriptService
}

// controller serves the control channel of one peer connection. It creates scripts in the pool on the
// peer's behalf and serves each one on a channel named after it.
type controller struct {
	log    *zap.SugaredLogger
	name   string
	pool   script.Manager
	conn   wire.Conn
	root   *mux.Multiplexer
	server *rpc.Server
	done   chan struct{}

	mut     sync.Mutex
	scripts map[string]*served
	closed  bool
}

func newController(log *zap.SugaredLogger, name string, pool script.Manager, conn wire.Conn) (*controller, error) {
	c := &controller{
		log:     log.Named("controller").With("Client", name),
		name:    name,
		pool:    pool,
		conn:    conn,
		done:    make(chan struct{}),
		scripts: map[string]*served{},
	}
	c.root = mux.New(conn, mux.WithLogger(c.log))
	ch, err := c.root.Register(mux.ControlChannel)
	if err != nil {
		return nil, fmt.Errorf("registering control channel: %w", err)
	}
	c.server = rpc.NewServer(ch, c.table(),
		rpc.WithServerLogger(c.log),
		rpc.WithRedactedErrors(),
		rpc.WithCloseHook(c.disconnected),
	)
	c.log.Info("client connected")
	return c, nil
}

func (c *controller) table() *rpc.DispatchTable {
	return rpc.NewDispatchTable().
		Handle(service.CmdListScripts, c.listScripts).
		Handle(service.CmdCreateScript, c.createScript, rpc.WithSchema(service.ScriptRequestSchema)).
		Handle(service.CmdDestroyScript, c.destroyScript, rpc.WithSchema(service.ScriptRequestSchema))
}

// Done is closed once the connection is gone and the peer's scripts are destroyed.
func (c *controller) Done() <-chan struct{} {
	return c.done
}

func (c *controller) Close() error {
	return c.root.Close()
}

func (c *controller) poolName(name string) string {
	return c.name + "::" + name
}

func (c *controller) listScripts(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	names := make([]string, 0, len(c.scripts))
	for name := range c.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return rpc.Respond(names), nil
}

func (c *controller) createScript(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p service.ScriptRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}

	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return nil, mux.ErrMultiplexerClosed
	}
	if _, ok := c.scripts[p.Name]; ok {
		c.mut.Unlock()
		return nil, fmt.Errorf("%w: %q", script.ErrScriptExists, p.Name)
	}
	// reserve the name while the worker starts
	c.scripts[p.Name] = nil
	c.mut.Unlock()

	srv, err := c.serve(ctx, p.Name)
	c.mut.Lock()
	if err != nil {
		delete(c.scripts, p.Name)
		c.mut.Unlock()
		return nil, err
	}
	if c.closed {
		c.mut.Unlock()
		return nil, multierr.Append(mux.ErrMultiplexerClosed, c.release(context.Background(), p.Name, srv))
	}
	c.scripts[p.Name] = srv
	c.mut.Unlock()
	return rpc.Respond(p), nil
}

func (c *controller) serve(ctx context.Context, name string) (*served, error) {
	poolName := c.poolName(name)
	s, err := c.pool.Create(ctx, poolName, script.WithInitialize())
	if err != nil {
		return nil, err
	}
	ch, err := c.root.Register(name)
	if err != nil {
		return nil, multierr.Append(err, c.pool.Destroy(context.Background(), poolName))
	}
	svc := service.NewScriptService(s, mux.New(ch, mux.WithLogger(c.log)),
		service.WithLogger(c.log.With("Script", name)),
		service.WithServerOptions(rpc.WithRedactedErrors()),
	)
	if _, err := svc.Serve(); err != nil {
		c.root.Unregister(name)
		return nil, multierr.Append(err, c.pool.Destroy(context.Background(), poolName))
	}
	c.log.Infow("serving script", "Script", name, "PoolName", poolName)
	return &served{poolName: poolName, svc: svc}, nil
}

func (c *controller) destroyScript(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	var p service.ScriptRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c.mut.Lock()
	srv, ok := c.scripts[p.Name]
	if ok && srv != nil {
		delete(c.scripts, p.Name)
	}
	c.mut.Unlock()
	if !ok || srv == nil {
		return nil, fmt.Errorf("%w: %q", script.ErrNoSuchScript, p.Name)
	}
	if err := c.release(ctx, p.Name, srv); err != nil {
		return nil, err
	}
	return rpc.Respond(service.Empty{}), nil
}

func (c *controller) release(ctx context.Context, name string, srv *served) error {
	srv.svc.Close()
	c.root.Unregister(name)
	if err := c.pool.Destroy(ctx, srv.poolName); err != nil {
		return fmt.Errorf("destroying %q: %w", name, err)
	}
	c.log.Infow("destroyed script", "Script", name)
	return nil
}

// disconnected destroys every script the peer left behind.
func (c *controller) disconnected(cause error) {
	c.mut.Lock()
	c.closed = true
	scripts := c.scripts
	c.scripts = map[string]*served{}
	c.mut.Unlock()

	go func() {
		defer close(c.done)
		for name, srv := range scripts {
			if srv == nil {
				continue
			}
			if err := c.release(context.Background(), name, srv); err != nil {
				c.log.Warnw("error cleaning up after client", "Script", name, "Error", err)
			}
		}
		c.log.Infow("client disconnected", "Cause", cause)
	}()
}
