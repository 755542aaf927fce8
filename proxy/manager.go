package proxy

import (
	"context"
	"fmt"
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

// RemoteManager manages the scripts of one connection to a script server.
type RemoteManager struct {
	log     *zap.SugaredLogger
	root    *mux.Multiplexer
	control *rpc.Client

	mut      sync.Mutex
	scripts  map[string]*ScriptHandle
	disabled bool
}

type ManagerOption func(m *RemoteManager)

func WithManagerLogger(l *zap.SugaredLogger) ManagerOption {
	return func(m *RemoteManager) {
		m.log = l
	}
}

// NewRemoteManager takes over conn, which must not be bound yet.
func NewRemoteManager(conn wire.Conn, opts ...ManagerOption) (*RemoteManager, error) {
	m := &RemoteManager{
		log:     defaultLogger,
		scripts: map[string]*ScriptHandle{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("remote_manager")
	m.root = mux.New(conn, mux.WithLogger(m.log))
	ch, err := m.root.Register(mux.ControlChannel)
	if err != nil {
		return nil, fmt.Errorf("registering control channel: %w", err)
	}
	m.control = rpc.NewClient(ch, rpc.WithClientLogger(m.log))
	return m, nil
}

// List returns the names of the scripts this connection created on the server.
func (m *RemoteManager) List(ctx context.Context) ([]string, error) {
	var names []string
	if _, err := m.control.Call(ctx, service.CmdListScripts, nil, &names); err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Create creates a script on the server. Create options are decided by the server and ignored here.
func (m *RemoteManager) Create(ctx context.Context, name string, opts ...script.CreateOption) (script.Script, error) {
	m.mut.Lock()
	if m.disabled {
		m.mut.Unlock()
		return nil, script.ErrManagerDisabled
	}
	if existing, ok := m.scripts[name]; ok {
		if existing.Alive() {
			m.mut.Unlock()
			return nil, fmt.Errorf("%w: %q", script.ErrScriptExists, name)
		}
		delete(m.scripts, name)
		m.root.Unregister(name)
	}
	m.mut.Unlock()

	ch, err := m.root.Register(name)
	if err != nil {
		return nil, fmt.Errorf("registering script channel: %w", err)
	}
	var h *ScriptHandle
	h, err = NewScriptHandle(mux.New(ch, mux.WithLogger(m.log)),
		WithHandleLogger(m.log),
		WithDisposer(func(ctx context.Context) error { return m.destroy(ctx, name, h) }),
	)
	if err != nil {
		m.root.Unregister(name)
		return nil, err
	}

	var resp service.ScriptRequest
	if _, err := m.control.Call(ctx, service.CmdCreateScript, service.ScriptRequest{Name: name}, &resp); err != nil {
		m.root.Unregister(name)
		return nil, fmt.Errorf("creating script %q: %w", name, err)
	}

	m.mut.Lock()
	m.scripts[name] = h
	m.mut.Unlock()
	m.log.Debugw("created script", "Name", name)
	return h, nil
}

func (m *RemoteManager) Get(name string) (script.Script, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	h, ok := m.scripts[name]
	if !ok {
		return nil, false
	}
	return h, true
}

func (m *RemoteManager) Destroy(ctx context.Context, name string) error {
	m.mut.Lock()
	h, ok := m.scripts[name]
	m.mut.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", script.ErrNoSuchScript, name)
	}
	return h.Dispose(ctx)
}

func (m *RemoteManager) destroy(ctx context.Context, name string, h *ScriptHandle) error {
	m.mut.Lock()
	if m.scripts[name] == h {
		delete(m.scripts, name)
	}
	m.mut.Unlock()

	var err error
	if m.control.Err() == nil {
		_, err = m.control.Call(ctx, service.CmdDestroyScript, service.ScriptRequest{Name: name}, nil)
		if err != nil {
			err = fmt.Errorf("destroying script %q: %w", name, err)
		}
	}
	m.root.Unregister(name)
	return err
}

func (m *RemoteManager) DisposeAll(ctx context.Context) error {
	m.mut.Lock()
	handles := make([]*ScriptHandle, 0, len(m.scripts))
	for _, h := range m.scripts {
		handles = append(handles, h)
	}
	m.mut.Unlock()

	var merr error
	for _, h := range handles {
		if !h.Alive() {
			continue
		}
		merr = multierr.Append(merr, h.Dispose(ctx))
	}
	return merr
}

// Disable disposes every script and closes the connection.
func (m *RemoteManager) Disable(ctx context.Context) error {
	m.mut.Lock()
	if m.disabled {
		m.mut.Unlock()
		return nil
	}
	m.disabled = true
	m.mut.Unlock()

	err := m.DisposeAll(ctx)
	return multierr.Append(err, m.Close())
}

func (m *RemoteManager) Close() error {
	return m.root.Close()
}
