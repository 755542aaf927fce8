// Package local provides a script manager that runs scripts directly in the host process.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/scriptmux/engine"
	"github.com/guseggert/scriptmux/script"
	"go.uber.org/multierr"
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

// Manager is a script.Manager whose scripts live in the host process.
// Scripts are not isolated from each other or from the host, so an engine that crashes takes the host with it.
// The main benefit is performance, since there are no processes to start, which makes this suitable for
// fast-feedback tests.
type Manager struct {
	log      *zap.SugaredLogger
	registry *engine.Registry
	provider string
	params   json.RawMessage

	mut      sync.Mutex
	scripts  map[string]script.Script
	disabled bool
}

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

func WithDefaultProvider(name string, params json.RawMessage) Option {
	return func(m *Manager) {
		m.provider = name
		m.params = params
	}
}

func NewManager(registry *engine.Registry, opts ...Option) *Manager {
	m := &Manager{
		log:      defaultLogger,
		registry: registry,
		provider: "blank",
		scripts:  map[string]script.Script{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("local_manager")
	return m
}

func (m *Manager) Create(ctx context.Context, name string, opts ...script.CreateOption) (script.Script, error) {
	o := script.ApplyCreateOptions(opts)
	info := engine.Info{Provider: m.provider, Params: m.params, Extensions: o.Extensions}
	if o.Provider != "" {
		info.Provider = o.Provider
		info.Params = o.Params
	}

	m.mut.Lock()
	defer m.mut.Unlock()
	if m.disabled {
		return nil, script.ErrManagerDisabled
	}
	if s, ok := m.scripts[name]; ok && s.Alive() {
		return nil, fmt.Errorf("%w: %q", script.ErrScriptExists, name)
	}
	s, err := m.registry.Build(ctx, info, m.log.With("Script", name))
	if err != nil {
		return nil, err
	}
	m.scripts[name] = s
	return s, nil
}

func (m *Manager) Get(name string) (script.Script, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s, ok := m.scripts[name]
	return s, ok
}

// Names returns the names of the scripts in sorted order.
func (m *Manager) Names() []string {
	m.mut.Lock()
	defer m.mut.Unlock()
	names := make([]string, 0, len(m.scripts))
	for name := range m.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Destroy(ctx context.Context, name string) error {
	m.mut.Lock()
	s, ok := m.scripts[name]
	delete(m.scripts, name)
	m.mut.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", script.ErrNoSuchScript, name)
	}
	return s.Dispose(ctx)
}

func (m *Manager) DisposeAll(ctx context.Context) error {
	m.mut.Lock()
	scripts := m.scripts
	m.scripts = map[string]script.Script{}
	m.mut.Unlock()

	var merr error
	for name, s := range scripts {
		if !s.Alive() {
			continue
		}
		if err := s.Dispose(ctx); err != nil {
			merr = multierr.Append(merr, fmt.Errorf("disposing %q: %w", name, err))
		}
	}
	return merr
}

func (m *Manager) Disable(ctx context.Context) error {
	m.mut.Lock()
	m.disabled = true
	m.mut.Unlock()
	return m.DisposeAll(ctx)
}
