// Package pool runs scripts in worker subprocesses, one script per process.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/scriptmux/proxy"
	"github.com/guseggert/scriptmux/script"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar()
}

// DefaultProvider is the engine a script runs when Create names none.
const DefaultProvider = "blank"

// pendingSlot is a worker being spawned ahead of the Create that will use it.
type pendingSlot struct {
	done chan struct{}
	slot *Slot
	err  error
}

func (p *pendingSlot) wait(ctx context.Context) (*Slot, error) {
	select {
	case <-p.done:
		return p.slot, p.err
	case <-ctx.Done():
		go p.discard()
		return nil, ctx.Err()
	}
}

// discard disposes the slot once it has been spawned.
func (p *pendingSlot) discard() {
	<-p.done
	if p.slot != nil {
		p.slot.Dispose(context.Background())
	}
}

type entry struct {
	slot   *Slot
	handle *proxy.ScriptHandle
}

// Manager implements script.Manager on top of worker processes. It keeps one worker spawned ahead of time,
// so that Create only pays for the handshake.
type Manager struct {
	log           *zap.SugaredLogger
	workerCommand func() (*exec.Cmd, error)
	grace         time.Duration
	provider      string
	params        json.RawMessage
	output        []io.Writer

	mut      sync.Mutex
	scripts  map[string]*entry
	next     *pendingSlot
	disabled bool
}

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithWorkerCommand sets how worker processes are started. The default runs the current executable
// with the "worker" subcommand.
func WithWorkerCommand(fn func() (*exec.Cmd, error)) Option {
	return func(m *Manager) {
		m.workerCommand = fn
	}
}

// WithGracePeriod sets how long a worker gets to exit after SIGTERM before it is killed.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		m.grace = d
	}
}

func WithDefaultProvider(name string, params json.RawMessage) Option {
	return func(m *Manager) {
		m.provider = name
		m.params = params
	}
}

// WithWorkerOutput copies the stdout and stderr of every worker to w.
func WithWorkerOutput(w io.Writer) Option {
	return func(m *Manager) {
		m.output = append(m.output, w)
	}
}

func defaultWorkerCommand() (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("finding executable: %w", err)
	}
	return exec.Command(exe, "worker"), nil
}

// NewManager starts spawning the first worker right away.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:           defaultLogger,
		workerCommand: defaultWorkerCommand,
		grace:         5 * time.Second,
		provider:      DefaultProvider,
		scripts:       map[string]*entry{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("pool")
	m.next = m.spawnNext()
	return m
}

func (m *Manager) spawnNext() *pendingSlot {
	p := &pendingSlot{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		cmd, err := m.workerCommand()
		if err != nil {
			p.err = err
			return
		}
		p.slot, p.err = spawn(cmd, m.log.Named("slot"), m.grace, m.output...)
	}()
	return p
}

func (e *entry) alive() bool {
	if e.handle == nil {
		return e.slot.pending()
	}
	return e.slot.Alive()
}

// Create checks out the pre-spawned worker, starts spawning its replacement, and initializes the checked
// out worker with the requested engine.
func (m *Manager) Create(ctx context.Context, name string, opts ...script.CreateOption) (script.Script, error) {
	o := script.ApplyCreateOptions(opts)
	info := ProviderInfo{Provider: m.provider, Params: m.params, Extensions: o.Extensions}
	if o.Provider != "" {
		info.Provider = o.Provider
		info.Params = o.Params
	}

	m.mut.Lock()
	if m.disabled {
		m.mut.Unlock()
		return nil, script.ErrManagerDisabled
	}
	if e, ok := m.scripts[name]; ok {
		if e.alive() {
			m.mut.Unlock()
			return nil, fmt.Errorf("%w: %q", script.ErrScriptExists, name)
		}
		delete(m.scripts, name)
		go e.slot.Dispose(context.Background())
	}
	next := m.next
	m.next = m.spawnNext()
	m.mut.Unlock()

	slot, err := next.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawning worker for %q: %w", name, err)
	}

	e := &entry{slot: slot}
	m.mut.Lock()
	if m.disabled {
		m.mut.Unlock()
		return nil, multierr.Append(script.ErrManagerDisabled, slot.Dispose(ctx))
	}
	if existing, ok := m.scripts[name]; ok && existing.alive() {
		m.mut.Unlock()
		return nil, multierr.Append(fmt.Errorf("%w: %q", script.ErrScriptExists, name), slot.Dispose(ctx))
	}
	m.scripts[name] = e
	m.mut.Unlock()

	log := m.log.With("Script", name)
	h, err := slot.Initialize(ctx, info,
		proxy.WithHandleLogger(log),
		proxy.WithDisposer(func(ctx context.Context) error { return m.release(ctx, name, e) }),
	)
	if err != nil {
		m.forget(name, e)
		return nil, fmt.Errorf("initializing worker for %q: %w", name, err)
	}

	m.mut.Lock()
	if m.disabled {
		m.mut.Unlock()
		return nil, multierr.Append(script.ErrManagerDisabled, h.Dispose(ctx))
	}
	e.handle = h
	m.mut.Unlock()
	log.Infow("created script", "PID", slot.PID(), "Provider", info.Provider)
	return h, nil
}

func (m *Manager) forget(name string, e *entry) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.scripts[name] == e {
		delete(m.scripts, name)
	}
}

func (m *Manager) release(ctx context.Context, name string, e *entry) error {
	m.forget(name, e)
	return e.slot.Dispose(ctx)
}

func (m *Manager) lookup(name string) (*entry, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	e, ok := m.scripts[name]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e, true
}

func (m *Manager) Get(name string) (script.Script, bool) {
	e, ok := m.lookup(name)
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Slot returns the worker running the named script.
func (m *Manager) Slot(name string) (*Slot, bool) {
	e, ok := m.lookup(name)
	if !ok {
		return nil, false
	}
	return e.slot, true
}

// Names returns the names of the initialized scripts in sorted order.
func (m *Manager) Names() []string {
	m.mut.Lock()
	defer m.mut.Unlock()
	var names []string
	for name, e := range m.scripts {
		if e.handle != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Destroy(ctx context.Context, name string) error {
	e, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", script.ErrNoSuchScript, name)
	}
	return e.handle.Dispose(ctx)
}

// DisposeAll disposes the live scripts in parallel. Dead workers are only reaped.
func (m *Manager) DisposeAll(ctx context.Context) error {
	m.mut.Lock()
	entries := map[string]*entry{}
	for name, e := range m.scripts {
		if e.handle != nil {
			entries[name] = e
		}
	}
	m.mut.Unlock()

	var g errgroup.Group
	for name, e := range entries {
		name, e := name, e
		if !e.alive() {
			m.log.Debugw("reaping dead worker", "Script", name)
			g.Go(func() error { return m.release(ctx, name, e) })
			continue
		}
		g.Go(func() error {
			if err := e.handle.Dispose(ctx); err != nil {
				return fmt.Errorf("disposing %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Disable disposes every script and the pre-spawned worker. Later creates fail with ErrManagerDisabled.
func (m *Manager) Disable(ctx context.Context) error {
	m.mut.Lock()
	if m.disabled {
		m.mut.Unlock()
		return nil
	}
	m.disabled = true
	next := m.next
	m.next = nil
	m.mut.Unlock()

	err := m.DisposeAll(ctx)
	slot, serr := next.wait(ctx)
	if serr != nil {
		m.log.Debugw("pre-spawned worker not available", "Error", serr)
		return err
	}
	return multierr.Append(err, slot.Dispose(ctx))
}
