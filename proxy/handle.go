// Package proxy provides client-side stand-ins for scripts and clips served by a peer.
package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/scriptmux/mux"
	"github.com/guseggert/scriptmux/rpc"
	"github.com/guseggert/scriptmux/script"
	"github.com/guseggert/scriptmux/service"
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

// ScriptHandle drives a script served on the control channel of a script multiplexer.
type ScriptHandle struct {
	log    *zap.SugaredLogger
	id     string
	mux    *mux.Multiplexer
	client *rpc.Client

	liveness func() bool
	disposer func(ctx context.Context) error

	mut        sync.Mutex
	generation int
	disposed   bool
}

type HandleOption func(h *ScriptHandle)

func WithHandleLogger(l *zap.SugaredLogger) HandleOption {
	return func(h *ScriptHandle) {
		h.log = l
	}
}

// WithLiveness adds a check to Alive, such as whether a worker process is still running.
func WithLiveness(fn func() bool) HandleOption {
	return func(h *ScriptHandle) {
		h.liveness = fn
	}
}

// WithDisposer replaces the default disposal, which closes the multiplexer.
func WithDisposer(fn func(ctx context.Context) error) HandleOption {
	return func(h *ScriptHandle) {
		h.disposer = fn
	}
}

func NewScriptHandle(m *mux.Multiplexer, opts ...HandleOption) (*ScriptHandle, error) {
	h := &ScriptHandle{
		log: defaultLogger,
		id:  uuid.NewString(),
		mux: m,
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.Named("script_handle").With("Handle", h.id)

	ch, err := m.Register(mux.ControlChannel)
	if err != nil {
		return nil, fmt.Errorf("registering control channel: %w", err)
	}
	h.client = rpc.NewClient(ch, rpc.WithClientLogger(h.log))
	return h, nil
}

func (h *ScriptHandle) ID() string {
	return h.id
}

func (h *ScriptHandle) Alive() bool {
	h.mut.Lock()
	disposed := h.disposed
	h.mut.Unlock()
	if disposed || h.client.Err() != nil {
		return false
	}
	return h.liveness == nil || h.liveness()
}

// ExecuteAsync submits code for execution. The future completes when execution has finished.
func (h *ScriptHandle) ExecuteAsync(code string) *rpc.Future {
	return h.client.Submit(service.CmdExecute, service.ExecuteRequest{Script: code}, nil)
}

func (h *ScriptHandle) Execute(ctx context.Context, code string) error {
	_, err := h.ExecuteAsync(code).Wait(ctx)
	return err
}

// Results lists the script's clips. Clips connect lazily, so an unused clip costs nothing.
func (h *ScriptHandle) Results(ctx context.Context) (map[string]script.Clip, error) {
	var lengths map[string]int
	if _, err := h.client.Call(ctx, service.CmdResults, nil, &lengths); err != nil {
		return nil, fmt.Errorf("fetching results: %w", err)
	}

	h.mut.Lock()
	h.generation++
	gen := h.generation
	h.mut.Unlock()

	clips := make(map[string]script.Clip, len(lengths))
	for name, length := range lengths {
		clips[name] = &RemoteClip{
			handle:  h,
			name:    name,
			channel: fmt.Sprintf("%s/%d/%s", h.id, gen, name),
			length:  length,
		}
	}
	return clips, nil
}

// Dispose releases the script. Only the first call has an effect.
func (h *ScriptHandle) Dispose(ctx context.Context) error {
	h.mut.Lock()
	if h.disposed {
		h.mut.Unlock()
		return nil
	}
	h.disposed = true
	h.mut.Unlock()

	if h.disposer != nil {
		return h.disposer(ctx)
	}
	return h.mux.Close()
}
