package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/scriptmux/engine"
	"github.com/guseggert/scriptmux/mux"
	"github.com/guseggert/scriptmux/rpc"
	"github.com/guseggert/scriptmux/service"
	"github.com/guseggert/scriptmux/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Worker file descriptors as inherited from the parent.
const (
	WorkerReadFD  = 3
	WorkerWriteFD = 4
)

type workerConfig struct {
	log       *zap.SugaredLogger
	queueSize int
	in        io.ReadCloser
	out       io.WriteCloser
}

type WorkerOption func(c *workerConfig)

func WithWorkerLogger(l *zap.SugaredLogger) WorkerOption {
	return func(c *workerConfig) {
		c.log = l
	}
}

func WithQueueSize(n int) WorkerOption {
	return func(c *workerConfig) {
		c.queueSize = n
	}
}

// WithWorkerPipes replaces the inherited file descriptors.
func WithWorkerPipes(in io.ReadCloser, out io.WriteCloser) WorkerOption {
	return func(c *workerConfig) {
		c.in = in
		c.out = out
	}
}

// RunWorker is the main loop of a worker process. It builds the engine named by the parent's handshake,
// then serves it until the parent hangs up, ctx is done, or SIGINT or SIGTERM arrives.
func RunWorker(ctx context.Context, registry *engine.Registry, opts ...WorkerOption) error {
	cfg := &workerConfig{
		log:       defaultLogger,
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(cfg)
	}
	log := cfg.log.Named("worker").With("PID", os.Getpid())
	if cfg.in == nil {
		cfg.in = os.NewFile(WorkerReadFD, "scriptmux-in")
	}
	if cfg.out == nil {
		cfg.out = os.NewFile(WorkerWriteFD, "scriptmux-out")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var info ProviderInfo
	if err := readMessage(cfg.in, &info); err != nil {
		return fmt.Errorf("reading provider info: %w", err)
	}
	log.Debugw("building engine", "Provider", info.Provider, "Extensions", info.Extensions)

	s, err := registry.Build(ctx, info.engineInfo(), log)
	if err != nil {
		werr := writeMessage(cfg.out, Ready{Error: err.Error()})
		return multierr.Append(fmt.Errorf("building engine: %w", err), werr)
	}
	if err := writeMessage(cfg.out, Ready{OK: true}); err != nil {
		return multierr.Append(err, s.Dispose(ctx))
	}

	queue := newTaskQueue(cfg.queueSize)
	go queue.run()

	conn := wire.NewPipeConn(cfg.in, cfg.out, wire.WithLogger(log))
	svc := service.NewScriptService(s, mux.New(conn, mux.WithLogger(log)),
		service.WithLogger(log),
		service.WithServerOptions(rpc.WithExecutor(queue.executor())),
	)
	if _, err := svc.Serve(); err != nil {
		queue.stop()
		conn.Close()
		return multierr.Append(err, s.Dispose(context.Background()))
	}
	log.Info("worker serving")

	select {
	case <-ctx.Done():
		log.Infow("stopping worker", "Cause", ctx.Err())
	case <-conn.Done():
		log.Info("parent hung up, stopping worker")
	}

	queue.stop()
	svc.Close()
	err = conn.Close()
	return multierr.Append(err, s.Dispose(context.Background()))
}
