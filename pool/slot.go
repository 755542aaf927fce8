package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/scriptmux/mux"
	"github.com/guseggert/scriptmux/proxy"
	"github.com/guseggert/scriptmux/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrHandshake = errors.New("worker handshake failed")

// Slot is one worker process and the connection to it.
//
// The parent keeps four pipe endpoints: it writes to toChildW and reads from fromChildR, and the child
// inherits toChildR as fd 3 and fromChildW as fd 4. The child's ends are closed in the parent once the
// process has started, so that the parent sees EOF when the worker exits.
type Slot struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	grace time.Duration

	toChildR, toChildW     *os.File
	fromChildR, fromChildW *os.File

	stdout, stderr *lineLogger

	exited  chan struct{}
	waitErr error

	mut     sync.Mutex
	state   State
	conn    *wire.StreamConn
	handle  *proxy.ScriptHandle
	signals int
}

func (s *Slot) PID() int {
	return s.cmd.Process.Pid
}

func (s *Slot) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// Handle is the script running in the worker, or nil before the handshake completed.
func (s *Slot) Handle() *proxy.ScriptHandle {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.handle
}

// Exited is closed once the process has been reaped.
func (s *Slot) Exited() <-chan struct{} {
	return s.exited
}

func (s *Slot) processAlive() bool {
	select {
	case <-s.exited:
		return false
	default:
	}
	return unix.Kill(s.cmd.Process.Pid, 0) == nil
}

// Alive reports whether the slot is running and its process still exists.
func (s *Slot) Alive() bool {
	return s.State() == StateRunning && s.processAlive()
}

// pending reports whether the slot may still become a running script.
func (s *Slot) pending() bool {
	st := s.State()
	return (st == StateCreated || st == StateInitializing) && s.processAlive()
}

// spawn starts cmd as a worker. Its stdout and stderr are logged line by line and copied to output.
func spawn(cmd *exec.Cmd, log *zap.SugaredLogger, grace time.Duration, output ...io.Writer) (*Slot, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, fmt.Errorf("creating pipe: %w", err)
	}

	s := &Slot{
		log:        log,
		cmd:        cmd,
		grace:      grace,
		toChildR:   toChildR,
		toChildW:   toChildW,
		fromChildR: fromChildR,
		fromChildW: fromChildW,
		stdout:     newLineLogger(log.Named("stdout"), "stdout", output...),
		stderr:     newLineLogger(log.Named("stderr"), "stderr", output...),
		exited:     make(chan struct{}),
	}
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr

	if err := cmd.Start(); err != nil {
		s.closePipes()
		return nil, fmt.Errorf("starting worker %s: %w", cmd.Path, err)
	}
	s.log = s.log.With("PID", cmd.Process.Pid)
	s.log.Debugw("started worker", "Args", cmd.Args)

	toChildR.Close()
	fromChildW.Close()

	go func() {
		s.waitErr = cmd.Wait()
		s.stdout.Flush()
		s.stderr.Flush()
		s.log.Debugw("worker exited", "Error", s.waitErr)
		close(s.exited)
	}()
	return s, nil
}

// Initialize performs the handshake and starts framed traffic. The slot is running afterwards.
func (s *Slot) Initialize(ctx context.Context, info ProviderInfo, opts ...proxy.HandleOption) (*proxy.ScriptHandle, error) {
	s.mut.Lock()
	if s.state != StateCreated {
		st := s.state
		s.mut.Unlock()
		return nil, fmt.Errorf("initializing slot in state %s", st)
	}
	s.state = StateInitializing
	s.mut.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.handshake(info)
	}()
	// A worker that dies mid-handshake closes its pipe ends, which fails the handshake too.
	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return nil, multierr.Append(err, s.Dispose(context.Background()))
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.state != StateInitializing {
		return nil, fmt.Errorf("slot %s during handshake", s.state)
	}
	s.conn = wire.NewPipeConn(s.fromChildR, s.toChildW, wire.WithLogger(s.log))
	opts = append([]proxy.HandleOption{
		proxy.WithHandleLogger(s.log),
		proxy.WithLiveness(s.processAlive),
	}, opts...)
	h, err := proxy.NewScriptHandle(mux.New(s.conn, mux.WithLogger(s.log)), opts...)
	if err != nil {
		return nil, err
	}
	s.handle = h
	s.state = StateRunning
	s.log.Debugw("worker ready", "Provider", info.Provider)
	return h, nil
}

func (s *Slot) handshake(info ProviderInfo) error {
	if err := writeMessage(s.toChildW, info); err != nil {
		return err
	}
	var ready Ready
	if err := readMessage(s.fromChildR, &ready); err != nil {
		return err
	}
	if !ready.OK {
		return fmt.Errorf("%w: %s", ErrHandshake, ready.Error)
	}
	return nil
}

// Dispose stops the request engine, closes the pipes, terminates the process and waits for it to be reaped.
// Only the first call has an effect.
func (s *Slot) Dispose(ctx context.Context) error {
	s.mut.Lock()
	if s.state == StateDisposed {
		s.mut.Unlock()
		return nil
	}
	s.state = StateDisposed
	conn := s.conn
	s.mut.Unlock()

	var err error
	if conn != nil {
		err = multierr.Append(err, conn.Close())
		select {
		case <-conn.Done():
		case <-ctx.Done():
		}
	}
	err = multierr.Append(err, s.closePipes())
	err = multierr.Append(err, s.terminate(ctx))
	s.log.Debugw("disposed worker", "Error", err)
	return err
}

func (s *Slot) closePipes() error {
	var err error
	for _, f := range []*os.File{s.toChildR, s.toChildW, s.fromChildR, s.fromChildW} {
		if cerr := f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (s *Slot) signal(sig unix.Signal) error {
	s.mut.Lock()
	s.signals++
	s.mut.Unlock()
	err := unix.Kill(s.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// signalCount is the number of signals sent to the process.
func (s *Slot) signalCount() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.signals
}

func (s *Slot) terminate(ctx context.Context) error {
	select {
	case <-s.exited:
		return nil
	default:
	}
	if err := s.signal(unix.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.exited:
		return nil
	case <-timer.C:
		s.log.Warnw("worker did not exit after SIGTERM, killing", "Grace", s.grace)
	case <-ctx.Done():
	}
	if err := s.signal(unix.SIGKILL); err != nil {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	<-s.exited
	return nil
}
