package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const prefixSize = 4

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar()
}

// StreamConn runs the frame protocol over a byte stream.
//
// Pipe conns carry bare frames, which are self-delimiting. Socket conns additionally wrap every frame
// in a 4-byte big-endian length prefix. Each StreamConn owns one reader goroutine, started by Bind.
// Writes are serialized so that frames never interleave.
type StreamConn struct {
	log      *zap.SugaredLogger
	r        io.Reader
	w        io.Writer
	closers  []io.Closer
	prefixed bool
	limits   Limits

	writeMut sync.Mutex

	bindOnce sync.Once
	receiver Receiver

	closeOnce sync.Once
	closing   chan struct{}
	cause     error

	done chan struct{}
}

type Option func(c *StreamConn)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *StreamConn) {
		c.log = l
	}
}

func WithLimits(l Limits) Option {
	return func(c *StreamConn) {
		c.limits = l
	}
}

// NewPipeConn builds a conn reading bare frames from r and writing them to w.
// Closing the conn closes both ends.
func NewPipeConn(r io.ReadCloser, w io.WriteCloser, opts ...Option) *StreamConn {
	return newStreamConn(r, w, []io.Closer{r, w}, false, opts)
}

// NewSocketConn builds a conn over a stream socket, prefixing each frame with its length.
func NewSocketConn(rwc io.ReadWriteCloser, opts ...Option) *StreamConn {
	return newStreamConn(rwc, rwc, []io.Closer{rwc}, true, opts)
}

func newStreamConn(r io.Reader, w io.Writer, closers []io.Closer, prefixed bool, opts []Option) *StreamConn {
	c := &StreamConn{
		log:      defaultLogger,
		r:        r,
		w:        w,
		closers:  closers,
		prefixed: prefixed,
		limits:   DefaultLimits(),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("stream_conn")
	return c
}

// Bind sets the receiver and starts the reader goroutine. It panics if called twice.
func (c *StreamConn) Bind(r Receiver) {
	bound := false
	c.bindOnce.Do(func() {
		c.receiver = r
		bound = true
	})
	if !bound {
		panic("wire: receiver already bound")
	}
	go c.readLoop()
}

// Done is closed once the reader goroutine has exited and the receiver has been told.
func (c *StreamConn) Done() <-chan struct{} {
	return c.done
}

func (c *StreamConn) Send(v any, blobs [][]byte) error {
	reserve := 0
	if c.prefixed {
		reserve = prefixSize
	}
	buf, err := encodeFrame(reserve, v, blobs)
	if err != nil {
		return err
	}
	if len(buf)-reserve > c.limits.maxFrame() {
		return framingErrorf("frame size %d exceeds limit %d", len(buf)-reserve, c.limits.maxFrame())
	}
	if c.prefixed {
		binary.BigEndian.PutUint32(buf, uint32(len(buf)-reserve))
	}

	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	if c.isClosing() {
		return ErrClosed
	}
	if _, err := c.w.Write(buf); err != nil {
		// a write racing with Close fails on the closed transport
		if c.isClosing() {
			return ErrClosed
		}
		c.shutdown(err)
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *StreamConn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// Close closes the underlying transport. The receiver, if bound, is told via Closed(ErrClosed).
func (c *StreamConn) Close() error {
	return c.shutdown(ErrClosed)
}

func (c *StreamConn) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.cause = cause
		close(c.closing)
		for _, closer := range c.closers {
			err = multierr.Append(err, ignoreClosed(closer.Close()))
		}
	})
	return err
}

func (c *StreamConn) readLoop() {
	defer close(c.done)
	for {
		f, err := c.readFrame()
		if err != nil {
			c.finish(err)
			return
		}
		c.receiver.Receive(f.Text, f.Blobs)
	}
}

func (c *StreamConn) finish(readErr error) {
	var framingErr *FramingError
	if errors.As(readErr, &framingErr) {
		c.log.Warnw("closing connection after framing error", "Error", readErr)
	}
	c.shutdown(readErr)
	// If the local side closed first, the read error is just a consequence of that.
	cause := c.cause
	c.log.Debugw("connection closed", "Cause", cause)
	c.receiver.Closed(cause)
}

func (c *StreamConn) readFrame() (*Frame, error) {
	if !c.prefixed {
		return ReadFrame(c.r, c.limits)
	}
	var lengthBuf [prefixSize]byte
	if _, err := io.ReadFull(c.r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if uint64(length) > uint64(c.limits.maxFrame()) {
		return nil, framingErrorf("frame size %d exceeds limit %d", length, c.limits.maxFrame())
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, unexpectedEOF(err)
	}
	return DecodeFrame(buf)
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
