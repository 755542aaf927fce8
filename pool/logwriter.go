package pool

import (
	"bytes"
	"io"
	"sync"

	"go.uber.org/zap"
)

// maxLine is the longest partial line held back before it is logged anyway.
const maxLine = 64 << 10

// lineLogger forwards a worker's output stream to a logger, one entry per line.
// Extra writers receive the raw bytes as well.
type lineLogger struct {
	m       sync.Mutex
	log     *zap.SugaredLogger
	stream  string
	buf     []byte
	writers []io.Writer
}

func newLineLogger(log *zap.SugaredLogger, stream string, writers ...io.Writer) *lineLogger {
	return &lineLogger{log: log, stream: stream, writers: writers}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.m.Lock()
	defer l.m.Unlock()

	for _, w := range l.writers {
		// a broken extra writer must not stall the worker
		if _, err := w.Write(p); err != nil {
			l.log.Debugw("error copying worker output", "Stream", l.stream, "Error", err)
		}
	}

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLine {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	l.m.Lock()
	defer l.m.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.log.Infow(string(line), "Stream", l.stream)
}
