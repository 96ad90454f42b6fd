package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends CBOR-encoded events to a trace file. When MaxSize is
// set the file is rotated to "<path>.1" once it grows past the limit, so a
// hub with little flash keeps at most two trace files.
type FileLogger struct {
	mu      sync.Mutex
	path    string
	maxSize int64

	file    *os.File
	encoder *cbor.Encoder
	size    int64
	closed  bool
}

// NewFileLogger opens path for appending. maxSize <= 0 disables rotation.
func NewFileLogger(path string, maxSize int64) (*FileLogger, error) {
	l := &FileLogger{path: path, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.size = info.Size()
	l.encoder = NewEncoder(&countingWriter{w: f, n: &l.size})
	return nil
}

// Log appends an event. Encoding and rotation errors are dropped; tracing
// never disturbs the link.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if l.maxSize > 0 && l.size >= l.maxSize {
		if err := l.rotate(); err != nil {
			return
		}
	}
	_ = l.encoder.Encode(event)
}

func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("rotate trace: %w", err)
	}
	return l.open()
}

// Close closes the trace file. Later Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

// Compile-time interface satisfaction check.
var _ Logger = (*FileLogger)(nil)
