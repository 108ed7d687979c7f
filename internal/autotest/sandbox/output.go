package sandbox

import (
	"bytes"
	"context"
	"os"
	"sync"
)

// TruncatedMarker is appended once when captured output exceeds its byte budget.
const TruncatedMarker = " <OUTPUT TRUNCATED>\n"

const readChunkSize = 4096

// outputLimiter shares one byte budget between the stdout and stderr readers.
type outputLimiter struct {
	mu        sync.Mutex
	limit     int
	used      int
	truncated bool
}

func newOutputLimiter(limit int) *outputLimiter {
	return &outputLimiter{limit: limit}
}

// wrap returns a sink that forwards to dst until the shared budget is spent.
func (l *outputLimiter) wrap(dst func([]byte)) func([]byte) {
	return func(chunk []byte) {
		l.mu.Lock()
		defer l.mu.Unlock()

		if l.limit <= 0 {
			dst(chunk)
			return
		}
		if l.truncated {
			return
		}
		remaining := l.limit - l.used
		if len(chunk) <= remaining {
			l.used += len(chunk)
			dst(chunk)
			return
		}
		if remaining > 0 {
			dst(chunk[:remaining])
		}
		l.used = l.limit
		l.truncated = true
		dst([]byte(TruncatedMarker))
	}
}

// Truncated reports whether any output was dropped.
func (l *outputLimiter) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

// syncBuffer collects sink output for callers that want the whole stream.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) write(chunk []byte) {
	b.mu.Lock()
	b.buf.Write(chunk)
	b.mu.Unlock()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// pipeReader drains one FIFO into a sink until EOF, close or stop.
type pipeReader struct {
	file *os.File
	sink func([]byte)
	done chan struct{}
}

func startPipeReader(ctx context.Context, file *os.File, sink func([]byte)) *pipeReader {
	r := &pipeReader{file: file, sink: sink, done: make(chan struct{})}
	go r.loop(ctx)
	return r
}

func (r *pipeReader) loop(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.file.Read(buf)
		// Output after a stop is drained but dropped. Sinks may keep the slice.
		if n > 0 && ctx.Err() == nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.sink(chunk)
		}
		// EOF once every write end is closed; ErrClosed when the executor gives up draining.
		if err != nil {
			return
		}
	}
}
