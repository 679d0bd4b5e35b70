package sandbox

import (
	"bytes"
	"sync"
)

// captureWriter keeps at most max bytes and discards the rest, recording
// that truncation happened.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	total     int64
	truncated bool
}

func newCaptureWriter(max int64) *captureWriter {
	return &captureWriter{max: max}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total += int64(len(p))

	if int64(w.buf.Len()) >= w.max {
		w.truncated = true
		return len(p), nil
	}
	remain := w.max - int64(w.buf.Len())
	if int64(len(p)) <= remain {
		_, _ = w.buf.Write(p)
		return len(p), nil
	}
	_, _ = w.buf.Write(p[:remain])
	w.truncated = true
	return len(p), nil
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *captureWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

func (w *captureWriter) Total() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
