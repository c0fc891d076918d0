package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// outputCapture collects stdout and stderr against one shared byte budget.
// Bytes past the budget are dropped but reported as written so the child
// never sees a broken pipe.
type outputCapture struct {
	mu        sync.Mutex
	limit     int64
	used      int64
	truncated bool
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func newOutputCapture(limit int64) *outputCapture {
	return &outputCapture{limit: limit}
}

func (c *outputCapture) Stdout() io.Writer { return &captureWriter{c: c, buf: &c.stdout} }
func (c *outputCapture) Stderr() io.Writer { return &captureWriter{c: c, buf: &c.stderr} }

func (c *outputCapture) write(buf *bytes.Buffer, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit <= 0 {
		buf.Write(p)
		return
	}

	remaining := c.limit - c.used
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return
	}

	chunk := p
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
		c.truncated = true
	}
	buf.Write(chunk)
	c.used += int64(len(chunk))
}

func (c *outputCapture) fill(res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res.Stdout = c.stdout.String()
	res.Stderr = c.stderr.String()
	res.Truncated = c.truncated
}

type captureWriter struct {
	c   *outputCapture
	buf *bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.c.write(w.buf, p)
	return len(p), nil
}
