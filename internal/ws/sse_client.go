package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	done    chan struct{}
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, log: logger, done: make(chan struct{})}
}

// Send emits a data event.
func (c *SSEClient) Send(payload []byte) error {
	return c.write(fmt.Sprintf("data: %s\n\n", payload))
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

func (c *SSEClient) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream closed and releases Done waiters.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done is closed once the stream has been closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
