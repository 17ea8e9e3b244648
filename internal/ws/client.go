package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	maxReadBytes = 4096
)

// Client is a websocket subscriber. Writes are serialised; the read side
// only exists to observe pongs and the peer closing.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	log    *slog.Logger
	closed chan struct{}
	once   sync.Once
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger, closed: make(chan struct{})}
}

// Send writes a text frame.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debug("websocket send failed", "error", err)
		return err
	}
	return nil
}

// Ping writes a control ping frame.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadPump discards inbound frames until the peer goes away or stays silent
// for longer than idle. Each pong pushes the deadline out again. It closes
// the client before returning.
func (c *Client) ReadPump(idle time.Duration) {
	defer c.Close()
	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close terminates the connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
