package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ErrSlowClient is returned when a client's outbound buffer is full.
var ErrSlowClient = errors.New("ws: client too slow")

// Client represents a websocket client connection. Writes are queued and
// flushed by a dedicated goroutine so the hub never blocks on the network.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient constructs a client wrapper with room for buffer queued messages.
func NewClient(conn *websocket.Conn, logger *slog.Logger, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	c := &Client{conn: conn, log: logger, send: make(chan []byte, buffer), closed: make(chan struct{})}
	go c.writePump()
	return c
}

// Send queues a message for the connection.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket client dropped", "error", ErrSlowClient)
		return ErrSlowClient
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// ReadLoop discards inbound frames until the peer disconnects.
func (c *Client) ReadLoop() {
	defer c.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
