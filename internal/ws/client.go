package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned by Send after the connection closed.
	ErrClosed = errors.New("ws: connection closed")
	// ErrBufferFull is returned by Send when the client is not keeping up.
	ErrBufferFull = errors.New("ws: send buffer full")
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
)

// Client represents a websocket status stream. Writes go through a bounded
// buffer drained by a single write pump, so a slow peer never blocks Send.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

// NewClient wraps conn and starts its write pump.
func NewClient(conn *websocket.Conn, buffer int, logger *slog.Logger) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	c := &Client{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		log:  logger,
	}
	go c.writePump()
	return c
}

// Kind labels the connection gauge.
func (c *Client) Kind() string { return "websocket" }

// Send queues a text message.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadLoop discards inbound messages until the peer goes away, then closes
// the client. Status streams are server-to-client only.
func (c *Client) ReadLoop() {
	defer c.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
