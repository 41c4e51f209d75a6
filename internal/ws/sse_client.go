package ws

import (
	"bufio"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
)

// sseRetryMillis is the reconnect delay suggested to EventSource clients.
const sseRetryMillis = 3000

var errStreamClosed = errors.New("ws: event stream closed")

// SSEClient delivers status notifications as server-sent events. Each
// event carries an increasing id so clients can spot gaps.
type SSEClient struct {
	mu      sync.Mutex
	w       *bufio.Writer
	flusher http.Flusher
	log     *slog.Logger
	nextID  uint64
	closed  bool
	once    sync.Once
	done    chan struct{}
}

// NewSSEClient wraps a response whose headers are already sent.
func NewSSEClient(w http.ResponseWriter, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	c := &SSEClient{w: bufio.NewWriter(w), flusher: flusher, log: logger, done: make(chan struct{})}
	c.mu.Lock()
	_ = c.flushLocked("retry: " + strconv.Itoa(sseRetryMillis) + "\n\n")
	c.mu.Unlock()
	return c
}

// Kind labels the connection gauge.
func (c *SSEClient) Kind() string { return "sse" }

// Send writes one status event.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.flushLocked("id: " + strconv.FormatUint(c.nextID, 10) + "\nevent: status\ndata: " + string(payload) + "\n\n")
}

// Heartbeat writes a comment line so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(": ping\n\n")
}

func (c *SSEClient) flushLocked(frame string) error {
	if c.closed {
		return errStreamClosed
	}
	_, err := c.w.WriteString(frame)
	if err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		c.log.Warn("sse write failed", "error", err)
		c.shutdownLocked()
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close stops further writes and releases whoever waits on Done.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked()
}

func (c *SSEClient) shutdownLocked() {
	c.closed = true
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the stream stops accepting writes.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
