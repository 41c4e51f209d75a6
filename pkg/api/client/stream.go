package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Terminal frame types.
const (
	FrameData  = "data"
	FrameError = "error"
)

// StatusEvent is one status change notification.
type StatusEvent struct {
	OwnerID  string `json:"owner_id"`
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
}

// Frame is one terminal message.
type Frame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

var dialer = websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

func (c *Client) dial(ctx context.Context, path, token string) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	query := endpoint.Query()
	query.Set("token", strings.TrimSpace(token))
	endpoint.RawQuery = query.Encode()

	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

// EventStream receives status notifications for the caller.
type EventStream struct {
	conn *websocket.Conn
}

// WatchEvents opens the caller's status stream.
func (c *Client) WatchEvents(ctx context.Context, token string) (*EventStream, error) {
	conn, err := c.dial(ctx, "/ws/events", token)
	if err != nil {
		return nil, err
	}
	return &EventStream{conn: conn}, nil
}

// Next blocks for the next event. Malformed messages are skipped.
func (s *EventStream) Next() (StatusEvent, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return StatusEvent{}, err
		}
		var event StatusEvent
		if err := json.Unmarshal(data, &event); err != nil || event.RecordID == "" {
			continue
		}
		return event, nil
	}
}

// Close ends the stream.
func (s *EventStream) Close() error {
	return s.conn.Close()
}

// Terminal is an interactive shell session on a cluster node.
type Terminal struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// OpenTerminal starts a shell in the cluster's control-plane node.
func (c *Client) OpenTerminal(ctx context.Context, token, clusterID string) (*Terminal, error) {
	conn, err := c.dial(ctx, "/ws/terminal/"+url.PathEscape(clusterID), token)
	if err != nil {
		return nil, err
	}
	return &Terminal{conn: conn}, nil
}

// Send types input into the shell.
func (t *Terminal) Send(input string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(Frame{Type: FrameData, Payload: input})
}

// Receive blocks for the next frame. IsClosed tells a normal end of the
// session from a failure.
func (t *Terminal) Receive() (Frame, error) {
	var frame Frame
	if err := t.conn.ReadJSON(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// Close ends the session.
func (t *Terminal) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// IsClosed reports whether err marks a normally ended stream.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
