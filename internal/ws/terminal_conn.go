package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/42yash/pyk8s-labs/internal/session"
)

// TerminalConn adapts a websocket to the frame protocol of the session
// relay. Browser terminals send raw keystrokes, the CLI sends JSON frames;
// both arrive as data frames.
type TerminalConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ session.Conn = (*TerminalConn)(nil)

// NewTerminalConn wraps conn.
func NewTerminalConn(conn *websocket.Conn) *TerminalConn {
	conn.SetReadLimit(64 << 10)
	return &TerminalConn{conn: conn}
}

// ReadFrame blocks for the next client data frame.
func (t *TerminalConn) ReadFrame() (session.Frame, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return session.Frame{}, err
		}
		if kind == websocket.BinaryMessage {
			return session.Frame{Type: session.FrameData, Payload: string(data)}, nil
		}
		var frame session.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			return session.Frame{Type: session.FrameData, Payload: string(data)}, nil
		}
		if frame.Type == session.FrameData {
			return frame, nil
		}
		// other control frames are not interpreted
	}
}

// WriteFrame sends frame as JSON text.
func (t *TerminalConn) WriteFrame(frame session.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(frame)
}

// Close sends a normal closure and closes the socket.
func (t *TerminalConn) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
