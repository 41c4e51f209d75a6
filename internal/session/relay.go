// Package session relays an interactive terminal between a client
// connection and a process inside a cluster node.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/metrics"
	"github.com/42yash/pyk8s-labs/internal/provider"
	"github.com/42yash/pyk8s-labs/internal/repository"
)

// Frame types.
const (
	FrameData  = "data"
	FrameError = "error"
)

const readBufferSize = 4096

// Frame is one message on the client connection.
type Frame struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Conn is the client side of a session.
type Conn interface {
	// ReadFrame blocks for the next data frame from the client.
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	// Close ends the connection normally and unblocks ReadFrame.
	Close() error
}

// Authorizer loads a cluster the identity may access.
type Authorizer interface {
	AuthorizeRead(ctx context.Context, userID, id string) (*domain.Cluster, error)
}

// Relay wires client connections to terminal processes.
type Relay struct {
	access    Authorizer
	providers provider.Resolver
	command   []string
	logger    *slog.Logger
}

// NewRelay constructs a Relay that starts command in the node container.
func NewRelay(access Authorizer, providers provider.Resolver, command []string, logger *slog.Logger) *Relay {
	return &Relay{
		access:    access,
		providers: providers,
		command:   command,
		logger:    logger.With("component", "session_relay"),
	}
}

// Serve runs one session for userID on clusterID until either side ends it
// or ctx is cancelled. conn is always closed on return. When the session
// cannot start, the client receives a single error frame.
func (r *Relay) Serve(ctx context.Context, userID, clusterID string, conn Conn) error {
	log := r.logger.With("cluster_id", clusterID, "user_id", userID)

	c, err := r.access.AuthorizeRead(ctx, userID, clusterID)
	if err != nil {
		return r.reject(conn, log, describe(err), err)
	}
	if c.Status != domain.StatusRunning {
		err := fmt.Errorf("%w: status %s", domain.ErrNotRunning, c.Status)
		return r.reject(conn, log, fmt.Sprintf("cluster %s is %s, not RUNNING", c.Name, c.Status), err)
	}
	p, err := r.providers.Get(c.Provider)
	if err != nil {
		return r.reject(conn, log, "cluster provider unavailable", err)
	}
	stream, err := p.Exec(ctx, c.BackingName, r.command)
	if err != nil {
		return r.reject(conn, log, "failed to start terminal session", err)
	}

	log.Info("terminal session started", "cluster", c.Name)
	metrics.TerminalSessions.Inc()
	defer metrics.TerminalSessions.Dec()

	terminal := relay(ctx, conn, stream)
	if terminal != "" {
		log.Warn("terminal session ended with error", "reason", terminal)
		return errors.New(terminal)
	}
	log.Info("terminal session ended")
	return nil
}

func (r *Relay) reject(conn Conn, log *slog.Logger, message string, cause error) error {
	log.Warn("terminal session rejected", "error", cause)
	_ = conn.WriteFrame(Frame{Type: FrameError, Payload: message})
	_ = conn.Close()
	return cause
}

func describe(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "cluster not found"
	case errors.Is(err, domain.ErrAccessDenied):
		return "access denied"
	default:
		return "failed to load cluster"
	}
}

// relay pumps both directions until one ends, then tears down in order:
// stream closed, output pump drained, at most one error frame written,
// client closed, input pump drained. It returns the error message sent to
// the client, if any.
func relay(ctx context.Context, conn Conn, stream provider.Stream) string {
	var (
		once     sync.Once
		done     = make(chan struct{})
		terminal string
	)
	finish := func(message string) {
		once.Do(func() {
			terminal = message
			close(done)
		})
	}

	outputDone := make(chan struct{})
	inputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		finish(pumpOutput(stream, conn))
	}()
	go func() {
		defer close(inputDone)
		finish(pumpInput(conn, stream))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		finish("")
	}

	_ = stream.Close()
	<-outputDone
	if terminal != "" {
		_ = conn.WriteFrame(Frame{Type: FrameError, Payload: terminal})
	}
	_ = conn.Close()
	<-inputDone
	return terminal
}

// pumpOutput copies process output to the client. Multi-byte runes split
// across reads are held back until complete.
func pumpOutput(stream io.Reader, conn Conn) string {
	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := completePrefix(data)
			if cut > 0 {
				if werr := conn.WriteFrame(Frame{Type: FrameData, Payload: string(data[:cut])}); werr != nil {
					return ""
				}
			}
			pending = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(pending) > 0 {
					_ = conn.WriteFrame(Frame{Type: FrameData, Payload: string(pending)})
				}
				return ""
			}
			return "terminal stream error: " + err.Error()
		}
	}
}

// pumpInput copies client keystrokes to the process.
func pumpInput(conn Conn, stream io.Writer) string {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return ""
		}
		if frame.Type != FrameData || frame.Payload == "" {
			continue
		}
		if _, err := io.WriteString(stream, frame.Payload); err != nil {
			return "terminal input error: " + err.Error()
		}
	}
}

// completePrefix returns the length of data without a trailing incomplete
// UTF-8 sequence.
func completePrefix(data []byte) int {
	limit := len(data) - utf8.UTFMax
	if limit < 0 {
		limit = 0
	}
	for i := len(data) - 1; i >= limit; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				return i
			}
			break
		}
	}
	return len(data)
}
