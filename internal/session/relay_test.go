package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/provider"
	"github.com/42yash/pyk8s-labs/internal/repository"
)

type fakeConn struct {
	in        chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	frames []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan Frame, 8), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return Frame{}, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// fakeStream joins two pipes: output is what the process prints, input is
// what the relay types.
type fakeStream struct {
	outR *io.PipeReader
	outW *io.PipeWriter
	inR  *io.PipeReader
	inW  *io.PipeWriter

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	s := &fakeStream{closed: make(chan struct{})}
	s.outR, s.outW = io.Pipe()
	s.inR, s.inW = io.Pipe()
	return s
}

func (s *fakeStream) Read(p []byte) (int, error)  { return s.outR.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error) { return s.inW.Write(p) }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.outR.Close()
		_ = s.inW.Close()
		close(s.closed)
	})
	return nil
}

type stubProvider struct {
	stream  *fakeStream
	execErr error

	mu     sync.Mutex
	calls  int
	target string
}

func (p *stubProvider) Name() string { return "kind" }

func (p *stubProvider) Create(context.Context, string) error { return nil }

func (p *stubProvider) Credentials(context.Context, string) (string, error) { return "", nil }

func (p *stubProvider) Destroy(context.Context, string) error { return nil }

func (p *stubProvider) Exec(_ context.Context, name string, _ []string) (provider.Stream, error) {
	p.mu.Lock()
	p.calls++
	p.target = name
	p.mu.Unlock()
	if p.execErr != nil {
		return nil, p.execErr
	}
	return p.stream, nil
}

func (p *stubProvider) execCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubAccess struct {
	cluster *domain.Cluster
	err     error
}

func (a stubAccess) AuthorizeRead(context.Context, string, string) (*domain.Cluster, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.cluster, nil
}

func runningCluster() *domain.Cluster {
	return &domain.Cluster{ID: "c1", Name: "dev", BackingName: "lab-c1", Status: domain.StatusRunning, Provider: "kind", UserID: "u1"}
}

func newTestRelay(access Authorizer, p *stubProvider) *Relay {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRelay(access, provider.NewRegistry(p), []string{"bash"}, logger)
}

func serveAsync(ctx context.Context, r *Relay, conn Conn) <-chan error {
	result := make(chan error, 1)
	go func() { result <- r.Serve(ctx, "u1", "c1", conn) }()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end")
		return nil
	}
}

func waitFrames(t *testing.T, conn *fakeConn, n int) []Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := conn.written(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %v", n, conn.written())
	return nil
}

func TestServeRejectsClusterNotRunning(t *testing.T) {
	c := runningCluster()
	c.Status = domain.StatusError
	p := &stubProvider{stream: newFakeStream()}
	conn := newFakeConn()

	err := newTestRelay(stubAccess{cluster: c}, p).Serve(context.Background(), "u1", "c1", conn)
	if !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	frames := conn.written()
	if len(frames) != 1 || frames[0].Type != FrameError {
		t.Fatalf("expected single error frame, got %v", frames)
	}
	if !strings.Contains(frames[0].Payload, "ERROR") {
		t.Fatalf("expected status in message, got %q", frames[0].Payload)
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
	if p.execCalls() != 0 {
		t.Fatalf("exec should not be attempted")
	}
}

func TestServeRejectsUnknownCluster(t *testing.T) {
	p := &stubProvider{stream: newFakeStream()}
	conn := newFakeConn()

	err := newTestRelay(stubAccess{err: repository.ErrNotFound}, p).Serve(context.Background(), "u1", "c1", conn)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	frames := conn.written()
	if len(frames) != 1 || frames[0].Payload != "cluster not found" {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestServeReportsExecFailure(t *testing.T) {
	p := &stubProvider{execErr: provider.ErrNotFound}
	conn := newFakeConn()

	err := newTestRelay(stubAccess{cluster: runningCluster()}, p).Serve(context.Background(), "u1", "c1", conn)
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected provider error, got %v", err)
	}
	frames := conn.written()
	if len(frames) != 1 || frames[0].Type != FrameError {
		t.Fatalf("expected single error frame, got %v", frames)
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
}

func TestServeRelaysBothDirections(t *testing.T) {
	stream := newFakeStream()
	p := &stubProvider{stream: stream}
	conn := newFakeConn()

	// echo everything typed back as output
	go func() {
		_, _ = io.Copy(stream.outW, stream.inR)
	}()

	result := serveAsync(context.Background(), newTestRelay(stubAccess{cluster: runningCluster()}, p), conn)
	conn.in <- Frame{Type: FrameData, Payload: "ls\n"}

	frames := waitFrames(t, conn, 1)
	if frames[0].Type != FrameData || frames[0].Payload != "ls\n" {
		t.Fatalf("unexpected frame %v", frames[0])
	}

	close(conn.in)
	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
	select {
	case <-stream.closed:
	default:
		t.Fatalf("expected stream closed after client disconnect")
	}
	for _, f := range conn.written() {
		if f.Type == FrameError {
			t.Fatalf("client disconnect should not produce error frame")
		}
	}
}

func TestServeExecsIntoBackingCluster(t *testing.T) {
	stream := newFakeStream()
	p := &stubProvider{stream: stream}
	conn := newFakeConn()

	result := serveAsync(context.Background(), newTestRelay(stubAccess{cluster: runningCluster()}, p), conn)
	close(conn.in)
	_ = waitResult(t, result)

	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target != "lab-c1" {
		t.Fatalf("expected exec into backing cluster lab-c1, got %q", target)
	}
}

func TestServeRemoteExitClosesClient(t *testing.T) {
	stream := newFakeStream()
	p := &stubProvider{stream: stream}
	conn := newFakeConn()

	result := serveAsync(context.Background(), newTestRelay(stubAccess{cluster: runningCluster()}, p), conn)
	if _, err := stream.outW.Write([]byte("bye\n")); err != nil {
		t.Fatalf("write output: %v", err)
	}
	_ = stream.outW.Close()

	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
	frames := conn.written()
	if len(frames) != 1 || frames[0].Payload != "bye\n" {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestServeRemoteFailureSendsOneErrorFrameLast(t *testing.T) {
	stream := newFakeStream()
	p := &stubProvider{stream: stream}
	conn := newFakeConn()

	result := serveAsync(context.Background(), newTestRelay(stubAccess{cluster: runningCluster()}, p), conn)
	if _, err := stream.outW.Write([]byte("partial")); err != nil {
		t.Fatalf("write output: %v", err)
	}
	_ = stream.outW.CloseWithError(errors.New("connection reset"))

	if err := waitResult(t, result); err == nil {
		t.Fatalf("expected session error")
	}
	frames := conn.written()
	if len(frames) != 2 {
		t.Fatalf("expected data then error frame, got %v", frames)
	}
	if frames[0].Type != FrameData || frames[1].Type != FrameError {
		t.Fatalf("unexpected frame order %v", frames)
	}
	if !strings.Contains(frames[1].Payload, "connection reset") {
		t.Fatalf("unexpected error payload %q", frames[1].Payload)
	}
}

func TestServeHoldsSplitRunes(t *testing.T) {
	stream := newFakeStream()
	p := &stubProvider{stream: stream}
	conn := newFakeConn()

	result := serveAsync(context.Background(), newTestRelay(stubAccess{cluster: runningCluster()}, p), conn)
	encoded := []byte("héllo")
	if _, err := stream.outW.Write(encoded[:2]); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if _, err := stream.outW.Write(encoded[2:]); err != nil {
		t.Fatalf("write output: %v", err)
	}
	_ = stream.outW.Close()

	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
	var b strings.Builder
	for _, f := range conn.written() {
		if !utf8.ValidString(f.Payload) {
			t.Fatalf("frame split a rune: %q", f.Payload)
		}
		b.WriteString(f.Payload)
	}
	if b.String() != "héllo" {
		t.Fatalf("expected héllo, got %q", b.String())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	stream := newFakeStream()
	p := &stubProvider{stream: stream}
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	result := serveAsync(ctx, newTestRelay(stubAccess{cluster: runningCluster()}, p), conn)
	cancel()

	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
}

func TestCompletePrefix(t *testing.T) {
	euro := []byte("€") // three bytes
	cases := []struct {
		data []byte
		want int
	}{
		{[]byte("abc"), 3},
		{append([]byte("a"), euro[:1]...), 1},
		{append([]byte("a"), euro[:2]...), 1},
		{append([]byte("a"), euro...), 4},
		{[]byte{0xff}, 1},
	}
	for _, tc := range cases {
		if got := completePrefix(tc.data); got != tc.want {
			t.Fatalf("completePrefix(%v) = %d, want %d", tc.data, got, tc.want)
		}
	}
}
