package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEClientFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, testLogger())

	if err := c.Send([]byte(`{"status":"RUNNING"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := c.Send([]byte(`{"status":"DELETING"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := "retry: 3000\n\n" +
		"id: 1\nevent: status\ndata: {\"status\":\"RUNNING\"}\n\n" +
		": ping\n\n" +
		"id: 2\nevent: status\ndata: {\"status\":\"DELETING\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected stream:\n%q\nwant\n%q", got, want)
	}
	if !rec.Flushed {
		t.Fatalf("expected writes to be flushed")
	}
}

func TestSSEClientCloseStopsWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, testLogger())
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
	if err := c.Send([]byte("x")); !errors.Is(err, errStreamClosed) {
		t.Fatalf("expected errStreamClosed, got %v", err)
	}
	if strings.Contains(rec.Body.String(), "data: x") {
		t.Fatalf("closed client wrote an event")
	}
}
