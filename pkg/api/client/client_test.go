package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:9000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:9000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
	cli, _ = New("")
	if cli.baseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", cli.baseURL)
	}
}

func TestLoginDecodesSession(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "dev@example.com" || body["password"] != "secret-pass" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":{"id":"u1","email":"dev@example.com"},"tokens":{"access_token":"tok","token_type":"bearer","expires_in":3600}}`))
	}))

	session, err := cli.Login(context.Background(), "dev@example.com", "secret-pass")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.User.ID != "u1" || session.Tokens.AccessToken != "tok" || session.Tokens.ExpiresIn != 3600 {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestErrorResponsesBecomeAPIError(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"domain: cluster already deleting"}`))
	}))

	_, err := cli.DeleteCluster(context.Background(), "tok", "c1")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "domain: cluster already deleting" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestCreateAndListClusters(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			var input CreateClusterInput
			_ = json.NewDecoder(r.Body).Decode(&input)
			if input.Name != "demo" || input.TTLHours != 4 {
				t.Errorf("unexpected input %+v", input)
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"c1","name":"demo","status":"PROVISIONING","provider":"kind"}`))
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"clusters":[{"id":"c1","name":"demo","status":"RUNNING","provider":"kind"}]}`))
		}
	}))

	created, err := cli.CreateCluster(context.Background(), "tok", CreateClusterInput{Name: "demo", TTLHours: 4})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != "PROVISIONING" {
		t.Fatalf("unexpected status %s", created.Status)
	}
	clusters, err := cli.ListClusters(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(clusters) != 1 || clusters[0].Status != "RUNNING" {
		t.Fatalf("unexpected clusters %+v", clusters)
	}
}

func TestKubeconfigReturnsRawBody(t *testing.T) {
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clusters/c1/kubeconfig" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write([]byte("apiVersion: v1\nkind: Config\n"))
	}))

	kubeconfig, err := cli.Kubeconfig(context.Background(), "tok", "c1")
	if err != nil {
		t.Fatalf("kubeconfig: %v", err)
	}
	if kubeconfig != "apiVersion: v1\nkind: Config\n" {
		t.Fatalf("unexpected kubeconfig %q", kubeconfig)
	}
}

func TestWatchEventsSkipsMalformed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/events" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"owner_id":"u1","record_id":"c1","status":"RUNNING"}`))
		_, _, _ = conn.ReadMessage()
	}))

	if _, err := cli.WatchEvents(context.Background(), "wrong"); err == nil {
		t.Fatalf("expected rejected handshake")
	} else {
		var apiErr APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
			t.Fatalf("expected 401 APIError, got %v", err)
		}
	}

	stream, err := cli.WatchEvents(context.Background(), "tok")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()
	event, err := stream.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if event.RecordID != "c1" || event.Status != "RUNNING" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestTerminalRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	cli := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/terminal/c1" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(Frame{Type: FrameData, Payload: "echo: " + frame.Payload})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}))

	term, err := cli.OpenTerminal(context.Background(), "tok", "c1")
	if err != nil {
		t.Fatalf("open terminal: %v", err)
	}
	defer term.Close()
	if err := term.Send("ls"); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame, err := term.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if frame.Type != FrameData || frame.Payload != "echo: ls" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if _, err := term.Receive(); !IsClosed(err) {
		t.Fatalf("expected normal close, got %v", err)
	}
}
