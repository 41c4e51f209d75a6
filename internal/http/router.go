package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/42yash/pyk8s-labs/internal/domain"
	"github.com/42yash/pyk8s-labs/internal/ratelimit"
	"github.com/42yash/pyk8s-labs/internal/service/auth"
	"github.com/42yash/pyk8s-labs/internal/service/cluster"
	"github.com/42yash/pyk8s-labs/internal/service/team"
	"github.com/42yash/pyk8s-labs/internal/session"
	"github.com/42yash/pyk8s-labs/internal/ws"
)

// HealthCheck reports whether a backing component is reachable.
type HealthCheck func(context.Context) error

// Dependencies are the services the router exposes.
type Dependencies struct {
	Logger       *slog.Logger
	Auth         auth.Service
	Teams        team.Service
	Clusters     *cluster.Service
	Hub          *ws.Hub
	Relay        *session.Relay
	Limiter      ratelimit.Limiter
	HealthChecks map[string]HealthCheck
	SendBuffer   int
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	auth       auth.Service
	teams      team.Service
	clusters   *cluster.Service
	hub        *ws.Hub
	relay      *session.Relay
	upgrader   websocket.Upgrader
	limiter    ratelimit.Limiter
	checks     map[string]HealthCheck
	sendBuffer int
	heartbeat  time.Duration

	// streams outlive their requests once hijacked; Close cancels them
	streams     context.Context
	stopStreams context.CancelFunc
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	streams, stop := context.WithCancel(context.Background())
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   deps.Logger,
		auth:     deps.Auth,
		teams:    deps.Teams,
		clusters: deps.Clusters,
		hub:      deps.Hub,
		relay:    deps.Relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     deps.Limiter,
		checks:      deps.HealthChecks,
		sendBuffer:  deps.SendBuffer,
		heartbeat:   sseHeartbeat,
		streams:     streams,
		stopStreams: stop,
	}
	if r.limiter == nil {
		r.limiter = ratelimit.NewMemory()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close ends open streams and terminal sessions and releases background
// resources.
func (r *Router) Close() {
	r.stopStreams()
	if r.limiter != nil {
		_ = r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("auth_signup", r.limit("auth_signup", policySignup, byIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.limit("auth_login", policyLogin, byIP, r.handleLogin)))
	r.mux.HandleFunc("/users/me", r.audit("users_me", r.authed("users_me", policyRead, r.handleMe)))
	r.mux.HandleFunc("/teams", r.audit("teams", r.authed("teams", policyWrite, r.handleTeams)))
	r.mux.HandleFunc("/teams/", r.audit("team_members", r.authed("team_members", policyWrite, r.handleTeamSubroutes)))
	r.mux.HandleFunc("/clusters", r.audit("clusters", r.authed("clusters", policyWrite, r.handleClusters)))
	r.mux.HandleFunc("/clusters/", r.audit("cluster", r.authed("cluster", policyRead, r.handleClusterSubroutes)))
	r.mux.HandleFunc("/ws/events", r.audit("ws_events", r.streaming("ws_events", r.handleEventsWS)))
	r.mux.HandleFunc("/events", r.audit("sse_events", r.streaming("sse_events", r.handleEventsSSE)))
	r.mux.HandleFunc("/ws/terminal/", r.audit("ws_terminal", r.streaming("ws_terminal", r.handleTerminal)))
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func sessionPayload(user *domain.User, token auth.Token) map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"tokens": map[string]any{
			"access_token": token.AccessToken,
			"token_type":   "bearer",
			"expires_in":   int64(token.ExpiresIn / time.Second),
		},
	}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentials
	if !decodeBody(w, req, &payload) {
		return
	}
	user, token, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(user, token))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentials
	if !decodeBody(w, req, &payload) {
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(user, token))
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": info.ID, "email": info.Email})
}

type teamView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

func newTeamView(t domain.Team) teamView {
	return teamView{ID: t.ID, Name: t.Name, OwnerID: t.OwnerID, CreatedAt: t.CreatedAt}
}

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		teams, err := r.teams.List(req.Context(), info.ID)
		if err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
		views := make([]teamView, 0, len(teams))
		for _, t := range teams {
			views = append(views, newTeamView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"teams": views})
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if !decodeBody(w, req, &payload) {
			return
		}
		created, err := r.teams.Create(req.Context(), info.ID, payload.Name)
		if err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, newTeamView(*created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTeamSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/teams/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "members" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	var payload struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	member, err := r.teams.AddMember(req.Context(), info.ID, parts[0], payload.Email, payload.Role)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"team_id": member.TeamID,
		"user_id": member.UserID,
		"role":    member.Role,
	})
}

type clusterView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	Provider       string    `json:"provider"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	OwnerID        string    `json:"owner_id"`
	TeamID         *string   `json:"team_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func newClusterView(c domain.Cluster) clusterView {
	return clusterView{
		ID:             c.ID,
		Name:           c.Name,
		Status:         string(c.Status),
		Provider:       c.Provider,
		LeaseExpiresAt: c.LeaseExpiresAt.UTC(),
		OwnerID:        c.UserID,
		TeamID:         c.TeamID,
		CreatedAt:      c.CreatedAt.UTC(),
	}
}

func (r *Router) handleClusters(w http.ResponseWriter, req *http.Request) {
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		clusters, err := r.clusters.List(req.Context(), info.ID)
		if err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
		views := make([]clusterView, 0, len(clusters))
		for _, c := range clusters {
			views = append(views, newClusterView(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"clusters": views})
	case http.MethodPost:
		var payload struct {
			Name     string `json:"name"`
			Provider string `json:"provider"`
			TTLHours int    `json:"ttl_hours"`
			TeamID   string `json:"team_id"`
		}
		if !decodeBody(w, req, &payload) {
			return
		}
		created, err := r.clusters.Create(req.Context(), info.ID, cluster.CreateInput{
			Name:     payload.Name,
			Provider: payload.Provider,
			TTLHours: payload.TTLHours,
			TeamID:   payload.TeamID,
		})
		if err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newClusterView(*created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleClusterSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/clusters/"), "/"), "/")
	id := parts[0]
	if id == "" {
		r.notFound(w)
		return
	}
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	switch {
	case len(parts) == 1:
		switch req.Method {
		case http.MethodGet:
			c, err := r.clusters.Get(req.Context(), info.ID, id)
			if err != nil {
				writeServiceError(w, r.logger, err)
				return
			}
			writeJSON(w, http.StatusOK, newClusterView(*c))
		case http.MethodDelete:
			c, err := r.clusters.Delete(req.Context(), info.ID, id)
			if err != nil {
				writeServiceError(w, r.logger, err)
				return
			}
			writeJSON(w, http.StatusAccepted, newClusterView(*c))
		default:
			r.methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "kubeconfig":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		kubeconfig, err := r.clusters.Kubeconfig(req.Context(), info.ID, id)
		if err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
		w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(kubeconfig))
	default:
		r.notFound(w)
	}
}

// handleEventsWS streams the caller's status notifications over a websocket.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.sendBuffer, r.logger)
	r.hub.Register(info.ID, client)
	go func() {
		defer r.hub.Unregister(info.ID, client)
		client.ReadLoop()
	}()
	go func() {
		select {
		case <-r.streams.Done():
			client.Close()
		case <-client.Done():
		}
	}()
}

// handleEventsSSE streams the caller's status notifications as server-sent
// events until the client goes away.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(info.ID, client)
	defer func() {
		r.hub.Unregister(info.ID, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-r.streams.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handleTerminal upgrades and relays an interactive shell into the cluster
// node. Failures after the upgrade reach the client as an error frame.
func (r *Router) handleTerminal(w http.ResponseWriter, req *http.Request) {
	info, ok := r.currentCaller(w, req)
	if !ok {
		return
	}
	clusterID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/ws/terminal/"), "/")
	if clusterID == "" || strings.Contains(clusterID, "/") {
		r.notFound(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	if err := r.relay.Serve(r.streams, info.ID, clusterID, ws.NewTerminalConn(conn)); err != nil {
		r.logger.Info("terminal session closed", "cluster_id", clusterID, "reason", err)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.checks))
	status := "ok"
	for name, check := range r.checks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) currentCaller(w http.ResponseWriter, req *http.Request) (caller, bool) {
	info, ok := callerFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if recorder.hijacked {
			status = http.StatusSwitchingProtocols
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := callerFrom(ctx); ok {
			fields = append(fields, "user_id", info.ID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int
	hijacked bool
	ctx      context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := h.Hijack()
		if err == nil {
			sr.hijacked = true
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
