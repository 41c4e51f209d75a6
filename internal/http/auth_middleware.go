package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// caller is the authenticated account behind a request.
type caller struct {
	ID    string
	Email string
}

type callerKey struct{}

var (
	errNoCredentials = errors.New("missing authorization header")
	errMalformedAuth = errors.New("authorization header must be \"Bearer <token>\"")
)

// the audit wrapper logs the caller resolved further down the chain
type contextSetter interface {
	SetContext(context.Context)
}

func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.authenticate(false, next)
}

// requireStreamAuth also accepts ?token= since browsers cannot set
// headers on websocket and EventSource requests.
func (r *Router) requireStreamAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.authenticate(true, next)
}

func (r *Router) authenticate(allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := requestToken(req, allowQuery)
		if err != nil {
			r.logger.Warn("request not authenticated", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.logger.Warn("token rejected", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), callerKey{}, caller{ID: user.ID, Email: user.Email})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func callerFrom(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}

// requestToken reads the bearer token, falling back to the query string
// when allowQuery is set and no header was sent.
func requestToken(req *http.Request, allowQuery bool) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		if allowQuery {
			if q := strings.TrimSpace(req.URL.Query().Get("token")); q != "" {
				return q, nil
			}
		}
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errMalformedAuth
	}
	return token, nil
}
