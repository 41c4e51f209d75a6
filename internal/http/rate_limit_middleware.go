package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/42yash/pyk8s-labs/internal/ratelimit"
)

// Request budgets per route class. Anonymous auth routes are keyed by
// client IP, everything else by the authenticated user.
var (
	policySignup  = ratelimit.Policy{Name: "auth_signup", Limit: 5, Window: time.Minute}
	policyLogin   = ratelimit.Policy{Name: "auth_login", Limit: 12, Window: time.Minute}
	policyRead    = ratelimit.Policy{Name: "user_read", Limit: 120, Window: time.Minute}
	policyWrite   = ratelimit.Policy{Name: "user_write", Limit: 60, Window: time.Minute}
	policyStreams = ratelimit.Policy{Name: "streams", Limit: 30, Window: 30 * time.Second}
)

type keyFunc func(*http.Request) string

func (r *Router) limit(route string, p ratelimit.Policy, key keyFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil || p.Unlimited() {
			next(w, req)
			return
		}
		k := key(req)
		if k == "" {
			k = byIP(req)
		}
		decision := r.limiter.Allow(req.Context(), k, p)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(p.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining(p)))
		if !decision.Reset.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
		}
		if !decision.Allowed {
			recordRateLimitHit(route, keyKind(k))
			if wait := time.Until(decision.Reset); wait > 0 {
				h.Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// authed chains bearer authentication and a per-user budget.
func (r *Router) authed(route string, p ratelimit.Policy, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limit(route, p, byUser, next))
}

// streaming is authed for upgrade routes that accept ?token=.
func (r *Router) streaming(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.requireStreamAuth(r.limit(route, policyStreams, byUser, next))
}

func byUser(req *http.Request) string {
	if info, ok := callerFrom(req.Context()); ok && info.ID != "" {
		return "user:" + info.ID
	}
	return ""
}

func byIP(req *http.Request) string {
	host := clientIP(req)
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// keyKind keeps metric label cardinality bounded.
func keyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok && kind != "" {
		return kind
	}
	return "unknown"
}

func clientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
