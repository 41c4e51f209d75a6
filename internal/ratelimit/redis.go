package ratelimit

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisPrefix  = "pyk8s:ratelimit:"
	redisTimeout = 250 * time.Millisecond
)

// incrWindow bumps the counter and starts its expiry on first use, in
// one round trip. Returns the count and the remaining ttl in ms.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Redis shares counters between API replicas. It fails open: when Redis
// cannot answer in time the request is allowed and the error logged.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedis(client, logger), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger, now: time.Now}
}

// Allow counts the request in Redis.
func (r *Redis) Allow(ctx context.Context, key string, p Policy) Decision {
	if p.Unlimited() {
		return Decision{Allowed: true}
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	window := p.window()
	res, err := incrWindow.Run(ctx, r.client, []string{redisPrefix + counterKey(key, p)}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		r.logger.Error("rate limiter unavailable, allowing request", "policy", p.Name, "error", err)
		return Decision{Allowed: true}
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = window
	}
	count := int(res[0])
	return Decision{Allowed: count <= p.Limit, Count: count, Reset: r.now().Add(ttl)}
}

// Ping reports whether Redis answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
