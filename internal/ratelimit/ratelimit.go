// Package ratelimit counts requests per caller in fixed windows. Counters
// live in process memory or in Redis when several API replicas must share
// them.
package ratelimit

import (
	"context"
	"time"
)

// Policy is a named request budget.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Unlimited reports whether the policy never rejects.
func (p Policy) Unlimited() bool {
	return p.Limit <= 0
}

func (p Policy) window() time.Duration {
	if p.Window <= 0 {
		return time.Minute
	}
	return p.Window
}

// Decision is the outcome of counting one request.
type Decision struct {
	Allowed bool
	Count   int
	Reset   time.Time
}

// Remaining is how many more requests the window admits.
func (d Decision) Remaining(p Policy) int {
	if left := p.Limit - d.Count; left > 0 {
		return left
	}
	return 0
}

// Limiter counts a request for key under policy p.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy) Decision
	Close() error
}

func counterKey(key string, p Policy) string {
	return p.Name + ":" + key
}
