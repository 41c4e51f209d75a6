package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/42yash/pyk8s-labs/internal/metrics"
)

func recordRequestMetrics(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	metrics.HTTPRequests.With(labels).Inc()
	metrics.HTTPDuration.With(labels).Observe(duration.Seconds())
}

func recordRateLimitHit(route, key string) {
	metrics.RateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
