package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/42yash/pyk8s-labs/internal/metrics"
)

// RedisBus carries notifications over a Redis pub/sub channel so every API
// process sees every status change.
type RedisBus struct {
	client  *redis.Client
	channel string
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, addr, password string, db int, channel string) (*RedisBus, error) {
	if channel == "" {
		return nil, errors.New("notify: empty channel name")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{client: client, channel: channel}, nil
}

// Publish sends m on the channel.
func (b *RedisBus) Publish(ctx context.Context, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	metrics.Notifications.WithLabelValues("published").Inc()
	return nil
}

// Subscribe opens a subscription and waits for Redis to confirm it.
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	return &redisSubscription{ps: ps, ch: ps.Channel()}, nil
}

// Ping reports whether Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return []byte(msg.Payload), nil
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
