package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/42yash/pyk8s-labs/internal/metrics"
)

// ErrClosed is returned by a subscription or bus after Close.
var ErrClosed = errors.New("notify: closed")

const memoryBuffer = 256

// MemoryBus is a single-process Bus. A subscriber whose buffer is full
// misses the message, matching the at-most-once contract of the Redis bus.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

// Publish fans m out to every open subscription.
func (b *MemoryBus) Publish(_ context.Context, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs {
		select {
		case sub.ch <- payload:
		default:
			metrics.Notifications.WithLabelValues("dropped").Inc()
		}
	}
	metrics.Notifications.WithLabelValues("published").Inc()
	return nil
}

// Inject places a raw payload on every subscription. Used to feed
// payloads that did not come from Publish.
func (b *MemoryBus) Inject(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- payload:
		default:
		}
	}
}

// Subscribe registers a new subscription.
func (b *MemoryBus) Subscribe(_ context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{bus: b, ch: make(chan []byte, memoryBuffer), done: make(chan struct{})}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close closes every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*memorySubscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for sub := range subs {
		sub.closeOnce.Do(func() { close(sub.done) })
	}
	return nil
}

type memorySubscription struct {
	bus       *MemoryBus
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case payload := <-s.ch:
		return payload, nil
	}
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
