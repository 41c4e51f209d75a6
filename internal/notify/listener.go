package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/42yash/pyk8s-labs/internal/metrics"
)

// Deliverer pushes a payload to every live connection of an identity.
type Deliverer interface {
	Deliver(identity string, payload []byte) int
}

// Listener forwards bus messages to the fan-out hub.
type Listener struct {
	bus    Bus
	hub    Deliverer
	logger *slog.Logger
}

// NewListener constructs a Listener.
func NewListener(bus Bus, hub Deliverer, logger *slog.Logger) *Listener {
	return &Listener{bus: bus, hub: hub, logger: logger.With("component", "notify_listener")}
}

// Run subscribes and forwards messages until ctx is cancelled, at which
// point the subscription is closed and nil returned.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()
	l.logger.Info("status listener started")

	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("status listener stopped")
				return nil
			}
			if errors.Is(err, ErrClosed) {
				l.logger.Warn("status subscription closed")
				return err
			}
			l.logger.Error("status subscription receive failed", "error", err)
			return err
		}
		l.forward(payload)
	}
}

func (l *Listener) forward(payload []byte) {
	msg, err := Decode(payload)
	if err != nil {
		metrics.Notifications.WithLabelValues("malformed").Inc()
		l.logger.Warn("skipping malformed status message", "error", err)
		return
	}
	out, err := Encode(msg)
	if err != nil {
		l.logger.Warn("failed to encode status message", "error", err)
		return
	}
	n := l.hub.Deliver(msg.OwnerID, out)
	metrics.Notifications.WithLabelValues("delivered").Inc()
	l.logger.Debug("status delivered", "owner_id", msg.OwnerID, "record_id", msg.RecordID, "status", msg.Status, "connections", n)
}
