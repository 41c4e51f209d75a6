package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/42yash/pyk8s-labs/internal/domain"
)

// ErrMalformed is returned by Decode for payloads that are not status messages.
var ErrMalformed = errors.New("notify: malformed message")

// Message announces a status change of one cluster to its owner.
type Message struct {
	OwnerID  string        `json:"owner_id"`
	RecordID string        `json:"record_id"`
	Status   domain.Status `json:"status"`
}

// Encode serializes m for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a wire payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.OwnerID == "" || m.RecordID == "" {
		return Message{}, fmt.Errorf("%w: missing owner_id or record_id", ErrMalformed)
	}
	if !m.Status.Valid() && m.Status != domain.StatusDeleted {
		return Message{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, m.Status)
	}
	return m, nil
}

// Publisher sends status notifications. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Subscription yields raw payloads until closed.
type Subscription interface {
	// Receive blocks for the next payload or until ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Bus is a publish/subscribe channel carrying status notifications.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// PublishStatus is a helper for the common single-record announcement.
func PublishStatus(ctx context.Context, p Publisher, c *domain.Cluster, status domain.Status) error {
	return p.Publish(ctx, Message{OwnerID: c.UserID, RecordID: c.ID, Status: status})
}
