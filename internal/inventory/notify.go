package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultNotifyChannel is the pub/sub channel used when none is configured.
const DefaultNotifyChannel = "ledger:movements"

// RedisNotifier publishes committed movements on a Redis channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier constructs a notifier.
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// MovementCommitted publishes rec. Delivery is at most once.
func (n *RedisNotifier) MovementCommitted(ctx context.Context, rec MovementRecord) error {
	if n == nil || n.client == nil {
		return nil
	}
	payload, err := json.Marshal(NewMovementCommittedEvent(uuid.NewString(), rec))
	if err != nil {
		return fmt.Errorf("encode movement %d: %w", rec.ID, err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish movement %d: %w", rec.ID, err)
	}
	return nil
}
