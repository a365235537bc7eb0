package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// ControlBus implements domain.ControlBus over Redis Pub/Sub. The admin
// surface publishes to "control:{tenantID}"; the tenant's runtime holds the
// single subscription. Commands are fire-and-forget: a worker that is down
// misses them, and durable state changes go through the database instead.
type ControlBus struct {
	rdb *redis.Client
}

// NewControlBus creates a ControlBus backed by the given Client.
func NewControlBus(c *Client) *ControlBus {
	return &ControlBus{rdb: c.Underlying()}
}

func controlChannel(tenantID string) string {
	return "control:" + tenantID
}

// PublishControl sends one command to the tenant's worker.
func (cb *ControlBus) PublishControl(ctx context.Context, tenantID string, cmd domain.ControlCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("redis: marshal control command: %w", err)
	}
	if err := cb.rdb.Publish(ctx, controlChannel(tenantID), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish control %s: %w", tenantID, err)
	}
	return nil
}

// SubscribeControl returns a channel of commands for the tenant. The channel
// closes when ctx is canceled. Malformed payloads are dropped.
func (cb *ControlBus) SubscribeControl(ctx context.Context, tenantID string) (<-chan domain.ControlCommand, error) {
	sub := cb.rdb.Subscribe(ctx, controlChannel(tenantID))

	// Force the subscription to establish before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe control %s: %w", tenantID, err)
	}

	out := make(chan domain.ControlCommand, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd domain.ControlCommand
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					continue
				}
				select {
				case out <- cmd:
				default:
					// Slow consumer; drop rather than block the reader.
				}
			}
		}
	}()
	return out, nil
}

// Compile-time interface check.
var _ domain.ControlBus = (*ControlBus)(nil)
