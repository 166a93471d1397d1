package chat

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/antonioobaid/linkly/internal/logging"
)

// Broker fans deliveries out to every instance that may hold a recipient's connection.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
}

// LocalBroker is the single-instance broker: deliveries go straight to the hub.
type LocalBroker struct {
	hub *Hub
}

func NewLocalBroker(hub *Hub) *LocalBroker {
	return &LocalBroker{hub: hub}
}

func (b *LocalBroker) Publish(ctx context.Context, d Delivery) error {
	return b.hub.Deliver(ctx, d)
}

// DeliveryChannel is the Redis pub/sub channel shared by all relay instances.
const DeliveryChannel = "chat-deliveries"

// RedisBroker publishes deliveries on Redis so connections held by other
// instances receive them too. Every instance runs Subscribe.
type RedisBroker struct {
	redis   *redis.Client
	hub     *Hub
	channel string
}

func NewRedisBroker(redisClient *redis.Client, hub *Hub) *RedisBroker {
	return &RedisBroker{redis: redisClient, hub: hub, channel: DeliveryChannel}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := b.redis.Publish(ctx, b.channel, payload).Err(); err != nil {
		// Redis is down: at least serve the connections on this instance.
		logging.Warn().Err(err).Msg("redis publish failed, delivering locally")
		return b.hub.Deliver(ctx, d)
	}
	return nil
}

// Subscribe forwards deliveries from Redis to the local hub until ctx is done.
// ready, when non-nil, is closed once the subscription is confirmed.
func (b *RedisBroker) Subscribe(ctx context.Context, ready chan<- struct{}) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				logging.Warn().Err(err).Msg("discarding malformed delivery")
				continue
			}
			if err := b.hub.Deliver(ctx, d); err != nil {
				return nil
			}
		}
	}
}
