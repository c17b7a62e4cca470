package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/boqpro/pricematch/internal/models"
)

const channelPrefix = "pricematch:jobs:"

// envelope tags events with the publishing process so relays skip their own events.
type envelope struct {
	Origin string          `json:"origin"`
	Event  models.JobEvent `json:"event"`
}

// RedisBridge publishes local job events to Redis and relays events published by other
// processes into the local hub, so SSE subscribers see jobs running anywhere.
type RedisBridge struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

// NewRedisBridge connects to url (redis://...).
func NewRedisBridge(ctx context.Context, url string, logger *slog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisBridge(client, logger), nil
}

func newRedisBridge(client *redis.Client, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisBridge{client: client, origin: uuid.NewString(), logger: logger}
}

// Publish implements Sink.
func (b *RedisBridge) Publish(ctx context.Context, event models.JobEvent) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	if err := b.client.Publish(ctx, channelPrefix+event.JobID.String(), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	return nil
}

// Relay delivers events from other processes to hub until ctx is done.
func (b *RedisBridge) Relay(ctx context.Context, hub *Hub) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	messages := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("events: malformed relay payload", "channel", msg.Channel, "error", err)

				continue
			}

			if env.Origin == b.origin {
				continue
			}

			hub.Deliver(ctx, env.Event)
		}
	}
}

// Close releases the Redis connection.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}
