package redis

import (
	"context"
	"encoding/json"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const DefaultPushChannel = "consult:push"

// Bus fans push events out to every replica over Redis pub/sub.
type Bus struct {
	Client  *redis.Client
	Channel string
}

func NewBus(rdb *redis.Client, channel string) *Bus {
	if channel == "" {
		channel = DefaultPushChannel
	}
	return &Bus{Client: rdb, Channel: channel}
}

func (b *Bus) Push(ctx context.Context, ev domain.PushEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Client.Publish(ctx, b.Channel, raw).Err()
}

// Subscribe delivers every event published on the channel to fn until ctx is done.
// It returns once the subscription is confirmed by the server.
func (b *Bus) Subscribe(ctx context.Context, fn func(domain.PushEvent)) error {
	sub := b.Client.Subscribe(ctx, b.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	go func() {
		log := logger.Logger.With().Str("component", "push_bus").Logger()
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev domain.PushEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Msg("drop malformed push event")
					continue
				}
				fn(ev)
			}
		}
	}()
	return nil
}
