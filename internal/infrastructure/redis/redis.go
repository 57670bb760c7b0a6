package redis

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPsychicTTL = 10 * time.Minute

type Cache struct {
	Client     *redis.Client
	PsychicTTL time.Duration
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return NewFromClient(rdb)
}

func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{Client: rdb, PsychicTTL: defaultPsychicTTL}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func psychicKey(id uuid.UUID) string { return "psychic:active:" + id.String() }

// GetPsychicActive returns domain.ErrCacheMiss when the flag is not cached.
func (c *Cache) GetPsychicActive(ctx context.Context, psychicID uuid.UUID) (bool, error) {
	val, err := c.Client.Get(ctx, psychicKey(psychicID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, domain.ErrCacheMiss
		}
		return false, err
	}
	return val == "1", nil
}

func (c *Cache) SetPsychicActive(ctx context.Context, psychicID uuid.UUID, active bool) error {
	v := "0"
	if active {
		v = "1"
	}
	ttl := c.PsychicTTL
	if ttl <= 0 {
		ttl = defaultPsychicTTL
	}
	return c.Client.Set(ctx, psychicKey(psychicID), v, ttl).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	key = "ratelimit:" + key
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
