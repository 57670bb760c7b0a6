package redis

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a single-instance SET NX PX lock.
// Postgres row locks stay authoritative; this only turns concurrent clicks into a fast 423.
type Locker struct {
	Client *redis.Client
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{Client: rdb}
}

// Acquire returns domain.ErrSessionLocked when the key is held.
// A Redis outage fails open: the request proceeds without the lock.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	key = "lock:" + key
	token := uuid.NewString()

	ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logger.Logger.Warn().Err(err).Str("key", key).Msg("lock unavailable; proceeding without it")
		return func() {}, nil
	}
	if !ok {
		return nil, domain.ErrSessionLocked
	}

	return func() {
		// release on a fresh context: the request context may already be canceled
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.Client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logger.Logger.Warn().Err(err).Str("key", key).Msg("lock release failed")
		}
	}, nil
}
