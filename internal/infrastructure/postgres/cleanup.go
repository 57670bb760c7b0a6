package postgres

import (
	"context"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
)

const (
	processedMessagesRetention = 7 * 24 * time.Hour
	sentOutboxRetention        = 3 * 24 * time.Hour
)

// StartCleanup periodically deletes expired idempotency keys, old inbox
// markers and published outbox rows to prevent unbounded table growth.
func (r *Repository) StartCleanup(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	go func() {
		log := logger.Logger.With().Str("component", "cleanup").Logger()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		// Run once immediately on startup
		r.cleanup(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.cleanup(ctx)
			}
		}
	}()
}

func (r *Repository) cleanup(ctx context.Context) {
	log := logger.Logger.With().Str("component", "cleanup").Logger()

	jobs := []struct {
		name string
		sql  string
		args []any
	}{
		{"idempotency_keys", `DELETE FROM idempotency_keys WHERE expires_at < NOW()`, nil},
		{"processed_messages", `DELETE FROM processed_messages WHERE processed_at < $1`, []any{time.Now().Add(-processedMessagesRetention)}},
		{"outbox", `DELETE FROM outbox WHERE status = 'sent' AND occurred_at < $1`, []any{time.Now().Add(-sentOutboxRetention)}},
	}

	for _, j := range jobs {
		result, err := r.pool.Exec(ctx, j.sql, j.args...)
		if err != nil {
			log.Warn().Err(err).Str("table", j.name).Msg("cleanup failed")
			continue
		}
		if n := result.RowsAffected(); n > 0 {
			log.Info().Str("table", j.name).Int64("deleted", n).Msg("cleaned up")
		}
	}
}
