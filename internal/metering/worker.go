package metering

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/metrics"
	appCtx "github.com/baechuer/psychic-connect/services/session-service/internal/pkg/context"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/baechuer/psychic-connect/services/session-service/internal/tracing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Publisher is told about every committed metering step.
type Publisher interface {
	Publish(ctx context.Context, tr domain.Transition)
}

// Worker is the once-per-second decrement loop. It ends expired free windows
// and bills paid minutes. Replicas may run it side by side: each step locks
// the wallet with SKIP LOCKED and re-checks the deadline.
type Worker struct {
	repo     domain.MeteringRepository
	pub      Publisher
	interval time.Duration
	batch    int
	now      func() time.Time
	log      zerolog.Logger
}

func NewWorker(repo domain.MeteringRepository, pub Publisher, interval time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Worker{
		repo:     repo,
		pub:      pub,
		interval: interval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Logger.With().Str("component", "metering_worker").Logger(),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.log.Info().Dur("interval", w.interval).Msg("metering worker started")
		for {
			select {
			case <-ctx.Done():
				w.log.Info().Msg("stopped")
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
}

// tick advances every due session once and returns how many changed.
func (w *Worker) tick(ctx context.Context) int {
	start := time.Now()
	now := w.now()

	ids, err := w.repo.DueSessions(ctx, now, w.batch)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("load due sessions")
		}
		return 0
	}

	if len(ids) == 0 {
		metrics.ObserveMeteringTick(time.Since(start), 0)
		return 0
	}

	// one trace id per tick groups the outbox rows it writes
	tickCtx := appCtx.WithRequestID(ctx, "metering-"+uuid.NewString())
	traceID := appCtx.TraceID(tickCtx)
	tickCtx, span := tracing.StartSpan(tickCtx, "metering.tick")
	defer span.End()

	changed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		tr, err := w.repo.AdvanceSession(tickCtx, traceID, id, now)
		if err != nil {
			if !errors.Is(err, domain.ErrSessionNotFound) {
				w.log.Warn().Err(err).Str("session_id", id.String()).Msg("advance session")
			}
			continue
		}
		if !tr.Changed() {
			continue
		}
		changed++
		if w.pub != nil {
			w.pub.Publish(tickCtx, tr)
		}
	}

	span.SetAttributes(attribute.Int("due", len(ids)), attribute.Int("changed", changed))
	metrics.ObserveMeteringTick(time.Since(start), len(ids))
	if changed > 0 {
		w.log.Debug().Int("due", len(ids)).Int("changed", changed).Msg("tick")
	}
	return changed
}
