package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/metrics"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/baechuer/psychic-connect/services/session-service/internal/tracing"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	minRetryDelay = 5 * time.Second
	maxRetryDelay = 30 * time.Minute
)

var errNack = errors.New("broker nack")

// OutboxConfig tunes the publisher. Zero values take the defaults.
type OutboxConfig struct {
	RabbitURL   string
	Exchange    string
	BatchSize   int
	Poll        time.Duration
	Lease       time.Duration // how long a claimed row stays invisible to other workers
	ConfirmWait time.Duration
	MaxAttempts int
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Poll <= 0 {
		c.Poll = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 15 * time.Second
	}
	if c.ConfirmWait <= 0 {
		c.ConfirmWait = 600 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	return c
}

type outboxMsg struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// retryDelay doubles from 5s up to 30m and adds +/-10% jitter.
func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := maxRetryDelay
	if attempt < 10 {
		d = min(minRetryDelay<<attempt, maxRetryDelay)
	}
	return d + time.Duration(rand.Int63n(int64(d/5))) - d/10
}

// StartOutboxWorker publishes session.* and wallet.* rows to the exchange
// with default tuning.
func (r *Repository) StartOutboxWorker(ctx context.Context, rabbitURL, exchange string) {
	r.StartOutbox(ctx, OutboxConfig{RabbitURL: rabbitURL, Exchange: exchange})
}

// StartOutbox runs the publisher until ctx is done, redialing the broker
// after every connection loss.
func (r *Repository) StartOutbox(ctx context.Context, cfg OutboxConfig) {
	cfg = cfg.withDefaults()
	log := logger.Logger.With().Str("component", "outbox_worker").Logger()

	go func() {
		for failures := 0; ; failures++ {
			err := r.runOutbox(ctx, cfg, log)
			if ctx.Err() != nil {
				log.Info().Msg("stopped")
				return
			}
			wait := min(retryDelay(failures), time.Minute)
			log.Error().Err(err).Dur("retry_in", wait).Msg("outbox publisher down; reconnecting")

			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (r *Repository) runOutbox(ctx context.Context, cfg OutboxConfig, log zerolog.Logger) error {
	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	pub, err := newConfirmPublisher(conn, cfg)
	if err != nil {
		return err
	}
	defer pub.ch.Close()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	log.Info().Str("exchange", cfg.Exchange).Msg("outbox publisher connected")

	poll := time.NewTicker(cfg.Poll)
	defer poll.Stop()

	var quiet logThrottle
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case <-poll.C:
			err := r.flushOutbox(ctx, pub, cfg, log)
			if err != nil && quiet.allow(err) {
				log.Warn().Err(err).Msg("outbox flush failed")
			}
		}
	}
}

// logThrottle suppresses a repeated error for ten seconds.
type logThrottle struct {
	last string
	at   time.Time
}

func (t *logThrottle) allow(err error) bool {
	if err.Error() == t.last && time.Since(t.at) < 10*time.Second {
		return false
	}
	t.last, t.at = err.Error(), time.Now()
	return true
}

// flushOutbox leases one batch and publishes it row by row.
func (r *Repository) flushOutbox(ctx context.Context, pub *confirmPublisher, cfg OutboxConfig, log zerolog.Logger) error {
	batch, err := r.claimOutbox(ctx, cfg.BatchSize, cfg.Lease)
	if err != nil || len(batch) == 0 {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "outbox.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("batch", len(batch)))

	for _, m := range batch {
		if err := pub.publish(ctx, m); err != nil {
			r.failOutbox(ctx, m, cfg.MaxAttempts, err.Error(), log)
			continue
		}
		if _, err := r.pool.Exec(ctx, `UPDATE outbox SET status = 'sent', last_error = NULL WHERE id = $1`, m.ID); err != nil {
			// the row is re-published after the lease; consumers dedupe on message id
			log.Warn().Err(err).Str("outbox_id", m.ID.String()).Msg("mark sent failed")
			continue
		}
		metrics.RecordOutboxPublish("sent")
		log.Debug().
			Str("message_id", m.MessageID.String()).
			Str("routing_key", m.RoutingKey).
			Str("trace_id", m.TraceID).
			Msg("published")
	}
	return nil
}

// claimOutbox pushes next_retry_at of due rows past the lease in a single
// statement, so concurrent workers never pick the same rows and no row lock
// is held while publishing.
func (r *Repository) claimOutbox(ctx context.Context, limit int, lease time.Duration) ([]outboxMsg, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox o
		SET next_retry_at = NOW() + make_interval(secs => $2)
		FROM (
			SELECT id
			FROM outbox
			WHERE status = 'pending'
			  AND next_retry_at <= NOW()
			ORDER BY next_retry_at, occurred_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due
		WHERE o.id = due.id
		RETURNING o.id, o.message_id, o.trace_id, o.routing_key, o.payload, o.attempt
	`, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var out []outboxMsg
	for rows.Next() {
		var m outboxMsg
		if err := rows.Scan(&m.ID, &m.MessageID, &m.TraceID, &m.RoutingKey, &m.Payload, &m.Attempt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) failOutbox(ctx context.Context, m outboxMsg, maxAttempts int, reason string, log zerolog.Logger) {
	attempt := m.Attempt + 1
	dead := attempt >= maxAttempts
	delay := retryDelay(attempt)

	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2,
		    last_error = $3,
		    status = CASE WHEN $4 THEN 'dead' ELSE status END,
		    next_retry_at = NOW() + make_interval(secs => $5)
		WHERE id = $1
	`, m.ID, attempt, reason, dead, delay.Seconds())
	if err != nil {
		log.Warn().Err(err).Str("outbox_id", m.ID.String()).Msg("record outbox failure")
	}

	ev := log.Warn()
	result := "retry"
	if dead {
		ev = log.Error()
		result = "dead"
	}
	metrics.RecordOutboxPublish(result)
	ev.Str("message_id", m.MessageID.String()).
		Str("routing_key", m.RoutingKey).
		Int("attempt", attempt).
		Str("reason", reason).
		Bool("dead", dead).
		Dur("retry_in", delay).
		Msg("outbox publish failed")
}

// confirmPublisher publishes mandatory messages on a channel in confirm mode.
type confirmPublisher struct {
	ch       *amqp.Channel
	exchange string
	wait     time.Duration
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
}

func newConfirmPublisher(conn *amqp.Connection, cfg OutboxConfig) (*confirmPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &confirmPublisher{
		ch:       ch,
		exchange: cfg.Exchange,
		wait:     cfg.ConfirmWait,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 64)),
	}, nil
}

// publish blocks until the broker confirms m. An unroutable message comes
// back as a Return before its confirm and counts as a failure.
func (p *confirmPublisher) publish(ctx context.Context, m outboxMsg) error {
	p.drain()

	err := p.ch.PublishWithContext(ctx, p.exchange, m.RoutingKey, true, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          m.Payload,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     m.MessageID.String(),
		CorrelationId: m.TraceID,
		AppId:         producerName,
		Type:          m.RoutingKey,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	timeout := time.NewTimer(p.wait)
	defer timeout.Stop()
	for {
		select {
		case ret := <-p.returns:
			return fmt.Errorf("unroutable: code=%d text=%s rk=%s", ret.ReplyCode, ret.ReplyText, ret.RoutingKey)
		case c := <-p.confirms:
			if !c.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", errNack, c.DeliveryTag)
			}
			return nil
		case <-timeout.C:
			return errors.New("confirm timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain discards notifications left over from a previous timed-out publish.
func (p *confirmPublisher) drain() {
	for {
		select {
		case <-p.returns:
		case <-p.confirms:
		default:
			return
		}
	}
}
