package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/contracts/event"
	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/metrics"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1

	queueName    = "session-service.inbound"
	consumerTag  = "session-service"
	prefetchSize = 10

	rkPaymentSucceeded = "payment.succeeded"
	rkPsychicUpserted  = "psychic.upserted"
)

// Inbox is the transactional surface the consumer writes through.
type Inbox interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
	CreditPaymentTx(ctx context.Context, tx pgx.Tx, traceID string, userID uuid.UUID, paymentID string, credits int) (domain.Wallet, bool, error)
	UpsertPsychicTx(ctx context.Context, tx pgx.Tx, p domain.Psychic) error
}

// Notifier is told about committed changes (push, cache refresh).
type Notifier interface {
	WalletCredited(ctx context.Context, w domain.Wallet, delta int)
	PsychicChanged(ctx context.Context, p domain.Psychic)
}

type Consumer struct {
	rabbitURL string
	exchange  string
	inbox     Inbox
	notify    Notifier
}

func NewConsumer(rabbitURL, exchange string, inbox Inbox, notify Notifier) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		inbox:     inbox,
		notify:    notify,
	}
}

// Start connects once (so misconfiguration surfaces at boot) and then keeps
// consuming in the background, re-dialing when the connection drops.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, closeFn, err := c.connect()
	if err != nil {
		return err
	}

	go func() {
		log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()
		backoff := time.Second

		for {
			c.consume(ctx, deliveries)
			closeFn()
			if ctx.Err() != nil {
				log.Info().Msg("stopped")
				return
			}

			for {
				log.Warn().Dur("retry_in", backoff).Msg("delivery channel closed; reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				deliveries, closeFn, err = c.connect()
				if err == nil {
					backoff = time.Second
					break
				}
				log.Error().Err(err).Msg("reconnect failed")
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		}
	}()
	return nil
}

func (c *Consumer) connect() (<-chan amqp.Delivery, func(), error) {
	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	closeFn := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		closeFn()
		return nil, nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	for _, rk := range []string{rkPaymentSucceeded, rkPsychicUpserted} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			closeFn()
			return nil, nil, err
		}
	}

	if err := ch.Qos(prefetchSize, 0, false); err != nil {
		closeFn()
		return nil, nil, err
	}

	deliveries, err := ch.Consume(q.Name, consumerTag, false, false, false, false, nil)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	logger.Logger.Info().Str("component", "rabbitmq_consumer").Str("queue", q.Name).Msg("consumer started")
	return deliveries, closeFn, nil
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			if err := c.handleDelivery(ctx, d.RoutingKey, d.MessageId, d.Body); err != nil {
				metrics.RecordMessageConsumed(d.RoutingKey, "requeued")
				_ = d.Nack(false, true) // transient => requeue
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, routingKey, amqpMessageID string, body []byte) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", routingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		metrics.RecordMessageConsumed(routingKey, "rejected")
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		metrics.RecordMessageConsumed(routingKey, "rejected")
		return nil
	}

	msgID := messageID(env.MessageID, amqpMessageID, routingKey, body)
	traceID := strings.TrimSpace(env.TraceID)

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", traceID).
		Logger()

	// atomic "dedupe fence + side effects" in the SAME DB tx;
	// after-commit effects run only when this delivery actually changed state
	var after func()
	processed, err := c.inbox.ProcessOnce(ctx, msgID, routingKey, func(tx pgx.Tx) error {
		var err error
		after, err = c.applyTx(ctx, tx, routingKey, env.Payload, traceID, log)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
		metrics.RecordMessageConsumed(routingKey, "duplicate")
		return nil
	}

	metrics.RecordMessageConsumed(routingKey, "processed")
	if after != nil {
		after()
	}
	return nil
}

// messageID prefers envelope.message_id, then AMQP MessageId, else a hash of the body.
func messageID(envID, amqpID, routingKey string, body []byte) string {
	if id := strings.TrimSpace(envID); id != "" {
		return id
	}
	if id := strings.TrimSpace(amqpID); id != "" {
		return id
	}
	h := sha256.Sum256(append([]byte(routingKey+"\n"), body...))
	return "hash:" + hex.EncodeToString(h[:])
}

// applyTx validates the payload and writes it inside tx.
// Malformed payloads are logged and dropped (nil error) so they are acked.
func (c *Consumer) applyTx(ctx context.Context, tx pgx.Tx, routingKey string, raw json.RawMessage, traceID string, log zerolog.Logger) (func(), error) {
	switch routingKey {
	case rkPaymentSucceeded:
		var p event.PaymentSucceededPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json; dropping")
			return nil, nil
		}
		uid, err := uuid.Parse(strings.TrimSpace(p.UserID))
		if err != nil {
			log.Warn().Err(err).Msg("invalid user_id; dropping")
			return nil, nil
		}
		if strings.TrimSpace(p.PaymentID) == "" {
			log.Warn().Msg("missing payment_id; dropping")
			return nil, nil
		}
		credits, ok := resolveCredits(p)
		if !ok {
			log.Warn().Str("plan", p.Plan).Msg("cannot resolve credits; dropping")
			return nil, nil
		}

		w, credited, err := c.inbox.CreditPaymentTx(ctx, tx, traceID, uid, p.PaymentID, credits)
		if err != nil {
			return nil, err
		}
		if !credited {
			log.Info().Str("payment_id", p.PaymentID).Msg("payment already credited")
			return nil, nil
		}
		log.Info().Str("payment_id", p.PaymentID).Int("credits", credits).Msg("wallet credited")
		return func() {
			metrics.RecordCreditsGranted("payment", credits)
			if c.notify != nil {
				c.notify.WalletCredited(ctx, w, credits)
			}
		}, nil

	case rkPsychicUpserted:
		var p event.PsychicUpsertedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json; dropping")
			return nil, nil
		}

		// tolerate legacy field
		idStr := strings.TrimSpace(p.PsychicID)
		if idStr == "" {
			idStr = strings.TrimSpace(p.ID)
		}
		pid, err := uuid.Parse(idStr)
		if err != nil {
			log.Warn().Err(err).Msg("invalid psychic_id; dropping")
			return nil, nil
		}
		name := strings.TrimSpace(p.DisplayName)
		if name == "" {
			log.Warn().Msg("missing display_name; dropping")
			return nil, nil
		}

		psychic := domain.Psychic{
			ID:          pid,
			DisplayName: name,
			Specialty:   strings.TrimSpace(p.Specialty),
			Active:      p.Active == nil || *p.Active,
		}
		if err := c.inbox.UpsertPsychicTx(ctx, tx, psychic); err != nil {
			return nil, err
		}
		return func() {
			if c.notify != nil {
				c.notify.PsychicChanged(ctx, psychic)
			}
		}, nil

	default:
		log.Warn().Msg("unknown routing key; ignoring")
		return nil, nil
	}
}

// resolveCredits uses the explicit credit count, falling back to the plan catalogue.
func resolveCredits(p event.PaymentSucceededPayload) (int, bool) {
	if p.Credits != nil {
		return *p.Credits, *p.Credits > 0
	}
	plan, ok := domain.PlanByName(p.Plan)
	if !ok {
		return 0, false
	}
	return plan.Credits, true
}
