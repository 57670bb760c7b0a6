package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/contracts/event"
	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const producerName = "session-service"

// Ledger reasons.
const (
	ledgerSessionMinute = "session_minute"
	ledgerPayment       = "payment"
	ledgerAdminGrant    = "admin_grant"
)

type Repository struct {
	pool   *pgxpool.Pool
	policy domain.Policy
}

func New(pool *pgxpool.Pool, policy domain.Policy) *Repository {
	return &Repository{pool: pool, policy: policy.Normalize()}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// -------------------------
// Deadlock policy:
// Always lock in this order (for the same user_id):
//   1) wallets row (FOR UPDATE; metering uses SKIP LOCKED)
//   2) sessions rows of that user (FOR UPDATE)
// The wallet row is the per-user mutex: start, stop, metering, payments and
// admin grants all serialize on it.
// -------------------------

func (r *Repository) GetStatus(ctx context.Context, traceID string, userID, psychicID uuid.UUID, now time.Time) (domain.Transition, error) {
	if _, err := r.GetPsychic(ctx, psychicID); err != nil {
		return domain.Transition{}, err
	}

	// fast path: nothing overdue, no locks needed
	w, err := r.GetWallet(ctx, userID)
	if err != nil {
		return domain.Transition{}, err
	}
	running, err := r.runningSession(ctx, r.pool, userID, false)
	if err != nil {
		return domain.Transition{}, err
	}
	if running == nil || !running.IsDue(now) {
		latest, err := r.latestSession(ctx, r.pool, userID, psychicID, false)
		if err != nil {
			return domain.Transition{}, err
		}
		return domain.Transition{Session: latest, Wallet: w, PsychicID: psychicID, Outcome: domain.OutcomeNone}, nil
	}

	var out domain.Transition
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		w, err := r.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		_, w, settled, err := r.settleRunningTx(ctx, tx, traceID, userID, w, now)
		if err != nil {
			return err
		}
		latest, err := r.latestSession(ctx, tx, userID, psychicID, false)
		if err != nil {
			return err
		}
		out = domain.Transition{Session: latest, Wallet: w, PsychicID: psychicID, Outcome: domain.OutcomeNone, Settled: settled}
		return nil
	})
	return out, err
}

func (r *Repository) StartFree(ctx context.Context, traceID string, userID, psychicID uuid.UUID, now time.Time) (domain.Transition, error) {
	var out domain.Transition
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := r.requireActivePsychic(ctx, tx, psychicID); err != nil {
			return err
		}

		w, err := r.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		running, w, settled, err := r.settleRunningTx(ctx, tx, traceID, userID, w, now)
		if err != nil {
			return err
		}

		tr, err := r.policy.StartFree(w, running, userID, psychicID, now)
		if err != nil {
			return err
		}
		if err := r.applyTx(ctx, tx, traceID, tr, true); err != nil {
			return err
		}
		tr.Settled = settled
		out = tr
		return nil
	})
	return out, err
}

func (r *Repository) StartPaid(ctx context.Context, traceID, idempotencyKey string, userID, psychicID uuid.UUID, now time.Time) (domain.Transition, error) {
	var out domain.Transition
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		replay, err := r.claimIdempotencyKey(ctx, tx, idempotencyKey, userID, psychicID, "start_paid")
		if err != nil {
			return err
		}
		if err := r.requireActivePsychic(ctx, tx, psychicID); err != nil {
			return err
		}

		w, err := r.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		running, w, settled, err := r.settleRunningTx(ctx, tx, traceID, userID, w, now)
		if err != nil {
			return err
		}

		if replay {
			// same request seen before: report state, mutate nothing
			latest, err := r.latestSession(ctx, tx, userID, psychicID, false)
			if err != nil {
				return err
			}
			out = domain.Transition{Session: latest, Wallet: w, PsychicID: psychicID, Outcome: domain.OutcomeNone, Settled: settled}
			return nil
		}

		tr, err := r.policy.StartPaid(w, running, userID, psychicID, now)
		if err != nil {
			return err
		}
		if err := r.applyTx(ctx, tx, traceID, tr, running == nil); err != nil {
			return err
		}
		tr.Settled = settled
		out = tr
		return nil
	})
	return out, err
}

func (r *Repository) Stop(ctx context.Context, traceID, idempotencyKey string, userID, psychicID uuid.UUID, now time.Time) (domain.Transition, error) {
	var out domain.Transition
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		replay, err := r.claimIdempotencyKey(ctx, tx, idempotencyKey, userID, psychicID, "stop")
		if err != nil {
			return err
		}

		w, err := r.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		s, err := r.latestSession(ctx, tx, userID, psychicID, true)
		if err != nil {
			return err
		}
		if s == nil {
			return domain.ErrSessionNotFound
		}
		if replay {
			out = domain.Transition{Session: s, Wallet: w, PsychicID: psychicID, Outcome: domain.OutcomeNone}
			return nil
		}

		var settled []domain.Transition
		if s.IsDue(now) {
			adv := r.policy.Advance(*s, w, now)
			if err := r.applyTx(ctx, tx, traceID, adv, false); err != nil {
				return err
			}
			if adv.Ended() {
				// the deadline passed before the stop arrived
				out = adv
				return nil
			}
			settled = append(settled, adv)
			s, w = adv.Session, adv.Wallet
		}

		tr, err := r.policy.UserStop(*s, w, now)
		if err != nil {
			return err
		}
		if err := r.applyTx(ctx, tx, traceID, tr, false); err != nil {
			return err
		}
		tr.Settled = settled
		out = tr
		return nil
	})
	return out, err
}

func (r *Repository) GetWallet(ctx context.Context, userID uuid.UUID) (domain.Wallet, error) {
	w := domain.Wallet{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT credits, free_session_used, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&w.Credits, &w.FreeSessionUsed, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// unknown users have an empty wallet and an unused free minute
		return w, nil
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

// -------------------------
// tx helpers
// -------------------------

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockWallet creates the wallet on first use and locks it.
func (r *Repository) lockWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (domain.Wallet, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, credits, free_session_used, created_at, updated_at)
		VALUES ($1, 0, FALSE, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return domain.Wallet{}, fmt.Errorf("ensure wallet: %w", err)
	}

	w := domain.Wallet{UserID: userID}
	err := tx.QueryRow(ctx, `
		SELECT credits, free_session_used, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&w.Credits, &w.FreeSessionUsed, &w.UpdatedAt)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("lock wallet: %w", err)
	}
	return w, nil
}

// settleRunningTx advances the user's running session if its deadline passed.
// Returns the session still running afterwards (nil if none).
func (r *Repository) settleRunningTx(ctx context.Context, tx pgx.Tx, traceID string, userID uuid.UUID, w domain.Wallet, now time.Time) (*domain.Session, domain.Wallet, []domain.Transition, error) {
	running, err := r.runningSession(ctx, tx, userID, true)
	if err != nil {
		return nil, w, nil, err
	}
	if running == nil || !running.IsDue(now) {
		return running, w, nil, nil
	}

	adv := r.policy.Advance(*running, w, now)
	if err := r.applyTx(ctx, tx, traceID, adv, false); err != nil {
		return nil, w, nil, err
	}
	if adv.Ended() {
		return nil, adv.Wallet, []domain.Transition{adv}, nil
	}
	return adv.Session, adv.Wallet, []domain.Transition{adv}, nil
}

// applyTx persists a transition: session row, wallet, ledger and outbox.
// insert selects INSERT over UPDATE for the session row.
func (r *Repository) applyTx(ctx context.Context, tx pgx.Tx, traceID string, tr domain.Transition, insert bool) error {
	if !tr.Changed() || tr.Session == nil {
		return nil
	}
	s := tr.Session

	if insert {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (
				id, user_id, psychic_id, status,
				free_started_at, free_ends_at, paid_started_at, paid_minute_ends_at,
				minutes_billed, credits_spent, stopped_at, stop_reason,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, s.ID, s.UserID, s.PsychicID, string(s.Status),
			s.FreeStartedAt, s.FreeEndsAt, s.PaidStartedAt, s.PaidMinuteEndsAt,
			s.MinutesBilled, s.CreditsSpent, s.StoppedAt, s.StopReason,
			s.CreatedAt, s.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrActiveSessionElsewhere
			}
			return fmt.Errorf("insert session: %w", err)
		}
	} else {
		_, err := tx.Exec(ctx, `
			UPDATE sessions
			SET status = $2,
			    free_ends_at = $3,
			    paid_started_at = $4,
			    paid_minute_ends_at = $5,
			    minutes_billed = $6,
			    credits_spent = $7,
			    stopped_at = $8,
			    stop_reason = $9,
			    updated_at = $10
			WHERE id = $1
		`, s.ID, string(s.Status), s.FreeEndsAt, s.PaidStartedAt, s.PaidMinuteEndsAt,
			s.MinutesBilled, s.CreditsSpent, s.StoppedAt, s.StopReason, s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}

	_, err := tx.Exec(ctx, `
		UPDATE wallets
		SET credits = $2, free_session_used = $3, updated_at = NOW()
		WHERE user_id = $1
	`, tr.Wallet.UserID, tr.Wallet.Credits, tr.Wallet.FreeSessionUsed)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}

	if tr.Debited != 0 {
		sid := s.ID
		err := insertLedger(ctx, tx, ledgerEntry{
			UserID:    tr.Wallet.UserID,
			Delta:     -tr.Debited,
			Balance:   tr.Wallet.Credits,
			Reason:    ledgerSessionMinute,
			SessionID: &sid,
		})
		if err != nil {
			return err
		}
	}

	stopReason := ""
	if s.StopReason != nil {
		stopReason = *s.StopReason
	}
	return insertOutbox(ctx, tx, traceID, tr.Outcome.RoutingKey(), event.SessionEventPayload{
		SessionID:     s.ID.String(),
		UserID:        s.UserID.String(),
		PsychicID:     s.PsychicID.String(),
		Status:        string(s.Status),
		Outcome:       string(tr.Outcome),
		MinutesBilled: s.MinutesBilled,
		CreditsSpent:  s.CreditsSpent,
		Debited:       tr.Debited,
		Balance:       tr.Wallet.Credits,
		StopReason:    stopReason,
	})
}

// claimIdempotencyKey records the key; replay=true when the same request was seen before.
func (r *Repository) claimIdempotencyKey(ctx context.Context, tx pgx.Tx, key string, userID, psychicID uuid.UUID, action string) (replay bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}

	var insertedKey string
	err = tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, user_id, psychic_id, action, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW() + INTERVAL '24 hours')
		ON CONFLICT (key) DO NOTHING
		RETURNING key
	`, key, userID, psychicID, action).Scan(&insertedKey)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	// Key exists. Verify payload.
	var existUser, existPsychic uuid.UUID
	var existAction string
	err = tx.QueryRow(ctx, `SELECT user_id, psychic_id, action FROM idempotency_keys WHERE key = $1`, key).
		Scan(&existUser, &existPsychic, &existAction)
	if err != nil {
		return false, err
	}
	if existUser != userID || existPsychic != psychicID || existAction != action {
		return false, domain.ErrIdempotencyKeyMismatch
	}
	return true, nil
}

type ledgerEntry struct {
	UserID    uuid.UUID
	Delta     int
	Balance   int
	Reason    string
	SessionID *uuid.UUID
	Reference *string
	ActorID   *uuid.UUID
	Note      string
}

func insertLedger(ctx context.Context, tx pgx.Tx, e ledgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (user_id, delta, balance_after, reason, session_id, reference, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, e.UserID, e.Delta, e.Balance, e.Reason, e.SessionID, e.Reference, e.ActorID, e.Note)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	return nil
}

func insertOutbox[T any](ctx context.Context, tx pgx.Tx, traceID, routingKey string, payload T) error {
	if routingKey == "" {
		return nil
	}
	messageID := uuid.New()
	env := event.DomainEventEnvelope[T]{
		Version:    1,
		Producer:   producerName,
		TraceID:    strings.TrimSpace(traceID),
		MessageID:  messageID.String(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		VALUES ($1, $2, $3, $4, NOW(), 'pending')
	`, messageID, env.TraceID, routingKey, body)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
