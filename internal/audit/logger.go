package audit

import (
	"context"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	appCtx "github.com/baechuer/psychic-connect/services/session-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for business events
type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// SessionTransition logs one applied state change. Unchanged transitions are skipped.
func (l *Logger) SessionTransition(ctx context.Context, tr domain.Transition, idempotencyKey string) {
	if !tr.Changed() || tr.Session == nil {
		return
	}
	ev := l.log.Info()
	if tr.Outcome == domain.OutcomeCreditsExhausted {
		ev = l.log.Warn()
	}
	ev.Str("action", string(tr.Outcome)).
		Str("session_id", tr.Session.ID.String()).
		Str("user_id", tr.Session.UserID.String()).
		Str("psychic_id", tr.PsychicID.String()).
		Str("status", string(tr.Session.Status)).
		Int("debited", tr.Debited).
		Int("balance", tr.Wallet.Credits).
		Str("idempotency_key", idempotencyKey).
		Str("trace_id", appCtx.TraceID(ctx)).
		Msg("Session transition")
}

// CreditsGranted logs a manual top-up by an operator.
func (l *Logger) CreditsGranted(ctx context.Context, userID, actorID uuid.UUID, credits, balance int, reason string) {
	l.log.Warn().
		Str("action", "credits_granted").
		Str("user_id", userID.String()).
		Str("actor_user_id", actorID.String()).
		Int("credits", credits).
		Int("balance", balance).
		Str("reason", reason).
		Str("trace_id", appCtx.TraceID(ctx)).
		Msg("Credits granted")
}

func (l *Logger) PaymentCredited(ctx context.Context, userID uuid.UUID, credits, balance int) {
	l.log.Info().
		Str("action", "payment_credited").
		Str("user_id", userID.String()).
		Int("credits", credits).
		Int("balance", balance).
		Msg("Payment credited")
}

// ForceStopped logs when an operator ends someone else's session
func (l *Logger) ForceStopped(ctx context.Context, sessionID, targetID, actorID uuid.UUID) {
	l.log.Warn().
		Str("action", "force_stopped").
		Str("session_id", sessionID.String()).
		Str("target_user_id", targetID.String()).
		Str("actor_user_id", actorID.String()).
		Str("trace_id", appCtx.TraceID(ctx)).
		Msg("Session force stopped")
}
