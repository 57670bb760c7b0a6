package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/baechuer/psychic-connect/services/session-service/internal/audit"
	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/metrics"
	appCtx "github.com/baechuer/psychic-connect/services/session-service/internal/pkg/context"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/google/uuid"
)

// SessionService sits between the HTTP handlers and the repository. The
// repository owns correctness (row locks, ledger, outbox); this layer adds the
// per-user Redis lock, the availability fast-fail and push fan-out.
//
// cache, locker, push and audit are optional.
type SessionService struct {
	repo    domain.SessionRepository
	cache   domain.CacheRepository
	locker  domain.Locker
	push    domain.PushPublisher
	audit   *audit.Logger
	lockTTL time.Duration
	now     func() time.Time
}

func NewSessionService(repo domain.SessionRepository, cache domain.CacheRepository, locker domain.Locker, push domain.PushPublisher, auditLog *audit.Logger, lockTTL time.Duration) *SessionService {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &SessionService{
		repo:    repo,
		cache:   cache,
		locker:  locker,
		push:    push,
		audit:   auditLog,
		lockTTL: lockTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock (tests).
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

func isAdmin(role string) bool {
	return strings.EqualFold(strings.TrimSpace(role), "admin")
}

// -------------------------
// session endpoints
// -------------------------

func (s *SessionService) Status(ctx context.Context, userID, psychicID uuid.UUID) (domain.Snapshot, error) {
	now := s.now()
	tr, err := s.repo.GetStatus(ctx, appCtx.TraceID(ctx), userID, psychicID, now)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.Publish(ctx, tr)
	return tr.Snapshot(now), nil
}

func (s *SessionService) StartFree(ctx context.Context, userID, psychicID uuid.UUID) (domain.Snapshot, error) {
	if err := s.fastFailPsychic(ctx, psychicID); err != nil {
		return domain.Snapshot{}, err
	}
	release, err := s.lockUser(ctx, userID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer release()

	now := s.now()
	tr, err := s.repo.StartFree(ctx, appCtx.TraceID(ctx), userID, psychicID, now)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.publish(ctx, tr, "")
	return tr.Snapshot(now), nil
}

func (s *SessionService) StartPaid(ctx context.Context, idempotencyKey string, userID, psychicID uuid.UUID) (domain.Snapshot, error) {
	if err := s.fastFailPsychic(ctx, psychicID); err != nil {
		return domain.Snapshot{}, err
	}
	release, err := s.lockUser(ctx, userID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer release()

	now := s.now()
	tr, err := s.repo.StartPaid(ctx, appCtx.TraceID(ctx), idempotencyKey, userID, psychicID, now)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.publish(ctx, tr, idempotencyKey)
	return tr.Snapshot(now), nil
}

// Stop does not consult the availability cache: a session must be stoppable
// after its psychic went offline.
func (s *SessionService) Stop(ctx context.Context, idempotencyKey string, userID, psychicID uuid.UUID) (domain.Snapshot, error) {
	release, err := s.lockUser(ctx, userID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer release()

	now := s.now()
	tr, err := s.repo.Stop(ctx, appCtx.TraceID(ctx), idempotencyKey, userID, psychicID, now)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.publish(ctx, tr, idempotencyKey)
	return tr.Snapshot(now), nil
}

// -------------------------
// reads
// -------------------------

func (s *SessionService) Wallet(ctx context.Context, userID uuid.UUID) (domain.Wallet, error) {
	return s.repo.GetWallet(ctx, userID)
}

func (s *SessionService) Plans() []domain.Plan {
	return domain.Plans()
}

func (s *SessionService) Psychics(ctx context.Context) ([]domain.Psychic, error) {
	return s.repo.ListPsychics(ctx, true)
}

func (s *SessionService) GetPsychic(ctx context.Context, psychicID uuid.UUID) (domain.Psychic, error) {
	return s.repo.GetPsychic(ctx, psychicID)
}

func (s *SessionService) ListMySessions(ctx context.Context, userID uuid.UUID, statuses []domain.SessionStatus, limit int, cursor *domain.KeysetCursor) ([]domain.Session, *domain.KeysetCursor, error) {
	return s.repo.ListMySessions(ctx, userID, statuses, limit, cursor)
}

// ListPsychicSessions is open to the psychic itself (account id == psychic id) and admins.
func (s *SessionService) ListPsychicSessions(ctx context.Context, psychicID, requesterID uuid.UUID, role string, statuses []domain.SessionStatus, limit int, cursor *domain.KeysetCursor) ([]domain.Session, *domain.KeysetCursor, error) {
	if requesterID != psychicID && !isAdmin(role) {
		return nil, nil, domain.ErrForbidden
	}
	return s.repo.ListPsychicSessions(ctx, psychicID, statuses, limit, cursor)
}

// -------------------------
// chat
// -------------------------

// SendMessage stores a line of the (user, psychic) conversation and pushes it
// to both sides. Writing requires a live session.
func (s *SessionService) SendMessage(ctx context.Context, sender domain.Sender, userID, psychicID uuid.UUID, body string) (domain.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" || utf8.RuneCountInString(body) > domain.MaxMessageLength {
		return domain.ChatMessage{}, domain.ErrInvalidMessage
	}

	msg, err := s.repo.InsertMessage(ctx, domain.ChatMessage{
		UserID:    userID,
		PsychicID: psychicID,
		Sender:    sender,
		Body:      body,
	}, s.now())
	if err != nil {
		return domain.ChatMessage{}, err
	}

	s.emit(ctx, domain.EventMessage, msg, domain.UserTopic(userID), domain.PsychicTopic(psychicID))
	return msg, nil
}

func (s *SessionService) ListMessages(ctx context.Context, userID, psychicID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.ChatMessage, *domain.KeysetCursor, error) {
	return s.repo.ListMessages(ctx, userID, psychicID, limit, cursor)
}

// -------------------------
// admin
// -------------------------

func (s *SessionService) GrantCredits(ctx context.Context, userID, actorID uuid.UUID, role string, credits int, reason string) (domain.Wallet, error) {
	if !isAdmin(role) {
		return domain.Wallet{}, domain.ErrForbidden
	}
	w, err := s.repo.GrantCredits(ctx, appCtx.TraceID(ctx), userID, actorID, credits, reason)
	if err != nil {
		return domain.Wallet{}, err
	}
	metrics.RecordCreditsGranted("admin", credits)
	if s.audit != nil {
		s.audit.CreditsGranted(ctx, userID, actorID, credits, w.Credits, reason)
	}
	s.emitCredits(ctx, w)
	return w, nil
}

func (s *SessionService) ForceStop(ctx context.Context, sessionID, actorID uuid.UUID, role string) (domain.Snapshot, error) {
	if !isAdmin(role) {
		return domain.Snapshot{}, domain.ErrForbidden
	}
	now := s.now()
	tr, err := s.repo.ForceStop(ctx, appCtx.TraceID(ctx), sessionID, actorID, now)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if s.audit != nil && tr.Changed() && tr.Session != nil {
		s.audit.ForceStopped(ctx, sessionID, tr.Session.UserID, actorID)
	}
	s.Publish(ctx, tr)
	return tr.Snapshot(now), nil
}

// -------------------------
// inbound notifications (rabbitmq consumer, after commit)
// -------------------------

func (s *SessionService) WalletCredited(ctx context.Context, w domain.Wallet, delta int) {
	if s.audit != nil {
		s.audit.PaymentCredited(ctx, w.UserID, delta, w.Credits)
	}
	s.emitCredits(ctx, w)
}

func (s *SessionService) PsychicChanged(ctx context.Context, p domain.Psychic) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetPsychicActive(ctx, p.ID, p.Active); err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("psychic_id", p.ID.String()).Msg("refresh availability cache")
	}
}

// -------------------------
// push
// -------------------------

// Publish records and pushes a committed transition, settled steps first.
func (s *SessionService) Publish(ctx context.Context, tr domain.Transition) {
	s.publish(ctx, tr, "")
}

func (s *SessionService) publish(ctx context.Context, tr domain.Transition, idempotencyKey string) {
	for _, st := range tr.Settled {
		s.publishOne(ctx, st, "")
	}
	s.publishOne(ctx, tr, idempotencyKey)
}

func (s *SessionService) publishOne(ctx context.Context, tr domain.Transition, idempotencyKey string) {
	if !tr.Changed() || tr.Session == nil {
		return
	}
	metrics.RecordTransition(string(tr.Outcome), tr.Debited)
	if s.audit != nil {
		s.audit.SessionTransition(ctx, tr, idempotencyKey)
	}

	snap := tr.Snapshot(s.now())
	s.emit(ctx, domain.EventSessionUpdate, snap, domain.UserTopic(tr.Session.UserID), domain.PsychicTopic(tr.PsychicID))
	if tr.CreditsChanged() {
		s.emitCredits(ctx, tr.Wallet)
	}
}

func (s *SessionService) emitCredits(ctx context.Context, w domain.Wallet) {
	s.emit(ctx, domain.EventCreditsUpdate, domain.CreditsUpdate{UserID: w.UserID, Credits: w.Credits}, domain.UserTopic(w.UserID))
}

// emit is best effort: clients reconcile by polling.
func (s *SessionService) emit(ctx context.Context, name string, data any, topics ...string) {
	if s.push == nil {
		return
	}
	ev, err := domain.NewPushEvent(name, data, topics...)
	if err == nil {
		err = s.push.Push(ctx, ev)
	}
	if err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("event", name).Msg("push failed")
	}
}

// -------------------------
// guards
// -------------------------

// fastFailPsychic rejects unavailable psychics before any lock is taken.
// Redis errors are ignored; the repository re-checks under a row lock.
func (s *SessionService) fastFailPsychic(ctx context.Context, psychicID uuid.UUID) error {
	if s.cache == nil {
		return nil
	}
	active, err := s.cache.GetPsychicActive(ctx, psychicID)
	if err == nil {
		if !active {
			return domain.ErrPsychicUnavailable
		}
		return nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		return nil
	}

	p, err := s.repo.GetPsychic(ctx, psychicID)
	if err != nil {
		return err
	}
	if err := s.cache.SetPsychicActive(ctx, psychicID, p.Active); err != nil {
		logger.WithCtx(ctx).Debug().Err(err).Msg("warm availability cache")
	}
	if !p.Active {
		return domain.ErrPsychicUnavailable
	}
	return nil
}

func (s *SessionService) lockUser(ctx context.Context, userID uuid.UUID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, "session:"+userID.String(), s.lockTTL)
}
