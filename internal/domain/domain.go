package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusNew                 SessionStatus = "new"
	StatusFree                SessionStatus = "free"
	StatusPaid                SessionStatus = "paid"
	StatusStopped             SessionStatus = "stopped"
	StatusInsufficientCredits SessionStatus = "insufficient_credits"
)

// Running reports whether the status is one of the metered states.
func (s SessionStatus) Running() bool {
	return s == StatusFree || s == StatusPaid
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusNew, StatusFree, StatusPaid, StatusStopped, StatusInsufficientCredits:
		return true
	}
	return false
}

// Stop reasons persisted on the session row.
const (
	ReasonUserStopped         = "user_stopped"
	ReasonFreeExpired         = "free_expired"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonAdminStopped        = "admin_stopped"
	ReasonUpgradedToPaid      = "upgraded_to_paid"
)

var (
	ErrPsychicNotFound    = errors.New("psychic not found")
	ErrPsychicUnavailable = errors.New("psychic is unavailable")
	ErrSessionNotFound    = errors.New("session not found")

	ErrFreeSessionUsed        = errors.New("free minute already used")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrActiveSessionElsewhere = errors.New("session active with another psychic")
	ErrSessionAlreadyActive   = errors.New("session already active")
	ErrSessionNotActive       = errors.New("session not active")
	ErrFreeSessionRunning     = errors.New("free minute cannot be stopped")
	ErrSessionLocked          = errors.New("session or wallet is locked")

	ErrForbidden              = errors.New("forbidden")
	ErrCacheMiss              = errors.New("cache miss")
	ErrIdempotencyKeyMismatch = errors.New("idempotency key reused with different payload")
	ErrInvalidCredits         = errors.New("credits must be positive")
	ErrInvalidMessage         = errors.New("message body is empty or too long")
)

type KeysetCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	PsychicID uuid.UUID
	Status    SessionStatus

	FreeStartedAt    *time.Time
	FreeEndsAt       *time.Time
	PaidStartedAt    *time.Time
	PaidMinuteEndsAt *time.Time

	MinutesBilled int
	CreditsSpent  int

	StoppedAt  *time.Time
	StopReason *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Wallet struct {
	UserID          uuid.UUID
	Credits         int
	FreeSessionUsed bool
	UpdatedAt       time.Time
}

type Psychic struct {
	ID          uuid.UUID
	DisplayName string
	Specialty   string
	Active      bool
	UpdatedAt   time.Time
}

type Sender string

const (
	SenderUser    Sender = "user"
	SenderPsychic Sender = "psychic"
)

// ChatMessage doubles as the "message" push payload.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	UserID    uuid.UUID `json:"userId"`
	PsychicID uuid.UUID `json:"psychicId"`
	Sender    Sender    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

const MaxMessageLength = 2000

// SessionRepository owns transactions, row locks, the credit ledger and the outbox.
type SessionRepository interface {
	GetStatus(ctx context.Context, traceID string, userID, psychicID uuid.UUID, now time.Time) (Transition, error)
	StartFree(ctx context.Context, traceID string, userID, psychicID uuid.UUID, now time.Time) (Transition, error)
	StartPaid(ctx context.Context, traceID, idempotencyKey string, userID, psychicID uuid.UUID, now time.Time) (Transition, error)
	Stop(ctx context.Context, traceID, idempotencyKey string, userID, psychicID uuid.UUID, now time.Time) (Transition, error)

	GetWallet(ctx context.Context, userID uuid.UUID) (Wallet, error)
	GetPsychic(ctx context.Context, psychicID uuid.UUID) (Psychic, error)
	ListPsychics(ctx context.Context, onlyActive bool) ([]Psychic, error)

	// Reads
	ListMySessions(ctx context.Context, userID uuid.UUID, statuses []SessionStatus, limit int, cursor *KeysetCursor) ([]Session, *KeysetCursor, error)
	ListPsychicSessions(ctx context.Context, psychicID uuid.UUID, statuses []SessionStatus, limit int, cursor *KeysetCursor) ([]Session, *KeysetCursor, error)

	// Chat
	InsertMessage(ctx context.Context, msg ChatMessage, now time.Time) (ChatMessage, error)
	ListMessages(ctx context.Context, userID, psychicID uuid.UUID, limit int, cursor *KeysetCursor) ([]ChatMessage, *KeysetCursor, error)

	// Admin
	GrantCredits(ctx context.Context, traceID string, userID, actorID uuid.UUID, credits int, reason string) (Wallet, error)
	ForceStop(ctx context.Context, traceID string, sessionID, actorID uuid.UUID, now time.Time) (Transition, error)
}

// MeteringRepository is the narrow surface used by the decrement worker.
type MeteringRepository interface {
	DueSessions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	AdvanceSession(ctx context.Context, traceID string, sessionID uuid.UUID, now time.Time) (Transition, error)
}

type CacheRepository interface {
	GetPsychicActive(ctx context.Context, psychicID uuid.UUID) (bool, error)
	SetPsychicActive(ctx context.Context, psychicID uuid.UUID, active bool) error

	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Locker serializes start/stop requests of one user across replicas.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
