package rest

import (
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
)

type grantCreditsRequest struct {
	Credits int    `json:"credits" validate:"required,min=1,max=10000"`
	Reason  string `json:"reason" validate:"max=200"`
}

type sendMessageRequest struct {
	Body string `json:"body" validate:"required,max=2000"`
}

type pageResp[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type sessionResp struct {
	ID               uuid.UUID            `json:"id"`
	UserID           uuid.UUID            `json:"userId"`
	PsychicID        uuid.UUID            `json:"psychicId"`
	Status           domain.SessionStatus `json:"status"`
	FreeStartedAt    *time.Time           `json:"freeStartedAt,omitempty"`
	FreeEndsAt       *time.Time           `json:"freeEndsAt,omitempty"`
	PaidStartedAt    *time.Time           `json:"paidStartedAt,omitempty"`
	PaidMinuteEndsAt *time.Time           `json:"paidMinuteEndsAt,omitempty"`
	MinutesBilled    int                  `json:"minutesBilled"`
	CreditsSpent     int                  `json:"creditsSpent"`
	StoppedAt        *time.Time           `json:"stoppedAt,omitempty"`
	StopReason       *string              `json:"stopReason,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
}

func toSessionResp(s domain.Session) sessionResp {
	return sessionResp{
		ID:               s.ID,
		UserID:           s.UserID,
		PsychicID:        s.PsychicID,
		Status:           s.Status,
		FreeStartedAt:    s.FreeStartedAt,
		FreeEndsAt:       s.FreeEndsAt,
		PaidStartedAt:    s.PaidStartedAt,
		PaidMinuteEndsAt: s.PaidMinuteEndsAt,
		MinutesBilled:    s.MinutesBilled,
		CreditsSpent:     s.CreditsSpent,
		StoppedAt:        s.StoppedAt,
		StopReason:       s.StopReason,
		CreatedAt:        s.CreatedAt,
	}
}

func toSessionPage(items []domain.Session, next *domain.KeysetCursor) pageResp[sessionResp] {
	out := make([]sessionResp, 0, len(items))
	for _, s := range items {
		out = append(out, toSessionResp(s))
	}
	return pageResp[sessionResp]{Items: out, NextCursor: encodeCursor(next)}
}

func toMessagePage(items []domain.ChatMessage, next *domain.KeysetCursor) pageResp[domain.ChatMessage] {
	if items == nil {
		items = []domain.ChatMessage{}
	}
	return pageResp[domain.ChatMessage]{Items: items, NextCursor: encodeCursor(next)}
}

type walletResp struct {
	UserID          uuid.UUID `json:"userId"`
	Credits         int       `json:"credits"`
	FreeSessionUsed bool      `json:"freeSessionUsed"`
}

func toWalletResp(w domain.Wallet) walletResp {
	return walletResp{UserID: w.UserID, Credits: w.Credits, FreeSessionUsed: w.FreeSessionUsed}
}

type psychicResp struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	Specialty   string    `json:"specialty,omitempty"`
	Active      bool      `json:"active"`
}

func toPsychicResp(p domain.Psychic) psychicResp {
	return psychicResp{ID: p.ID, DisplayName: p.DisplayName, Specialty: p.Specialty, Active: p.Active}
}

type planResp struct {
	domain.Plan
	PricePerMinuteCents int `json:"price_per_minute_cents"`
}
