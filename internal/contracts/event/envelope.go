package event

import "time"

// DomainEventEnvelope is the canonical envelope consumed across services.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// PaymentSucceededPayload is emitted by the payment service once a package purchase settles.
// Credits may be omitted by older producers; the plan name is resolved against the catalogue then.
type PaymentSucceededPayload struct {
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	Plan      string `json:"plan,omitempty"`
	Credits   *int   `json:"credits,omitempty"` // pointer so we can detect missing
}

// PsychicUpsertedPayload is a full profile snapshot from the catalogue service.
// Accept both psychic_id and legacy id for robustness.
type PsychicUpsertedPayload struct {
	PsychicID   string `json:"psychic_id,omitempty"`
	ID          string `json:"id,omitempty"` // legacy / older producer
	DisplayName string `json:"display_name"`
	Specialty   string `json:"specialty,omitempty"`
	Active      *bool  `json:"active,omitempty"` // missing means active
}

// SessionEventPayload is published for every session.* routing key.
type SessionEventPayload struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	PsychicID     string `json:"psychic_id"`
	Status        string `json:"status"`
	Outcome       string `json:"outcome"`
	MinutesBilled int    `json:"minutes_billed"`
	CreditsSpent  int    `json:"credits_spent"`
	Debited       int    `json:"debited,omitempty"`
	Balance       int    `json:"balance"`
	StopReason    string `json:"stop_reason,omitempty"`
}

// WalletCreditedPayload is published for wallet.credited.
type WalletCreditedPayload struct {
	UserID    string `json:"user_id"`
	Delta     int    `json:"delta"`
	Balance   int    `json:"balance"`
	Reason    string `json:"reason"`
	Reference string `json:"reference,omitempty"`
}
