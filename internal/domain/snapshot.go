package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the status shape shared by GET /api/session-status and the
// sessionUpdate push event.
type Snapshot struct {
	PsychicID         uuid.UUID     `json:"psychicId"`
	UserID            uuid.UUID     `json:"userId"`
	SessionID         *uuid.UUID    `json:"sessionId,omitempty"`
	IsFree            bool          `json:"isFree"`
	RemainingFreeTime int           `json:"remainingFreeTime"`
	PaidTimer         int           `json:"paidTimer"`
	Credits           int           `json:"credits"`
	Status            SessionStatus `json:"status"`
	FreeSessionUsed   bool          `json:"freeSessionUsed"`
	ShowFeedbackModal bool          `json:"showFeedbackModal,omitempty"`
}

// CreditsUpdate is the creditsUpdate push payload.
type CreditsUpdate struct {
	UserID  uuid.UUID `json:"userId"`
	Credits int       `json:"credits"`
}

// BuildSnapshot renders the latest session of a (user, psychic) pair.
// A nil session reports status "new".
func BuildSnapshot(latest *Session, w Wallet, psychicID uuid.UUID, now time.Time) Snapshot {
	snap := Snapshot{
		PsychicID:       psychicID,
		UserID:          w.UserID,
		Credits:         w.Credits,
		Status:          StatusNew,
		FreeSessionUsed: w.FreeSessionUsed,
	}
	if latest == nil {
		return snap
	}

	id := latest.ID
	snap.SessionID = &id
	snap.Status = latest.Status

	switch latest.Status {
	case StatusFree:
		snap.IsFree = true
		if latest.FreeEndsAt != nil {
			snap.RemainingFreeTime = secondsLeft(*latest.FreeEndsAt, now)
		}
	case StatusPaid:
		if latest.PaidMinuteEndsAt != nil {
			snap.PaidTimer = secondsLeft(*latest.PaidMinuteEndsAt, now)
		}
	}
	return snap
}

// TimerActive mirrors the chat view: the countdown runs during the free window
// and while a paid minute has time left.
func (s Snapshot) TimerActive() bool {
	return s.IsFree || (s.Status == StatusPaid && s.PaidTimer > 0)
}

// TimerSeconds is the value the countdown should display.
func (s Snapshot) TimerSeconds() int {
	if s.IsFree {
		return s.RemainingFreeTime
	}
	return s.PaidTimer
}

func secondsLeft(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
