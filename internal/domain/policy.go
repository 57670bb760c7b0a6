package domain

import (
	"time"

	"github.com/google/uuid"
)

// Policy holds the metering parameters.
//
// Semantics:
//   - a user gets one free window per account, usable with any psychic
//   - a paid session is billed per started minute, CreditsPerMinute up front
//   - at most one running session per user
type Policy struct {
	FreeWindow       time.Duration
	PaidMinute       time.Duration
	CreditsPerMinute int
}

func DefaultPolicy() Policy {
	return Policy{
		FreeWindow:       60 * time.Second,
		PaidMinute:       60 * time.Second,
		CreditsPerMinute: 1,
	}
}

// Normalize replaces non-positive values with defaults.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.FreeWindow <= 0 {
		p.FreeWindow = def.FreeWindow
	}
	if p.PaidMinute <= 0 {
		p.PaidMinute = def.PaidMinute
	}
	if p.CreditsPerMinute <= 0 {
		p.CreditsPerMinute = def.CreditsPerMinute
	}
	return p
}

type Outcome string

const (
	OutcomeNone             Outcome = "none"
	OutcomeFreeStarted      Outcome = "free_started"
	OutcomePaidStarted      Outcome = "paid_started"
	OutcomeUpgraded         Outcome = "upgraded"
	OutcomeStopped          Outcome = "stopped"
	OutcomeFreeExpired      Outcome = "free_expired"
	OutcomeMinuteDebited    Outcome = "minute_debited"
	OutcomeCreditsExhausted Outcome = "credits_exhausted"
)

// RoutingKey is the outbox routing key for the outcome, empty for OutcomeNone.
func (o Outcome) RoutingKey() string {
	if o == OutcomeNone || o == "" {
		return ""
	}
	return "session." + string(o)
}

// Transition is the result of a state change on one (user, psychic) pair.
// Session is nil when the pair never had a session.
type Transition struct {
	Session   *Session
	Wallet    Wallet
	PsychicID uuid.UUID
	Outcome   Outcome
	Debited   int

	// Settled holds metering steps applied to overdue sessions before the
	// requested change, oldest first.
	Settled []Transition
}

func (t Transition) Changed() bool {
	return t.Outcome != "" && t.Outcome != OutcomeNone
}

// CreditsChanged reports whether a creditsUpdate push is due.
func (t Transition) CreditsChanged() bool {
	return t.Debited != 0
}

// Ended reports whether the transition closed a session.
func (t Transition) Ended() bool {
	switch t.Outcome {
	case OutcomeStopped, OutcomeFreeExpired, OutcomeCreditsExhausted:
		return true
	}
	return false
}

// Snapshot builds the wire status for this transition.
func (t Transition) Snapshot(now time.Time) Snapshot {
	snap := BuildSnapshot(t.Session, t.Wallet, t.PsychicID, now)
	if t.Ended() && t.Session != nil && t.Session.MinutesBilled > 0 {
		snap.ShowFeedbackModal = true
	}
	return snap
}

// IsDue reports whether the session has a deadline at or before now.
func (s Session) IsDue(now time.Time) bool {
	switch s.Status {
	case StatusFree:
		return s.FreeEndsAt != nil && !now.Before(*s.FreeEndsAt)
	case StatusPaid:
		return s.PaidMinuteEndsAt != nil && !now.Before(*s.PaidMinuteEndsAt)
	}
	return false
}

// IsLive reports whether the session is running and not past its deadline.
func (s Session) IsLive(now time.Time) bool {
	return s.Status.Running() && !s.IsDue(now)
}

func (p Policy) StartFree(w Wallet, active *Session, userID, psychicID uuid.UUID, now time.Time) (Transition, error) {
	if active != nil && active.Status.Running() {
		if active.PsychicID != psychicID {
			return Transition{}, ErrActiveSessionElsewhere
		}
		if active.Status == StatusFree {
			return Transition{Session: active, Wallet: w, PsychicID: psychicID, Outcome: OutcomeNone}, nil
		}
		return Transition{}, ErrSessionAlreadyActive
	}
	if w.FreeSessionUsed {
		return Transition{}, ErrFreeSessionUsed
	}

	start := now.UTC()
	end := start.Add(p.FreeWindow)
	s := &Session{
		ID:            uuid.New(),
		UserID:        userID,
		PsychicID:     psychicID,
		Status:        StatusFree,
		FreeStartedAt: &start,
		FreeEndsAt:    &end,
		CreatedAt:     start,
		UpdatedAt:     start,
	}
	w.FreeSessionUsed = true
	return Transition{Session: s, Wallet: w, PsychicID: psychicID, Outcome: OutcomeFreeStarted}, nil
}

func (p Policy) StartPaid(w Wallet, active *Session, userID, psychicID uuid.UUID, now time.Time) (Transition, error) {
	var upgrade *Session
	if active != nil && active.Status.Running() {
		if active.PsychicID != psychicID {
			return Transition{}, ErrActiveSessionElsewhere
		}
		if active.Status == StatusPaid {
			return Transition{}, ErrSessionAlreadyActive
		}
		upgrade = active
	}
	if w.Credits < p.CreditsPerMinute {
		return Transition{}, ErrInsufficientCredits
	}

	start := now.UTC()
	deadline := start.Add(p.PaidMinute)

	outcome := OutcomePaidStarted
	var s *Session
	if upgrade != nil {
		cp := *upgrade
		s = &cp
		// the free window ends where billing begins
		s.FreeEndsAt = &start
		outcome = OutcomeUpgraded
	} else {
		s = &Session{
			ID:        uuid.New(),
			UserID:    userID,
			PsychicID: psychicID,
			CreatedAt: start,
		}
	}
	s.Status = StatusPaid
	s.PaidStartedAt = &start
	s.PaidMinuteEndsAt = &deadline
	s.MinutesBilled++
	s.CreditsSpent += p.CreditsPerMinute
	s.UpdatedAt = start

	w.Credits -= p.CreditsPerMinute
	w.FreeSessionUsed = true

	return Transition{
		Session:   s,
		Wallet:    w,
		PsychicID: psychicID,
		Outcome:   outcome,
		Debited:   p.CreditsPerMinute,
	}, nil
}

// Stop ends a running session. Terminal sessions are returned unchanged.
func (p Policy) Stop(s Session, w Wallet, now time.Time, reason string) Transition {
	if !s.Status.Running() {
		return Transition{Session: &s, Wallet: w, PsychicID: s.PsychicID, Outcome: OutcomeNone}
	}
	end(&s, StatusStopped, now, reason)
	return Transition{Session: &s, Wallet: w, PsychicID: s.PsychicID, Outcome: OutcomeStopped}
}

// UserStop is Stop as requested by the user: the free minute always runs to
// its end. Admin stops go through Stop directly.
func (p Policy) UserStop(s Session, w Wallet, now time.Time) (Transition, error) {
	if s.Status == StatusFree {
		return Transition{}, ErrFreeSessionRunning
	}
	return p.Stop(s, w, now, ReasonUserStopped), nil
}

// Advance is one metering step for a single session.
func (p Policy) Advance(s Session, w Wallet, now time.Time) Transition {
	if !s.IsDue(now) {
		return Transition{Session: &s, Wallet: w, PsychicID: s.PsychicID, Outcome: OutcomeNone}
	}

	switch s.Status {
	case StatusFree:
		end(&s, StatusStopped, *s.FreeEndsAt, ReasonFreeExpired)
		s.UpdatedAt = now.UTC()
		return Transition{Session: &s, Wallet: w, PsychicID: s.PsychicID, Outcome: OutcomeFreeExpired}

	case StatusPaid:
		if w.Credits < p.CreditsPerMinute {
			end(&s, StatusInsufficientCredits, *s.PaidMinuteEndsAt, ReasonInsufficientCredits)
			s.UpdatedAt = now.UTC()
			return Transition{Session: &s, Wallet: w, PsychicID: s.PsychicID, Outcome: OutcomeCreditsExhausted}
		}

		next := s.PaidMinuteEndsAt.Add(p.PaidMinute)
		if !next.After(now) {
			// missed more than a minute (worker down): bill once, rebase on now
			next = now.UTC().Add(p.PaidMinute)
		}
		s.PaidMinuteEndsAt = &next
		s.MinutesBilled++
		s.CreditsSpent += p.CreditsPerMinute
		s.UpdatedAt = now.UTC()
		w.Credits -= p.CreditsPerMinute
		return Transition{
			Session:   &s,
			Wallet:    w,
			PsychicID: s.PsychicID,
			Outcome:   OutcomeMinuteDebited,
			Debited:   p.CreditsPerMinute,
		}
	}

	return Transition{Session: &s, Wallet: w, PsychicID: s.PsychicID, Outcome: OutcomeNone}
}

func end(s *Session, status SessionStatus, at time.Time, reason string) {
	at = at.UTC()
	r := reason
	s.Status = status
	s.StoppedAt = &at
	s.StopReason = &r
	s.UpdatedAt = at
}
