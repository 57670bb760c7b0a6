package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `
	id, user_id, psychic_id, status,
	free_started_at, free_ends_at, paid_started_at, paid_minute_ends_at,
	minutes_billed, credits_spent, stopped_at, stop_reason,
	created_at, updated_at`

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var status string
	if err := row.Scan(
		&s.ID, &s.UserID, &s.PsychicID, &status,
		&s.FreeStartedAt, &s.FreeEndsAt, &s.PaidStartedAt, &s.PaidMinuteEndsAt,
		&s.MinutesBilled, &s.CreditsSpent, &s.StoppedAt, &s.StopReason,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	return &s, nil
}

// runningSession returns the user's free or paid session, nil if none.
func (r *Repository) runningSession(ctx context.Context, q querier, userID uuid.UUID, lock bool) (*domain.Session, error) {
	sql := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND status IN ('free', 'paid')`
	if lock {
		sql += ` FOR UPDATE`
	}
	s, err := scanSession(q.QueryRow(ctx, sql, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// latestSession returns the most recent session of the pair, nil if none.
func (r *Repository) latestSession(ctx context.Context, q querier, userID, psychicID uuid.UUID, lock bool) (*domain.Session, error) {
	sql := `SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND psychic_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	if lock {
		sql += ` FOR UPDATE`
	}
	s, err := scanSession(q.QueryRow(ctx, sql, userID, psychicID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// /sessions : ORDER BY created_at DESC, id DESC
// cursor means "start after this item" in DESC order -> WHERE (created_at, id) < (cursor.created_at, cursor.id)
func (r *Repository) ListMySessions(ctx context.Context, userID uuid.UUID, statuses []domain.SessionStatus, limit int, cursor *domain.KeysetCursor) ([]domain.Session, *domain.KeysetCursor, error) {
	return r.listSessions(ctx, "user_id", userID, statuses, limit, cursor)
}

func (r *Repository) ListPsychicSessions(ctx context.Context, psychicID uuid.UUID, statuses []domain.SessionStatus, limit int, cursor *domain.KeysetCursor) ([]domain.Session, *domain.KeysetCursor, error) {
	return r.listSessions(ctx, "psychic_id", psychicID, statuses, limit, cursor)
}

func (r *Repository) listSessions(ctx context.Context, ownerColumn string, ownerID uuid.UUID, statuses []domain.SessionStatus, limit int, cursor *domain.KeysetCursor) ([]domain.Session, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{ownerID}
	where := "WHERE " + ownerColumn + " = $1"

	argN := 2

	if len(statuses) > 0 {
		// build IN (...)
		ph := ""
		for i := range statuses {
			if i > 0 {
				ph += ","
			}
			ph += fmt.Sprintf("$%d", argN)
			args = append(args, string(statuses[i]))
			argN++
		}
		where += " AND status IN (" + ph + ")"
	}

	if cursor != nil {
		where += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argN, argN+1)
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM sessions
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT %d
	`, sessionColumns, where, limit+1)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

// messages of a pair, newest first
func (r *Repository) ListMessages(ctx context.Context, userID, psychicID uuid.UUID, limit int, cursor *domain.KeysetCursor) ([]domain.ChatMessage, *domain.KeysetCursor, error) {
	limit = clampLimit(limit)
	args := []any{userID, psychicID}
	where := "WHERE user_id = $1 AND psychic_id = $2"

	if cursor != nil {
		where += " AND (created_at, id) < ($3, $4)"
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	q := fmt.Sprintf(`
		SELECT id, session_id, user_id, psychic_id, sender, body, created_at
		FROM chat_messages
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT %d
	`, where, limit+1)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var sender string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.PsychicID, &sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, nil, err
		}
		m.Sender = domain.Sender(sender)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.KeysetCursor
	if len(out) > limit {
		last := out[limit-1]
		next = &domain.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		out = out[:limit]
	}
	return out, next, nil
}

// InsertMessage stores a chat line. The pair must have a live session at now.
func (r *Repository) InsertMessage(ctx context.Context, msg domain.ChatMessage, now time.Time) (domain.ChatMessage, error) {
	running, err := r.runningSession(ctx, r.pool, msg.UserID, false)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if running == nil || running.PsychicID != msg.PsychicID || !running.IsLive(now) {
		return domain.ChatMessage{}, domain.ErrSessionNotActive
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.SessionID = running.ID
	msg.CreatedAt = now.UTC()

	_, err = r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, user_id, psychic_id, sender, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.SessionID, msg.UserID, msg.PsychicID, string(msg.Sender), msg.Body, msg.CreatedAt)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return msg, nil
}
