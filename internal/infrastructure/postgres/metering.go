package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DueSessions returns running sessions whose free window or paid minute ended at or before now.
func (r *Repository) DueSessions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		(SELECT id, free_ends_at AS due_at FROM sessions
		  WHERE status = 'free' AND free_ends_at <= $1)
		UNION ALL
		(SELECT id, paid_minute_ends_at AS due_at FROM sessions
		  WHERE status = 'paid' AND paid_minute_ends_at <= $1)
		ORDER BY due_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var dueAt time.Time
		if err := rows.Scan(&id, &dueAt); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceSession runs one metering step for a session in its own tx.
// If the user's wallet is held by a request the step is skipped (OutcomeNone)
// and the session stays due for the next tick.
func (r *Repository) AdvanceSession(ctx context.Context, traceID string, sessionID uuid.UUID, now time.Time) (domain.Transition, error) {
	var userID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT user_id FROM sessions WHERE id = $1`, sessionID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transition{}, domain.ErrSessionNotFound
		}
		return domain.Transition{}, err
	}

	var out domain.Transition
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		w := domain.Wallet{UserID: userID}
		err := tx.QueryRow(ctx, `
			SELECT credits, free_session_used, updated_at
			FROM wallets
			WHERE user_id = $1
			FOR UPDATE SKIP LOCKED
		`, userID).Scan(&w.Credits, &w.FreeSessionUsed, &w.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			out = domain.Transition{Outcome: domain.OutcomeNone}
			return nil
		}
		if err != nil {
			return err
		}

		s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID))
		if err != nil {
			return err
		}

		// a request may have settled it between DueSessions and here; Advance is a no-op then
		tr := r.policy.Advance(*s, w, now)
		if err := r.applyTx(ctx, tx, traceID, tr, false); err != nil {
			return err
		}
		out = tr
		return nil
	})
	return out, err
}
