package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/contracts/event"
	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GrantCredits tops up a wallet outside of the payment flow (support, goodwill).
func (r *Repository) GrantCredits(ctx context.Context, traceID string, userID, actorID uuid.UUID, credits int, reason string) (domain.Wallet, error) {
	if credits <= 0 {
		return domain.Wallet{}, domain.ErrInvalidCredits
	}
	reason = strings.TrimSpace(reason)

	var out domain.Wallet
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		w, err := r.creditWalletTx(ctx, tx, traceID, ledgerEntry{
			UserID:  userID,
			Delta:   credits,
			Reason:  ledgerAdminGrant,
			ActorID: &actorID,
			Note:    reason,
		})
		if err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	return out, nil
}

// ForceStop ends any session regardless of owner.
func (r *Repository) ForceStop(ctx context.Context, traceID string, sessionID, actorID uuid.UUID, now time.Time) (domain.Transition, error) {
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
		// lock wallet first, then the session
		w, err := r.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID))
		if err != nil {
			return err
		}

		tr := r.policy.Stop(*s, w, now, domain.ReasonAdminStopped)
		if err := r.applyTx(ctx, tx, traceID, tr, false); err != nil {
			return err
		}
		out = tr
		return nil
	})
	return out, err
}

// creditWalletTx adds e.Delta credits, writes the ledger line and a wallet.credited event.
func (r *Repository) creditWalletTx(ctx context.Context, tx pgx.Tx, traceID string, e ledgerEntry) (domain.Wallet, error) {
	w, err := r.lockWallet(ctx, tx, e.UserID)
	if err != nil {
		return domain.Wallet{}, err
	}
	w.Credits += e.Delta
	e.Balance = w.Credits

	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET credits = $2, updated_at = NOW() WHERE user_id = $1
	`, e.UserID, w.Credits); err != nil {
		return domain.Wallet{}, err
	}
	if err := insertLedger(ctx, tx, e); err != nil {
		return domain.Wallet{}, err
	}

	ref := ""
	if e.Reference != nil {
		ref = *e.Reference
	}
	err = insertOutbox(ctx, tx, traceID, "wallet.credited", event.WalletCreditedPayload{
		UserID:    e.UserID.String(),
		Delta:     e.Delta,
		Balance:   w.Credits,
		Reason:    e.Reason,
		Reference: ref,
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	return w, nil
}

// CreditPaymentTx applies a settled purchase once per payment id.
// Called from the consumer inside ProcessOnce; the ledger's (reason, reference)
// index is the second fence for redeliveries with a fresh message id.
func (r *Repository) CreditPaymentTx(ctx context.Context, tx pgx.Tx, traceID string, userID uuid.UUID, paymentID string, credits int) (domain.Wallet, bool, error) {
	if credits <= 0 {
		return domain.Wallet{}, false, domain.ErrInvalidCredits
	}
	paymentID = strings.TrimSpace(paymentID)

	var seen bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM credit_ledger WHERE reason = $1 AND reference = $2)
	`, ledgerPayment, paymentID).Scan(&seen)
	if err != nil {
		return domain.Wallet{}, false, err
	}
	if seen {
		return domain.Wallet{}, false, nil
	}

	w, err := r.creditWalletTx(ctx, tx, traceID, ledgerEntry{
		UserID:    userID,
		Delta:     credits,
		Reason:    ledgerPayment,
		Reference: &paymentID,
	})
	if err != nil {
		return domain.Wallet{}, false, err
	}
	return w, true, nil
}
