package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

// TryMarkProcessedTx inserts (message_id, handler_name) once.
// ok=false means a duplicate delivery; the fence and the side effects commit together.
func (r *Repository) TryMarkProcessedTx(ctx context.Context, tx pgx.Tx, messageID, handlerName string) (ok bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)

	if messageID == "" {
		return true, nil
	}
	if handlerName == "" {
		handlerName = "unknown"
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

var errDuplicate = errors.New("duplicate delivery")

// ProcessOnce runs fn inside a DB transaction guarded by processed_messages "idempotency fence".
// - If duplicate (already processed): fn is NOT executed, and returns processed=false, err=nil.
// - If fn fails: tx rolls back => processed marker does NOT persist => message can be retried.
func (r *Repository) ProcessOnce(
	ctx context.Context,
	messageID, handlerName string,
	fn func(tx pgx.Tx) error,
) (processed bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)

	// Without a message_id we cannot dedupe; still run fn instead of dropping.
	// Payment credits keep a second fence on the ledger reference.
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		if messageID != "" {
			first, err := r.TryMarkProcessedTx(ctx, tx, messageID, handlerName)
			if err != nil {
				return err
			}
			if !first {
				// Duplicate delivery: don't execute fn, don't mutate anything.
				return errDuplicate
			}
		}
		return fn(tx)
	})
	if errors.Is(err, errDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
