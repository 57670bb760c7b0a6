//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFreeSession_ExpiresAndCannotRestart(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	psychic := seedPsychic(t, pool, true)
	user := uuid.New()

	tr, err := repo.StartFree(ctx, "t1", user, psychic, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFreeStarted, tr.Outcome)
	assert.Equal(t, 1, countOutbox(t, pool, "session.free_started"))

	// repeated click while running is a no-op
	again, err := repo.StartFree(ctx, "t2", user, psychic, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, again.Changed())
	assert.Equal(t, tr.Session.ID, again.Session.ID)

	// the free minute runs to its end
	_, err = repo.Stop(ctx, "t2b", "", user, psychic, t0.Add(10*time.Second))
	assert.ErrorIs(t, err, domain.ErrFreeSessionRunning)

	// status read after the window settles the session lazily
	st, err := repo.GetStatus(ctx, "t3", user, psychic, t0.Add(61*time.Second))
	require.NoError(t, err)
	require.NotNil(t, st.Session)
	assert.Equal(t, domain.StatusStopped, st.Session.Status)
	require.Len(t, st.Settled, 1)
	assert.Equal(t, domain.OutcomeFreeExpired, st.Settled[0].Outcome)
	assert.Equal(t, 1, countOutbox(t, pool, "session.free_expired"))

	_, err = repo.StartFree(ctx, "t4", user, psychic, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, domain.ErrFreeSessionUsed)
}

func TestPaidSession_DebitsPerMinuteUntilExhausted(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	psychic := seedPsychic(t, pool, true)
	user := uuid.New()

	_, err := repo.StartPaid(ctx, "t1", "", user, psychic, t0)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	seedCredits(t, pool, user, 2)

	tr, err := repo.StartPaid(ctx, "t2", "", user, psychic, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Wallet.Credits)

	due, err := repo.DueSessions(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tr.Session.ID}, due)

	step, err := repo.AdvanceSession(ctx, "t3", tr.Session.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMinuteDebited, step.Outcome)
	assert.Equal(t, 0, step.Wallet.Credits)
	assert.Equal(t, 2, step.Session.MinutesBilled)

	step, err = repo.AdvanceSession(ctx, "t4", tr.Session.ID, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreditsExhausted, step.Outcome)
	assert.Equal(t, domain.StatusInsufficientCredits, step.Session.Status)

	var ledgerSum, ledgerRows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0), count(*) FROM credit_ledger WHERE user_id = $1 AND reason = 'session_minute'`, user).
		Scan(&ledgerSum, &ledgerRows))
	assert.Equal(t, -2, ledgerSum)
	assert.Equal(t, 2, ledgerRows)

	w, err := repo.GetWallet(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Credits)
	assert.True(t, w.FreeSessionUsed)
}

func TestStartPaid_UpgradesFreeSessionInPlace(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	psychic := seedPsychic(t, pool, true)
	user := uuid.New()
	seedCredits(t, pool, user, 5)

	free, err := repo.StartFree(ctx, "t1", user, psychic, t0)
	require.NoError(t, err)

	paid, err := repo.StartPaid(ctx, "t2", "", user, psychic, t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpgraded, paid.Outcome)
	assert.Equal(t, free.Session.ID, paid.Session.ID)
	assert.Equal(t, 4, paid.Wallet.Credits)

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM sessions WHERE user_id = $1`, user).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOneRunningSessionPerUser(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	a, b := seedPsychic(t, pool, true), seedPsychic(t, pool, true)
	user := uuid.New()
	seedCredits(t, pool, user, 5)

	_, err := repo.StartPaid(ctx, "t1", "", user, a, t0)
	require.NoError(t, err)

	_, err = repo.StartPaid(ctx, "t2", "", user, b, t0.Add(time.Second))
	assert.ErrorIs(t, err, domain.ErrActiveSessionElsewhere)

	_, err = repo.StartFree(ctx, "t3", user, b, t0.Add(time.Second))
	assert.ErrorIs(t, err, domain.ErrActiveSessionElsewhere)

	// once stopped, the other psychic is reachable
	_, err = repo.Stop(ctx, "t4", "", user, a, t0.Add(2*time.Second))
	require.NoError(t, err)
	_, err = repo.StartPaid(ctx, "t5", "", user, b, t0.Add(3*time.Second))
	require.NoError(t, err)
}

func TestStartPaid_UnavailablePsychic(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	user := uuid.New()
	seedCredits(t, pool, user, 5)

	_, err := repo.StartPaid(ctx, "t1", "", user, seedPsychic(t, pool, false), t0)
	assert.ErrorIs(t, err, domain.ErrPsychicUnavailable)

	_, err = repo.StartPaid(ctx, "t2", "", user, uuid.New(), t0)
	assert.ErrorIs(t, err, domain.ErrPsychicNotFound)
}

func TestStop_IdempotentAndKeyed(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	psychic := seedPsychic(t, pool, true)
	user := uuid.New()
	seedCredits(t, pool, user, 3)

	_, err := repo.Stop(ctx, "t0", "", user, psychic, t0)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = repo.StartPaid(ctx, "t1", "pay-key", user, psychic, t0)
	require.NoError(t, err)

	// replay of the same start does not debit again
	replay, err := repo.StartPaid(ctx, "t1", "pay-key", user, psychic, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, replay.Changed())
	assert.Equal(t, 2, replay.Wallet.Credits)

	stop, err := repo.Stop(ctx, "t2", "stop-key", user, psychic, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStopped, stop.Outcome)
	assert.True(t, stop.Snapshot(t0.Add(10*time.Second)).ShowFeedbackModal)

	again, err := repo.Stop(ctx, "t3", "", user, psychic, t0.Add(11*time.Second))
	require.NoError(t, err)
	assert.False(t, again.Changed())
	assert.Equal(t, 1, countOutbox(t, pool, "session.stopped"))

	_, err = repo.Stop(ctx, "t4", "pay-key", user, psychic, t0.Add(12*time.Second))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyMismatch)
}

func TestConcurrentStartPaid_SpendsCreditOnce(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	psychic := seedPsychic(t, pool, true)
	user := uuid.New()
	seedCredits(t, pool, user, 1)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.StartPaid(ctx, "race", "", user, psychic, t0)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrSessionAlreadyActive) || errors.Is(err, domain.ErrInsufficientCredits), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)

	w, err := repo.GetWallet(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Credits)
}

func TestCreditPayment_AppliedOncePerPayment(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	user := uuid.New()

	credit := func(messageID string) bool {
		processed, err := repo.ProcessOnce(ctx, messageID, "payment.succeeded", func(tx pgx.Tx) error {
			_, _, err := repo.CreditPaymentTx(ctx, tx, "trace", user, "pay_123", 20)
			return err
		})
		require.NoError(t, err)
		return processed
	}

	assert.True(t, credit("m1"))
	assert.False(t, credit("m1"), "same delivery is fenced by processed_messages")
	assert.True(t, credit("m2"), "new message id passes the inbox fence")

	w, err := repo.GetWallet(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 20, w.Credits, "ledger reference keeps the payment single-use")
	assert.Equal(t, 1, countOutbox(t, pool, "wallet.credited"))
}

func TestAdminGrantAndForceStop(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	psychic := seedPsychic(t, pool, true)
	user, admin := uuid.New(), uuid.New()

	_, err := repo.GrantCredits(ctx, "t0", user, admin, 0, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidCredits)

	w, err := repo.GrantCredits(ctx, "t1", user, admin, 3, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, 3, w.Credits)

	tr, err := repo.StartPaid(ctx, "t2", "", user, psychic, t0)
	require.NoError(t, err)

	stopped, err := repo.ForceStop(ctx, "t3", tr.Session.ID, admin, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Session.Status)
	assert.Equal(t, domain.ReasonAdminStopped, *stopped.Session.StopReason)

	_, err = repo.ForceStop(ctx, "t4", uuid.New(), admin, t0)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestListMySessions_Keyset(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	user := uuid.New()
	seedCredits(t, pool, user, 10)

	for i := 0; i < 3; i++ {
		p := seedPsychic(t, pool, true)
		at := t0.Add(time.Duration(i) * time.Minute)
		_, err := repo.StartPaid(ctx, "t", "", user, p, at)
		require.NoError(t, err)
		_, err = repo.Stop(ctx, "t", "", user, p, at.Add(time.Second))
		require.NoError(t, err)
	}

	page1, next, err := repo.ListMySessions(ctx, user, nil, 2, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, next)
	assert.True(t, page1[0].CreatedAt.After(page1[1].CreatedAt))

	page2, next, err := repo.ListMySessions(ctx, user, []domain.SessionStatus{domain.StatusStopped}, 2, next)
	require.NoError(t, err)
	assert.Len(t, page2, 1)
	assert.Nil(t, next)
}

func TestInsertMessage_RequiresLiveSession(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	psychic := seedPsychic(t, pool, true)
	user := uuid.New()

	msg := domain.ChatMessage{UserID: user, PsychicID: psychic, Sender: domain.SenderUser, Body: "hello"}
	_, err := repo.InsertMessage(ctx, msg, t0)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)

	_, err = repo.StartFree(ctx, "t", user, psychic, t0)
	require.NoError(t, err)

	saved, err := repo.InsertMessage(ctx, msg, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, saved.SessionID)

	_, err = repo.InsertMessage(ctx, msg, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, domain.ErrSessionNotActive, "timer ran out")

	items, _, err := repo.ListMessages(ctx, user, psychic, 10, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello", items[0].Body)
}
