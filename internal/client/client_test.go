package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": msg, "request_id": "rid-1"},
	})
}

func newTestClient(url string) *Client {
	return New(url, "tok", WithRetry(3, time.Millisecond))
}

func TestClient_Status_RetriesThenSucceeds(t *testing.T) {
	pid := uuid.New()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/session-status/"+pid.String(), r.URL.Path)
		if atomic.AddInt32(&calls, 1) < 3 {
			writeErr(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
		writeJSON(w, http.StatusOK, domain.Snapshot{PsychicID: pid, Status: domain.StatusNew, Credits: 7})
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).Status(context.Background(), pid)

	require.NoError(t, err)
	assert.Equal(t, 7, snap.Credits)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_Status_GivesUpAfterAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeErr(w, http.StatusServiceUnavailable, "psychic.unavailable", "psychic is unavailable")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Status(context.Background(), uuid.New())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_Status_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeErr(w, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Status(context.Background(), uuid.New())

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Status_TransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Status(context.Background(), uuid.New())

	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestClient_SendsAuthRequestIDAndIdempotencyKey(t *testing.T) {
	pid := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/start-paid-session/"+pid.String(), r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		assert.Equal(t, "key-1", r.Header.Get("X-Idempotency-Key"))
		writeJSON(w, http.StatusOK, domain.Snapshot{PsychicID: pid, Status: domain.StatusPaid, PaidTimer: 60, Credits: 9})
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).StartPaid(context.Background(), pid, "key-1")

	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, snap.Status)
	assert.Equal(t, 60, snap.TimerSeconds())
}

func TestAPIError_Predicates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/start-free-session/") {
			writeErr(w, http.StatusConflict, "free_session.used", "Free minute already used")
			return
		}
		writeErr(w, http.StatusLocked, "session.locked", "session or wallet is locked")
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	_, err := c.StartFree(context.Background(), uuid.New())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsFreeUsed())
	assert.False(t, apiErr.IsLocked())
	assert.Equal(t, "rid-1", apiErr.RequestID)

	_, err = c.Stop(context.Background(), uuid.New(), "")
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsLocked())
	assert.False(t, apiErr.IsFreeUsed())
}

func TestAPIError_NonEnvelopeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok", WithRetry(1, 0)).Status(context.Background(), uuid.New())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unexpected_status", apiErr.Code)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestClient_WalletAndPlans(t *testing.T) {
	uid := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/wallet":
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"userId": uid, "credits": 12, "freeSessionUsed": true,
			}})
		case "/api/plans":
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{
				{"name": "Starter Plan", "credits": 10, "price_cents": 699, "currency": "EUR", "price_per_minute_cents": 69},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	wallet, err := c.Wallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uid, wallet.UserID)
	assert.Equal(t, 12, wallet.Credits)
	assert.True(t, wallet.FreeSessionUsed)

	plans, err := c.Plans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "Starter Plan", plans[0].Name)
	assert.Equal(t, 699, plans[0].PriceCents)
	assert.Equal(t, 69, plans[0].PerMinuteCents)
}

func TestClient_DialPush_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusUnauthorized, "auth.unauthorized", "unauthorized")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).DialPush(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
